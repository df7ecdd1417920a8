package bootstrap

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"deepchat/internal/config"
	mysqlClient "deepchat/internal/platform/mysql"
	rabbitmqClient "deepchat/internal/platform/rabbitmq"
	redisClient "deepchat/internal/platform/redis"
	"deepchat/internal/repository"
	"deepchat/internal/worker"
)

type App struct {
	Config      *config.Config
	Pool        *mysqlClient.Pool
	Redis       *redis.Client
	MQConn      *amqp.Connection
	TitleWorker *worker.SessionTitleWorker

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	pool := mysqlClient.NewPool(cfg.MySQLDSN())
	if err := repository.EnsureSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("ensure schema failed: %w", err)
	}

	redisCli, err := redisClient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}

	mqConn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
	if err != nil {
		return nil, err
	}

	sessionRepo := repository.NewSessionRepository(pool)
	titleWorker := worker.NewSessionTitleWorker(mqConn, sessionRepo, cfg.RabbitMQ.TitleQueue)
	if err := titleWorker.Start(ctx); err != nil {
		return nil, fmt.Errorf("start title worker failed: %w", err)
	}

	return &App{
		Config:      cfg,
		Pool:        pool,
		Redis:       redisCli,
		MQConn:      mqConn,
		TitleWorker: titleWorker,
		StartedAt:   time.Now(),
	}, nil
}

func (a *App) Close() error {
	var closeErr error
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.TitleWorker != nil {
		a.TitleWorker.Close()
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.Pool != nil {
		if err := a.Pool.Close(); err != nil {
			closeErr = err
		}
	}
	return closeErr
}
