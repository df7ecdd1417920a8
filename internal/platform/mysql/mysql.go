package mysql

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrNotConfigured = errors.New("mysql connection string is not configured")

const (
	connectTimeout = 5 * time.Second
	maxIdleTime    = 30 * time.Second
	maxLifetime    = 1 * time.Hour

	// One physical connection only; a single conversation write is in flight
	// per execution unit.
	maxOpenConns = 1
)

// Pool owns at most one live gorm handle. The handle is dialed lazily on the
// first Acquire and dropped by Reset so the next Acquire dials fresh.
type Pool struct {
	dsn string

	mu sync.Mutex
	db *gorm.DB
}

func NewPool(dsn string) *Pool {
	return &Pool{dsn: dsn}
}

func (p *Pool) Acquire(ctx context.Context) (*gorm.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db != nil {
		return p.db, nil
	}

	db, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	p.db = db
	return p.db, nil
}

// Reset invalidates the current handle. The underlying connection is closed
// best-effort; a broken one may refuse to close and that is fine.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db == nil {
		return
	}
	if sqlDB, err := p.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	p.db = nil
}

// Healthy reports whether the store answers a ping. Single attempt, no
// retries; a failed probe resets the pool so the next caller dials fresh.
func (p *Pool) Healthy(ctx context.Context) bool {
	db, err := p.Acquire(ctx)
	if err != nil {
		return false
	}
	sqlDB, err := db.DB()
	if err != nil {
		return false
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		p.Reset()
		return false
	}
	return true
}

func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db == nil {
		return nil
	}
	sqlDB, err := p.db.DB()
	p.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (p *Pool) dial(ctx context.Context) (*gorm.DB, error) {
	if p.dsn == "" {
		return nil, ErrNotConfigured
	}

	db, err := gorm.Open(mysql.Open(p.dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql failed: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get mysql sql db failed: %w", err)
	}

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxOpenConns)
	sqlDB.SetConnMaxIdleTime(maxIdleTime)
	sqlDB.SetConnMaxLifetime(maxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping mysql failed: %w", err)
	}

	return db, nil
}
