package http

import (
	"time"

	"github.com/gin-gonic/gin"

	"deepchat/internal/ai"
	appsvc "deepchat/internal/app"
	"deepchat/internal/bootstrap"
	"deepchat/internal/cache"
	"deepchat/internal/platform/rabbitmq"
	"deepchat/internal/repository"
	"deepchat/internal/transport/http/handler"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	sessionRepo := repository.NewSessionRepository(app.Pool)
	messageRepo := repository.NewMessageRepository(app.Pool)
	titlePublisher := rabbitmq.NewTitlePublisher(app.MQConn, app.Config.RabbitMQ.TitleQueue)
	historyCache := cache.NewHistoryCache(
		app.Redis,
		time.Duration(app.Config.Redis.HistoryTTLSeconds)*time.Second,
		time.Duration(app.Config.Redis.HistoryDirtyTTLSeconds)*time.Second,
	)

	chatService := appsvc.NewChatService(
		sessionRepo,
		messageRepo,
		titlePublisher,
		historyCache,
		ai.NewClient(),
		ai.ChatConfig{
			BaseURL:     app.Config.LLM.BaseURL,
			APIKey:      app.Config.LLM.APIKey,
			Model:       app.Config.LLM.Model,
			Temperature: app.Config.LLM.Temperature,
			MaxTokens:   app.Config.LLM.MaxTokens,
		},
		app.Config.LLM.SystemPrompt,
	)

	chatHandler := handler.NewChatHandler(chatService)
	healthHandler := handler.NewHealthHandler(app)
	adminHandler := handler.NewAdminHandler(app.Pool)

	router.GET("/healthz", healthHandler.Check)
	router.GET("/admin/init", adminHandler.InitStore)
	router.POST("/admin/init", adminHandler.InitStore)

	router.POST("/session", chatHandler.CreateSession)
	router.GET("/session/:id", chatHandler.GetSession)
	router.PATCH("/session/:id", chatHandler.UpdateSessionTitle)
	router.DELETE("/session/:id", chatHandler.DeleteSession)
	router.GET("/sessions", chatHandler.ListSessions)
	router.POST("/message", chatHandler.SaveMessage)
	router.POST("/chat", chatHandler.Chat)

	return router
}
