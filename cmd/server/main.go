// Package main 是网关服务的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ruleout-go/internal/config"
	"ruleout-go/internal/handler"
	"ruleout-go/internal/middleware"
	"ruleout-go/internal/repository"
	"ruleout-go/internal/service"
	"ruleout-go/internal/turn"
	"ruleout-go/pkg/database"
	"ruleout-go/pkg/es"
	"ruleout-go/pkg/inference"
	"ruleout-go/pkg/kafka"
	"ruleout-go/pkg/llm"
	"ruleout-go/pkg/log"
	"ruleout-go/pkg/token"
)

func main() {
	// 1. 初始化配置
	configPath := os.Getenv("RULEOUT_CONFIG")
	if configPath == "" {
		configPath = "./configs/config.yaml"
	}
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	// 3. 初始化 Redis 与会话存储
	if err := database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB); err != nil {
		log.Fatal("Redis 初始化失败", err)
	}
	var conversationRepo repository.ConversationRepository
	switch cfg.Store.Driver {
	case "mysql":
		if err := database.InitMySQL(cfg.Database.MySQL.DSN); err != nil {
			log.Fatal("MySQL 初始化失败", err)
		}
		conversationRepo = repository.NewMySQLConversationRepository(database.DB)
	case "redis", "":
		conversationRepo = repository.NewConversationRepository(database.RDB, cfg.Store.TTL)
	default:
		log.Fatalf("未知的会话存储驱动: %s", cfg.Store.Driver)
	}
	log.Infof("会话存储使用 %s", cfg.Store.Driver)
	quotaRepo := repository.NewGuestQuotaRepository(database.RDB, cfg.Guest.QueryLimit, cfg.Guest.TTL)

	// 4. 可选的标题检索索引
	var titleIndex es.TitleIndex
	if cfg.Elasticsearch.Addresses != "" {
		esClient, err := es.NewClient(cfg.Elasticsearch)
		if err == nil {
			initCtx, cancelInit := context.WithTimeout(context.Background(), 10*time.Second)
			titleIndex, err = es.NewTitleIndex(initCtx, esClient, cfg.Elasticsearch.IndexName)
			cancelInit()
		}
		if err != nil {
			log.Warnf("Elasticsearch 不可用，标题搜索退回子串匹配: %v", err)
			titleIndex = nil
		}
	}

	// 5. 初始化 Service (依赖注入)
	llmClient := llm.NewClient(cfg.LLM)
	titleService := service.NewTitleService(llmClient, conversationRepo, titleIndex)
	conversationService := service.NewConversationService(conversationRepo, titleIndex)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	inferenceClient := inference.NewClient(cfg.Inference)

	// 6. 标题任务：配置了 Kafka 时异步投递并启动消费者，否则在进程内执行
	inProcessTitles := service.NewInProcessTitleRequester(titleService)
	var titles turn.TitleRequester = inProcessTitles
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()
	if cfg.Kafka.Brokers != "" {
		producer := kafka.NewProducer(cfg.Kafka)
		defer producer.Close()
		titles = service.NewFallbackTitleRequester(producer, inProcessTitles)
		go kafka.NewConsumer(cfg.Kafka, database.RDB, titleService).Run(consumerCtx)
	}

	chatHandler := handler.NewChatHandler(inferenceClient, conversationRepo, quotaRepo, titles, cfg.Chat)
	conversationHandler := handler.NewConversationHandler(conversationService)
	guestHandler := handler.NewGuestHandler(quotaRepo)

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiV1 := r.Group("/api/v1")
	{
		// Chat 路由 (WebSocket)，访客也可使用
		apiV1.GET("/chat/ws", middleware.OptionalAuth(jwtManager), chatHandler.Handle)

		conversations := apiV1.Group("/conversations")
		conversations.Use(middleware.AuthMiddleware(jwtManager))
		{
			conversations.GET("", conversationHandler.List)
			conversations.GET("/search", conversationHandler.Search)
			conversations.GET("/:id", conversationHandler.Get)
			conversations.PUT("/:id/title", conversationHandler.Rename)
			conversations.PUT("/:id/favorite", conversationHandler.SetFavorite)
			conversations.PUT("/:id/messages/:index/feedback", conversationHandler.ToggleFeedback)
			conversations.PUT("/:id/messages/:index/references/:ref/feedback", conversationHandler.ToggleReferenceFeedback)
			conversations.GET("/:id/messages/:index/copy", conversationHandler.CopyAnswer)
			conversations.DELETE("/:id", conversationHandler.Delete)
		}

		guest := apiV1.Group("/guest")
		{
			guest.GET("/quota", middleware.OptionalAuth(jwtManager), guestHandler.Quota)
			guest.POST("/reset", middleware.AuthMiddleware(jwtManager), guestHandler.Reset)
		}
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	stopConsumer()
	log.Info("服务已优雅关闭")
}
