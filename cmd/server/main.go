package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "taskmanager/docs"
	"taskmanager/internal/config"
	"taskmanager/internal/logger"
	"taskmanager/internal/server"

	"go.uber.org/zap"
)

// @title           Task Manager API
// @version         1.0
// @description     Personal task management: tasks with due dates, tags and dependencies.

// @host      localhost:5000
// @BasePath  /

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

// @schemes http
func main() {
	cfg := config.Load()

	log := logger.New(cfg.LogLevel, cfg.LogEncoding)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := server.Init(ctx, cfg, log)
	if err != nil {
		log.Error("server initialization failed", zap.Error(err))
		os.Exit(1)
	}

	if err := s.Run(ctx); err != nil {
		log.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}
