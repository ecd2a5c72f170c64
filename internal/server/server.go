package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"taskmanager/internal/auth"
	"taskmanager/internal/config"
	"taskmanager/internal/database"
	"taskmanager/internal/dependency"
	"taskmanager/internal/handler"
	"taskmanager/internal/middleware"
	"taskmanager/internal/ratelimit"
	"taskmanager/internal/repository"
	"taskmanager/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	Engine *gin.Engine
	DB     *gorm.DB
	Config *config.Config

	log   *zap.Logger
	redis *redis.Client
}

// Init opens the database, applies migrations and builds the router.
func Init(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Server, error) {
	db, err := database.Open(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db, cfg, log); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Server{DB: db, Config: cfg, log: log}

	var limiter middleware.Allower
	if cfg.RedisURL != "" {
		client, err := ratelimit.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn("rate limiting disabled", zap.Error(err))
		} else {
			s.redis = client
			limiter = ratelimit.NewLimiter(client, "ratelimit:")
		}
	}

	s.Engine = NewRouter(db, cfg, limiter, log)
	return s, nil
}

// NewRouter wires repositories, services and handlers onto a gin engine.
// limiter may be nil.
func NewRouter(db *gorm.DB, cfg *config.Config, limiter middleware.Allower, log *zap.Logger) *gin.Engine {
	if err := handler.RegisterValidators(); err != nil {
		log.Fatal("register validators", zap.Error(err))
	}

	r := gin.New()
	r.Use(
		middleware.RequestID(),
		middleware.Logger(log),
		middleware.Recovery(log),
		middleware.CORS(cfg.CORSOrigins),
	)

	// Initialize repositories
	userRepo := repository.NewUserRepository(db)
	taskRepo := repository.NewTaskRepository(db)

	// Initialize services
	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTExpiry())
	validator := dependency.NewValidator(taskRepo, dependency.Options{
		PreloadGraph: cfg.DependencyPreloadGraph,
		MaxNodes:     cfg.DependencyMaxNodes,
	}, log)
	taskService := service.NewTaskService(taskRepo, validator, service.Options{Sweep: cfg.OverdueSweep}, log)

	// Initialize handlers
	userHandler := handler.NewUserHandler(userRepo, tokens, log)
	taskHandler := handler.NewTaskHandler(taskService, log)

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Task Manager API is running")
	})
	r.GET("/health", func(c *gin.Context) {
		if err := taskRepo.Ping(c.Request.Context()); err != nil {
			log.Error("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := r.Group("/api")

	// Public routes
	users := api.Group("/users")
	public := users.Group("")
	if limiter != nil {
		public.Use(middleware.RateLimit(limiter, cfg.RateLimitRequests, cfg.RateLimitWindow, log))
	}
	public.POST("/register", userHandler.Register)
	public.POST("/login", userHandler.Login)

	// Protected routes - require authentication
	authMiddleware := middleware.JWTAuthMiddleware(tokens)

	me := users.Group("", authMiddleware)
	me.GET("/me", userHandler.Me)
	me.PATCH("/me", userHandler.UpdateMe)
	me.PATCH("/updateMe", userHandler.UpdateMe)

	tasks := api.Group("/tasks", authMiddleware)
	{
		tasks.GET("", taskHandler.GetAll)
		tasks.POST("", taskHandler.Create)

		// Read models, registered before /:id
		tasks.GET("/overdue", taskHandler.GetOverdue)
		tasks.GET("/overdue/tasks", taskHandler.GetOverdue)
		tasks.GET("/board", taskHandler.GetBoard)
		tasks.GET("/calendar", taskHandler.GetCalendar)
		tasks.GET("/graph", taskHandler.GetGraph)
		tasks.GET("/tags", taskHandler.GetTags)
		tasks.POST("/dependencies/validate", taskHandler.ValidateDependencies)

		tasks.GET("/:id", taskHandler.GetByID)
		tasks.PATCH("/:id", taskHandler.Update)
		tasks.PUT("/:id", taskHandler.Update)
		tasks.DELETE("/:id", taskHandler.Delete)
		tasks.POST("/:id/toggle", taskHandler.Toggle)
	}

	return r
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.Config.ServerPort,
		Handler:           s.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("server running", zap.String("port", s.Config.ServerPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	s.close()
	if err == nil {
		s.log.Info("server exited properly")
	}
	return err
}

func (s *Server) close() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.Warn("close redis", zap.Error(err))
		}
	}
	if sqlDB, err := s.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			s.log.Warn("close database", zap.Error(err))
		}
	}
}
