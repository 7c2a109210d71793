package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/mossy-p/peercall/config"
	"github.com/mossy-p/peercall/internal/handlers"
	"github.com/mossy-p/peercall/internal/presence"
	"github.com/mossy-p/peercall/internal/redis"
	"github.com/mossy-p/peercall/internal/relay"
)

func main() {
	// Load configuration
	cfg := config.Load()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	// Connect to Redis
	if err := redis.Connect(cfg.Redis); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redis.Close()

	zlog.Info().Msg("Redis connection established")

	registry := presence.NewRegistry(presence.NewRedisStore(redis.GetClient()))
	rl := relay.New(registry)

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Login endpoint (public)
	router.POST("/api/auth/login", handlers.Login(cfg.JWTSecret))

	// WebSocket signaling endpoint; the token is validated at upgrade
	router.GET("/ws/signal", handlers.HandleSignaling(rl, cfg.JWTSecret))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		zlog.Info().Str("port", cfg.Port).Msg("Starting call signaling server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	zlog.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}
	zlog.Info().Msg("Server exited")
}
