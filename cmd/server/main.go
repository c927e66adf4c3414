package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prudhvinik1/causalsync/internal/config"
	"github.com/prudhvinik1/causalsync/internal/database"
	"github.com/prudhvinik1/causalsync/internal/handlers"
	"github.com/prudhvinik1/causalsync/internal/repositories"
	"github.com/prudhvinik1/causalsync/internal/services"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx := context.Background()

	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize database connections
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to create postgres pool: %v", err)
	}
	defer postgresPool.Close()

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to create redis client: %v", err)
	}
	defer redisClient.Close()

	// Repositories
	deviceRepo := repositories.NewPostgresDeviceRepository(postgresPool)
	eventRepo := repositories.NewPostgresEventRepository(postgresPool)
	conflictRepo := repositories.NewPostgresConflictRepository(postgresPool)
	sessionRepo := repositories.NewRedisSyncSessionRepository(redisClient, cfg.SessionTTL)

	// Services
	deviceService := services.NewDeviceService(deviceRepo, cfg.JWTSecret, cfg.JWTExpiry)
	eventService := services.NewEventService(deviceRepo, eventRepo)
	detector := services.NewConflictDetector(eventRepo, conflictRepo)
	resolver := services.NewConflictResolver(conflictRepo, eventRepo)
	coordinator := services.NewSyncCoordinator(deviceRepo, eventRepo, conflictRepo, sessionRepo, cfg.StalenessThreshold)

	syncHandler := handlers.NewSyncHandler(deviceService, eventService, detector, resolver, coordinator)

	// Initialize HTTP Server
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	// Health check endpoints
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	router.Mount("/api/v1", syncHandler.Routes())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Printf("Starting server on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	// graceful shutdown
	group.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-sigChan:
		case <-groupCtx.Done():
			return groupCtx.Err()
		}

		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server stopped gracefully")
}
