package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/umar/chat-receipts/internal/chat"
	"github.com/umar/chat-receipts/internal/config"
	"github.com/umar/chat-receipts/internal/database"
	"github.com/umar/chat-receipts/internal/handlers"
	"github.com/umar/chat-receipts/internal/middleware"
	mongoc "github.com/umar/chat-receipts/internal/mongo"
	redisc "github.com/umar/chat-receipts/internal/redis"
	"github.com/umar/chat-receipts/internal/receipts"
	"github.com/umar/chat-receipts/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	slog.Info("starting chat server", "store", cfg.StoreBackend, "presence", cfg.PresenceBackend)

	ctx := context.Background()

	docs, err := openStore(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to init store", "error", err)
		os.Exit(1)
	}
	defer docs.Close()

	presence, redisClient, err := openPresence(ctx, cfg)
	if err != nil {
		slog.Error("failed to init presence", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	hub := chat.NewHub(chat.Options{
		Store:      docs,
		Presence:   presence,
		Logger:     logger,
		EventRate:  cfg.EventRate,
		EventBurst: cfg.EventBurst,
	})
	go hub.Run()

	router := mux.NewRouter()
	router.Use(middleware.Logging)
	router.Use(middleware.CORS(cfg.CORSOrigin))

	router.HandleFunc("/health", handlers.Health(presence)).Methods("GET", "OPTIONS")
	router.HandleFunc("/ws", chat.ServeWS(hub)).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/users", handlers.ListUsers(docs, presence)).Methods("GET", "OPTIONS")
	api.HandleFunc("/users", handlers.CreateUser(docs)).Methods("POST", "OPTIONS")
	api.HandleFunc("/users/{id}/rooms", handlers.ListUserRooms(docs)).Methods("GET", "OPTIONS")
	api.HandleFunc("/rooms", handlers.CreateRoom(docs)).Methods("POST", "OPTIONS")
	api.HandleFunc("/rooms/{id}", handlers.GetRoom(docs)).Methods("GET", "OPTIONS")
	api.HandleFunc("/rooms/{id}/messages", handlers.GetMessages(docs, receipts.NewStatusResolver(docs, docs, logger))).Methods("GET", "OPTIONS")

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hub.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped gracefully")
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		slog.Warn("using in-memory store, data is lost on restart")
		return store.NewMemory(), nil

	case config.BackendMongo:
		s, err := mongoc.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			return nil, err
		}
		slog.Info("connected to MongoDB", "database", cfg.MongoDatabase)
		return s, nil

	default:
		db, err := database.InitDB(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		slog.Info("connected to PostgreSQL")
		if err := database.RunMigrations(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		slog.Info("database migrations complete")

		s := database.NewStore(db, nil)
		feed, err := database.NewFeed(cfg.DatabaseURL, s, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		return database.NewStore(db, feed), nil
	}
}

func openPresence(ctx context.Context, cfg *config.Config) (store.PresenceStore, *redis.Client, error) {
	if cfg.PresenceBackend == config.BackendMemory {
		return store.NewMemoryPresence(), nil, nil
	}
	client, err := redisc.InitRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("connected to Redis")
	return redisc.NewPresence(client), client, nil
}
