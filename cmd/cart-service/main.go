package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cartkit/cartkit/internal/binding"
	c "github.com/cartkit/cartkit/internal/cache"
	"github.com/cartkit/cartkit/internal/cartstore"
	"github.com/cartkit/cartkit/internal/catalog"
	"github.com/cartkit/cartkit/internal/config"
	"github.com/cartkit/cartkit/internal/events"
	h "github.com/cartkit/cartkit/internal/http"
	"github.com/cartkit/cartkit/internal/repository"
	"github.com/cartkit/cartkit/internal/resolve"
	s "github.com/cartkit/cartkit/internal/service"
)

func main() {
	// Configuration
	httpPort := getEnv("HTTP_PORT", "8080")
	storeBackend := getEnv("STORE_BACKEND", "mongo")
	requestTimeout := 30 * time.Second
	shutdownTimeout := 10 * time.Second

	opts := config.Load()
	ctx := context.Background()

	// Cart persistence
	var (
		records repository.RecordStore
		cleanup func()
	)
	switch storeBackend {
	case "postgres":
		cred := &repository.Credentials{
			Host:              getEnv("POSTGRES_HOST", "localhost"),
			Port:              getEnvInt("POSTGRES_PORT", 5432),
			User:              getEnv("POSTGRES_USER", "postgres"),
			Password:          getEnv("POSTGRES_PASSWORD", "postgres"),
			DBName:            getEnv("POSTGRES_DB", "cartdb"),
			MigrationsDirPath: getEnv("POSTGRES_MIGRATIONS_PATH", "migrations/postgres"),
		}
		store, err := repository.NewPostgresStore(cred)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		if err := store.RunMigrations(cred); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		records = store
		cleanup = func() { store.Close() }
		log.Printf("Connected to Postgres at %s:%d", cred.Host, cred.Port)

	default:
		mongoCfg := repository.DefaultMongoConfig(
			getEnv("MONGO_URI", "mongodb://localhost:27017"),
			getEnv("MONGO_DB_NAME", "cartdb"),
		)
		mongoCfg.MaxPoolSize = uint64(getEnvInt("MONGO_MAX_POOL_SIZE", int(mongoCfg.MaxPoolSize)))
		mongoCfg.MinPoolSize = uint64(getEnvInt("MONGO_MIN_POOL_SIZE", int(mongoCfg.MinPoolSize)))
		mongoDB, err := repository.ConnectMongoDB(ctx, mongoCfg)
		if err != nil {
			log.Fatalf("Failed to connect to MongoDB: %v", err)
		}
		store := repository.NewMongoStore(mongoDB)
		if err := store.CreateIndexes(ctx); err != nil {
			log.Fatalf("Failed to create indexes: %v", err)
		}
		records = store
		cleanup = func() { mongoDB.Client().Disconnect(ctx) }
		log.Printf("Connected to MongoDB at %s", mongoCfg.URI)
	}
	defer cleanup()

	// Product catalog
	products, err := catalog.NewSQLiteProvider(getEnv("CATALOG_DB_PATH", "catalog.db"), nil)
	if err != nil {
		log.Fatalf("Failed to open product catalog: %v", err)
	}
	defer products.Close()
	if err := products.RunMigrations(getEnv("CATALOG_MIGRATIONS_PATH", "migrations/catalog")); err != nil {
		log.Fatalf("Failed to migrate product catalog: %v", err)
	}

	// Cache
	redisClient := redis.NewClient(&redis.Options{
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       0,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("Redis connection failed:", err)
	}
	log.Printf("Redis ping succeeded")
	cartCache := c.NewRedisCache(redisClient)

	// Core services
	resolver := resolve.New(nil)
	binder := binding.NewBinder(records, resolver, opts)
	carts := cartstore.New(records, binder, opts)
	service := s.NewCartService(records, cartCache, products, binder, carts, resolver, opts)

	// Identity event consumer
	pollerCtx, stopPoller := context.WithCancel(ctx)
	poller := events.NewPoller(binder, cartCache, strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ",")...)
	go poller.Run(pollerCtx)

	// HTTP surface
	cartHandler := h.NewCartHandler(service, requestTimeout)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(middleware.Compress(5))
	r.Use(h.SessionMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/cart", cartHandler.Routes())
	})

	srv := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      otelhttp.NewHandler(r, "cart-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Cart service listening on :%s", httpPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down cart service...")
	stopPoller()
	poller.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}
	log.Println("Cart service stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
