package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ordermesh/backend/internal/config"
	"github.com/ordermesh/backend/internal/database"
	"github.com/ordermesh/backend/internal/handlers"
	mW "github.com/ordermesh/backend/internal/middleware"
	"github.com/ordermesh/backend/internal/notify"
	"github.com/ordermesh/backend/internal/services"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	core := config.LoadCoreConfig()

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	executor := services.NewTxExecutor(db, services.TxOptions{
		MaxRetries: core.TxMaxRetries,
		BaseDelay:  core.TxBaseDelay,
		MaxDelay:   core.TxMaxDelay,
	})
	notifier := notify.FromConfig(core.NotifyWebhookURL)

	ledgerService := services.NewLedgerService(db)
	creditService := services.NewCreditService(db, executor, ledgerService, redisClient)
	allocationService := services.NewAllocationService(db, executor, notifier, services.AllocationConfig{
		TopK:              core.BroadcastTopK,
		WeightCompletion:  core.WeightCompletion,
		WeightRating:      core.WeightRating,
		WeightReliability: core.WeightReliability,
	})
	reconciliationService := services.NewReconciliationService(db, ledgerService,
		decimal.NewFromFloat(core.ReconcileEpsilon))

	creditHandler := handlers.NewCreditHandler(creditService, ledgerService)
	allocationHandler := handlers.NewAllocationHandler(allocationService, core.ResponseTTL)
	reconciliationHandler := handlers.NewReconciliationHandler(reconciliationService)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/credit/accounts", creditHandler.CreateAccount)
		r.Put("/credit/accounts/{retailerId}/{wholesalerId}/block", creditHandler.Block)
		r.Put("/credit/accounts/{retailerId}/{wholesalerId}/unblock", creditHandler.Unblock)
		r.Get("/credit/accounts/{retailerId}/{wholesalerId}/statement", creditHandler.Statement)
		r.Post("/credit/reserve", creditHandler.Reserve)
		r.Post("/credit/release", creditHandler.Release)
		r.Post("/payments", creditHandler.RecordPayment)
		r.Post("/adjustments", creditHandler.RecordAdjustment)

		r.Post("/allocations/broadcast", allocationHandler.Broadcast)
		r.Get("/allocations/{routingId}", allocationHandler.Routing)
		r.Post("/allocations/{routingId}/responses", allocationHandler.Respond)
		r.Post("/allocations/{routingId}/accept", allocationHandler.Accept)
		r.Post("/allocations/{routingId}/timeout", allocationHandler.Timeout)
		r.Post("/allocations/{routingId}/reset", allocationHandler.Reset)

		r.Post("/reconciliation/run", reconciliationHandler.Run)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Scheduler: timeout sweeps and reconciliation run on fixed intervals.
	schedCtx, stopSched := context.WithCancel(context.Background())
	defer stopSched()
	go runTimeoutSweeper(schedCtx, allocationService, core.TimeoutSweepEvery, core.ResponseTTL)
	go runReconciler(schedCtx, reconciliationService, core.ReconcileEvery)

	// Start server
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stopSched()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}

func runTimeoutSweeper(ctx context.Context, allocation *services.AllocationService, every, ttl time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := allocation.SweepTimeouts(ctx, ttl); err != nil {
				log.Printf("[SCHED] timeout sweep failed: %v", err)
			}
		}
	}
}

func runReconciler(ctx context.Context, reconciliation *services.ReconciliationService, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := reconciliation.Audit(ctx)
			if err != nil {
				log.Printf("[SCHED] reconciliation failed: %v", err)
				continue
			}
			if !report.Clean() {
				log.Printf("[SCHED] reconciliation found %d discrepancies", len(report.Discrepancies))
			}
		}
	}
}
