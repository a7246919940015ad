package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/buildops/be-approvals/internal/authz"
	"github.com/buildops/be-approvals/internal/client"
	"github.com/buildops/be-approvals/internal/config"
	"github.com/buildops/be-approvals/internal/database"
	"github.com/buildops/be-approvals/internal/handler"
	"github.com/buildops/be-approvals/internal/logger"
	"github.com/buildops/be-approvals/internal/middleware"
	"github.com/buildops/be-approvals/internal/repository"
	"github.com/buildops/be-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approvals Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize repositories
	grantRepo := repository.NewGrantRepository(db)
	flowRepo := repository.NewFlowRepository(db)
	requestRepo := repository.NewRequestRepository(db)
	historyRepo := repository.NewHistoryRepository(db)

	// Initialize authorization core
	resolver := authz.NewResolver(grantRepo)
	evaluator := authz.NewEvaluator(resolver)
	guard := authz.NewGuard(resolver)

	// Initialize external service clients
	identityClient := client.NewIdentityClient(cfg.Clients.IdentityURL)
	entitiesClient := client.NewEntitiesClient(cfg.Clients.EntitiesURL)

	publisher, err := client.NewNotificationPublisher(cfg.NATS.URL, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer publisher.Close()
	if publisher != nil {
		log.Info().Str("nats_url", cfg.NATS.URL).Msg("Notification publisher initialized")
	}

	// Initialize services
	selector := service.NewFlowSelector(flowRepo)
	flowService := service.NewFlowService(flowRepo, requestRepo, guard, log)

	var events service.EventPublisher
	if publisher != nil {
		events = publisher
	}
	approvalService := service.NewApprovalService(
		selector, requestRepo, historyRepo, guard, evaluator, entitiesClient, events, log)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(flowService, approvalService, identityClient, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Flow routes
	mux.HandleFunc("/api/v1/flows", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListFlows(w, r)
		case http.MethodPost:
			httpHandler.CreateFlow(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/flows/get", httpHandler.GetFlow)
	mux.HandleFunc("/api/v1/flows/update", httpHandler.UpdateFlow)
	mux.HandleFunc("/api/v1/flows/delete", httpHandler.DeleteFlow)

	// Approval request routes
	mux.HandleFunc("/api/v1/approval-requests", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListRequests(w, r)
		case http.MethodPost:
			httpHandler.CreateRequest(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/approval-requests/get", httpHandler.GetRequest)
	mux.HandleFunc("/api/v1/approval-requests/approve", httpHandler.Approve)
	mux.HandleFunc("/api/v1/approval-requests/reject", httpHandler.Reject)
	mux.HandleFunc("/api/v1/approval-requests/return", httpHandler.Return)
	mux.HandleFunc("/api/v1/approval-requests/cancel", httpHandler.Cancel)
	mux.HandleFunc("/api/v1/approval-requests/history", httpHandler.GetHistory)
	mux.HandleFunc("/api/v1/approval-requests/pending", httpHandler.ListPending)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(cfg.Server.WriteTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
