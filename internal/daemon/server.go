package daemon

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"go.uber.org/zap"

	"github.com/draknorr/publisheriq/internal/chat"
	"github.com/draknorr/publisheriq/internal/config"
	"github.com/draknorr/publisheriq/internal/credits"
	"github.com/draknorr/publisheriq/internal/llm"
	"github.com/draknorr/publisheriq/internal/llm/providers/anthropic"
	"github.com/draknorr/publisheriq/internal/llm/providers/openai"
	"github.com/draknorr/publisheriq/internal/observability"
	chatrpc "github.com/draknorr/publisheriq/internal/rpc/chat"
	toolrpc "github.com/draknorr/publisheriq/internal/rpc/tools"
	"github.com/draknorr/publisheriq/internal/tools"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server hosts the chat streaming endpoints plus health/metrics.
type Server struct {
	cfg          *config.Config
	logger       *zap.Logger
	orchestrator *chat.Orchestrator
	metrics      *observability.Metrics
	tools        *tools.Registry
	store        *credits.SQLiteStore
}

// NewServer constructs a daemon instance. The tool executor is the external
// query backend and is injected by the caller.
func NewServer(cfg *config.Config, logger *zap.Logger, executor tools.Executor) (*Server, error) {
	registry := llm.NewRegistry()
	active := strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	for name, vendor := range cfg.Vendors {
		name = strings.ToLower(name)
		switch name {
		case "openai":
			registry.Register(name, openai.NewProvider(name, vendor.BaseURL, vendor.APIKey, vendor.Timeout), name == active)
		case "anthropic":
			registry.Register(name, anthropic.NewProvider(name, vendor.BaseURL, vendor.APIKey, vendor.Timeout), name == active)
		default:
			return nil, fmt.Errorf("unknown vendor %q", name)
		}
	}

	store, err := credits.OpenSQLiteStore(cfg.Credits.BalanceDBPath)
	if err != nil {
		return nil, fmt.Errorf("open balance store: %w", err)
	}

	pricing := credits.DefaultPricing()
	if len(cfg.Credits.ToolCosts) > 0 {
		pricing.ToolCosts = cfg.Credits.ToolCosts
	}
	pricing.InputRate = cfg.Credits.InputRate
	pricing.OutputRate = cfg.Credits.OutputRate
	pricing.MinimumCharge = cfg.Credits.MinimumCharge
	pricing.MaxReservation = cfg.Credits.MaxReservation

	ledger := credits.NewLedger(store, pricing, logger)
	metrics := observability.NewMetrics()
	toolRegistry := tools.NewRegistry(executor, time.Duration(cfg.Tools.ExecTimeoutSeconds)*time.Second)

	orchestrator := chat.New(registry, toolRegistry, ledger, chat.Config{
		MaxIterations: cfg.Chat.MaxIterations,
		SystemPrompt:  cfg.Chat.SystemPrompt,
		Model:         cfg.LLM.Model,
		MaxTokens:     cfg.Chat.MaxTokens,
		Temperature:   cfg.Chat.Temperature,
	}, logger)
	orchestrator.Metrics = metrics

	return &Server{
		cfg:          cfg,
		logger:       logger,
		orchestrator: orchestrator,
		metrics:      metrics,
		tools:        toolRegistry,
		store:        store,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/metrics", s.metricsHandler)
	mux.Handle("/tools/schemas", toolrpc.SchemaHandler{Registry: s.tools})

	switch strings.ToLower(strings.TrimSpace(s.cfg.Server.Transport)) {
	case "connect":
		path, handler := chatrpc.NewConnectHandler(s.orchestrator, s.metrics)
		mux.Handle(path, handler)
		// keep the SSE path available for plain HTTP clients
		mux.Handle("/chat", chatrpc.NewHandler(s.orchestrator, s.metrics))
	default:
		mux.Handle("/chat", chatrpc.NewHandler(s.orchestrator, s.metrics))
	}

	handler := http.Handler(mux)
	if strings.ToLower(strings.TrimSpace(s.cfg.Server.Transport)) == "connect" {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}

	server := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting publisheriq daemon", zap.String("addr", s.cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down publisheriq daemon")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("closing balance store", zap.Error(err))
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Server.MetricsEnabled {
		http.NotFound(w, r)
		return
	}

	promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
