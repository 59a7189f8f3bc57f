package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dyluth/warren/internal/breaker"
	"github.com/dyluth/warren/internal/logging"
	"github.com/dyluth/warren/pkg/blackboard"
)

// DefaultHealthAddr is the listen address when none is configured.
const DefaultHealthAddr = ":8080"

// BreakerSnapshotter reports current provider breaker state.
type BreakerSnapshotter interface {
	Snapshot() []breaker.Health
}

// HealthServer provides HTTP health check endpoints for a running scheduler.
type HealthServer struct {
	addr     string
	client   *blackboard.Client
	breakers BreakerSnapshotter
	logger   *zap.Logger
	server   *http.Server
}

// NewHealthServer creates a new health check server. breakers may be nil.
func NewHealthServer(addr string, client *blackboard.Client, breakers BreakerSnapshotter, logger *zap.Logger) *HealthServer {
	if addr == "" {
		addr = DefaultHealthAddr
	}
	return &HealthServer{
		addr:     addr,
		client:   client,
		breakers: breakers,
		logger:   logging.OrNop(logger),
	}
}

// Start starts the HTTP health check server in the background.
func (h *HealthServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)

	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("health server error", zap.String("addr", h.addr), zap.Error(err))
		}
	}()

	h.logger.Info("health server listening", zap.String("addr", h.addr))
	return nil
}

// Shutdown gracefully shuts down the health check server.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// healthCheckHandler handles GET /healthz requests.
// Returns 200 OK if Redis is accessible, 503 Service Unavailable otherwise.
// Open provider circuits are reported but do not make the process unhealthy.
func (h *HealthServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{Status: "healthy"}
	if h.breakers != nil {
		for _, b := range h.breakers.Snapshot() {
			if response.Breakers == nil {
				response.Breakers = make(map[string]breaker.State)
			}
			response.Breakers[b.ProviderID] = b.State
		}
	}

	code := http.StatusOK
	if err := h.client.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Redis = "disconnected"
		response.Error = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		response.Redis = "connected"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Debug("failed to write health response", zap.Error(err))
	}
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status   string                   `json:"status"`
	Redis    string                   `json:"redis,omitempty"`
	Error    string                   `json:"error,omitempty"`
	Breakers map[string]breaker.State `json:"breakers,omitempty"`
}
