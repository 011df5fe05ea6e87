package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oculairmedia/Letta-Matrix-sub002/common/version"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/store"
)

// HealthServer exposes /health, /metrics, and the inter-agent message
// endpoint. It is optional; the bridge runs without it when HTTPAddr is
// empty.
type HealthServer struct {
	addr      string
	store     statusProvider
	delivery  interAgentDeliverer
	startedAt time.Time
	server    *http.Server
	mux       *http.ServeMux
}

// statusProvider is the minimal interface the health server needs from Store.
type statusProvider interface {
	MappingCount(ctx context.Context) (int, error)
	DedupeCount(ctx context.Context) (int, error)
	GetSpace(ctx context.Context) (*store.SpaceConfig, error)
}

// interAgentDeliverer posts a mediated agent-to-agent message.
type interAgentDeliverer interface {
	DeliverInterAgent(ctx context.Context, fromAgentID, toAgentID, body, msgType string) (string, error)
}

// healthResponse is returned by GET /health.
type healthResponse struct {
	Status       string  `json:"status"`
	Version      string  `json:"version"`
	Agents       int     `json:"agents"`
	SpaceID      string  `json:"space_id"`
	UptimeSecs   float64 `json:"uptime_seconds"`
	DedupeEvents int     `json:"dedupe_events"`
}

// interAgentRequest is the body of POST /agents/{agent_id}/message.
type interAgentRequest struct {
	Message     string `json:"message"`
	FromAgentID string `json:"from_agent_id"`
	Type        string `json:"type"`
}

// interAgentResponse acknowledges an accepted delivery.
type interAgentResponse struct {
	Status     string `json:"status"`
	TrackingID string `json:"tracking_id"`
}

// NewHealthServer creates and configures the HTTP server (does not start it).
func NewHealthServer(addr string, sp statusProvider, delivery interAgentDeliverer) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		addr:      addr,
		store:     sp,
		delivery:  delivery,
		startedAt: time.Now(),
		mux:       mux,
	}
	mux.HandleFunc("GET /health", hs.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /agents/{agent_id}/message", hs.handleInterAgent)
	return hs
}

// ServeHTTP implements http.Handler so the server can be tested without a
// live network listener.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Start begins listening in the background. Blocks until the listener is
// established so the caller knows the port is open before returning.
func (h *HealthServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server: listen %s: %w", h.addr, err)
	}

	h.server = &http.Server{
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("health server listening", "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("health server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		h.Stop()
	}()

	return nil
}

// Stop shuts down the HTTP server.
func (h *HealthServer) Stop() {
	if h.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		slog.Warn("health server shutdown error", "err", err)
	}
}

// handleHealth responds with bridge status and counters.
func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := healthResponse{
		Status:     "ok",
		Version:    version.Version,
		UptimeSecs: time.Since(h.startedAt).Seconds(),
	}
	if h.store != nil {
		if n, err := h.store.MappingCount(ctx); err == nil {
			resp.Agents = n
		}
		if n, err := h.store.DedupeCount(ctx); err == nil {
			resp.DedupeEvents = n
		}
		if sc, err := h.store.GetSpace(ctx); err == nil && sc != nil {
			resp.SpaceID = sc.SpaceID
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleInterAgent accepts an agent-to-agent message addressed to the agent
// in the URL and mediates its delivery through Matrix.
func (h *HealthServer) handleInterAgent(w http.ResponseWriter, r *http.Request) {
	toAgentID := r.PathValue("agent_id")

	var req interAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.Message == "" || req.FromAgentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message and from_agent_id are required"})
		return
	}

	trackingID, err := h.delivery.DeliverInterAgent(r.Context(), req.FromAgentID, toAgentID, req.Message, req.Type)
	if err != nil {
		slog.Warn("inter-agent delivery rejected",
			"from_agent", req.FromAgentID, "to_agent", toAgentID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, interAgentResponse{
		Status:     "delivered",
		TrackingID: trackingID,
	})
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: failed to encode JSON response", "err", err)
	}
}
