// Package transport is the bridge's HTTP surface: health, metrics, and
// the /mcp endpoint that frames JSON-RPC tool traffic and SSE push.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agorai/agorai/internal/bridge/auth"
	"github.com/agorai/agorai/internal/bridge/ratelimit"
	"github.com/agorai/agorai/internal/bridge/session"
	"github.com/agorai/agorai/internal/metrics"
)

// sessionHeader carries the session ID on /mcp requests and responses.
const sessionHeader = "Mcp-Session-Id"

// ServerFactory builds the per-session tool server for an agent. The
// transport stays decoupled from tool registration through it.
type ServerFactory func(agentID string) *server.MCPServer

// Handler implements the HTTP endpoint.
type Handler struct {
	auth         *auth.Authenticator
	limiter      *ratelimit.Limiter
	sessions     *session.Manager
	factory      ServerFactory
	log          *slog.Logger
	version      string
	maxBodyBytes int64

	mux *http.ServeMux
}

func New(a *auth.Authenticator, limiter *ratelimit.Limiter, sessions *session.Manager, factory ServerFactory, log *slog.Logger, version string, maxBodyBytes int64) *Handler {
	h := &Handler{
		auth:         a,
		limiter:      limiter,
		sessions:     sessions,
		factory:      factory,
		log:          log,
		version:      version,
		maxBodyBytes: maxBodyBytes,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/mcp", h.handleMCP)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	switch r.URL.Path {
	case "/health", "/metrics", "/mcp":
		h.mux.ServeHTTP(rec, r)
	default:
		http.NotFound(rec, r)
	}

	metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
	metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	h.log.Debug("http request",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", rec.status),
		slog.Duration("duration", time.Since(start)))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.version})
}

func (h *Handler) handleMCP(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if r.Header.Get("Authorization") == "" {
		writeError(w, http.StatusUnauthorized, "Missing API key")
		return
	}
	agent, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidKey) {
			writeError(w, http.StatusForbidden, "Invalid API key")
		} else {
			h.log.Error("authenticate", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	if ok, _ := h.limiter.Allow(agent.ID); !ok {
		metrics.RateLimited.Inc()
		// Advertise the full window: a fresh token may come sooner, but
		// the window is the budget the client actually has to respect.
		seconds := int((h.limiter.Window() + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	if r.Method == http.MethodPost || r.Method == http.MethodPut {
		if r.ContentLength > h.maxBodyBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
	}

	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r, agent.ID)
	case http.MethodGet:
		h.handleGet(w, r, agent.ID)
	case http.MethodDelete:
		h.handleDelete(w, r, agent.ID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request, agentID string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Bad request body")
		return
	}
	if int64(len(body)) > h.maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}

	var sess *session.Session
	if id := r.Header.Get(sessionHeader); id != "" {
		sess, err = h.sessions.Get(id)
		if err != nil {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		if sess.AgentID != agentID {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
	} else {
		sess = h.sessions.Create(agentID, h.factory(agentID))
		metrics.ActiveSessions.Set(float64(h.sessions.Count()))
	}
	w.Header().Set(sessionHeader, sess.ID)

	resp := sess.Server.HandleMessage(r.Context(), body)
	if resp == nil {
		// Notification: accepted, nothing to return.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGet attaches the caller to the session's SSE stream.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, agentID string) {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing session ID")
		return
	}
	sess, err := h.sessions.Get(id)
	if err != nil || sess.AgentID != agentID {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(sessionHeader, sess.ID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.SSEConnectionsActive.Inc()
	defer metrics.SSEConnectionsActive.Dec()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sess.Events():
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", event)
			flusher.Flush()
		}
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, agentID string) {
	id := r.Header.Get(sessionHeader)
	if id != "" {
		if sess, err := h.sessions.Get(id); err != nil || sess.AgentID != agentID {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
	}
	if err := h.sessions.Close(id); err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	metrics.ActiveSessions.Set(float64(h.sessions.Count()))
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
