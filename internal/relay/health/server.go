package health

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/core/failure"
	"github.com/vietddude/relay/internal/relay/conn"
	"github.com/vietddude/relay/internal/relay/queue"
	"github.com/vietddude/relay/internal/relay/send"
)

// Server is the HTTP front door: health and status reads, the outbound send
// endpoint, and Prometheus metrics.
type Server struct {
	monitor  *Monitor
	ctrl     *conn.Controller
	pipeline *send.Pipeline
	queue    *queue.RetryQueue
	server   *http.Server
}

// NewServer creates the front-door server.
func NewServer(monitor *Monitor, ctrl *conn.Controller, pipeline *send.Pipeline, rq *queue.RetryQueue, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		monitor:  monitor,
		ctrl:     ctrl,
		pipeline: pipeline,
		queue:    rq,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/queue", s.handleQueue)
	mux.HandleFunc("/send", s.handleSend)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// healthResponse is the /health payload: the snapshot plus reconnect and
// uptime context.
type healthResponse struct {
	Snapshot
	ReconnectAttempts int     `json:"reconnect_attempts"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// Reads never run a verification pass: Check has repair side effects
	// (reconnect triggers, exit scheduling) that belong to the Run loop only.
	snap := s.monitor.Last()
	st := s.ctrl.Snapshot()

	resp := healthResponse{
		Snapshot:          snap,
		ReconnectAttempts: st.Attempts,
	}
	if st.State == conn.StateOpen && !st.ConnectedAt.IsZero() {
		resp.UptimeSeconds = time.Since(st.ConnectedAt).Seconds()
	}

	w.Header().Set("Content-Type", "application/json")
	if snap.Status == StatusCritical {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}

// statusResponse aggregates the operational state for dashboards.
type statusResponse struct {
	Connected     bool          `json:"connected"`
	Health        Snapshot      `json:"health"`
	Connection    conn.Status   `json:"connection"`
	Queue         queue.Stats   `json:"queue"`
	PausedSeconds int           `json:"paused_seconds"`
	NextReconnect time.Duration `json:"next_reconnect"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Connected:  s.ctrl.Connected(),
		Health:     s.monitor.Last(),
		Connection: s.ctrl.Snapshot(),
		Queue:      s.queue.Stats(),
	}
	if remaining := s.pipeline.PauseRemaining(); remaining > 0 {
		resp.PausedSeconds = pausedSeconds(remaining)
	}
	if resp.Connection.Pending {
		resp.NextReconnect = s.ctrl.NextDelay()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// pausedSeconds rounds the gate remainder up, matching the message the send
// pipeline rejects with.
func pausedSeconds(remaining time.Duration) int {
	return int(math.Ceil(remaining.Seconds()))
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.queue.Stats())
}

type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type sendResponse struct {
	Status string `json:"status"`
	Kind   string `json:"kind,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeSendError(w, failure.Wrap(failure.InvalidInput, err, "malformed request body"))
		return
	}

	if err := s.pipeline.Send(r.Context(), domain.PeerID(req.To), req.Text); err != nil {
		writeSendError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sendResponse{Status: "sent"})
}

func writeSendError(w http.ResponseWriter, err error) {
	kind := failure.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatusFor(kind))
	json.NewEncoder(w).Encode(sendResponse{
		Status: "failed",
		Kind:   kind.String(),
		Error:  err.Error(),
	})
}

func httpStatusFor(kind failure.Kind) int {
	switch kind {
	case failure.InvalidInput:
		return http.StatusBadRequest
	case failure.AuthInvalid:
		return http.StatusUnauthorized
	case failure.TargetNotFound:
		return http.StatusNotFound
	case failure.RateLimited:
		return http.StatusTooManyRequests
	case failure.Timeout:
		return http.StatusGatewayTimeout
	case failure.SessionNotEstablished:
		return http.StatusServiceUnavailable
	case failure.ResourceExhausted:
		return http.StatusInsufficientStorage
	default:
		return http.StatusBadGateway
	}
}
