// Package server exposes the HTTP boundary: the syslog event intake, the
// chat action callback, the attempts API, and the operational probes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/netmend/netmend/internal/action"
	"github.com/netmend/netmend/internal/audit"
	"github.com/netmend/netmend/internal/config"
	"github.com/netmend/netmend/internal/device"
	"github.com/netmend/netmend/internal/orchestrator"
)

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 1 << 20

// detectionTimeout bounds the background handling of one accepted event,
// including device confirmation and any automatic remediation.
const detectionTimeout = 5 * time.Minute

// Coordinator is the remediation surface the server drives.
type Coordinator interface {
	HandleDetection(ctx context.Context, d orchestrator.Detection) (orchestrator.Attempt, error)
	HandleAction(ctx context.Context, req *action.Request) (orchestrator.Reply, error)
	Attempts() []orchestrator.Attempt
}

// AuditReader lists recorded audit entries.
type AuditReader interface {
	List(ctx context.Context, device string, limit int) ([]audit.Entry, error)
	Ping(ctx context.Context) error
}

// Server is the HTTP front end.
type Server struct {
	cfg      config.ServerSettings
	coord    Coordinator
	verifier *action.Verifier
	auditor  AuditReader
	logger   *zap.Logger

	httpServer *http.Server
}

// New builds the Server with its routes and middleware wired.
func New(cfg config.ServerSettings, coord Coordinator, verifier *action.Verifier, auditor AuditReader, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		coord:    coord,
		verifier: verifier,
		auditor:  auditor,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/events", s.handleEvent)
	mux.HandleFunc("POST /slack/actions", s.handleAction)
	mux.HandleFunc("GET /api/v1/attempts", s.handleAttempts)
	mux.HandleFunc("GET /api/v1/audit", s.handleAudit)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	quiet := []string{"/healthz", "/readyz", "/metrics"}
	handler := Chain(mux,
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		SecurityHeadersMiddleware,
		RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst, quiet),
		LoggingMiddleware(logger, quiet),
	)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Handler returns the root handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.cfg.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// eventRequest is the intake payload posted by the relay.
type eventRequest struct {
	Host     string `json:"host"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Mnemonic string `json:"mnemonic"`
}

// handleEvent accepts a syslog-triggered event and hands it to the
// orchestrator. Processing involves device I/O, so the request is accepted
// and handled in the background.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.verifier.VerifySharedToken(r.Header.Get("X-Netmend-Token")); err != nil {
		Unauthorized(w, "invalid or missing token", r.URL.Path)
		return
	}

	var req eventRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		BadRequest(w, "invalid JSON body", r.URL.Path)
		return
	}
	if req.Host == "" || req.Message == "" {
		BadRequest(w, "host and message are required", r.URL.Path)
		return
	}
	// Reject unparsable messages up front; everything past this point is
	// reported through notifications and the audit log, not the response.
	if _, _, err := device.ParseInterfaceEvent(req.Message); err != nil {
		BadRequest(w, err.Error(), r.URL.Path)
		return
	}

	d := orchestrator.Detection{
		Host:     req.Host,
		Message:  req.Message,
		Severity: req.Severity,
		Mnemonic: req.Mnemonic,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), detectionTimeout)
		defer cancel()
		if _, err := s.coord.HandleDetection(ctx, d); err != nil {
			s.logger.Error("detection handling failed",
				zap.String("host", d.Host),
				zap.Error(err),
			)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// actionReply is the ephemeral response shown to the operator who clicked.
type actionReply struct {
	ResponseType string `json:"response_type"`
	Text         string `json:"text"`
}

// handleAction verifies, decodes, and executes a chat action callback. The
// reply body is shown ephemerally to the clicking operator; the shared alert
// message is updated by the orchestrator through the notifier.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		BadRequest(w, "unreadable request body", r.URL.Path)
		return
	}

	if err := s.verifier.Verify(r.Header, body); err != nil {
		s.logger.Warn("action verification failed",
			zap.Error(err),
			zap.String("remote", r.RemoteAddr),
		)
		Unauthorized(w, "request verification failed", r.URL.Path)
		return
	}

	req, err := action.Decode(body)
	if err != nil {
		var malformed *action.MalformedError
		if errors.As(err, &malformed) {
			BadRequest(w, malformed.Reason, r.URL.Path)
			return
		}
		BadRequest(w, "undecodable action payload", r.URL.Path)
		return
	}

	reply, err := s.coord.HandleAction(r.Context(), req)
	if err != nil && !errors.Is(err, orchestrator.ErrStaleAction) {
		s.logger.Error("action handling failed",
			zap.String("action", req.Action),
			zap.String("device", req.Device),
			zap.String("interface", req.Interface),
			zap.Error(err),
		)
		InternalError(w, "action could not be processed", r.URL.Path)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if reply.Text != "" {
		json.NewEncoder(w).Encode(actionReply{
			ResponseType: "ephemeral",
			Text:         reply.Text,
		})
	}
}

// attemptView is the API shape of an attempt.
type attemptView struct {
	ID            string `json:"id"`
	Device        string `json:"device"`
	Interface     string `json:"interface"`
	ObservedState string `json:"observed_state"`
	Mode          string `json:"mode"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	Diagnostics   string `json:"diagnostics,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	if err := s.verifier.VerifySharedToken(r.Header.Get("X-Netmend-Token")); err != nil {
		Unauthorized(w, "invalid or missing token", r.URL.Path)
		return
	}

	attempts := s.coord.Attempts()
	views := make([]attemptView, 0, len(attempts))
	for _, a := range attempts {
		views = append(views, attemptView{
			ID:            a.ID,
			Device:        a.Device,
			Interface:     a.Interface,
			ObservedState: string(a.ObservedState),
			Mode:          string(a.Mode),
			Status:        string(a.Status),
			Reason:        a.Reason,
			Diagnostics:   a.Diagnostics,
			CreatedAt:     a.CreatedAt.Format(time.RFC3339),
			UpdatedAt:     a.UpdatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"attempts": views})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if err := s.verifier.VerifySharedToken(r.Header.Get("X-Netmend-Token")); err != nil {
		Unauthorized(w, "invalid or missing token", r.URL.Path)
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			BadRequest(w, "limit must be an integer between 1 and 1000", r.URL.Path)
			return
		}
		limit = n
	}

	entries, err := s.auditor.List(r.Context(), r.URL.Query().Get("device"), limit)
	if err != nil {
		s.logger.Error("audit list failed", zap.Error(err))
		InternalError(w, "audit log unavailable", r.URL.Path)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"entries": entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.auditor.Ping(r.Context()); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
