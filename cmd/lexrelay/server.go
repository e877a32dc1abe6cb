package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"lexrelay/internal/constants"
	apperrors "lexrelay/internal/errors"
	"lexrelay/internal/metrics"
	"lexrelay/internal/middleware"
	"lexrelay/internal/models"
	"lexrelay/internal/queue"
	"lexrelay/internal/realtime"
	"lexrelay/internal/service"
	"lexrelay/internal/store"
	"lexrelay/pkg/provider/types"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxWebhookBodyBytes = 1 << 20 // 1MB

// ServerDeps carries the collaborators the HTTP surface needs.
type ServerDeps struct {
	Sessions      *service.SessionService
	IncomingQueue *queue.Queue
	DocumentQueue *queue.Queue
	Store         *store.Store
	Events        *realtime.Hub
	Logger        *logrus.Logger
}

// Server is the HTTP edge: provider webhooks in, session control and
// realtime subscriptions out.
type Server struct {
	cfg     *models.Config
	deps    ServerDeps
	logger  *logrus.Logger
	threats service.ThreatReporter
	httpSrv *http.Server
}

// NewServer builds the router and wraps it in an http.Server with the
// configured timeouts.
func NewServer(cfg *models.Config, deps ServerDeps) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger,
		threats: newLogThreatReporter(deps.Logger),
	}

	r := mux.NewRouter()
	r.Use(middleware.Observability(deps.Logger))

	r.HandleFunc("/webhook/cloud", s.handleCloudVerification).Methods(http.MethodGet)
	r.HandleFunc("/webhook/cloud", s.handleCloudWebhook).Methods(http.MethodPost)
	r.HandleFunc("/webhook/gateway", s.handleGatewayWebhook).Methods(http.MethodPost)
	r.HandleFunc("/webhook/hub", s.handleHubWebhook).Methods(http.MethodPost)

	r.HandleFunc("/api/sessions/{tenantID}/start", s.handleSessionStart).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{tenantID}", s.handleSessionStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{tenantID}/logout", s.handleSessionLogout).Methods(http.MethodPost)

	r.HandleFunc("/api/documents", s.handleDocumentRequest).Methods(http.MethodPost)
	r.HandleFunc("/api/queues/{queue}/dead", s.handleDeadJobs).Methods(http.MethodGet)

	r.HandleFunc("/ws/{tenantID}", s.handleSubscribe).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)

	port := cfg.Server.Port
	if port <= 0 {
		port = constants.DefaultServerPort
	}
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}
	return s
}

// Start runs the HTTP server until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpSrv.Addr).Info("HTTP server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// handleCloudVerification answers the cloud platform's subscription
// handshake: echo the challenge when the verify token matches, reject
// and report otherwise.
func (s *Server) handleCloudVerification(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || token == "" || token != s.cfg.Providers.Cloud.VerifyToken {
		s.threats.ReportEvent(r.Context(), "cloud_webhook_verification_failed",
			constants.ThreatSeverityWebhookVerification)
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(challenge))
}

func (s *Server) handleCloudWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readWebhookBody(w, r)
	if !ok {
		return
	}

	envelopes, err := service.NormalizeCloud(body)
	if err != nil {
		s.logger.WithError(err).Warn("Rejecting malformed cloud webhook")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	for i := range envelopes {
		s.enqueueEnvelope(r.Context(), &envelopes[i])
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readWebhookBody(w, r)
	if !ok {
		return
	}

	maxSkew := time.Duration(s.cfg.Server.WebhookMaxSkewSec) * time.Second
	if err := verifyGatewaySignature(s.cfg.Providers.Gateway.WebhookSecret, body,
		r.Header.Get("X-Webhook-Hmac"), r.Header.Get("X-Webhook-Timestamp"), maxSkew); err != nil {
		s.threats.ReportEvent(r.Context(), "gateway_webhook_auth_failed",
			constants.ThreatSeverityWebhookVerification)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var probe struct {
		Event   string `json:"event"`
		Session string `json:"session"`
		Payload struct {
			Status string `json:"status"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	// Session status events announce the scan server-side; flip the
	// session to connected instead of queueing anything.
	if probe.Event == models.GatewayEventSession {
		if probe.Payload.Status == "WORKING" {
			if err := s.deps.Sessions.MarkConnected(r.Context(), probe.Session); err != nil {
				s.logger.WithError(err).WithField("tenant_id", probe.Session).
					Warn("Failed to mark session connected from webhook")
			}
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	envelope, err := service.NormalizeGateway(body)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	s.enqueueEnvelope(r.Context(), envelope)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHubWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readWebhookBody(w, r)
	if !ok {
		return
	}

	if !verifySharedSecret(s.cfg.Providers.Hub.WebhookSecret, r.Header.Get("X-Hub-Secret")) {
		s.threats.ReportEvent(r.Context(), "hub_webhook_auth_failed",
			constants.ThreatSeverityWebhookVerification)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var probe struct {
		Event      string `json:"event"`
		InstanceID string `json:"instanceId"`
		Status     string `json:"status"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if probe.Event == models.HubEventConnection {
		if probe.Status == "connected" {
			tenantID, err := s.deps.Store.ResolveTenant(r.Context(), types.KindHub, probe.InstanceID)
			if err == nil && tenantID != "" {
				if err := s.deps.Sessions.MarkConnected(r.Context(), tenantID); err != nil {
					s.logger.WithError(err).WithField("tenant_id", tenantID).
						Warn("Failed to mark session connected from webhook")
				}
			}
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	envelope, err := service.NormalizeHub(body)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	s.enqueueEnvelope(r.Context(), envelope)
	w.WriteHeader(http.StatusOK)
}

// enqueueEnvelope applies the deliverability filter and hands the
// envelope to the incoming queue. Enqueue failures are logged, not
// surfaced: webhooks are acknowledged regardless so providers do not
// hammer the endpoint with redeliveries.
func (s *Server) enqueueEnvelope(ctx context.Context, envelope *models.MessageEnvelope) {
	if !envelope.Deliverable() {
		metrics.IncrementCounter("webhook_dropped_total", map[string]string{
			"provider": string(envelope.Provider),
		}, "Webhook messages dropped before enqueue")
		return
	}
	if _, err := s.deps.IncomingQueue.Enqueue(ctx, models.IncomingJobName(envelope.Provider), envelope); err != nil {
		s.logger.WithError(err).WithField("provider", envelope.Provider).
			Error("Failed to enqueue incoming message")
		return
	}
	metrics.IncrementCounter("webhook_accepted_total", map[string]string{
		"provider": string(envelope.Provider),
	}, "Webhook messages accepted into the incoming queue")
}

func (s *Server) readWebhookBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	return body, true
}

type sessionStartRequest struct {
	Provider types.Kind `json:"provider"`
	Phone    string     `json:"phone,omitempty"`
}

type sessionResponse struct {
	TenantID  string `json:"tenantId"`
	Provider  string `json:"provider"`
	State     string `json:"state"`
	Code      string `json:"code,omitempty"`
	CodeKind  string `json:"codeKind,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

func toSessionResponse(session *models.Session) sessionResponse {
	return sessionResponse{
		TenantID:  session.TenantID,
		Provider:  string(session.Provider),
		State:     string(session.State),
		Code:      session.PendingCode,
		CodeKind:  session.CodeKind,
		LastError: session.LastError,
	}
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]

	var req sessionStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	session, err := s.deps.Sessions.Start(r.Context(), tenantID, req.Phone, req.Provider)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]

	session, err := s.deps.Sessions.Status(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if session == nil {
		http.Error(w, "no session", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (s *Server) handleSessionLogout(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]

	if err := s.deps.Sessions.Logout(r.Context(), tenantID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDocumentRequest(w http.ResponseWriter, r *http.Request) {
	var req models.DocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TenantID == "" || req.DocType == "" {
		http.Error(w, "tenantId and docType are required", http.StatusBadRequest)
		return
	}

	job, err := s.deps.DocumentQueue.Enqueue(r.Context(), models.DocumentJobName, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"jobId": job.ID})
}

// handleDeadJobs exposes the dead-letter records for one queue so
// operators can see exactly which jobs exhausted their retries and why.
func (s *Server) handleDeadJobs(w http.ResponseWriter, r *http.Request) {
	queueName := mux.Vars(r)["queue"]
	switch queueName {
	case models.QueueIncoming, models.QueueOutgoing, models.QueueDocument:
	default:
		http.Error(w, "unknown queue", http.StatusNotFound)
		return
	}

	jobs, err := s.deps.Store.DeadJobs(r.Context(), queueName)
	if err != nil {
		s.writeError(w, err)
		return
	}

	type deadJob struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		Attempts  int       `json:"attempts"`
		LastError string    `json:"lastError"`
		UpdatedAt time.Time `json:"updatedAt"`
	}
	out := make([]deadJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, deadJob{
			ID:        j.ID,
			Name:      j.Name,
			Attempts:  j.Attempts,
			LastError: j.LastError,
			UpdatedAt: j.UpdatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue": queueName,
		"jobs":  out,
	})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]
	if err := s.deps.Events.ServeSubscriber(r.Context(), w, r, tenantID); err != nil {
		s.logger.WithError(err).WithField("tenant_id", tenantID).
			Debug("Realtime subscriber disconnected")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, metrics.GetAllMetrics())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("Failed to write response")
	}
}

// writeError maps AppError codes to HTTP statuses without leaking
// internals to the caller.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
		message = err.Error()
	case apperrors.ErrCodeNotFound:
		status = http.StatusNotFound
		message = "not found"
	case apperrors.ErrCodeSessionNotConnected:
		status = http.StatusConflict
		message = "session not connected"
	case apperrors.ErrCodeSessionExists:
		status = http.StatusConflict
		message = "session already exists"
	case apperrors.ErrCodeProviderTimeout:
		status = http.StatusGatewayTimeout
		message = "provider timeout"
	case apperrors.ErrCodeProviderRejected, apperrors.ErrCodeProviderResponse:
		status = http.StatusBadGateway
		message = "provider error"
	default:
		s.logger.WithError(err).Error("Request failed")
	}
	http.Error(w, message, status)
}

// logThreatReporter is the default threat sink: structured log plus a
// counter. Production deployments swap in the anomaly-detection client.
type logThreatReporter struct {
	logger *logrus.Logger
}

func newLogThreatReporter(logger *logrus.Logger) *logThreatReporter {
	return &logThreatReporter{logger: logger}
}

func (t *logThreatReporter) ReportEvent(ctx context.Context, event string, severity int) {
	metrics.IncrementCounter("threat_events_total", map[string]string{"event": event}, "Security events reported")
	t.logger.WithFields(logrus.Fields{
		"event":    event,
		"severity": severity,
	}).Warn("Security event reported")
}
