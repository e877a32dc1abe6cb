package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"lexrelay/internal/constants"
	"lexrelay/internal/errors"
	"lexrelay/internal/metrics"
	"lexrelay/internal/models"
	"lexrelay/internal/privacy"
	"lexrelay/internal/realtime"
	"lexrelay/pkg/provider/types"

	"github.com/sirupsen/logrus"
	qrcode "github.com/skip2/go-qrcode"
)

// SessionStore is the persistence surface the session service needs.
type SessionStore interface {
	GetSession(ctx context.Context, tenantID string) (*models.Session, error)
	SaveSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, tenantID string) error
	SaveChannelMapping(ctx context.Context, mapping *models.ChannelMapping) error
	DeleteChannelMappings(ctx context.Context, tenantID string) error
}

// Publisher pushes lifecycle events to the tenant's realtime room.
type Publisher interface {
	Publish(event realtime.Event)
}

// SessionService drives the per-tenant session lifecycle: starting a
// provider link, surfacing pairing codes, refreshing status and tearing
// the link down. All mutation for one tenant is serialized behind a
// per-tenant lock so concurrent Start calls cannot double-provision.
type SessionService struct {
	store    SessionStore
	registry *AdapterRegistry
	events   Publisher
	logger   *logrus.Logger

	pollAttempts int
	pollInterval time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSessionService creates the session lifecycle service.
func NewSessionService(store SessionStore, registry *AdapterRegistry, events Publisher,
	logger *logrus.Logger, pollAttempts int, pollInterval time.Duration) *SessionService {
	return &SessionService{
		store:        store,
		registry:     registry,
		events:       events,
		logger:       logger,
		pollAttempts: pollAttempts,
		pollInterval: pollInterval,
		locks:        make(map[string]*sync.Mutex),
	}
}

func (s *SessionService) tenantLock(tenantID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[tenantID] = lock
	}
	return lock
}

// Start begins (or resumes) the tenant's provider link. If a session
// already exists and is not disconnected the call is a no-op returning
// the current session, so double-clicks and racing requests cannot spawn
// duplicate provider instances.
func (s *SessionService) Start(ctx context.Context, tenantID, phone string, kind types.Kind) (*models.Session, error) {
	if !kind.Valid() {
		return nil, errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("unknown provider kind %q", kind))
	}

	lock := s.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.store.GetSession(ctx, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to load session")
	}
	if existing != nil && existing.State != models.StateDisconnected {
		s.logger.WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"state":     existing.State,
		}).Info("Session start ignored; session already in progress")
		return existing, nil
	}

	adapter, err := s.registry.Adapter(kind)
	if err != nil {
		return nil, err
	}

	session := &models.Session{
		TenantID: tenantID,
		Provider: kind,
		State:    models.StateConnecting,
	}
	if err := s.store.SaveSession(ctx, session); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to persist connecting session")
	}

	metrics.IncrementCounter("session_start_total", map[string]string{"provider": string(kind)}, "Session starts per provider")
	s.logger.WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"provider":  kind,
		"phone":     privacy.MaskPhoneNumber(phone),
	}).Info("Starting provider session")

	result, err := adapter.Connect(ctx, tenantID, phone)
	if err != nil {
		s.failSession(ctx, session, err)
		return nil, err
	}

	session.ProviderToken = result.Token
	if err := s.registry.Put(tenantID, kind, result.Token); err != nil {
		s.failSession(ctx, session, err)
		return nil, err
	}
	if result.ChannelID != "" {
		mapping := &models.ChannelMapping{Provider: kind, ChannelID: result.ChannelID, TenantID: tenantID}
		if err := s.store.SaveChannelMapping(ctx, mapping); err != nil {
			s.failSession(ctx, session, err)
			return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to persist channel mapping")
		}
	}

	if s.applyResult(ctx, session, result) {
		return session, nil
	}

	// Neither connected nor holding a code yet: poll the provider a
	// bounded number of times before giving up.
	return s.pollForCode(ctx, session, adapter)
}

// pollForCode polls provider status until a code or connected state
// appears. Exhausting the budget drops the session back to Disconnected
// and emits an error event so the browser stops waiting.
func (s *SessionService) pollForCode(ctx context.Context, session *models.Session, adapter types.Adapter) (*models.Session, error) {
	for attempt := 0; attempt < s.pollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			s.failSession(ctx, session, ctx.Err())
			return nil, ctx.Err()
		case <-time.After(s.pollInterval):
		}

		result, err := adapter.Status(ctx, session.ProviderToken)
		if err != nil {
			s.logger.WithError(err).WithField("tenant_id", session.TenantID).
				Warn("Provider status poll failed")
			continue
		}
		if result.State == types.ConnStateFailed {
			err := errors.New(errors.ErrCodeProviderRejected, "provider reported session failure")
			s.failSession(ctx, session, err)
			return nil, err
		}
		if s.applyResult(ctx, session, result) {
			return session, nil
		}
	}

	err := errors.New(errors.ErrCodeProviderTimeout, "provider produced no pairing code in time")
	s.failSession(ctx, session, err)
	return nil, err
}

// applyResult folds a provider status into the session, persisting and
// publishing as needed. Returns true when the session reached a state
// the caller can hand back (connected or code ready).
func (s *SessionService) applyResult(ctx context.Context, session *models.Session, result *types.ConnectResult) bool {
	switch {
	case result.State == types.ConnStateConnected:
		s.transition(ctx, session, models.StateConnected)
		session.PendingCode = ""
		session.CodeKind = ""
		s.saveQuiet(ctx, session)
		s.events.Publish(realtime.Event{
			Kind:     realtime.EventConnected,
			TenantID: session.TenantID,
		})
		metrics.IncrementCounter("session_connected_total", map[string]string{"provider": string(session.Provider)}, "Sessions reaching connected")
		return true

	case result.Code != "":
		next := models.StateQRReady
		if result.CodeKind == types.CodeKindPair {
			next = models.StatePairCodeReady
		}
		s.transition(ctx, session, next)
		session.PendingCode = result.Code
		session.CodeKind = string(result.CodeKind)
		s.saveQuiet(ctx, session)
		s.events.Publish(realtime.Event{
			Kind:     realtime.EventQRUpdate,
			TenantID: session.TenantID,
			Code:     renderCode(result.Code, result.CodeKind),
			CodeKind: string(result.CodeKind),
		})
		return true
	}
	return false
}

// Status returns the tenant's session, refreshing it from the provider
// when it is mid-connect with a token but no code yet. Returns nil when
// the tenant has no session.
func (s *SessionService) Status(ctx context.Context, tenantID string) (*models.Session, error) {
	lock := s.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.store.GetSession(ctx, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to load session")
	}
	if session == nil {
		return nil, nil
	}

	needsRefresh := session.ProviderToken != "" &&
		(session.State == models.StateConnecting ||
			session.State == models.StateQRReady ||
			session.State == models.StatePairCodeReady)
	if !needsRefresh {
		return session, nil
	}

	adapter, err := s.registry.Adapter(session.Provider)
	if err != nil {
		return session, nil
	}
	// The refresh is advisory; bound it so a slow provider cannot pin the
	// tenant lock.
	statusCtx, cancel := context.WithTimeout(ctx, constants.DefaultSessionStatusTimeoutSec*time.Second)
	result, err := adapter.Status(statusCtx, session.ProviderToken)
	cancel()
	if err != nil {
		s.logger.WithError(err).WithField("tenant_id", tenantID).
			Warn("Provider status refresh failed")
		return session, nil
	}
	if result.State == types.ConnStateFailed {
		s.failSession(ctx, session, errors.New(errors.ErrCodeProviderRejected, "provider reported session failure"))
		return session, nil
	}
	s.applyResult(ctx, session, result)
	return session, nil
}

// Logout disconnects the provider side best-effort, then removes the
// session row, its channel mappings and the live handle. Safe to call
// when no session exists.
func (s *SessionService) Logout(ctx context.Context, tenantID string) error {
	lock := s.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.store.GetSession(ctx, tenantID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodePersistence, "failed to load session")
	}
	if session == nil {
		return nil
	}

	if session.ProviderToken != "" {
		adapter, err := s.registry.Adapter(session.Provider)
		if err == nil {
			if err := adapter.Disconnect(ctx, session.ProviderToken); err != nil {
				s.logger.WithError(err).WithField("tenant_id", tenantID).
					Warn("Provider disconnect failed; removing session anyway")
			}
		}
	}

	if err := s.store.DeleteSession(ctx, tenantID); err != nil {
		return errors.Wrap(err, errors.ErrCodePersistence, "failed to delete session")
	}
	if err := s.store.DeleteChannelMappings(ctx, tenantID); err != nil {
		return errors.Wrap(err, errors.ErrCodePersistence, "failed to delete channel mappings")
	}
	s.registry.Drop(tenantID)

	metrics.IncrementCounter("session_logout_total", map[string]string{"provider": string(session.Provider)}, "Session logouts per provider")
	s.logger.WithField("tenant_id", tenantID).Info("Session logged out")
	return nil
}

// MarkConnected transitions an in-progress session to Connected. Used by
// webhook-driven status events from providers that announce the scan
// server-side.
func (s *SessionService) MarkConnected(ctx context.Context, tenantID string) error {
	lock := s.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.store.GetSession(ctx, tenantID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodePersistence, "failed to load session")
	}
	if session == nil || session.State == models.StateConnected {
		return nil
	}
	if !session.State.CanTransition(models.StateConnected) {
		return errors.New(errors.ErrCodeIllegalTransition,
			fmt.Sprintf("cannot move session from %s to %s", session.State, models.StateConnected))
	}

	session.State = models.StateConnected
	session.PendingCode = ""
	session.CodeKind = ""
	session.LastError = ""
	if err := s.store.SaveSession(ctx, session); err != nil {
		return errors.Wrap(err, errors.ErrCodePersistence, "failed to persist connected session")
	}
	s.events.Publish(realtime.Event{Kind: realtime.EventConnected, TenantID: tenantID})
	metrics.IncrementCounter("session_connected_total", map[string]string{"provider": string(session.Provider)}, "Sessions reaching connected")
	return nil
}

func (s *SessionService) transition(ctx context.Context, session *models.Session, next models.SessionState) {
	if !session.State.CanTransition(next) {
		// Transition table violations are a programming error here; log
		// loudly instead of corrupting the lifecycle.
		s.logger.WithFields(logrus.Fields{
			"tenant_id": session.TenantID,
			"from":      session.State,
			"to":        next,
		}).Error("Illegal session transition blocked")
		return
	}
	session.State = next
}

func (s *SessionService) failSession(ctx context.Context, session *models.Session, cause error) {
	session.State = models.StateDisconnected
	session.PendingCode = ""
	session.CodeKind = ""
	session.LastError = cause.Error()
	s.saveQuiet(ctx, session)
	s.registry.Drop(session.TenantID)
	s.events.Publish(realtime.Event{
		Kind:     realtime.EventError,
		TenantID: session.TenantID,
		Message:  "Failed to connect messaging channel",
	})
	metrics.IncrementCounter("session_failed_total", map[string]string{"provider": string(session.Provider)}, "Session connect failures")
	s.logger.WithError(cause).WithField("tenant_id", session.TenantID).Error("Session failed")
}

func (s *SessionService) saveQuiet(ctx context.Context, session *models.Session) {
	if err := s.store.SaveSession(ctx, session); err != nil {
		s.logger.WithError(err).WithField("tenant_id", session.TenantID).
			Error("Failed to persist session state")
	}
}

// renderCode turns a raw QR payload into a browser-renderable PNG data
// URL. Pairing codes are short human-typeable strings and pass through
// untouched.
func renderCode(code string, kind types.CodeKind) string {
	if kind != types.CodeKindQR {
		return code
	}
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return code
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
