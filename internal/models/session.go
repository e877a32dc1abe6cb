package models

import (
	"time"

	"lexrelay/pkg/provider/types"
)

// SessionState is the lifecycle state of a tenant's provider link.
type SessionState string

const (
	StateDisconnected  SessionState = "DISCONNECTED"
	StateConnecting    SessionState = "CONNECTING"
	StateQRReady       SessionState = "QR_READY"
	StatePairCodeReady SessionState = "PAIR_CODE_READY"
	StateConnected     SessionState = "CONNECTED"
)

// transitions is the legal-move table. Connecting and the code-ready
// states may re-enter themselves while the provider is polled: a status
// refresh that yields a fresh QR replaces the code without changing
// state. Every state may fall back to Disconnected on logout or an
// unrecoverable provider error.
var transitions = map[SessionState][]SessionState{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateConnecting, StateQRReady, StatePairCodeReady, StateConnected, StateDisconnected},
	StateQRReady:       {StateConnecting, StateQRReady, StateConnected, StateDisconnected},
	StatePairCodeReady: {StateConnecting, StatePairCodeReady, StateConnected, StateDisconnected},
	StateConnected:     {StateDisconnected},
}

// CanTransition reports whether moving from s to next is legal.
func (s SessionState) CanTransition(next SessionState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Live reports whether the session is usable for outgoing dispatch.
func (s SessionState) Live() bool {
	return s == StateConnected
}

// Session binds a tenant to one provider instance. At most one session
// exists per tenant; the store row is the single source of truth for
// whether the tenant's provider link is usable.
type Session struct {
	TenantID      string       `db:"tenant_id"`
	Provider      types.Kind   `db:"provider_kind"`
	ProviderToken string       `db:"provider_token"`
	State         SessionState `db:"state"`
	PendingCode   string       `db:"pending_code"`
	CodeKind      string       `db:"code_kind"`
	LastError     string       `db:"last_error"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}
