package types

import (
	"context"
	"time"
)

// Kind identifies a provider family. It is carried on every queued job
// payload so outgoing dispatch never has to be inferred from job names.
type Kind string

const (
	KindCloud   Kind = "cloud"
	KindGateway Kind = "gateway"
	KindHub     Kind = "hub"
)

// Valid reports whether k names a known provider family.
func (k Kind) Valid() bool {
	switch k {
	case KindCloud, KindGateway, KindHub:
		return true
	}
	return false
}

// ConnState is the provider-side connection status, normalized across the
// three backends.
type ConnState string

const (
	ConnStatePending   ConnState = "pending"
	ConnStateConnected ConnState = "connected"
	ConnStateFailed    ConnState = "failed"
)

// CodeKind discriminates the pairing mechanism a provider handed back.
type CodeKind string

const (
	CodeKindQR   CodeKind = "qr"
	CodeKindPair CodeKind = "pair-code"
)

// ConnectResult is the normalized outcome of a connect or status call.
// Code is empty unless the provider issued a QR payload or pairing code.
// ChannelID is the provider-side identifier later webhook events carry;
// it keys the channel-mapping store for families that omit tenant
// identity from their payloads.
type ConnectResult struct {
	State     ConnState
	Token     string
	ChannelID string
	Code      string
	CodeKind  CodeKind
}

// Receipt acknowledges a dispatched message.
type Receipt struct {
	MessageID string    `json:"messageId"`
	Status    string    `json:"status"`
	SentAt    time.Time `json:"sentAt"`
}

// Adapter is the uniform contract each provider family implements. Calls
// are bounded by the client's request timeout; a timeout surfaces as a
// retryable error so workers can tell "provider slow" from "provider
// rejected".
type Adapter interface {
	Kind() Kind
	Connect(ctx context.Context, tenantID, phone string) (*ConnectResult, error)
	Status(ctx context.Context, token string) (*ConnectResult, error)
	SendText(ctx context.Context, token, recipient, text string) (*Receipt, error)
	Disconnect(ctx context.Context, token string) error
}
