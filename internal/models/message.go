package models

import (
	"lexrelay/pkg/provider/types"
)

// MessageEnvelope is the normalized internal shape every inbound provider
// payload is translated into before it reaches the incoming queue. An
// envelope is only enqueued when Text is non-empty, FromMe is false and
// IsGroup is false; everything else is acknowledged and dropped at the
// edge.
type MessageEnvelope struct {
	TenantID     string     `json:"tenantId,omitempty"`
	ChannelID    string     `json:"channelId,omitempty"`
	SenderID     string     `json:"senderId"`
	Text         string     `json:"text"`
	IsGroup      bool       `json:"isGroup"`
	FromMe       bool       `json:"fromMe"`
	Provider     types.Kind `json:"providerKind"`
	RawEventName string     `json:"rawProviderEventName"`
}

// Deliverable reports whether the envelope qualifies for the incoming
// queue.
func (e *MessageEnvelope) Deliverable() bool {
	return e != nil && e.Text != "" && !e.FromMe && !e.IsGroup
}

// OutgoingMessage is the payload of an outgoing-queue job. Provider is
// carried explicitly so dispatch never depends on the job name alone.
type OutgoingMessage struct {
	TenantID  string     `json:"tenantId"`
	Provider  types.Kind `json:"providerKind"`
	Recipient string     `json:"to"`
	Text      string     `json:"text"`
}

// DocumentRequest is the payload of a document-generation job.
type DocumentRequest struct {
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
	DocType  string `json:"docType"`
	Context  string `json:"context"`
}

// TenantContext is the opaque tenant information handed to the AI
// collaborator alongside the message text.
type TenantContext struct {
	TenantID string `json:"tenantId"`
	FirmName string `json:"firmName,omitempty"`
}

// ChannelMapping resolves a provider-scoped channel identifier to a tenant
// for providers whose webhook payloads omit tenant identity.
type ChannelMapping struct {
	Provider  types.Kind `db:"provider_kind"`
	ChannelID string     `db:"channel_id"`
	TenantID  string     `db:"tenant_id"`
}

// Document is a generated legal document persisted for a tenant user.
type Document struct {
	ID       int64  `db:"id"`
	TenantID string `db:"tenant_id"`
	UserID   string `db:"user_id"`
	DocType  string `db:"doc_type"`
	Content  string `db:"content"`
}
