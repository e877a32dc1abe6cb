package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"lexrelay/internal/errors"
	"lexrelay/internal/models"
)

// AIResponder produces a textual reply for an inbound message. The
// implementation is an external service; the pipeline only depends on the
// text-in/text-out contract.
type AIResponder interface {
	GetReply(ctx context.Context, text string, tenant models.TenantContext) (string, error)
}

// DocumentGenerator authors a long-form document for a tenant user.
type DocumentGenerator interface {
	GenerateDocument(ctx context.Context, docType, docContext string) (string, error)
}

// ThreatReporter receives security events from the webhook edge. The
// production implementation lives in an external anomaly-detection
// service.
type ThreatReporter interface {
	ReportEvent(ctx context.Context, event string, severity int)
}

// HTTPResponder calls an HTTP text-completion endpoint implementing the
// AI collaborator contract.
type HTTPResponder struct {
	baseURL string
	client  *http.Client
}

// NewHTTPResponder creates an AI responder backed by an HTTP service.
func NewHTTPResponder(baseURL string, timeout time.Duration) *HTTPResponder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPResponder{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *HTTPResponder) GetReply(ctx context.Context, text string, tenant models.TenantContext) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"text":   text,
		"tenant": tenant,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal reply request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/reply", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create reply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", errors.WrapRetryable(err, errors.ErrCodeAICollaborator, "AI reply request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.WrapRetryable(err, errors.ErrCodeAICollaborator, "failed to read AI reply")
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.NewRetryable(errors.ErrCodeAICollaborator,
			fmt.Sprintf("AI collaborator returned status %d", resp.StatusCode))
	}

	var reply struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return "", errors.WrapRetryable(err, errors.ErrCodeAICollaborator, "failed to decode AI reply")
	}
	return reply.Text, nil
}

// HTTPDocumentGenerator calls an HTTP endpoint implementing the document
// collaborator contract.
type HTTPDocumentGenerator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDocumentGenerator creates a document generator backed by an HTTP
// service.
func NewHTTPDocumentGenerator(baseURL string, timeout time.Duration) *HTTPDocumentGenerator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDocumentGenerator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *HTTPDocumentGenerator) GenerateDocument(ctx context.Context, docType, docContext string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"type":    docType,
		"context": docContext,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal document request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create document request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", errors.WrapRetryable(err, errors.ErrCodeAICollaborator, "document generation request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.WrapRetryable(err, errors.ErrCodeAICollaborator, "failed to read generated document")
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.NewRetryable(errors.ErrCodeAICollaborator,
			fmt.Sprintf("document collaborator returned status %d", resp.StatusCode))
	}

	var doc struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", errors.WrapRetryable(err, errors.ErrCodeAICollaborator, "failed to decode generated document")
	}
	return doc.Content, nil
}
