// Package gateway implements the adapter contract against the self-hosted
// gateway service. The session name doubles as the provider token: it is
// what every later call needs to address the tenant's instance.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"lexrelay/pkg/provider"
	"lexrelay/pkg/provider/types"
)

// ClientConfig configures the gateway client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	WebhookURL string
	Timeout    time.Duration
}

// Client talks to the gateway's session and messaging APIs.
type Client struct {
	baseURL    string
	apiKey     string
	webhookURL string
	client     *http.Client
}

// NewClient creates a gateway adapter client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		webhookURL: cfg.WebhookURL,
		client:     &http.Client{Timeout: timeout},
	}
}

func (c *Client) Kind() types.Kind {
	return types.KindGateway
}

type sessionResponse struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type qrResponse struct {
	Value string `json:"value"`
}

type pairCodeResponse struct {
	Code string `json:"code"`
}

// Connect creates and starts a gateway session named after the tenant,
// registering the webhook callback, then asks for a QR or pairing code.
func (c *Client) Connect(ctx context.Context, tenantID, phone string) (*types.ConnectResult, error) {
	createBody := map[string]interface{}{
		"name": tenantID,
		"config": map[string]interface{}{
			"webhooks": []map[string]interface{}{
				{"url": c.webhookURL, "events": []string{"message", "session.status"}},
			},
		},
	}
	if _, err := c.doJSON(ctx, http.MethodPost, "/api/sessions", createBody, "connect"); err != nil {
		return nil, err
	}
	if _, err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/sessions/%s/start", tenantID), nil, "connect"); err != nil {
		return nil, err
	}

	result := &types.ConnectResult{State: types.ConnStatePending, Token: tenantID, ChannelID: tenantID}

	if phone != "" {
		body, err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/%s/auth/request-code", tenantID),
			map[string]string{"phoneNumber": phone}, "connect")
		if err != nil {
			return nil, err
		}
		var pair pairCodeResponse
		if err := json.Unmarshal(body, &pair); err == nil && pair.Code != "" {
			result.Code = pair.Code
			result.CodeKind = types.CodeKindPair
		}
		return result, nil
	}

	// The QR may not be ready right after start; the session manager
	// polls Status until it appears.
	if code, err := c.fetchQR(ctx, tenantID); err == nil && code != "" {
		result.Code = code
		result.CodeKind = types.CodeKindQR
	}
	return result, nil
}

// Status polls the gateway session and surfaces a fresh QR while the
// session is waiting for a scan.
func (c *Client) Status(ctx context.Context, token string) (*types.ConnectResult, error) {
	body, err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/sessions/%s", token), nil, "status")
	if err != nil {
		return nil, err
	}

	var session sessionResponse
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, provider.NormalizeError(err, types.KindGateway, "status")
	}

	result := &types.ConnectResult{Token: token}
	switch session.Status {
	case "WORKING":
		result.State = types.ConnStateConnected
	case "FAILED", "STOPPED":
		result.State = types.ConnStateFailed
	case "SCAN_QR_CODE":
		result.State = types.ConnStatePending
		if code, err := c.fetchQR(ctx, token); err == nil && code != "" {
			result.Code = code
			result.CodeKind = types.CodeKindQR
		}
	default:
		result.State = types.ConnStatePending
	}
	return result, nil
}

// SendText dispatches a text message through the tenant's session.
func (c *Client) SendText(ctx context.Context, token, recipient, text string) (*types.Receipt, error) {
	body, err := c.doJSON(ctx, http.MethodPost, "/api/sendText", map[string]string{
		"session": token,
		"chatId":  recipient,
		"text":    text,
	}, "sendText")
	if err != nil {
		return nil, err
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, provider.NormalizeError(err, types.KindGateway, "sendText")
	}

	return &types.Receipt{MessageID: resp.ID, Status: "sent", SentAt: time.Now()}, nil
}

// Disconnect stops and removes the tenant's session. The gateway forgets
// the pairing, so a later Connect starts from scratch.
func (c *Client) Disconnect(ctx context.Context, token string) error {
	if _, err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/sessions/%s/stop", token), nil, "disconnect"); err != nil {
		return err
	}
	_, err := c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/api/sessions/%s", token), nil, "disconnect")
	return err
}

func (c *Client) fetchQR(ctx context.Context, session string) (string, error) {
	body, err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/%s/auth/qr", session), nil, "status")
	if err != nil {
		return "", err
	}
	var qr qrResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return "", provider.NormalizeError(err, types.KindGateway, "status")
	}
	return qr.Value, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload interface{}, operation string) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, provider.NormalizeError(err, types.KindGateway, operation)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.NormalizeError(err, types.KindGateway, operation)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, provider.ErrorFromStatus(types.KindGateway, operation, resp.StatusCode, body)
	}
	return body, nil
}
