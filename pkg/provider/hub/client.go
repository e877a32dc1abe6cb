// Package hub implements the adapter contract against the third-party
// aggregator hub. The admin token mints a per-instance token at Connect;
// that instance token is the provider token for every later call.
package hub

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

// ClientConfig configures the hub client.
type ClientConfig struct {
	BaseURL    string
	AdminToken string
	WebhookURL string
	Timeout    time.Duration
}

// Client talks to the aggregator hub's instance and messaging APIs.
type Client struct {
	baseURL    string
	adminToken string
	webhookURL string
	client     *http.Client
}

// NewClient creates a hub adapter client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		adminToken: cfg.AdminToken,
		webhookURL: cfg.WebhookURL,
		client:     &http.Client{Timeout: timeout},
	}
}

func (c *Client) Kind() types.Kind {
	return types.KindHub
}

type initResponse struct {
	Token      string `json:"token"`
	InstanceID string `json:"instanceId"`
}

type statusResponse struct {
	Status   string `json:"status"`
	QRCode   string `json:"qrcode"`
	PairCode string `json:"paircode"`
}

// Connect provisions a hub instance for the tenant, points its webhook at
// the gateway and asks for a pairing code. Returns the freshly issued
// instance token.
func (c *Client) Connect(ctx context.Context, tenantID, phone string) (*types.ConnectResult, error) {
	body, err := c.doJSON(ctx, http.MethodPost, "/instance/init", c.adminToken, map[string]string{
		"name":    tenantID,
		"webhook": c.webhookURL,
	}, "connect")
	if err != nil {
		return nil, err
	}

	var init initResponse
	if err := json.Unmarshal(body, &init); err != nil {
		return nil, provider.NormalizeError(err, types.KindHub, "connect")
	}

	result := &types.ConnectResult{State: types.ConnStatePending, Token: init.Token, ChannelID: init.InstanceID}

	if phone != "" {
		pairBody, err := c.doJSON(ctx, http.MethodPost, "/instance/paircode", init.Token,
			map[string]string{"phone": phone}, "connect")
		if err != nil {
			return nil, err
		}
		var status statusResponse
		if err := json.Unmarshal(pairBody, &status); err == nil && status.PairCode != "" {
			result.Code = status.PairCode
			result.CodeKind = types.CodeKindPair
		}
		return result, nil
	}

	if qr, err := c.fetchQR(ctx, init.Token); err == nil && qr != "" {
		result.Code = qr
		result.CodeKind = types.CodeKindQR
	}
	return result, nil
}

// Status reports the instance's connection state, including a fresh QR
// while pairing is pending.
func (c *Client) Status(ctx context.Context, token string) (*types.ConnectResult, error) {
	body, err := c.doJSON(ctx, http.MethodGet, "/instance/status", token, nil, "status")
	if err != nil {
		return nil, err
	}

	var status statusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, provider.NormalizeError(err, types.KindHub, "status")
	}

	result := &types.ConnectResult{Token: token}
	switch status.Status {
	case "connected":
		result.State = types.ConnStateConnected
	case "disconnected":
		result.State = types.ConnStateFailed
	default:
		result.State = types.ConnStatePending
		if status.QRCode != "" {
			result.Code = status.QRCode
			result.CodeKind = types.CodeKindQR
		}
	}
	return result, nil
}

// SendText dispatches a text message through the tenant's instance.
func (c *Client) SendText(ctx context.Context, token, recipient, text string) (*types.Receipt, error) {
	body, err := c.doJSON(ctx, http.MethodPost, "/message/text", token, map[string]string{
		"number": recipient,
		"text":   text,
	}, "sendText")
	if err != nil {
		return nil, err
	}

	var resp struct {
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, provider.NormalizeError(err, types.KindHub, "sendText")
	}

	return &types.Receipt{MessageID: resp.MessageID, Status: "sent", SentAt: time.Now()}, nil
}

// Disconnect logs the instance out and releases it.
func (c *Client) Disconnect(ctx context.Context, token string) error {
	_, err := c.doJSON(ctx, http.MethodDelete, "/instance/logout", token, nil, "disconnect")
	return err
}

func (c *Client) fetchQR(ctx context.Context, token string) (string, error) {
	body, err := c.doJSON(ctx, http.MethodGet, "/instance/qrcode", token, nil, "connect")
	if err != nil {
		return "", err
	}
	var status statusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return "", provider.NormalizeError(err, types.KindHub, "connect")
	}
	return status.QRCode, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, payload interface{}, operation string) ([]byte, error) {
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
	req.Header.Set("Token", token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, provider.NormalizeError(err, types.KindHub, operation)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.NormalizeError(err, types.KindHub, operation)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, provider.ErrorFromStatus(types.KindHub, operation, resp.StatusCode, body)
	}
	return body, nil
}
