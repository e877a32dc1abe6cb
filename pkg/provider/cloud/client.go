// Package cloud implements the adapter contract against the hosted cloud
// messaging API. There is no QR handshake here: the business number is
// registered with the platform, so Connect lands directly in the
// connected state. The provider token is the tenant's phone number id.
package cloud

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

// ClientConfig configures the cloud client.
type ClientConfig struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
}

// Client talks to the cloud messaging API.
type Client struct {
	baseURL     string
	accessToken string
	client      *http.Client
}

// NewClient creates a cloud adapter client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		accessToken: cfg.AccessToken,
		client:      &http.Client{Timeout: timeout},
	}
}

func (c *Client) Kind() types.Kind {
	return types.KindCloud
}

// Connect registers the tenant's phone number id with the platform. The
// phone argument is required for this family; it becomes the provider
// token every later call addresses.
func (c *Client) Connect(ctx context.Context, tenantID, phone string) (*types.ConnectResult, error) {
	if phone == "" {
		return nil, provider.ErrorFromStatus(types.KindCloud, "connect", http.StatusBadRequest,
			[]byte("phone number id is required for the cloud provider"))
	}

	if _, err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/%s/register", phone),
		map[string]string{"messaging_product": "whatsapp"}, "connect"); err != nil {
		return nil, err
	}

	return &types.ConnectResult{State: types.ConnStateConnected, Token: phone, ChannelID: phone}, nil
}

// Status verifies that the registered number is still reachable.
func (c *Client) Status(ctx context.Context, token string) (*types.ConnectResult, error) {
	if _, err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/%s?fields=verified_name,quality_rating", token), nil, "status"); err != nil {
		return nil, err
	}
	return &types.ConnectResult{State: types.ConnStateConnected, Token: token}, nil
}

// SendText dispatches a text message from the tenant's number.
func (c *Client) SendText(ctx context.Context, token, recipient, text string) (*types.Receipt, error) {
	body, err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/%s/messages", token), map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                recipient,
		"type":              "text",
		"text":              map[string]string{"body": text},
	}, "sendText")
	if err != nil {
		return nil, err
	}

	var resp struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, provider.NormalizeError(err, types.KindCloud, "sendText")
	}

	receipt := &types.Receipt{Status: "sent", SentAt: time.Now()}
	if len(resp.Messages) > 0 {
		receipt.MessageID = resp.Messages[0].ID
	}
	return receipt, nil
}

// Disconnect deregisters the tenant's number.
func (c *Client) Disconnect(ctx context.Context, token string) error {
	_, err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/%s/deregister", token), nil, "disconnect")
	return err
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
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, provider.NormalizeError(err, types.KindCloud, operation)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.NormalizeError(err, types.KindCloud, operation)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, provider.ErrorFromStatus(types.KindCloud, operation, resp.StatusCode, body)
	}
	return body, nil
}
