package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "lexrelay/internal/errors"
	"lexrelay/pkg/provider/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectMintsInstanceToken(t *testing.T) {
	tokens := make(map[string]string)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens[r.URL.Path] = r.Header.Get("Token")
		switch r.URL.Path {
		case "/instance/init":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "firm-1", body["name"])
			assert.Equal(t, "https://relay.example.com/webhook/hub", body["webhook"])
			w.Write([]byte(`{"token":"inst-token-9","instanceId":"inst-42"}`))
		case "/instance/qrcode":
			w.Write([]byte(`{"qrcode":"2@hub-qr-payload"}`))
		default:
			t.Fatalf("unexpected request: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewClient(ClientConfig{
		BaseURL:    server.URL,
		AdminToken: "admin-secret",
		WebhookURL: "https://relay.example.com/webhook/hub",
	})

	result, err := client.Connect(context.Background(), "firm-1", "")
	require.NoError(t, err)
	assert.Equal(t, types.ConnStatePending, result.State)
	assert.Equal(t, "inst-token-9", result.Token)
	assert.Equal(t, "inst-42", result.ChannelID)
	assert.Equal(t, "2@hub-qr-payload", result.Code)
	assert.Equal(t, types.CodeKindQR, result.CodeKind)

	assert.Equal(t, "admin-secret", tokens["/instance/init"], "init uses the admin token")
	assert.Equal(t, "inst-token-9", tokens["/instance/qrcode"], "later calls use the minted token")
}

func TestConnectWithPhoneRequestsPairCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/instance/init":
			w.Write([]byte(`{"token":"inst-token-9","instanceId":"inst-42"}`))
		case "/instance/paircode":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "5511999999999", body["phone"])
			w.Write([]byte(`{"paircode":"WXYZ-9876"}`))
		default:
			t.Fatalf("unexpected request: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, AdminToken: "admin"})

	result, err := client.Connect(context.Background(), "firm-1", "5511999999999")
	require.NoError(t, err)
	assert.Equal(t, "WXYZ-9876", result.Code)
	assert.Equal(t, types.CodeKindPair, result.CodeKind)
}

func TestStatusStates(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected types.ConnState
		code     string
	}{
		{"connected", `{"status":"connected"}`, types.ConnStateConnected, ""},
		{"disconnected", `{"status":"disconnected"}`, types.ConnStateFailed, ""},
		{"pairing surfaces qr", `{"status":"qrcode","qrcode":"2@fresh"}`, types.ConnStatePending, "2@fresh"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/instance/status", r.URL.Path)
				require.Equal(t, "inst-token-9", r.Header.Get("Token"))
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient(ClientConfig{BaseURL: server.URL})
			result, err := client.Status(context.Background(), "inst-token-9")
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result.State)
			assert.Equal(t, tt.code, result.Code)
		})
	}
}

func TestSendText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/message/text", r.URL.Path)
		require.Equal(t, "inst-token-9", r.Header.Get("Token"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "5511999999999", body["number"])
		assert.Equal(t, "Bom dia!", body["text"])
		w.Write([]byte(`{"messageId":"hub-msg-5"}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL})
	receipt, err := client.SendText(context.Background(), "inst-token-9", "5511999999999", "Bom dia!")
	require.NoError(t, err)
	assert.Equal(t, "hub-msg-5", receipt.MessageID)
}

func TestSendTextServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "instance busy", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL})
	_, err := client.SendText(context.Background(), "inst-token-9", "5511999999999", "hi")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeProviderResponse, apperrors.GetCode(err))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestDisconnectLogsOut(t *testing.T) {
	var method, path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL})
	require.NoError(t, client.Disconnect(context.Background(), "inst-token-9"))
	assert.Equal(t, http.MethodDelete, method)
	assert.Equal(t, "/instance/logout", path)
}
