package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"lexrelay/internal/models"
	"lexrelay/internal/queue"
	"lexrelay/internal/realtime"
	"lexrelay/internal/service"
	"lexrelay/internal/store"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testVerifyToken   = "cloud-verify-token"
	testGatewaySecret = "gateway-webhook-secret-0123456789abcdef"
	testHubSecret     = "hub-webhook-secret-0123456789abcdef"
)

type testHarness struct {
	server *Server
	store  *store.Store
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "lexrelay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	registry := service.NewAdapterRegistry(st)
	events := realtime.NewHub(logger)
	sessions := service.NewSessionService(st, registry, events, logger, 3, time.Millisecond)

	incoming := queue.New(st, queue.Options{Name: models.QueueIncoming, MaxAttempts: 3, BackoffBase: time.Second}, nil, logger)
	document := queue.New(st, queue.Options{Name: models.QueueDocument, MaxAttempts: 2, BackoffBase: time.Second}, nil, logger)

	cfg := &models.Config{
		Server: models.ServerConfig{Port: 8080, WebhookMaxSkewSec: 300},
		Providers: models.ProvidersConfig{
			Cloud:   models.CloudProviderConfig{VerifyToken: testVerifyToken},
			Gateway: models.GatewayProviderConfig{WebhookSecret: testGatewaySecret},
			Hub:     models.HubProviderConfig{WebhookSecret: testHubSecret},
		},
	}

	srv := NewServer(cfg, ServerDeps{
		Sessions:      sessions,
		IncomingQueue: incoming,
		DocumentQueue: document,
		Store:         st,
		Events:        events,
		Logger:        logger,
	})
	return &testHarness{server: srv, store: st}
}

func (h *testHarness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.server.httpSrv.Handler.ServeHTTP(rec, req)
	return rec
}

func (h *testHarness) pendingJobs(t *testing.T, queueName string) int {
	t.Helper()
	count, err := h.store.PendingJobCount(context.Background(), queueName)
	require.NoError(t, err)
	return count
}

func TestCloudVerification(t *testing.T) {
	tests := []struct {
		name           string
		query          string
		expectedStatus int
		expectedBody   string
	}{
		{
			"valid handshake echoes challenge",
			"hub.mode=subscribe&hub.verify_token=" + testVerifyToken + "&hub.challenge=abc123",
			http.StatusOK,
			"abc123",
		},
		{
			"wrong token rejected",
			"hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=abc123",
			http.StatusForbidden,
			"",
		},
		{
			"missing token rejected",
			"hub.mode=subscribe&hub.challenge=abc123",
			http.StatusForbidden,
			"",
		},
		{
			"wrong mode rejected",
			"hub.mode=unsubscribe&hub.verify_token=" + testVerifyToken + "&hub.challenge=abc123",
			http.StatusForbidden,
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHarness(t)
			req := httptest.NewRequest(http.MethodGet, "/webhook/cloud?"+tt.query, nil)
			rec := h.do(req)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedBody != "" {
				assert.Equal(t, tt.expectedBody, rec.Body.String())
			}
		})
	}
}

func TestCloudWebhookEnqueuesTextMessages(t *testing.T) {
	h := newTestHarness(t)

	body := `{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "entry-1",
			"changes": [{
				"field": "messages",
				"value": {
					"metadata": {"phone_number_id": "106540352242922"},
					"messages": [
						{"from": "5511999999999", "id": "wamid.1", "type": "text", "text": {"body": "Preciso de ajuda"}},
						{"from": "5511888888888", "id": "wamid.2", "type": "image"}
					]
				}
			}]
		}]
	}`

	rec := h.do(httptest.NewRequest(http.MethodPost, "/webhook/cloud", bytes.NewBufferString(body)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.pendingJobs(t, models.QueueIncoming), "only the text message is enqueued")
}

func TestCloudWebhookMalformedBody(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(httptest.NewRequest(http.MethodPost, "/webhook/cloud", bytes.NewBufferString("{not json")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func signedGatewayRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook/gateway", bytes.NewBufferString(body))
	req.Header.Set("X-Webhook-Hmac", signBody(testGatewaySecret, []byte(body)))
	req.Header.Set("X-Webhook-Timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	return req
}

func TestGatewayWebhookRequiresSignature(t *testing.T) {
	h := newTestHarness(t)
	body := `{"event":"message","session":"firm-1","payload":{"from":"5511999999999@c.us","body":"Olá"}}`

	t.Run("unsigned rejected", func(t *testing.T) {
		rec := h.do(httptest.NewRequest(http.MethodPost, "/webhook/gateway", bytes.NewBufferString(body)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Zero(t, h.pendingJobs(t, models.QueueIncoming))
	})

	t.Run("bad signature rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhook/gateway", bytes.NewBufferString(body))
		req.Header.Set("X-Webhook-Hmac", signBody("wrong-secret", []byte(body)))
		req.Header.Set("X-Webhook-Timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
		rec := h.do(req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("signed message enqueued", func(t *testing.T) {
		rec := h.do(signedGatewayRequest(body))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, h.pendingJobs(t, models.QueueIncoming))
	})
}

func TestGatewayWebhookSessionStatusMarksConnected(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.SaveSession(ctx, &models.Session{
		TenantID:      "firm-1",
		Provider:      "gateway",
		ProviderToken: "firm-1",
		State:         models.StateQRReady,
		PendingCode:   "data:image/png;base64,xyz",
		CodeKind:      "qr",
	}))

	body := `{"event":"session.status","session":"firm-1","payload":{"status":"WORKING"}}`
	rec := h.do(signedGatewayRequest(body))
	assert.Equal(t, http.StatusOK, rec.Code)

	session, err := h.store.GetSession(ctx, "firm-1")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, models.StateConnected, session.State)
	assert.Empty(t, session.PendingCode, "the pending code is cleared on connect")
	assert.Zero(t, h.pendingJobs(t, models.QueueIncoming), "status events never reach the queue")
}

func hubRequest(body string, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook/hub", bytes.NewBufferString(body))
	if secret != "" {
		req.Header.Set("X-Hub-Secret", secret)
	}
	return req
}

func TestHubWebhookRequiresSharedSecret(t *testing.T) {
	h := newTestHarness(t)
	body := `{"event":"messages","instanceId":"inst-42","sender":"5511999999999","text":"Olá"}`

	t.Run("missing secret rejected", func(t *testing.T) {
		rec := h.do(hubRequest(body, ""))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		rec := h.do(hubRequest(body, "wrong"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid message enqueued", func(t *testing.T) {
		rec := h.do(hubRequest(body, testHubSecret))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, h.pendingJobs(t, models.QueueIncoming))
	})
}

func TestHubWebhookConnectionEventMarksConnected(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.SaveSession(ctx, &models.Session{
		TenantID:      "firm-1",
		Provider:      "hub",
		ProviderToken: "inst-token-9",
		State:         models.StateQRReady,
	}))
	require.NoError(t, h.store.SaveChannelMapping(ctx, &models.ChannelMapping{
		Provider:  "hub",
		ChannelID: "inst-42",
		TenantID:  "firm-1",
	}))

	body := `{"event":"connection","instanceId":"inst-42","status":"connected"}`
	rec := h.do(hubRequest(body, testHubSecret))
	assert.Equal(t, http.StatusOK, rec.Code)

	session, err := h.store.GetSession(ctx, "firm-1")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, models.StateConnected, session.State)
}

func TestHubWebhookDropsGroupAndOwnMessages(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"group message", `{"event":"messages","instanceId":"inst-42","sender":"123@g.us","text":"hi","isGroup":true}`},
		{"own message", `{"event":"messages","instanceId":"inst-42","sender":"5511999999999","text":"hi","fromMe":true}`},
		{"empty text", `{"event":"messages","instanceId":"inst-42","sender":"5511999999999","text":""}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHarness(t)
			rec := h.do(hubRequest(tt.body, testHubSecret))
			assert.Equal(t, http.StatusOK, rec.Code, "filtered messages are still acknowledged")
			assert.Zero(t, h.pendingJobs(t, models.QueueIncoming))
		})
	}
}

func TestSessionStartUnknownProvider(t *testing.T) {
	h := newTestHarness(t)

	body := `{"provider":"carrier-pigeon"}`
	rec := h.do(httptest.NewRequest(http.MethodPost, "/api/sessions/firm-1/start", bytes.NewBufferString(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionStatusNotFound(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/sessions/firm-1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionStatusReturnsSession(t *testing.T) {
	h := newTestHarness(t)
	require.NoError(t, h.store.SaveSession(context.Background(), &models.Session{
		TenantID:    "firm-1",
		Provider:    "gateway",
		State:       models.StateQRReady,
		PendingCode: "data:image/png;base64,xyz",
		CodeKind:    "qr",
	}))

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/sessions/firm-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "firm-1", resp.TenantID)
	assert.Equal(t, "gateway", resp.Provider)
	assert.Equal(t, "QR_READY", resp.State)
	assert.Equal(t, "data:image/png;base64,xyz", resp.Code)
	assert.Equal(t, "qr", resp.CodeKind)
}

func TestSessionLogoutWithoutSession(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(httptest.NewRequest(http.MethodPost, "/api/sessions/firm-1/logout", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestDocumentRequestAccepted(t *testing.T) {
	h := newTestHarness(t)

	body := `{"tenantId":"firm-1","userId":"5511999999999","docType":"PROCURACAO","context":"cliente novo"}`
	rec := h.do(httptest.NewRequest(http.MethodPost, "/api/documents", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["jobId"])
	assert.Equal(t, 1, h.pendingJobs(t, models.QueueDocument))
}

func TestDocumentRequestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing tenant", `{"docType":"PROCURACAO"}`},
		{"missing doc type", `{"tenantId":"firm-1"}`},
		{"not json", `nope`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHarness(t)
			rec := h.do(httptest.NewRequest(http.MethodPost, "/api/documents", bytes.NewBufferString(tt.body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestDeadJobsEndpoint(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	job, err := h.server.deps.IncomingQueue.Enqueue(ctx, "incoming:hub", map[string]string{"text": "hi"})
	require.NoError(t, err)
	require.NoError(t, h.store.MarkJobDead(ctx, job.ID, 3, "PROVIDER_TIMEOUT: provider slow"))

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/queues/incoming/dead", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Queue string `json:"queue"`
		Jobs  []struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			Attempts  int    `json:"attempts"`
			LastError string `json:"lastError"`
		} `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "incoming", resp.Queue)
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, job.ID, resp.Jobs[0].ID)
	assert.Equal(t, "incoming:hub", resp.Jobs[0].Name)
	assert.Equal(t, 3, resp.Jobs[0].Attempts)
	assert.Contains(t, resp.Jobs[0].LastError, "PROVIDER_TIMEOUT")
}

func TestDeadJobsUnknownQueue(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/queues/mystery/dead", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeadJobsEmptyQueue(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/queues/outgoing/dead", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queue":"outgoing","jobs":[]}`, rec.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
