package service

import (
	"context"
	"sync"

	"lexrelay/internal/models"
	"lexrelay/internal/realtime"
	"lexrelay/pkg/provider/types"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// fakeAdapter implements types.Adapter with pluggable behavior.
type fakeAdapter struct {
	kind         types.Kind
	connectFn    func(ctx context.Context, tenantID, phone string) (*types.ConnectResult, error)
	statusFn     func(ctx context.Context, token string) (*types.ConnectResult, error)
	sendTextFn   func(ctx context.Context, token, recipient, text string) (*types.Receipt, error)
	disconnectFn func(ctx context.Context, token string) error

	mu          sync.Mutex
	connects    int
	disconnects int
	sent        []sentMessage
}

type sentMessage struct {
	Token     string
	Recipient string
	Text      string
}

func (f *fakeAdapter) Kind() types.Kind { return f.kind }

func (f *fakeAdapter) Connect(ctx context.Context, tenantID, phone string) (*types.ConnectResult, error) {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	return f.connectFn(ctx, tenantID, phone)
}

func (f *fakeAdapter) Status(ctx context.Context, token string) (*types.ConnectResult, error) {
	return f.statusFn(ctx, token)
}

func (f *fakeAdapter) SendText(ctx context.Context, token, recipient, text string) (*types.Receipt, error) {
	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{Token: token, Recipient: recipient, Text: text})
	f.mu.Unlock()
	if f.sendTextFn != nil {
		return f.sendTextFn(ctx, token, recipient, text)
	}
	return &types.Receipt{MessageID: "msg-1", Status: "sent"}, nil
}

func (f *fakeAdapter) Disconnect(ctx context.Context, token string) error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	if f.disconnectFn != nil {
		return f.disconnectFn(ctx, token)
	}
	return nil
}

func (f *fakeAdapter) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// memorySessionStore is an in-memory SessionStore and SessionReader.
type memorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	mappings map[string]string // provider+channel -> tenant
	docs     []*models.Document
	saveErr  error
}

func newMemorySessionStore() *memorySessionStore {
	return &memorySessionStore{
		sessions: make(map[string]*models.Session),
		mappings: make(map[string]string),
	}
}

func (m *memorySessionStore) GetSession(ctx context.Context, tenantID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[tenantID]
	if !ok {
		return nil, nil
	}
	copy := *session
	return &copy, nil
}

func (m *memorySessionStore) SaveSession(ctx context.Context, session *models.Session) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := *session
	m.sessions[session.TenantID] = &copy
	return nil
}

func (m *memorySessionStore) DeleteSession(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, tenantID)
	return nil
}

func (m *memorySessionStore) SaveChannelMapping(ctx context.Context, mapping *models.ChannelMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings[string(mapping.Provider)+"/"+mapping.ChannelID] = mapping.TenantID
	return nil
}

func (m *memorySessionStore) DeleteChannelMappings(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, tenant := range m.mappings {
		if tenant == tenantID {
			delete(m.mappings, key)
		}
	}
	return nil
}

func (m *memorySessionStore) ResolveTenant(ctx context.Context, provider types.Kind, channelID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mappings[string(provider)+"/"+channelID], nil
}

func (m *memorySessionStore) SaveDocument(ctx context.Context, doc *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := *doc
	m.docs = append(m.docs, &copy)
	return nil
}

// capturingPublisher records realtime events.
type capturingPublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (p *capturingPublisher) Publish(event realtime.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *capturingPublisher) all() []realtime.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]realtime.Event, len(p.events))
	copy(out, p.events)
	return out
}

// capturingEnqueuer records enqueued payloads.
type capturingEnqueuer struct {
	mu   sync.Mutex
	jobs []enqueuedJob
	err  error
}

type enqueuedJob struct {
	Name    string
	Payload interface{}
}

func (e *capturingEnqueuer) Enqueue(ctx context.Context, name string, payload interface{}) (*models.Job, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, enqueuedJob{Name: name, Payload: payload})
	return &models.Job{ID: "job-1", Name: name}, nil
}

// fakeResponder returns a canned reply or error.
type fakeResponder struct {
	reply string
	err   error

	mu    sync.Mutex
	seen  []string
	calls int
}

func (f *fakeResponder) GetReply(ctx context.Context, text string, tenant models.TenantContext) (string, error) {
	f.mu.Lock()
	f.seen = append(f.seen, text)
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

// fakeGenerator returns canned document content.
type fakeGenerator struct {
	content string
	err     error
}

func (f *fakeGenerator) GenerateDocument(ctx context.Context, docType, docContext string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.content, nil
}
