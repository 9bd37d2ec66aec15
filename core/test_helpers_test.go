package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type memoryGateway struct {
	mu         sync.Mutex
	record     IntegrationMetadata
	fetchCalls int
	updates    []MetadataPatch
	fetchErr   error
	updateErr  error
}

func newMemoryGateway(record IntegrationMetadata) *memoryGateway {
	return &memoryGateway{record: record}
}

func (g *memoryGateway) FetchMetadata(context.Context) (IntegrationMetadata, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetchCalls++
	if g.fetchErr != nil {
		return IntegrationMetadata{}, g.fetchErr
	}
	return g.record, nil
}

func (g *memoryGateway) UpdateMetadata(_ context.Context, patch MetadataPatch) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updates = append(g.updates, patch)
	if g.updateErr != nil {
		return g.updateErr
	}
	g.record = patch.Apply(g.record, time.Now().UTC())
	return nil
}

func (g *memoryGateway) snapshot() (IntegrationMetadata, []MetadataPatch) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.record, append([]MetadataPatch(nil), g.updates...)
}

type tokenReply struct {
	response TokenResponse
	err      error
}

type scriptedTokenEndpoint struct {
	mu            sync.Mutex
	exchange      []tokenReply
	refresh       []tokenReply
	exchangeCalls []ExchangeRequest
	refreshCalls  []RefreshRequest
	refreshGate   chan struct{}
	refreshEnter  chan struct{}
	honorContext  bool
}

func (e *scriptedTokenEndpoint) ExchangeCode(_ context.Context, req ExchangeRequest) (TokenResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exchangeCalls = append(e.exchangeCalls, req)
	if len(e.exchange) == 0 {
		return nil, fmt.Errorf("test endpoint: unexpected exchange call")
	}
	reply := e.exchange[0]
	e.exchange = e.exchange[1:]
	return reply.response, reply.err
}

func (e *scriptedTokenEndpoint) RefreshToken(ctx context.Context, req RefreshRequest) (TokenResponse, error) {
	if e.refreshEnter != nil {
		e.refreshEnter <- struct{}{}
	}
	if e.refreshGate != nil {
		<-e.refreshGate
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refreshCalls = append(e.refreshCalls, req)
	if e.honorContext && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(e.refresh) == 0 {
		return nil, fmt.Errorf("test endpoint: unexpected refresh call")
	}
	reply := e.refresh[0]
	e.refresh = e.refresh[1:]
	return reply.response, reply.err
}

func (e *scriptedTokenEndpoint) counts() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.exchangeCalls), len(e.refreshCalls)
}

type fetchReply struct {
	result FetchAccountsResult
	err    error
}

type pushReply struct {
	items []PushItemResult
	err   error
}

type scriptedAccountingAPI struct {
	mu         sync.Mutex
	fetches    []fetchReply
	pushes     []pushReply
	fetchCalls []FetchAccountsRequest
	pushCalls  []PushSyncRequest
}

func (a *scriptedAccountingAPI) FetchUpdatedAccounts(_ context.Context, req FetchAccountsRequest) (FetchAccountsResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetchCalls = append(a.fetchCalls, req)
	if len(a.fetches) == 0 {
		return FetchAccountsResult{}, fmt.Errorf("test api: unexpected fetch call")
	}
	reply := a.fetches[0]
	a.fetches = a.fetches[1:]
	return reply.result, reply.err
}

func (a *scriptedAccountingAPI) PushSync(_ context.Context, req PushSyncRequest) ([]PushItemResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pushCalls = append(a.pushCalls, req)
	if len(a.pushes) == 0 {
		return nil, fmt.Errorf("test api: unexpected push call")
	}
	reply := a.pushes[0]
	a.pushes = a.pushes[1:]
	return reply.items, reply.err
}

type recordingNotifier struct {
	mu      sync.Mutex
	signals []Signal
}

func (n *recordingNotifier) Notify(_ context.Context, signal Signal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signals = append(n.signals, signal)
	return nil
}

func (n *recordingNotifier) snapshot() []Signal {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Signal(nil), n.signals...)
}

type recordingRedirector struct {
	mu   sync.Mutex
	urls []string
}

func (r *recordingRedirector) Redirect(_ context.Context, authorizationURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, authorizationURL)
	return nil
}

func (r *recordingRedirector) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.urls...)
}

type stubLoggerProvider struct {
	logger Logger
}

func (p stubLoggerProvider) GetLogger(string) Logger {
	return p.logger
}

func provisionedMetadata() IntegrationMetadata {
	return IntegrationMetadata{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		RedirectURI:  "https://app.example.com/apex/Quick_Book_Integration",
	}
}

func authorizedMetadata() IntegrationMetadata {
	md := provisionedMetadata()
	md.AccessToken = "at0"
	md.RefreshToken = "rt0"
	md.RealmID = "123"
	md.AuthorizationCode = "abc"
	return md
}

type testHarness struct {
	svc        *Service
	gateway    *memoryGateway
	tokens     *scriptedTokenEndpoint
	api        *scriptedAccountingAPI
	notifier   *recordingNotifier
	redirector *recordingRedirector
	logger     *captureLogger
	metrics    *captureMetricsRecorder
}

func newTestHarness(t *testing.T, record IntegrationMetadata, cfg Config, opts ...Option) *testHarness {
	t.Helper()
	h := &testHarness{
		gateway:    newMemoryGateway(record),
		tokens:     &scriptedTokenEndpoint{},
		api:        &scriptedAccountingAPI{},
		notifier:   &recordingNotifier{},
		redirector: &recordingRedirector{},
		logger:     newCaptureLogger(),
		metrics:    &captureMetricsRecorder{},
	}
	base := []Option{
		WithMetadataGateway(h.gateway),
		WithTokenEndpoint(h.tokens),
		WithAccountingAPI(h.api),
		WithNotifier(h.notifier),
		WithRedirector(h.redirector),
		WithLogger(h.logger),
		WithLoggerProvider(stubLoggerProvider{logger: h.logger}),
		WithMetricsRecorder(h.metrics),
		WithLockBackoffScheduler(ExponentialBackoffScheduler{Initial: time.Millisecond, Max: time.Millisecond}),
	}
	svc, err := NewService(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	h.svc = svc
	return h
}

func authorizedSession() SessionState {
	session := NewSessionState(authorizedMetadata(), AuthorizationRequestContext{})
	session.Flow = FlowStateReady
	return session
}
