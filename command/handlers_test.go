package command

import (
	"context"
	"errors"
	"testing"
	"time"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-qbsync/core"
)

type stubMutatingService struct {
	bootstrapFn   func(context.Context, core.AuthorizationRequestContext) (core.BootstrapResult, error)
	loadSessionFn func(context.Context) (core.SessionState, error)
	refreshFn     func(context.Context, core.SessionState) (core.RefreshResult, error)
	syncFn        func(context.Context, core.SyncRequest) (core.SyncResult, error)
}

func (s stubMutatingService) Bootstrap(ctx context.Context, callback core.AuthorizationRequestContext) (core.BootstrapResult, error) {
	return s.bootstrapFn(ctx, callback)
}

func (s stubMutatingService) LoadSession(ctx context.Context) (core.SessionState, error) {
	return s.loadSessionFn(ctx)
}

func (s stubMutatingService) Refresh(ctx context.Context, session core.SessionState) (core.RefreshResult, error) {
	return s.refreshFn(ctx, session)
}

func (s stubMutatingService) Sync(ctx context.Context, req core.SyncRequest) (core.SyncResult, error) {
	return s.syncFn(ctx, req)
}

type stubSyncJobService struct {
	enqueueFn func(context.Context, core.JobEnqueuer, core.SyncJobRequest) (*core.JobExecutionMessage, error)
}

func (s stubSyncJobService) EnqueueSync(ctx context.Context, enqueuer core.JobEnqueuer, req core.SyncJobRequest) (*core.JobExecutionMessage, error) {
	return s.enqueueFn(ctx, enqueuer, req)
}

type nopEnqueuer struct{}

func (nopEnqueuer) Enqueue(context.Context, *core.JobExecutionMessage) error { return nil }

func storedSession() core.SessionState {
	session := core.NewSessionState(core.IntegrationMetadata{
		ClientID:     "client-1",
		AccessToken:  "at0",
		RefreshToken: "rt0",
		RealmID:      "123",
	}, core.AuthorizationRequestContext{})
	session.Flow = core.FlowStateReady
	return session
}

func TestBootstrapCommand_ParsesCallbackURLAndStoresResult(t *testing.T) {
	var got core.AuthorizationRequestContext
	svc := stubMutatingService{
		bootstrapFn: func(_ context.Context, callback core.AuthorizationRequestContext) (core.BootstrapResult, error) {
			got = callback
			return core.BootstrapResult{Session: storedSession()}, nil
		},
	}

	collector := gocmd.NewResult[core.BootstrapResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	err := NewBootstrapCommand(svc).Execute(ctx, BootstrapMessage{
		CallbackURL: "https://app.example.com/apex/Quick_Book_Integration?code__c=abc&realmId__c=123&state=randomStateValue",
	})
	if err != nil {
		t.Fatalf("execute bootstrap: %v", err)
	}
	want := core.AuthorizationRequestContext{Code: "abc", RealmID: "123", State: "randomStateValue"}
	if got != want {
		t.Fatalf("unexpected callback %+v", got)
	}
	result, ok := collector.Load()
	if !ok || result.Session.Flow != core.FlowStateReady {
		t.Fatalf("expected bootstrap result to be stored, got %+v %v", result, ok)
	}
}

func TestBootstrapCommand_UsesCallbackWhenNoURL(t *testing.T) {
	var got core.AuthorizationRequestContext
	svc := stubMutatingService{
		bootstrapFn: func(_ context.Context, callback core.AuthorizationRequestContext) (core.BootstrapResult, error) {
			got = callback
			return core.BootstrapResult{}, nil
		},
	}
	callback := core.AuthorizationRequestContext{Code: "abc", RealmID: "123"}
	if err := NewBootstrapCommand(svc).Execute(context.Background(), BootstrapMessage{Callback: callback}); err != nil {
		t.Fatalf("execute bootstrap: %v", err)
	}
	if got != callback {
		t.Fatalf("expected callback to pass through, got %+v", got)
	}
}

func TestRefreshCommand_LoadsSessionWhenMissing(t *testing.T) {
	loaded := false
	svc := stubMutatingService{
		loadSessionFn: func(context.Context) (core.SessionState, error) {
			loaded = true
			return storedSession(), nil
		},
		refreshFn: func(_ context.Context, session core.SessionState) (core.RefreshResult, error) {
			if session.Tokens.RefreshToken != "rt0" {
				t.Fatalf("expected stored session, got %+v", session.Tokens)
			}
			return core.RefreshResult{Session: session.WithTokens(core.TokenPair{AccessToken: "at1", RefreshToken: "rt1"})}, nil
		},
	}

	collector := gocmd.NewResult[core.RefreshResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := NewRefreshCommand(svc).Execute(ctx, RefreshMessage{}); err != nil {
		t.Fatalf("execute refresh: %v", err)
	}
	if !loaded {
		t.Fatalf("expected session to be loaded")
	}
	result, _ := collector.Load()
	if result.Session.Tokens.AccessToken != "at1" {
		t.Fatalf("unexpected refresh result %+v", result.Session.Tokens)
	}
}

func TestRefreshCommand_StoresRedirectOnReauthorization(t *testing.T) {
	reauth := core.NewReauthorizationRequiredError(core.TokenRejected{Error: "invalid_grant", StatusCode: 400})
	session := storedSession()
	svc := stubMutatingService{
		refreshFn: func(context.Context, core.SessionState) (core.RefreshResult, error) {
			return core.RefreshResult{RedirectURL: "https://appcenter.intuit.com/connect/oauth2?state=randomStateValue"}, reauth
		},
	}

	collector := gocmd.NewResult[core.RefreshResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	err := NewRefreshCommand(svc).Execute(ctx, RefreshMessage{Session: &session})
	if !core.HasErrorCode(err, core.ErrorReauthorizationRequired) {
		t.Fatalf("expected reauthorization error, got %v", err)
	}
	result, ok := collector.Load()
	if !ok || result.RedirectURL == "" {
		t.Fatalf("expected redirect url to be stored with the error")
	}
}

func TestSyncCommand_DelegatesWithSince(t *testing.T) {
	since := time.Date(2026, 2, 1, 8, 30, 0, 0, time.UTC)
	session := storedSession()
	svc := stubMutatingService{
		syncFn: func(_ context.Context, req core.SyncRequest) (core.SyncResult, error) {
			if !req.Since.Equal(since) || req.Session.RealmID() != "123" {
				t.Fatalf("unexpected sync request %+v", req)
			}
			return core.SyncResult{Outcome: core.SyncOutcomeSuccess}, nil
		},
	}

	collector := gocmd.NewResult[core.SyncResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := NewSyncCommand(svc).Execute(ctx, SyncMessage{Session: &session, Since: since}); err != nil {
		t.Fatalf("execute sync: %v", err)
	}
	result, _ := collector.Load()
	if result.Outcome != core.SyncOutcomeSuccess {
		t.Fatalf("unexpected sync outcome %s", result.Outcome)
	}
}

func TestSyncCommand_LoadSessionFailureStops(t *testing.T) {
	svc := stubMutatingService{
		loadSessionFn: func(context.Context) (core.SessionState, error) {
			return core.SessionState{}, core.NewPersistenceError(errors.New("no rows"), "core: fetch integration metadata")
		},
		syncFn: func(context.Context, core.SyncRequest) (core.SyncResult, error) {
			t.Fatalf("sync must not run without a session")
			return core.SyncResult{}, nil
		},
	}
	err := NewSyncCommand(svc).Execute(context.Background(), SyncMessage{})
	if !core.HasErrorCode(err, core.ErrorPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestEnqueueSyncCommand_DelegatesAndStoresMessage(t *testing.T) {
	svc := stubSyncJobService{
		enqueueFn: func(_ context.Context, enqueuer core.JobEnqueuer, req core.SyncJobRequest) (*core.JobExecutionMessage, error) {
			if enqueuer == nil {
				t.Fatalf("expected enqueuer to be passed through")
			}
			return core.NewSyncJobMessage(req), nil
		},
	}

	collector := gocmd.NewResult[*core.JobExecutionMessage]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	err := NewEnqueueSyncCommand(svc, nopEnqueuer{}).Execute(ctx, EnqueueSyncMessage{
		Request: core.SyncJobRequest{IdempotencyKey: "nightly-2026-02-01"},
	})
	if err != nil {
		t.Fatalf("execute enqueue: %v", err)
	}
	msg, ok := collector.Load()
	if !ok || msg.IdempotencyKey != "nightly-2026-02-01" || msg.JobID != core.SyncJobID {
		t.Fatalf("unexpected enqueued message %+v", msg)
	}

	if err := NewEnqueueSyncCommand(svc, nil).Execute(context.Background(), EnqueueSyncMessage{}); err == nil {
		t.Fatalf("expected missing enqueuer to fail")
	}
}

func TestCommandMessageValidation(t *testing.T) {
	tests := []struct {
		name    string
		msg     interface{ Validate() error }
		wantErr bool
	}{
		{name: "bootstrap empty", msg: BootstrapMessage{}},
		{name: "bootstrap bad url", msg: BootstrapMessage{CallbackURL: "https://app.example.com/cb?code__c=%zz"}, wantErr: true},
		{name: "refresh", msg: RefreshMessage{}},
		{name: "sync past since", msg: SyncMessage{Since: time.Now().Add(-time.Hour)}},
		{name: "sync future since", msg: SyncMessage{Since: time.Now().Add(time.Hour)}, wantErr: true},
		{name: "enqueue future since", msg: EnqueueSyncMessage{Request: core.SyncJobRequest{Since: time.Now().Add(time.Hour)}}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}
