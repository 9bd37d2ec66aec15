package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRefresh_RotatesAndPersistsPair(t *testing.T) {
	h := newTestHarness(t, authorizedMetadata(), DefaultConfig())
	h.tokens.refresh = []tokenReply{{response: TokenGranted{AccessToken: "at1", RefreshToken: "rt1"}}}

	result, err := h.svc.Refresh(context.Background(), authorizedSession())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if result.Session.Tokens != (TokenPair{AccessToken: "at1", RefreshToken: "rt1"}) {
		t.Fatalf("unexpected refreshed pair %+v", result.Session.Tokens)
	}
	if result.Reused || result.Shared {
		t.Fatalf("expected a fresh refresh, got reused=%v shared=%v", result.Reused, result.Shared)
	}

	call := h.tokens.refreshCalls[0]
	want := RefreshRequest{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		RefreshToken: "rt0",
		RedirectURI:  "https://app.example.com/apex/Quick_Book_Integration",
	}
	if call != want {
		t.Fatalf("unexpected refresh request %+v", call)
	}

	record, updates := h.gateway.snapshot()
	if len(updates) != 1 || updates[0] != (MetadataPatch{Code: "abc", RealmID: "123", AccessToken: "at1", RefreshToken: "rt1"}) {
		t.Fatalf("unexpected metadata updates %+v", updates)
	}
	if record.TokenPair() != result.Session.Tokens {
		t.Fatalf("expected stored pair to match session pair")
	}
}

func TestRefresh_RejectedRefreshTokenRedirects(t *testing.T) {
	h := newTestHarness(t, authorizedMetadata(), DefaultConfig())
	h.tokens.refresh = []tokenReply{{response: TokenRejected{Error: "invalid_grant", StatusCode: 400}}}

	result, err := h.svc.Refresh(context.Background(), authorizedSession())
	if !HasErrorCode(err, ErrorReauthorizationRequired) {
		t.Fatalf("expected reauthorization required, got %v", err)
	}
	if result.RedirectURL == "" || result.Session.Flow != FlowStateRedirectingForAuthorization {
		t.Fatalf("expected redirect path, got %q %s", result.RedirectURL, result.Session.Flow)
	}
	if urls := h.redirector.snapshot(); len(urls) != 1 {
		t.Fatalf("expected exactly one redirect, got %v", urls)
	}
	if _, refreshes := h.tokens.counts(); refreshes != 1 {
		t.Fatalf("expected exactly one refresh attempt, got %d", refreshes)
	}
	if _, updates := h.gateway.snapshot(); len(updates) != 0 {
		t.Fatalf("expected no metadata update after rejection")
	}
}

func TestRefresh_MissingRefreshTokenRequiresReauthorization(t *testing.T) {
	record := provisionedMetadata()
	record.RealmID = "123"
	h := newTestHarness(t, record, DefaultConfig())

	session := NewSessionState(record, AuthorizationRequestContext{})
	_, err := h.svc.Refresh(context.Background(), session)
	if !HasErrorCode(err, ErrorReauthorizationRequired) {
		t.Fatalf("expected reauthorization required, got %v", err)
	}
	if _, refreshes := h.tokens.counts(); refreshes != 0 {
		t.Fatalf("expected no refresh call without a refresh token")
	}
}

func TestRefresh_MalformedAndTransportFailuresDoNotRedirect(t *testing.T) {
	cases := []struct {
		name  string
		reply tokenReply
		code  string
	}{
		{name: "malformed", reply: tokenReply{response: TokenGranted{AccessToken: "at1"}}, code: ErrorMalformedTokenResponse},
		{name: "transport", reply: tokenReply{err: fmt.Errorf("i/o timeout")}, code: ErrorTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHarness(t, authorizedMetadata(), DefaultConfig())
			h.tokens.refresh = []tokenReply{tc.reply}

			result, err := h.svc.Refresh(context.Background(), authorizedSession())
			if !HasErrorCode(err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
			if result.RedirectURL != "" || len(h.redirector.snapshot()) != 0 {
				t.Fatalf("expected no redirect for %s", tc.name)
			}
			if result.Session.Tokens.AccessToken != "at0" {
				t.Fatalf("expected session to keep the old pair, got %+v", result.Session.Tokens)
			}
		})
	}
}

func TestRefresh_PersistenceFailureIsSwallowed(t *testing.T) {
	h := newTestHarness(t, authorizedMetadata(), DefaultConfig())
	h.gateway.updateErr = fmt.Errorf("write conflict")
	h.tokens.refresh = []tokenReply{{response: TokenGranted{AccessToken: "at1", RefreshToken: "rt1"}}}

	result, err := h.svc.Refresh(context.Background(), authorizedSession())
	if err != nil {
		t.Fatalf("expected persistence failure to be swallowed, got %v", err)
	}
	if result.Session.Tokens.AccessToken != "at1" {
		t.Fatalf("expected fresh pair for the current session, got %+v", result.Session.Tokens)
	}
	if _, ok := h.logger.find("error", "persisting refreshed tokens failed"); !ok {
		t.Fatalf("expected persistence failure to be logged")
	}
}

func TestRefresh_ReusesPairRotatedElsewhere(t *testing.T) {
	record := authorizedMetadata()
	record.AccessToken = "at9"
	record.RefreshToken = "rt9"
	record.UpdatedAt = time.Now().UTC()
	h := newTestHarness(t, record, DefaultConfig())

	result, err := h.svc.Refresh(context.Background(), authorizedSession())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !result.Reused || result.Session.Tokens.AccessToken != "at9" {
		t.Fatalf("expected stored pair to be reused, got %+v", result)
	}
	if _, refreshes := h.tokens.counts(); refreshes != 0 {
		t.Fatalf("expected no refresh call, got %d", refreshes)
	}
}

func TestRefresh_UnpersistedPairIsRefreshedAgain(t *testing.T) {
	h := newTestHarness(t, authorizedMetadata(), DefaultConfig())
	h.gateway.updateErr = fmt.Errorf("write conflict")
	h.tokens.refresh = []tokenReply{
		{response: TokenGranted{AccessToken: "at1", RefreshToken: "rt1"}},
		{response: TokenGranted{AccessToken: "at2", RefreshToken: "rt2"}},
	}

	first, err := h.svc.Refresh(context.Background(), authorizedSession())
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}

	second, err := h.svc.Refresh(context.Background(), first.Session)
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if second.Reused {
		t.Fatalf("expected the stale stored pair not to be reused")
	}
	if second.Session.Tokens != (TokenPair{AccessToken: "at2", RefreshToken: "rt2"}) {
		t.Fatalf("unexpected pair after second refresh %+v", second.Session.Tokens)
	}
	if _, refreshes := h.tokens.counts(); refreshes != 2 {
		t.Fatalf("expected two refresh calls, got %d", refreshes)
	}
	if got := h.tokens.refreshCalls[1].RefreshToken; got != "rt1" {
		t.Fatalf("expected second refresh to present rt1, got %q", got)
	}
}

func TestRefresh_ConcurrentCallersShareOneRefresh(t *testing.T) {
	h := newTestHarness(t, authorizedMetadata(), DefaultConfig())
	h.tokens.refresh = []tokenReply{{response: TokenGranted{AccessToken: "at1", RefreshToken: "rt1"}}}
	h.tokens.refreshGate = make(chan struct{})
	h.tokens.refreshEnter = make(chan struct{}, 4)

	var wg sync.WaitGroup
	results := make([]RefreshResult, 2)
	errs := make([]error, 2)
	run := func(index int) {
		defer wg.Done()
		results[index], errs[index] = h.svc.Refresh(context.Background(), authorizedSession())
	}

	wg.Add(1)
	go run(0)
	<-h.tokens.refreshEnter

	wg.Add(1)
	go run(1)
	time.Sleep(20 * time.Millisecond)
	close(h.tokens.refreshGate)
	wg.Wait()

	for index, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", index, err)
		}
		if results[index].Session.Tokens != (TokenPair{AccessToken: "at1", RefreshToken: "rt1"}) {
			t.Fatalf("caller %d: unexpected pair %+v", index, results[index].Session.Tokens)
		}
	}
	if _, refreshes := h.tokens.counts(); refreshes != 1 {
		t.Fatalf("expected one refresh request for the lineage, got %d", refreshes)
	}
}

func TestRefresh_CancelledLeaderDoesNotFailJoinedCaller(t *testing.T) {
	h := newTestHarness(t, authorizedMetadata(), DefaultConfig())
	h.tokens.refresh = []tokenReply{{response: TokenGranted{AccessToken: "at1", RefreshToken: "rt1"}}}
	h.tokens.refreshGate = make(chan struct{})
	h.tokens.refreshEnter = make(chan struct{}, 4)
	h.tokens.honorContext = true

	leaderCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var joinedResult RefreshResult
	var leaderErr, joinedErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, leaderErr = h.svc.Refresh(leaderCtx, authorizedSession())
	}()
	<-h.tokens.refreshEnter

	wg.Add(1)
	go func() {
		defer wg.Done()
		joinedResult, joinedErr = h.svc.Refresh(context.Background(), authorizedSession())
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(h.tokens.refreshGate)
	wg.Wait()

	if leaderErr != nil || joinedErr != nil {
		t.Fatalf("expected both callers to succeed, got leader=%v joined=%v", leaderErr, joinedErr)
	}
	if joinedResult.Session.Tokens.AccessToken != "at1" {
		t.Fatalf("unexpected joined pair %+v", joinedResult.Session.Tokens)
	}
	if _, refreshes := h.tokens.counts(); refreshes != 1 {
		t.Fatalf("expected one refresh request, got %d", refreshes)
	}
}

func TestRefresh_HeldLineageLockFails(t *testing.T) {
	locker := NewMemoryLineageLocker()
	held, err := locker.Acquire(context.Background(), "client-1:123", time.Minute)
	if err != nil {
		t.Fatalf("pre-acquire lock: %v", err)
	}
	defer held.Unlock(context.Background())

	cfg := DefaultConfig()
	cfg.Refresh.LockAttempts = 2
	h := newTestHarness(t, authorizedMetadata(), cfg, WithLineageLocker(locker))

	_, err = h.svc.Refresh(context.Background(), authorizedSession())
	if !HasErrorCode(err, ErrorRefreshLocked) {
		t.Fatalf("expected refresh locked error, got %v", err)
	}
	if _, refreshes := h.tokens.counts(); refreshes != 0 {
		t.Fatalf("expected no refresh call while the lineage is locked")
	}
}
