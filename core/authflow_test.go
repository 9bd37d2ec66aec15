package core

import (
	"context"
	"fmt"
	"net/url"
	"testing"
)

const expectedRedirectURL = "https://appcenter.intuit.com/connect/oauth2" +
	"?client_id=client-1" +
	"&redirect_uri=https%3A%2F%2Fapp.example.com%2Fapex%2FQuick_Book_Integration" +
	"&response_type=code" +
	"&scope=com.intuit.quickbooks.accounting" +
	"&state=randomStateValue"

func TestBuildAuthorizationURL_MatchesAppCenterContract(t *testing.T) {
	got, err := BuildAuthorizationURL(AuthorizationURLParams{
		Endpoint:    DefaultAuthorizationURL,
		ClientID:    "client-1",
		RedirectURI: "https://app.example.com/apex/Quick_Book_Integration",
		Scopes:      []string{DefaultAccountingScope},
		State:       DefaultStaticState,
	})
	if err != nil {
		t.Fatalf("build url: %v", err)
	}
	if got != expectedRedirectURL {
		t.Fatalf("unexpected authorization url\nwant %s\n got %s", expectedRedirectURL, got)
	}
}

func TestBuildAuthorizationURL_EncodesScopeSpacesAsPercent20(t *testing.T) {
	got, err := BuildAuthorizationURL(AuthorizationURLParams{
		Endpoint:    "https://auth.example.com/authorize?prompt=consent",
		ClientID:    "cid",
		RedirectURI: "https://app.example.com/cb?x=1",
		Scopes:      []string{"com.intuit.quickbooks.accounting", "openid", "openid"},
		State:       "s",
	})
	if err != nil {
		t.Fatalf("build url: %v", err)
	}
	want := "https://auth.example.com/authorize?prompt=consent&client_id=cid" +
		"&redirect_uri=https%3A%2F%2Fapp.example.com%2Fcb%3Fx%3D1" +
		"&response_type=code&scope=com.intuit.quickbooks.accounting%20openid&state=s"
	if got != want {
		t.Fatalf("unexpected url\nwant %s\n got %s", want, got)
	}
}

func TestBuildAuthorizationURL_RequiresClientAndRedirect(t *testing.T) {
	if _, err := BuildAuthorizationURL(AuthorizationURLParams{Endpoint: DefaultAuthorizationURL, RedirectURI: "https://x", Scopes: []string{"s"}}); err == nil {
		t.Fatalf("expected error without client id")
	}
	if _, err := BuildAuthorizationURL(AuthorizationURLParams{Endpoint: DefaultAuthorizationURL, ClientID: "c", Scopes: []string{"s"}}); err == nil {
		t.Fatalf("expected error without redirect uri")
	}
}

func TestParseCallback(t *testing.T) {
	cases := []struct {
		raw  string
		want AuthorizationRequestContext
	}{
		{
			raw:  "https://app.example.com/apex/Quick_Book_Integration?code__c=abc&realmId__c=123&state=s1",
			want: AuthorizationRequestContext{Code: "abc", RealmID: "123", State: "s1"},
		},
		{raw: "?code__c=abc", want: AuthorizationRequestContext{Code: "abc"}},
		{raw: "realmId__c=123", want: AuthorizationRequestContext{RealmID: "123"}},
		{raw: "", want: AuthorizationRequestContext{}},
	}
	for _, tc := range cases {
		got, err := ParseCallback(tc.raw)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("parse %q: expected %+v, got %+v", tc.raw, tc.want, got)
		}
	}
	if (AuthorizationRequestContext{Code: "abc"}).Complete() {
		t.Fatalf("code without realm must not count as a complete callback")
	}
}

func TestBootstrap_ExchangesCodeAndPersistsTokens(t *testing.T) {
	h := newTestHarness(t, provisionedMetadata(), DefaultConfig())
	h.tokens.exchange = []tokenReply{{response: TokenGranted{AccessToken: "at1", RefreshToken: "rt1"}}}

	result, err := h.svc.Bootstrap(context.Background(), AuthorizationRequestContext{Code: "abc", RealmID: "123"})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if result.Session.Flow != FlowStateReady {
		t.Fatalf("expected ready state, got %s", result.Session.Flow)
	}
	if result.Session.Tokens != (TokenPair{AccessToken: "at1", RefreshToken: "rt1"}) {
		t.Fatalf("unexpected session tokens %+v", result.Session.Tokens)
	}
	if result.RedirectURL != "" || len(h.redirector.snapshot()) != 0 {
		t.Fatalf("expected no redirect after a successful exchange")
	}

	if len(h.tokens.exchangeCalls) != 1 {
		t.Fatalf("expected one exchange call, got %d", len(h.tokens.exchangeCalls))
	}
	call := h.tokens.exchangeCalls[0]
	if call.Code != "abc" || call.RealmID != "123" || call.ClientID != "client-1" {
		t.Fatalf("unexpected exchange request %+v", call)
	}

	record, updates := h.gateway.snapshot()
	if len(updates) != 1 {
		t.Fatalf("expected one metadata update, got %d", len(updates))
	}
	if updates[0] != (MetadataPatch{Code: "abc", RealmID: "123", AccessToken: "at1", RefreshToken: "rt1"}) {
		t.Fatalf("unexpected metadata patch %+v", updates[0])
	}
	if record.AccessToken != "at1" || record.RefreshToken != "rt1" {
		t.Fatalf("expected stored pair at1/rt1, got %s/%s", record.AccessToken, record.RefreshToken)
	}
}

func TestBootstrap_RoundTripAndIdempotentFetch(t *testing.T) {
	h := newTestHarness(t, provisionedMetadata(), DefaultConfig())
	h.tokens.exchange = []tokenReply{{response: TokenGranted{AccessToken: "at1", RefreshToken: "rt1"}}}

	if _, err := h.svc.Bootstrap(context.Background(), AuthorizationRequestContext{Code: "abc", RealmID: "123"}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	first, err := h.gateway.FetchMetadata(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	second, err := h.gateway.FetchMetadata(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if first.TokenPair() != (TokenPair{AccessToken: "at1", RefreshToken: "rt1"}) {
		t.Fatalf("expected persisted pair to round-trip, got %+v", first.TokenPair())
	}
	if first != second {
		t.Fatalf("expected identical fetches without an update, got %+v and %+v", first, second)
	}
}

func TestBootstrap_RedirectsWithoutTokensOrCallback(t *testing.T) {
	h := newTestHarness(t, provisionedMetadata(), DefaultConfig())

	result, err := h.svc.Bootstrap(context.Background(), AuthorizationRequestContext{})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if result.Session.Flow != FlowStateRedirectingForAuthorization {
		t.Fatalf("expected redirect state, got %s", result.Session.Flow)
	}
	if result.RedirectURL != expectedRedirectURL {
		t.Fatalf("unexpected redirect url %s", result.RedirectURL)
	}
	parsed, err := url.Parse(result.RedirectURL)
	if err != nil {
		t.Fatalf("parse redirect url: %v", err)
	}
	if parsed.Query().Get("response_type") != "code" || parsed.Query().Get("client_id") != "client-1" {
		t.Fatalf("redirect url missing response_type or client_id: %s", result.RedirectURL)
	}
	if urls := h.redirector.snapshot(); len(urls) != 1 || urls[0] != result.RedirectURL {
		t.Fatalf("expected redirector to receive the url once, got %v", urls)
	}
	if exchanges, _ := h.tokens.counts(); exchanges != 0 {
		t.Fatalf("expected no exchange call, got %d", exchanges)
	}
}

func TestBootstrap_PartialCallbackCountsAsAbsent(t *testing.T) {
	for _, callback := range []AuthorizationRequestContext{{Code: "abc"}, {RealmID: "123"}} {
		h := newTestHarness(t, provisionedMetadata(), DefaultConfig())
		result, err := h.svc.Bootstrap(context.Background(), callback)
		if err != nil {
			t.Fatalf("bootstrap: %v", err)
		}
		if result.Session.Flow != FlowStateRedirectingForAuthorization {
			t.Fatalf("expected redirect for partial callback %+v, got %s", callback, result.Session.Flow)
		}
		if exchanges, _ := h.tokens.counts(); exchanges != 0 {
			t.Fatalf("expected no exchange for partial callback %+v", callback)
		}
	}
}

func TestBootstrap_StoredTokensSkipNetwork(t *testing.T) {
	h := newTestHarness(t, authorizedMetadata(), DefaultConfig())

	result, err := h.svc.Bootstrap(context.Background(), AuthorizationRequestContext{Code: "other", RealmID: "456"})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if result.Session.Flow != FlowStateReady {
		t.Fatalf("expected ready state, got %s", result.Session.Flow)
	}
	if exchanges, refreshes := h.tokens.counts(); exchanges != 0 || refreshes != 0 {
		t.Fatalf("expected no token calls, got exchange=%d refresh=%d", exchanges, refreshes)
	}
}

func TestBootstrap_ExchangeRejectedRedirectsAndSignals(t *testing.T) {
	h := newTestHarness(t, provisionedMetadata(), DefaultConfig())
	h.tokens.exchange = []tokenReply{{response: TokenRejected{Error: "invalid_grant", StatusCode: 400}}}

	result, err := h.svc.Bootstrap(context.Background(), AuthorizationRequestContext{Code: "stale", RealmID: "123"})
	if err != nil {
		t.Fatalf("expected rejection to be recovered, got %v", err)
	}
	if result.Session.Flow != FlowStateRedirectingForAuthorization || result.RedirectURL == "" {
		t.Fatalf("expected redirect after rejection, got %s %q", result.Session.Flow, result.RedirectURL)
	}
	if !HasErrorCode(result.Cause, ErrorExchangeRejected) {
		t.Fatalf("expected exchange rejected cause, got %v", result.Cause)
	}
	signals := h.notifier.snapshot()
	if len(signals) != 1 || signals[0].Kind != SignalKindExchangeRejected {
		t.Fatalf("expected one exchange rejected signal, got %+v", signals)
	}
	if _, updates := h.gateway.snapshot(); len(updates) != 0 {
		t.Fatalf("expected no metadata update after rejection")
	}
}

func TestBootstrap_MalformedResponseStaysUnauthorized(t *testing.T) {
	h := newTestHarness(t, provisionedMetadata(), DefaultConfig())
	h.tokens.exchange = []tokenReply{{response: TokenGranted{AccessToken: "at1"}}}

	result, err := h.svc.Bootstrap(context.Background(), AuthorizationRequestContext{Code: "abc", RealmID: "123"})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if result.Session.Flow != FlowStateUnauthorized {
		t.Fatalf("expected unauthorized state, got %s", result.Session.Flow)
	}
	if !HasErrorCode(result.Cause, ErrorMalformedTokenResponse) {
		t.Fatalf("expected malformed token response cause, got %v", result.Cause)
	}
	if result.RedirectURL != "" || len(h.redirector.snapshot()) != 0 {
		t.Fatalf("expected no redirect for a malformed response")
	}
	if _, updates := h.gateway.snapshot(); len(updates) != 0 {
		t.Fatalf("expected no metadata update for a malformed response")
	}
	if _, ok := h.logger.find("error", "authorization code exchange returned an incomplete token pair"); !ok {
		t.Fatalf("expected malformed response to be logged")
	}
}

func TestBootstrap_ExchangeTransportFailureIsLogged(t *testing.T) {
	h := newTestHarness(t, provisionedMetadata(), DefaultConfig())
	h.tokens.exchange = []tokenReply{{err: fmt.Errorf("dial tcp: connection refused")}}

	result, err := h.svc.Bootstrap(context.Background(), AuthorizationRequestContext{Code: "abc", RealmID: "123"})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if result.Session.Flow != FlowStateUnauthorized || !HasErrorCode(result.Cause, ErrorTransport) {
		t.Fatalf("expected unauthorized with transport cause, got %s %v", result.Session.Flow, result.Cause)
	}
	if len(h.redirector.snapshot()) != 0 {
		t.Fatalf("expected no redirect after a transport failure")
	}
}

func TestBootstrap_PersistenceFailureIsSwallowed(t *testing.T) {
	h := newTestHarness(t, provisionedMetadata(), DefaultConfig())
	h.gateway.updateErr = fmt.Errorf("disk full")
	h.tokens.exchange = []tokenReply{{response: TokenGranted{AccessToken: "at1", RefreshToken: "rt1"}}}

	result, err := h.svc.Bootstrap(context.Background(), AuthorizationRequestContext{Code: "abc", RealmID: "123"})
	if err != nil {
		t.Fatalf("expected persistence failure to be swallowed, got %v", err)
	}
	if result.Session.Flow != FlowStateReady || !result.Session.Tokens.Valid() {
		t.Fatalf("expected usable in-memory pair, got %s %+v", result.Session.Flow, result.Session.Tokens)
	}
	if !HasErrorCode(result.Cause, ErrorPersistence) {
		t.Fatalf("expected persistence cause, got %v", result.Cause)
	}
	if _, ok := h.logger.find("error", "persisting exchanged tokens failed"); !ok {
		t.Fatalf("expected persistence failure to be logged")
	}
}

func TestBootstrap_RedirectFailsWithoutClientID(t *testing.T) {
	record := provisionedMetadata()
	record.ClientID = ""
	h := newTestHarness(t, record, DefaultConfig())

	if _, err := h.svc.Bootstrap(context.Background(), AuthorizationRequestContext{}); err == nil {
		t.Fatalf("expected error when the redirect url cannot be built")
	}
}

func TestBootstrap_NonceStateModeIssuesAndConsumesState(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OAuth.StateMode = StateModeNonce
	h := newTestHarness(t, provisionedMetadata(), cfg)
	h.tokens.exchange = []tokenReply{{response: TokenGranted{AccessToken: "at1", RefreshToken: "rt1"}}}

	redirected, err := h.svc.Bootstrap(context.Background(), AuthorizationRequestContext{})
	if err != nil {
		t.Fatalf("bootstrap redirect: %v", err)
	}
	parsed, err := url.Parse(redirected.RedirectURL)
	if err != nil {
		t.Fatalf("parse redirect url: %v", err)
	}
	state := parsed.Query().Get("state")
	if state == "" || state == DefaultStaticState {
		t.Fatalf("expected a generated state, got %q", state)
	}

	result, err := h.svc.Bootstrap(context.Background(), AuthorizationRequestContext{Code: "abc", RealmID: "123", State: state})
	if err != nil {
		t.Fatalf("bootstrap exchange: %v", err)
	}
	if result.Session.Flow != FlowStateReady {
		t.Fatalf("expected ready after valid state, got %s (%v)", result.Session.Flow, result.Cause)
	}
}

func TestBootstrap_NonceStateModeRejectsUnknownState(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OAuth.StateMode = StateModeNonce
	h := newTestHarness(t, provisionedMetadata(), cfg)

	result, err := h.svc.Bootstrap(context.Background(), AuthorizationRequestContext{Code: "abc", RealmID: "123", State: "forged"})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if result.Session.Flow != FlowStateRedirectingForAuthorization {
		t.Fatalf("expected redirect for forged state, got %s", result.Session.Flow)
	}
	if !HasErrorCode(result.Cause, ErrorOAuthStateInvalid) {
		t.Fatalf("expected invalid state cause, got %v", result.Cause)
	}
	if exchanges, _ := h.tokens.counts(); exchanges != 0 {
		t.Fatalf("expected no exchange for forged state")
	}
}

func TestBootstrap_NonceStateModeRejectsMissingState(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OAuth.StateMode = StateModeNonce
	h := newTestHarness(t, provisionedMetadata(), cfg)

	result, err := h.svc.Bootstrap(context.Background(), AuthorizationRequestContext{Code: "abc", RealmID: "123"})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if result.Session.Flow != FlowStateRedirectingForAuthorization || result.RedirectURL == "" {
		t.Fatalf("expected redirect for a callback without state, got %s", result.Session.Flow)
	}
	if !HasErrorCode(result.Cause, ErrorOAuthStateInvalid) {
		t.Fatalf("expected invalid state cause, got %v", result.Cause)
	}
	if exchanges, _ := h.tokens.counts(); exchanges != 0 {
		t.Fatalf("expected no exchange without state")
	}
}
