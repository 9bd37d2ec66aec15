package core

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// AuthorizationURLParams are the inputs of BuildAuthorizationURL.
type AuthorizationURLParams struct {
	Endpoint    string
	ClientID    string
	RedirectURI string
	Scopes      []string
	State       string
}

// BuildAuthorizationURL renders the authorization endpoint URL. Parameter
// order and encoding follow the Intuit app center contract: client_id and
// state are passed verbatim, redirect_uri and scope are percent-encoded.
func BuildAuthorizationURL(params AuthorizationURLParams) (string, error) {
	endpoint := strings.TrimSpace(params.Endpoint)
	if endpoint == "" {
		return "", fmt.Errorf("core: authorization endpoint is required")
	}
	clientID := strings.TrimSpace(params.ClientID)
	if clientID == "" {
		return "", fmt.Errorf("core: client id is required")
	}
	redirectURI := strings.TrimSpace(params.RedirectURI)
	if redirectURI == "" {
		return "", fmt.Errorf("core: redirect uri is required")
	}
	scopes := normalizeScopes(params.Scopes)
	if len(scopes) == 0 {
		return "", fmt.Errorf("core: at least one scope is required")
	}

	separator := "?"
	if strings.Contains(endpoint, "?") {
		separator = "&"
	}
	var b strings.Builder
	b.WriteString(endpoint)
	b.WriteString(separator)
	b.WriteString("client_id=")
	b.WriteString(clientID)
	b.WriteString("&redirect_uri=")
	b.WriteString(encodeURIComponent(redirectURI))
	b.WriteString("&response_type=code")
	b.WriteString("&scope=")
	b.WriteString(encodeURIComponent(strings.Join(scopes, " ")))
	b.WriteString("&state=")
	b.WriteString(strings.TrimSpace(params.State))
	return b.String(), nil
}

func encodeURIComponent(value string) string {
	return strings.ReplaceAll(url.QueryEscape(value), "+", "%20")
}

type BootstrapResult struct {
	Session     SessionState
	RedirectURL string

	// Cause is the recovered failure that led to the final state, if any.
	Cause error
}

// AuthorizationFlowController establishes a token pair for a session, either
// by redirecting for a fresh grant or by exchanging the grant in the callback.
type AuthorizationFlowController struct {
	obs        *observer
	gateway    MetadataGateway
	tokens     TokenEndpoint
	redirector Redirector
	notifier   Notifier
	states     OAuthStateStore
	writer     *lineageWriter
	config     OAuthConfig
	now        func() time.Time
}

// Bootstrap loads the stored record and resolves the session's token state.
func (c *AuthorizationFlowController) Bootstrap(ctx context.Context, callback AuthorizationRequestContext) (BootstrapResult, error) {
	metadata, err := c.gateway.FetchMetadata(ctx)
	if err != nil {
		return BootstrapResult{}, NewPersistenceError(err, "core: fetch integration metadata")
	}
	return c.Resume(ctx, NewSessionState(metadata, callback))
}

// Resume runs the state machine from Bootstrapping for an already loaded
// session.
func (c *AuthorizationFlowController) Resume(ctx context.Context, session SessionState) (BootstrapResult, error) {
	session.Flow = FlowStateBootstrapping
	switch {
	case session.Metadata.HasTokens():
		session.Tokens = session.Metadata.TokenPair()
		session.Flow = FlowStateReady
		return BootstrapResult{Session: session}, nil
	case !session.Callback.Complete():
		return c.redirect(ctx, session, nil)
	default:
		return c.exchange(ctx, session)
	}
}

// RedirectForAuthorization sends the session through a full re-consent.
func (c *AuthorizationFlowController) RedirectForAuthorization(ctx context.Context, session SessionState, cause error) (BootstrapResult, error) {
	return c.redirect(ctx, session, cause)
}

func (c *AuthorizationFlowController) exchange(ctx context.Context, session SessionState) (BootstrapResult, error) {
	session.Flow = FlowStateExchangingCode
	fields := map[string]any{"realm_id": session.Callback.RealmID}

	if err := c.verifyState(ctx, session); err != nil {
		c.obs.logWarn(ctx, "oauth callback state rejected", mergeFields(fields, map[string]any{"error": err.Error()}))
		return c.redirect(ctx, session, err)
	}

	response, err := c.tokens.ExchangeCode(ctx, ExchangeRequest{
		Code:         session.Callback.Code,
		RealmID:      session.Callback.RealmID,
		ClientID:     session.Metadata.ClientID,
		ClientSecret: session.Metadata.ClientSecret,
		RedirectURI:  session.Metadata.RedirectURI,
	})
	if err != nil {
		cause := NewTransportError(err, "core: authorization code exchange failed")
		c.obs.logError(ctx, "authorization code exchange failed", mergeFields(fields, map[string]any{"error": cause.Error()}))
		session.Flow = FlowStateUnauthorized
		return BootstrapResult{Session: session, Cause: cause}, nil
	}

	switch res := response.(type) {
	case TokenRejected:
		cause := NewExchangeRejectedError(res)
		c.obs.logWarn(ctx, "authorization code exchange rejected", mergeFields(fields, map[string]any{
			"oauth_error": res.Error,
		}))
		c.obs.notify(ctx, c.notifier, Signal{
			Kind:    SignalKindExchangeRejected,
			Title:   "Error",
			Message: "Authorization was rejected. Redirecting to sign in again.",
			Variant: SignalVariantError,
		})
		return c.redirect(ctx, session, cause)
	case TokenGranted:
		if !res.Pair().Valid() {
			cause := NewMalformedTokenResponseError("exchange_code", res)
			c.obs.logError(ctx, "authorization code exchange returned an incomplete token pair", mergeFields(fields, map[string]any{"error": cause.Error()}))
			session.Flow = FlowStateUnauthorized
			return BootstrapResult{Session: session, Cause: cause}, nil
		}
		return c.persist(ctx, session, res.Pair())
	default:
		cause := NewMalformedTokenResponseError("exchange_code", TokenGranted{})
		c.obs.logError(ctx, "authorization code exchange returned no response", fields)
		session.Flow = FlowStateUnauthorized
		return BootstrapResult{Session: session, Cause: cause}, nil
	}
}

func (c *AuthorizationFlowController) persist(ctx context.Context, session SessionState, pair TokenPair) (BootstrapResult, error) {
	session.Flow = FlowStatePersistingTokens
	session = session.WithTokens(pair)
	session.Metadata.AuthorizationCode = session.Callback.Code
	session.Metadata.RealmID = session.Callback.RealmID

	patch := MetadataPatch{
		Code:         session.Callback.Code,
		RealmID:      session.Callback.RealmID,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}
	var cause error
	err := c.writer.withLock(ctx, session.Lineage(), func(ctx context.Context) error {
		return c.gateway.UpdateMetadata(ctx, patch)
	})
	if err != nil {
		cause = NewPersistenceError(err, "core: persist exchanged tokens")
		c.obs.logError(ctx, "persisting exchanged tokens failed", map[string]any{
			"realm_id": session.Callback.RealmID,
			"error":    cause.Error(),
		})
	} else {
		session.Metadata.UpdatedAt = c.now()
	}
	session.Flow = FlowStateReady
	return BootstrapResult{Session: session, Cause: cause}, nil
}

func (c *AuthorizationFlowController) redirect(ctx context.Context, session SessionState, cause error) (BootstrapResult, error) {
	state, err := c.issueState(ctx, session)
	if err != nil {
		return BootstrapResult{Session: session, Cause: cause}, err
	}
	authURL, err := BuildAuthorizationURL(AuthorizationURLParams{
		Endpoint:    c.config.AuthURL,
		ClientID:    session.Metadata.ClientID,
		RedirectURI: session.Metadata.RedirectURI,
		Scopes:      c.config.Scopes,
		State:       state,
	})
	if err != nil {
		return BootstrapResult{Session: session, Cause: cause}, err
	}
	if c.redirector != nil {
		if redirectErr := c.redirector.Redirect(ctx, authURL); redirectErr != nil {
			c.obs.logWarn(ctx, "authorization redirect handler failed", map[string]any{"error": redirectErr.Error()})
		}
	}
	session.Flow = FlowStateRedirectingForAuthorization
	return BootstrapResult{Session: session, RedirectURL: authURL, Cause: cause}, nil
}

func (c *AuthorizationFlowController) nonceMode() bool {
	return strings.EqualFold(strings.TrimSpace(c.config.StateMode), StateModeNonce)
}

func (c *AuthorizationFlowController) issueState(ctx context.Context, session SessionState) (string, error) {
	if !c.nonceMode() {
		state := strings.TrimSpace(c.config.StaticState)
		if state == "" {
			state = DefaultStaticState
		}
		return state, nil
	}
	state, err := generateOAuthState()
	if err != nil {
		return "", err
	}
	if err := c.states.Save(ctx, OAuthStateRecord{
		State:       state,
		Lineage:     strings.TrimSpace(session.Metadata.ClientID),
		RedirectURI: session.Metadata.RedirectURI,
		CreatedAt:   c.now(),
		ExpiresAt:   c.now().Add(c.config.StateTTL()),
	}); err != nil {
		return "", fmt.Errorf("core: save oauth state: %w", err)
	}
	return state, nil
}

func (c *AuthorizationFlowController) verifyState(ctx context.Context, session SessionState) error {
	if !c.nonceMode() {
		return nil
	}
	if strings.TrimSpace(session.Callback.State) == "" {
		return newServiceError("core: oauth callback state is missing", goerrors.CategoryAuth, ErrorOAuthStateInvalid)
	}
	record, err := c.states.Consume(ctx, session.Callback.State)
	if err != nil {
		return wrapServiceError(err, goerrors.CategoryAuth, ErrorOAuthStateInvalid, "core: oauth callback state is invalid")
	}
	if record.Lineage != "" && record.Lineage != strings.TrimSpace(session.Metadata.ClientID) {
		return newServiceError("core: oauth callback state mismatch", goerrors.CategoryAuth, ErrorOAuthStateInvalid)
	}
	return nil
}

func mergeFields(base map[string]any, extra map[string]any) map[string]any {
	out := cloneFields(base)
	for key, value := range extra {
		out[key] = value
	}
	return out
}
