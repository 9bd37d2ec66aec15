package intuit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-qbsync/core"
	"golang.org/x/oauth2"
)

const (
	defaultTokenRequestTimeout = 30 * time.Second
	maxRejectionDescription    = 512
)

type TokenClientConfig struct {
	AuthURL    string
	TokenURL   string
	Scopes     []string
	HTTPClient *http.Client
}

// TokenClient talks to the Intuit token endpoint. Client credentials travel
// in the Authorization header as the endpoint requires.
type TokenClient struct {
	cfg        TokenClientConfig
	httpClient *http.Client
}

func NewTokenClient(cfg TokenClientConfig) (*TokenClient, error) {
	cfg.AuthURL = strings.TrimSpace(cfg.AuthURL)
	cfg.TokenURL = strings.TrimSpace(cfg.TokenURL)
	if cfg.AuthURL == "" {
		cfg.AuthURL = core.DefaultAuthorizationURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = core.DefaultTokenURL
	}
	if _, err := url.ParseRequestURI(cfg.TokenURL); err != nil {
		return nil, fmt.Errorf("intuit: invalid token url %q: %w", cfg.TokenURL, err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTokenRequestTimeout}
	}
	return &TokenClient{cfg: cfg, httpClient: httpClient}, nil
}

// NewTokenClientFromConfig builds a client from the oauth section of the
// service configuration.
func NewTokenClientFromConfig(cfg core.OAuthConfig, httpClient *http.Client) (*TokenClient, error) {
	return NewTokenClient(TokenClientConfig{
		AuthURL:    cfg.AuthURL,
		TokenURL:   cfg.TokenURL,
		Scopes:     cfg.Scopes,
		HTTPClient: httpClient,
	})
}

func (c *TokenClient) ExchangeCode(ctx context.Context, req core.ExchangeRequest) (core.TokenResponse, error) {
	conf := c.oauthConfig(req.ClientID, req.ClientSecret, req.RedirectURI)
	token, err := conf.Exchange(c.context(ctx), strings.TrimSpace(req.Code))
	if err != nil {
		return interpretTokenError(err)
	}
	return grantedFromToken(token), nil
}

// RefreshToken exchanges the refresh token for a new pair. A response that
// omits refresh_token keeps the presented one.
func (c *TokenClient) RefreshToken(ctx context.Context, req core.RefreshRequest) (core.TokenResponse, error) {
	conf := c.oauthConfig(req.ClientID, req.ClientSecret, req.RedirectURI)
	source := conf.TokenSource(c.context(ctx), &oauth2.Token{RefreshToken: strings.TrimSpace(req.RefreshToken)})
	token, err := source.Token()
	if err != nil {
		return interpretTokenError(err)
	}
	return grantedFromToken(token), nil
}

func (c *TokenClient) oauthConfig(clientID, clientSecret, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     strings.TrimSpace(clientID),
		ClientSecret: strings.TrimSpace(clientSecret),
		RedirectURL:  strings.TrimSpace(redirectURI),
		Scopes:       append([]string(nil), c.cfg.Scopes...),
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.cfg.AuthURL,
			TokenURL:  c.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

func (c *TokenClient) context(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func grantedFromToken(token *oauth2.Token) core.TokenGranted {
	if token == nil {
		return core.TokenGranted{}
	}
	return core.TokenGranted{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
}

// interpretTokenError maps oauth2 failures onto the core token responses.
// Only a 4xx answer counts as a rejection; an unreadable 2xx body becomes an
// empty grant so the caller reports it as malformed.
func interpretTokenError(err error) (core.TokenResponse, error) {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		if status >= http.StatusInternalServerError {
			return nil, core.NewTransportError(err, "intuit: token endpoint unavailable")
		}
		rejection := core.TokenRejected{
			Error:       strings.TrimSpace(retrieveErr.ErrorCode),
			Description: strings.TrimSpace(retrieveErr.ErrorDescription),
			StatusCode:  status,
		}
		if rejection.Error == "" {
			rejection.Error = fmt.Sprintf("http_%d", status)
		}
		if rejection.Description == "" {
			rejection.Description = truncate(strings.TrimSpace(string(retrieveErr.Body)), maxRejectionDescription)
		}
		return rejection, nil
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, core.NewTransportError(err, "intuit: token request failed")
	}
	return core.TokenGranted{}, nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}

var _ core.TokenEndpoint = (*TokenClient)(nil)
