package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultAuthorizationURL = "https://appcenter.intuit.com/connect/oauth2"
	DefaultTokenURL         = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	DefaultAccountingScope  = "com.intuit.quickbooks.accounting"
	DefaultStaticState      = "randomStateValue"
	DefaultAPIBaseURL       = "https://quickbooks.api.intuit.com"

	StateModeStatic = "static"
	StateModeNonce  = "nonce"
)

type OAuthConfig struct {
	AuthURL         string   `koanf:"auth_url" mapstructure:"auth_url"`
	TokenURL        string   `koanf:"token_url" mapstructure:"token_url"`
	Scopes          []string `koanf:"scopes" mapstructure:"scopes"`
	StateMode       string   `koanf:"state_mode" mapstructure:"state_mode"`
	StaticState     string   `koanf:"static_state" mapstructure:"static_state"`
	StateTTLSeconds int      `koanf:"state_ttl_seconds" mapstructure:"state_ttl_seconds"`
}

func (c OAuthConfig) StateTTL() time.Duration {
	if c.StateTTLSeconds <= 0 {
		return defaultOAuthStateTTL
	}
	return time.Duration(c.StateTTLSeconds) * time.Second
}

type SyncConfig struct {
	ReplayAfterRefresh      bool    `koanf:"replay_after_refresh" mapstructure:"replay_after_refresh"`
	APIBaseURL              string  `koanf:"api_base_url" mapstructure:"api_base_url"`
	MinorVersion            int     `koanf:"minor_version" mapstructure:"minor_version"`
	RequestsPerSecond       float64 `koanf:"requests_per_second" mapstructure:"requests_per_second"`
	Burst                   int     `koanf:"burst" mapstructure:"burst"`
	BreakerFailureThreshold int     `koanf:"breaker_failure_threshold" mapstructure:"breaker_failure_threshold"`
	BreakerTimeoutSeconds   int     `koanf:"breaker_timeout_seconds" mapstructure:"breaker_timeout_seconds"`
	RequestTimeoutSeconds   int     `koanf:"request_timeout_seconds" mapstructure:"request_timeout_seconds"`
}

type RefreshConfig struct {
	LockTTLSeconds int `koanf:"lock_ttl_seconds" mapstructure:"lock_ttl_seconds"`
	LockAttempts   int `koanf:"lock_attempts" mapstructure:"lock_attempts"`
}

func (c RefreshConfig) LockTTL() time.Duration {
	if c.LockTTLSeconds <= 0 {
		return defaultRefreshLockTTL
	}
	return time.Duration(c.LockTTLSeconds) * time.Second
}

type Config struct {
	ServiceName string        `koanf:"service_name" mapstructure:"service_name"`
	OAuth       OAuthConfig   `koanf:"oauth" mapstructure:"oauth"`
	Sync        SyncConfig    `koanf:"sync" mapstructure:"sync"`
	Refresh     RefreshConfig `koanf:"refresh" mapstructure:"refresh"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "qbsync",
		OAuth: OAuthConfig{
			AuthURL:         DefaultAuthorizationURL,
			TokenURL:        DefaultTokenURL,
			Scopes:          []string{DefaultAccountingScope},
			StateMode:       StateModeStatic,
			StaticState:     DefaultStaticState,
			StateTTLSeconds: int(defaultOAuthStateTTL / time.Second),
		},
		Sync: SyncConfig{
			APIBaseURL:              DefaultAPIBaseURL,
			MinorVersion:            75,
			RequestsPerSecond:       8,
			Burst:                   4,
			BreakerFailureThreshold: 5,
			BreakerTimeoutSeconds:   30,
			RequestTimeoutSeconds:   30,
		},
		Refresh: RefreshConfig{
			LockTTLSeconds: int(defaultRefreshLockTTL / time.Second),
			LockAttempts:   defaultRefreshLockAttempts,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if err := validateAbsoluteURL("oauth.auth_url", c.OAuth.AuthURL); err != nil {
		return err
	}
	if err := validateAbsoluteURL("oauth.token_url", c.OAuth.TokenURL); err != nil {
		return err
	}
	if len(normalizeScopes(c.OAuth.Scopes)) == 0 {
		return fmt.Errorf("core: oauth.scopes requires at least one scope")
	}
	switch strings.ToLower(strings.TrimSpace(c.OAuth.StateMode)) {
	case "", StateModeStatic:
		if strings.TrimSpace(c.OAuth.StaticState) == "" {
			return fmt.Errorf("core: oauth.static_state is required in static state mode")
		}
	case StateModeNonce:
	default:
		return fmt.Errorf("core: oauth.state_mode %q is invalid", c.OAuth.StateMode)
	}
	if err := validateAbsoluteURL("sync.api_base_url", c.Sync.APIBaseURL); err != nil {
		return err
	}
	if c.Sync.RequestsPerSecond < 0 || c.Sync.Burst < 0 {
		return fmt.Errorf("core: sync rate limits must not be negative")
	}
	return nil
}

func validateAbsoluteURL(field string, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("core: %s is required", field)
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("core: %s must be an absolute url", field)
	}
	return nil
}

func normalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	seen := map[string]struct{}{}
	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		if _, ok := seen[scope]; ok {
			continue
		}
		seen[scope] = struct{}{}
		out = append(out, scope)
	}
	return out
}
