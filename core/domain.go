package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	CallbackParamCode    = "code__c"
	CallbackParamRealmID = "realmId__c"
	CallbackParamState   = "state"
)

// IntegrationMetadata is the persisted credential record for one QuickBooks
// company connection. ClientID, ClientSecret and RedirectURI are provisioned
// out of band; the token pair is written by the authorization flow and the
// refresh coordinator only.
type IntegrationMetadata struct {
	ClientID          string
	ClientSecret      string
	RedirectURI       string
	AccessToken       string
	RefreshToken      string
	RealmID           string
	AuthorizationCode string
	UpdatedAt         time.Time
}

// HasTokens reports whether a usable token pair is stored. A record holding
// only one half of the pair is treated as holding none.
func (m IntegrationMetadata) HasTokens() bool {
	return m.TokenPair().Valid()
}

func (m IntegrationMetadata) TokenPair() TokenPair {
	return TokenPair{
		AccessToken:  m.AccessToken,
		RefreshToken: m.RefreshToken,
	}
}

// Lineage identifies the grant lineage a token pair belongs to.
func (m IntegrationMetadata) Lineage() string {
	clientID := strings.TrimSpace(m.ClientID)
	realmID := strings.TrimSpace(m.RealmID)
	if realmID == "" {
		return clientID
	}
	return clientID + ":" + realmID
}

func (m IntegrationMetadata) Redacted() IntegrationMetadata {
	out := m
	out.ClientSecret = RedactToken(m.ClientSecret)
	out.AccessToken = RedactToken(m.AccessToken)
	out.RefreshToken = RedactToken(m.RefreshToken)
	out.AuthorizationCode = RedactToken(m.AuthorizationCode)
	return out
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

func (p TokenPair) Valid() bool {
	return strings.TrimSpace(p.AccessToken) != "" && strings.TrimSpace(p.RefreshToken) != ""
}

// MetadataPatch carries the fields merged by UpdateMetadata. Empty Code and
// RealmID leave the stored values untouched; the token pair is always
// written as a unit.
type MetadataPatch struct {
	Code         string
	RealmID      string
	AccessToken  string
	RefreshToken string
}

func (p MetadataPatch) Validate() error {
	if !p.TokenPair().Valid() {
		return fmt.Errorf("core: metadata patch requires both access and refresh tokens")
	}
	return nil
}

func (p MetadataPatch) TokenPair() TokenPair {
	return TokenPair{AccessToken: p.AccessToken, RefreshToken: p.RefreshToken}
}

// Apply merges the patch into the record.
func (p MetadataPatch) Apply(m IntegrationMetadata, now time.Time) IntegrationMetadata {
	if code := strings.TrimSpace(p.Code); code != "" {
		m.AuthorizationCode = code
	}
	if realmID := strings.TrimSpace(p.RealmID); realmID != "" {
		m.RealmID = realmID
	}
	m.AccessToken = p.AccessToken
	m.RefreshToken = p.RefreshToken
	m.UpdatedAt = now
	return m
}

// AuthorizationRequestContext holds the callback parameters of one session
// bootstrap.
type AuthorizationRequestContext struct {
	Code    string
	RealmID string
	State   string
}

// Complete reports whether both the grant code and the realm are present;
// either alone counts as absent.
func (c AuthorizationRequestContext) Complete() bool {
	return strings.TrimSpace(c.Code) != "" && strings.TrimSpace(c.RealmID) != ""
}

// ParseCallback extracts the authorization callback parameters from a raw
// query string or a full URL.
func ParseCallback(raw string) (AuthorizationRequestContext, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return AuthorizationRequestContext{}, nil
	}
	query := raw
	if strings.Contains(raw, "://") || strings.HasPrefix(raw, "/") {
		parsed, err := url.Parse(raw)
		if err != nil {
			return AuthorizationRequestContext{}, fmt.Errorf("core: invalid callback url: %w", err)
		}
		query = parsed.RawQuery
	}
	query = strings.TrimPrefix(query, "?")
	values, err := url.ParseQuery(query)
	if err != nil {
		return AuthorizationRequestContext{}, fmt.Errorf("core: invalid callback query: %w", err)
	}
	return CallbackFromValues(values), nil
}

func CallbackFromValues(values url.Values) AuthorizationRequestContext {
	return AuthorizationRequestContext{
		Code:    strings.TrimSpace(values.Get(CallbackParamCode)),
		RealmID: strings.TrimSpace(values.Get(CallbackParamRealmID)),
		State:   strings.TrimSpace(values.Get(CallbackParamState)),
	}
}

type FlowState string

const (
	FlowStateBootstrapping               FlowState = "bootstrapping"
	FlowStateRedirectingForAuthorization FlowState = "redirecting_for_authorization"
	FlowStateExchangingCode              FlowState = "exchanging_code"
	FlowStatePersistingTokens            FlowState = "persisting_tokens"
	FlowStateReady                       FlowState = "ready"
	FlowStateUnauthorized                FlowState = "unauthorized"
)

// SessionState is threaded through every operation in place of mutable
// component fields.
type SessionState struct {
	Metadata IntegrationMetadata
	Callback AuthorizationRequestContext
	Tokens   TokenPair
	Flow     FlowState
}

func NewSessionState(metadata IntegrationMetadata, callback AuthorizationRequestContext) SessionState {
	return SessionState{
		Metadata: metadata,
		Callback: callback,
		Tokens:   metadata.TokenPair(),
		Flow:     FlowStateBootstrapping,
	}
}

// RealmID prefers the stored realm and falls back to the callback.
func (s SessionState) RealmID() string {
	if realmID := strings.TrimSpace(s.Metadata.RealmID); realmID != "" {
		return realmID
	}
	return strings.TrimSpace(s.Callback.RealmID)
}

func (s SessionState) Lineage() string {
	metadata := s.Metadata
	metadata.RealmID = s.RealmID()
	return metadata.Lineage()
}

func (s SessionState) WithTokens(pair TokenPair) SessionState {
	s.Tokens = pair
	s.Metadata.AccessToken = pair.AccessToken
	s.Metadata.RefreshToken = pair.RefreshToken
	return s
}

type SyncOutcome string

const (
	SyncOutcomeUnauthorized             SyncOutcome = "unauthorized"
	SyncOutcomePartialDuplicateConflict SyncOutcome = "partial_duplicate_conflict"
	SyncOutcomeSuccess                  SyncOutcome = "success"
	SyncOutcomeServerError              SyncOutcome = "server_error"
	SyncOutcomeUnknown                  SyncOutcome = "unknown"
)

type SignalVariant string

const (
	SignalVariantSuccess SignalVariant = "success"
	SignalVariantWarning SignalVariant = "warning"
	SignalVariantError   SignalVariant = "error"
	SignalVariantInfo    SignalVariant = "info"
)

type SignalKind string

const (
	SignalKindSyncOutcome      SignalKind = "sync_outcome"
	SignalKindSyncFailed       SignalKind = "sync_failed"
	SignalKindExchangeRejected SignalKind = "exchange_rejected"
)

// Signal is a user-facing notice handed to the presentation layer.
type Signal struct {
	Kind    SignalKind
	Outcome SyncOutcome
	Title   string
	Message string
	Variant SignalVariant
}

func RedactToken(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return "…(" + fmt.Sprint(len(value)) + ")"
	}
	return value[:4] + "…(" + fmt.Sprint(len(value)) + ")"
}
