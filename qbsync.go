// Package qbsync manages the QuickBooks OAuth2 token lifecycle and drives
// account sync cycles that recover from expired access tokens.
package qbsync

import "github.com/goliatone/go-qbsync/core"

type Config = core.Config

type Option = core.Option

type Service = core.Service

type IntegrationMetadata = core.IntegrationMetadata
type MetadataPatch = core.MetadataPatch
type MetadataGateway = core.MetadataGateway
type TokenEndpoint = core.TokenEndpoint
type AccountingAPI = core.AccountingAPI
type Notifier = core.Notifier
type Redirector = core.Redirector
type LineageLocker = core.LineageLocker
type OAuthStateStore = core.OAuthStateStore

type AuthorizationRequestContext = core.AuthorizationRequestContext
type SessionState = core.SessionState
type TokenPair = core.TokenPair
type SyncOutcome = core.SyncOutcome
type Signal = core.Signal

type BootstrapResult = core.BootstrapResult
type RefreshResult = core.RefreshResult
type SyncRequest = core.SyncRequest
type SyncResult = core.SyncResult
type SyncJobRequest = core.SyncJobRequest

var (
	WithLogger               = core.WithLogger
	WithLoggerProvider       = core.WithLoggerProvider
	WithMetricsRecorder      = core.WithMetricsRecorder
	WithErrorMapper          = core.WithErrorMapper
	WithConfigProvider       = core.WithConfigProvider
	WithOptionsResolver      = core.WithOptionsResolver
	WithMetadataGateway      = core.WithMetadataGateway
	WithTokenEndpoint        = core.WithTokenEndpoint
	WithAccountingAPI        = core.WithAccountingAPI
	WithNotifier             = core.WithNotifier
	WithRedirector           = core.WithRedirector
	WithLineageLocker        = core.WithLineageLocker
	WithOAuthStateStore      = core.WithOAuthStateStore
	WithLockBackoffScheduler = core.WithLockBackoffScheduler
	WithClock                = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}

// ParseCallback reads code__c, realmId__c and state from a callback URL or
// raw query string.
func ParseCallback(raw string) (AuthorizationRequestContext, error) {
	return core.ParseCallback(raw)
}
