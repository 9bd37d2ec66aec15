package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// MetadataGateway reads and merges the persisted integration record.
// FetchMetadata must be side-effect free.
type MetadataGateway interface {
	FetchMetadata(ctx context.Context) (IntegrationMetadata, error)
	UpdateMetadata(ctx context.Context, patch MetadataPatch) error
}

type ExchangeRequest struct {
	Code         string
	RealmID      string
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

type RefreshRequest struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	RedirectURI  string
}

// TokenResponse is either TokenGranted or TokenRejected.
type TokenResponse interface {
	isTokenResponse()
}

type TokenGranted struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

func (TokenGranted) isTokenResponse() {}

func (g TokenGranted) Pair() TokenPair {
	return TokenPair{AccessToken: g.AccessToken, RefreshToken: g.RefreshToken}
}

type TokenRejected struct {
	Error       string
	Description string
	StatusCode  int
}

func (TokenRejected) isTokenResponse() {}

func (r TokenRejected) metadata() map[string]any {
	out := map[string]any{}
	if r.Error != "" {
		out["oauth_error"] = r.Error
	}
	if r.Description != "" {
		out["oauth_error_description"] = r.Description
	}
	if r.StatusCode != 0 {
		out["status_code"] = r.StatusCode
	}
	return out
}

// TokenEndpoint performs the wire calls against the authorization server.
// A returned error means the call itself failed; an error-shaped answer
// from the server is a TokenRejected response.
type TokenEndpoint interface {
	ExchangeCode(ctx context.Context, req ExchangeRequest) (TokenResponse, error)
	RefreshToken(ctx context.Context, req RefreshRequest) (TokenResponse, error)
}

type Account struct {
	ID              string    `json:"Id,omitempty"`
	Name            string    `json:"Name"`
	SyncToken       string    `json:"SyncToken,omitempty"`
	AccountType     string    `json:"AccountType,omitempty"`
	AccountSubType  string    `json:"AccountSubType,omitempty"`
	Active          bool      `json:"Active"`
	CurrentBalance  float64   `json:"CurrentBalance,omitempty"`
	LastUpdatedTime time.Time `json:"-"`
}

type FetchAccountsRequest struct {
	RealmID     string
	AccessToken string
	Since       time.Time
}

type FetchAccountsResult struct {
	StatusCode int
	Accounts   []Account
}

type PushSyncRequest struct {
	RealmID     string
	AccessToken string
	Accounts    []Account
}

type PushItemResult struct {
	StatusCode int
	AccountID  string
	Name       string
	Detail     string
}

// AccountingAPI is the remote accounting surface used by a sync cycle.
// Non-2xx answers are reported through StatusCode; a returned error is a
// transport failure.
type AccountingAPI interface {
	FetchUpdatedAccounts(ctx context.Context, req FetchAccountsRequest) (FetchAccountsResult, error)
	PushSync(ctx context.Context, req PushSyncRequest) ([]PushItemResult, error)
}

type Notifier interface {
	Notify(ctx context.Context, signal Signal) error
}

// Redirector hands an authorization URL to whatever drives the browser.
type Redirector interface {
	Redirect(ctx context.Context, authorizationURL string) error
}

type LockHandle interface {
	Unlock(ctx context.Context) error
}

// LineageLocker serializes read-modify-write cycles on the metadata record
// for one credential lineage.
type LineageLocker interface {
	Acquire(ctx context.Context, lineage string, ttl time.Duration) (LockHandle, error)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}
