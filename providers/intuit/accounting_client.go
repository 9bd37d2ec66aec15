package intuit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-qbsync/core"
	"github.com/goliatone/go-qbsync/transport"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	accountQuery           = "select * from Account"
	defaultMinorVersion    = 75
	defaultBreakerTimeout  = 30 * time.Second
	defaultBreakerFailures = 5
	defaultRequestTimeout  = 30 * time.Second
)

var errServerStatus = errors.New("intuit: accounting api answered with a server error")

type AccountingClientConfig struct {
	BaseURL                 string
	MinorVersion            int
	RequestsPerSecond       float64
	Burst                   int
	BreakerFailureThreshold int
	BreakerTimeout          time.Duration
	RequestTimeout          time.Duration
	HTTPClient              transport.HTTPDoer
	Logger                  core.Logger
}

func AccountingClientConfigFromSync(cfg core.SyncConfig) AccountingClientConfig {
	return AccountingClientConfig{
		BaseURL:                 cfg.APIBaseURL,
		MinorVersion:            cfg.MinorVersion,
		RequestsPerSecond:       cfg.RequestsPerSecond,
		Burst:                   cfg.Burst,
		BreakerFailureThreshold: cfg.BreakerFailureThreshold,
		BreakerTimeout:          time.Duration(cfg.BreakerTimeoutSeconds) * time.Second,
		RequestTimeout:          time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
	}
}

// AccountingClient reads and writes Account entities through the QuickBooks
// Online accounting API. Requests are paced by a token bucket and pass
// through a circuit breaker that opens on consecutive transport or 5xx
// failures.
type AccountingClient struct {
	cfg     AccountingClientConfig
	rest    *transport.RESTAdapter
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func NewAccountingClient(cfg AccountingClientConfig) (*AccountingClient, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = core.DefaultAPIBaseURL
	}
	if cfg.MinorVersion <= 0 {
		cfg.MinorVersion = defaultMinorVersion
	}
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = defaultBreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaultBreakerTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.RequestsPerSecond < 0 || cfg.Burst < 0 {
		return nil, fmt.Errorf("intuit: rate limits must not be negative")
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst == 0 {
		burst = 1
	}

	rest := transport.NewRESTAdapter(cfg.HTTPClient)
	rest.DefaultHeaders["Accept"] = "application/json"

	client := &AccountingClient{
		cfg:     cfg,
		rest:    rest,
		limiter: rate.NewLimiter(limit, burst),
	}
	threshold := breakerThreshold(cfg.BreakerFailureThreshold)
	client.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "quickbooks-accounting",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if cfg.Logger != nil {
				cfg.Logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			}
		},
	})
	return client, nil
}

type queryResponse struct {
	QueryResponse struct {
		Account []accountPayload `json:"Account"`
	} `json:"QueryResponse"`
}

type accountPayload struct {
	core.Account
	MetaData struct {
		LastUpdatedTime time.Time `json:"LastUpdatedTime"`
	} `json:"MetaData"`
}

type accountEnvelope struct {
	Account accountPayload `json:"Account"`
	Fault   *faultPayload  `json:"Fault"`
}

type faultPayload struct {
	Type  string `json:"type"`
	Error []struct {
		Message string `json:"Message"`
		Detail  string `json:"Detail"`
		Code    string `json:"code"`
	} `json:"Error"`
}

func (f *faultPayload) detail() string {
	if f == nil || len(f.Error) == 0 {
		return ""
	}
	first := f.Error[0]
	if strings.TrimSpace(first.Detail) != "" {
		return strings.TrimSpace(first.Detail)
	}
	return strings.TrimSpace(first.Message)
}

// accountWrite is the create or sparse-update body for one account.
type accountWrite struct {
	ID             string `json:"Id,omitempty"`
	SyncToken      string `json:"SyncToken,omitempty"`
	Sparse         bool   `json:"sparse,omitempty"`
	Name           string `json:"Name"`
	AccountType    string `json:"AccountType,omitempty"`
	AccountSubType string `json:"AccountSubType,omitempty"`
	Active         bool   `json:"Active"`
}

// FetchUpdatedAccounts queries the accounts changed after req.Since, or all
// accounts when Since is zero.
func (c *AccountingClient) FetchUpdatedAccounts(ctx context.Context, req core.FetchAccountsRequest) (core.FetchAccountsResult, error) {
	realmID := strings.TrimSpace(req.RealmID)
	if realmID == "" {
		return core.FetchAccountsResult{}, fmt.Errorf("intuit: realm id is required")
	}
	res, err := c.call(ctx, transport.Request{
		Method: http.MethodGet,
		URL:    c.companyURL(realmID, "query"),
		Query: map[string]string{
			"query":        buildAccountQuery(req.Since),
			"minorversion": strconv.Itoa(c.cfg.MinorVersion),
		},
		BearerToken: req.AccessToken,
		Timeout:     c.cfg.RequestTimeout,
	})
	if err != nil {
		return core.FetchAccountsResult{}, err
	}
	result := core.FetchAccountsResult{StatusCode: res.StatusCode}
	if !res.Success() {
		return result, nil
	}

	var payload queryResponse
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return core.FetchAccountsResult{}, core.NewTransportError(err, "intuit: decode account query response")
	}
	result.Accounts = make([]core.Account, 0, len(payload.QueryResponse.Account))
	for _, item := range payload.QueryResponse.Account {
		account := item.Account
		account.LastUpdatedTime = item.MetaData.LastUpdatedTime
		result.Accounts = append(result.Accounts, account)
	}
	return result, nil
}

// PushSync writes each account back in order and reports one result per
// account. Accounts carrying an Id and SyncToken are sparse-updated; the
// rest are created.
func (c *AccountingClient) PushSync(ctx context.Context, req core.PushSyncRequest) ([]core.PushItemResult, error) {
	realmID := strings.TrimSpace(req.RealmID)
	if realmID == "" {
		return nil, fmt.Errorf("intuit: realm id is required")
	}
	results := make([]core.PushItemResult, 0, len(req.Accounts))
	for _, account := range req.Accounts {
		body, err := json.Marshal(newAccountWrite(account))
		if err != nil {
			return nil, core.NewTransportError(err, "intuit: encode account")
		}
		res, err := c.call(ctx, transport.Request{
			Method:      http.MethodPost,
			URL:         c.companyURL(realmID, "account"),
			Query:       map[string]string{"minorversion": strconv.Itoa(c.cfg.MinorVersion)},
			Headers:     map[string]string{"Content-Type": "application/json"},
			Body:        body,
			BearerToken: req.AccessToken,
			Timeout:     c.cfg.RequestTimeout,
		})
		if err != nil {
			return nil, err
		}
		results = append(results, pushItemResult(account, res))
	}
	return results, nil
}

func (c *AccountingClient) call(ctx context.Context, req transport.Request) (transport.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return transport.Response{}, core.NewTransportError(err, "intuit: request pacing interrupted")
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		res, err := c.rest.Do(ctx, req)
		if err != nil {
			return nil, err
		}
		if res.StatusCode >= http.StatusInternalServerError {
			return res, errServerStatus
		}
		return res, nil
	})
	if errors.Is(err, errServerStatus) {
		return out.(transport.Response), nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return transport.Response{}, core.NewTransportError(err, "intuit: accounting api circuit open")
	}
	if err != nil {
		return transport.Response{}, err
	}
	return out.(transport.Response), nil
}

func (c *AccountingClient) companyURL(realmID string, resource string) string {
	return c.cfg.BaseURL + "/v3/company/" + realmID + "/" + resource
}

// breakerThreshold clamps the consecutive failure count to what gobreaker
// counts in.
func breakerThreshold(failures int) uint32 {
	if failures < 1 {
		return 1
	}
	if uint64(failures) > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(failures)
}

func buildAccountQuery(since time.Time) string {
	if since.IsZero() {
		return accountQuery
	}
	return accountQuery + " where MetaData.LastUpdatedTime > '" + since.UTC().Format(time.RFC3339) + "'"
}

func newAccountWrite(account core.Account) accountWrite {
	write := accountWrite{
		Name:           account.Name,
		AccountType:    account.AccountType,
		AccountSubType: account.AccountSubType,
		Active:         account.Active,
	}
	if strings.TrimSpace(account.ID) != "" && strings.TrimSpace(account.SyncToken) != "" {
		write.ID = account.ID
		write.SyncToken = account.SyncToken
		write.Sparse = true
	}
	return write
}

func pushItemResult(account core.Account, res transport.Response) core.PushItemResult {
	item := core.PushItemResult{
		StatusCode: res.StatusCode,
		AccountID:  account.ID,
		Name:       account.Name,
	}
	var envelope accountEnvelope
	if err := json.Unmarshal(res.Body, &envelope); err != nil {
		return item
	}
	if id := strings.TrimSpace(envelope.Account.ID); id != "" {
		item.AccountID = id
	}
	item.Detail = envelope.Fault.detail()
	return item
}

var _ core.AccountingAPI = (*AccountingClient)(nil)
