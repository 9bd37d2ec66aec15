package core

import (
	"context"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

type SyncRequest struct {
	Session SessionState
	// Since limits the fetch to accounts updated after it. Zero fetches all.
	Since time.Time
}

type SyncResult struct {
	Session       SessionState
	FetchOutcome  SyncOutcome
	PushOutcome   SyncOutcome
	Outcome       SyncOutcome
	Signal        *Signal
	PushAttempted bool
	Refreshed     bool
	Replayed      bool
	RedirectURL   string

	// Cause is the failure caught at the sync boundary, if any.
	Cause error
}

// SyncOrchestrator runs one fetch/push cycle against the accounting API and
// performs at most one token refresh per invocation.
type SyncOrchestrator struct {
	obs        *observer
	api        AccountingAPI
	classifier *ResponseClassifier
	refresher  *TokenRefreshCoordinator
	notifier   Notifier
	replay     bool
}

func (o *SyncOrchestrator) Sync(ctx context.Context, req SyncRequest) (SyncResult, error) {
	result := SyncResult{Session: req.Session}
	if !req.Session.Tokens.Valid() {
		return result, newServiceError("core: sync requires an authorized session", goerrors.CategoryBadInput, ErrorBadInput)
	}
	if strings.TrimSpace(req.Session.RealmID()) == "" {
		return result, newServiceError("core: sync requires a realm id", goerrors.CategoryBadInput, ErrorBadInput)
	}

	fetched, err := o.fetch(ctx, &result, req.Since)
	if err != nil {
		return o.fail(ctx, result, err), nil
	}
	if result.FetchOutcome == SyncOutcomeUnauthorized {
		if !o.refresh(ctx, &result) || !o.replay {
			return o.finish(ctx, result, SyncOutcomeUnauthorized, []int{fetched.StatusCode}), nil
		}
		result.Replayed = true
		fetched, err = o.fetch(ctx, &result, req.Since)
		if err != nil {
			return o.fail(ctx, result, err), nil
		}
		if result.FetchOutcome == SyncOutcomeUnauthorized {
			return o.finish(ctx, result, SyncOutcomeUnauthorized, []int{fetched.StatusCode}), nil
		}
	}

	items, err := o.push(ctx, &result, fetched.Accounts)
	if err != nil {
		return o.fail(ctx, result, err), nil
	}
	if result.PushOutcome == SyncOutcomeUnauthorized && !result.Refreshed {
		if o.refresh(ctx, &result) && o.replay {
			result.Replayed = true
			items, err = o.push(ctx, &result, fetched.Accounts)
			if err != nil {
				return o.fail(ctx, result, err), nil
			}
		}
	}
	return o.finish(ctx, result, result.PushOutcome, pushStatuses(items)), nil
}

func (o *SyncOrchestrator) fetch(ctx context.Context, result *SyncResult, since time.Time) (FetchAccountsResult, error) {
	fetched, err := o.api.FetchUpdatedAccounts(ctx, FetchAccountsRequest{
		RealmID:     result.Session.RealmID(),
		AccessToken: result.Session.Tokens.AccessToken,
		Since:       since,
	})
	if err != nil {
		return FetchAccountsResult{}, err
	}
	result.FetchOutcome = o.classifier.Classify([]int{fetched.StatusCode})
	return fetched, nil
}

// push sends the fetched accounts back; an empty answer keeps the fetch
// outcome.
func (o *SyncOrchestrator) push(ctx context.Context, result *SyncResult, accounts []Account) ([]PushItemResult, error) {
	result.PushAttempted = true
	items, err := o.api.PushSync(ctx, PushSyncRequest{
		RealmID:     result.Session.RealmID(),
		AccessToken: result.Session.Tokens.AccessToken,
		Accounts:    accounts,
	})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		result.PushOutcome = result.FetchOutcome
		return items, nil
	}
	result.PushOutcome = o.classifier.ClassifyPush(items)
	return items, nil
}

// refresh runs the single refresh cycle allowed per invocation and reports
// whether a fresh pair is now on the session.
func (o *SyncOrchestrator) refresh(ctx context.Context, result *SyncResult) bool {
	result.Refreshed = true
	refreshed, err := o.refresher.Refresh(ctx, result.Session)
	result.Session = refreshed.Session
	result.RedirectURL = refreshed.RedirectURL
	if err != nil {
		result.Cause = err
		level := o.obs.logError
		if HasErrorCode(err, ErrorReauthorizationRequired) {
			level = o.obs.logWarn
		}
		level(ctx, "token refresh during sync did not produce a usable pair", map[string]any{
			"realm_id": result.Session.RealmID(),
			"error":    err.Error(),
		})
		return false
	}
	return true
}

func (o *SyncOrchestrator) finish(ctx context.Context, result SyncResult, outcome SyncOutcome, statuses []int) SyncResult {
	result.Outcome = outcome
	signal, ok := SignalForOutcome(outcome)
	if !ok {
		unknown := NewClassificationUnknownError(statuses)
		if result.Cause == nil {
			result.Cause = unknown
		}
		o.obs.logWarn(ctx, "sync response not classified, no signal sent", map[string]any{
			"realm_id":     result.Session.RealmID(),
			"status_codes": statuses,
		})
		return result
	}
	o.obs.notify(ctx, o.notifier, signal)
	result.Signal = &signal
	return result
}

func (o *SyncOrchestrator) fail(ctx context.Context, result SyncResult, err error) SyncResult {
	cause := err
	if !HasErrorCode(err, ErrorTransport) {
		cause = NewTransportError(err, "core: sync transport failure")
	}
	result.Cause = cause
	signal := Signal{
		Kind:    SignalKindSyncFailed,
		Title:   "Error",
		Message: "Error syncing accounts: " + rootMessage(err),
		Variant: SignalVariantError,
	}
	o.obs.logError(ctx, "sync aborted by transport failure", map[string]any{
		"realm_id":       result.Session.RealmID(),
		"push_attempted": result.PushAttempted,
		"error":          cause.Error(),
	})
	o.obs.notify(ctx, o.notifier, signal)
	result.Signal = &signal
	return result
}

func rootMessage(err error) string {
	if err == nil {
		return ""
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && strings.TrimSpace(richErr.Message) != "" {
		return richErr.Message
	}
	return err.Error()
}
