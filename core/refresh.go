package core

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// RefreshResult carries the session after a refresh. Reused is set when the
// stored pair had already been rotated and no refresh call was made; Shared
// when the result came from another caller's in-flight refresh for the same
// lineage.
type RefreshResult struct {
	Session     SessionState
	Reused      bool
	Shared      bool
	RedirectURL string
}

type refreshOutcome struct {
	pair        TokenPair
	metadata    IntegrationMetadata
	reused      bool
	redirectURL string
}

// TokenRefreshCoordinator replaces an expired token pair with a single
// refresh attempt. Concurrent callers for one lineage share one in-flight
// refresh; a rejected refresh token sends the session back through
// authorization.
type TokenRefreshCoordinator struct {
	obs     *observer
	gateway MetadataGateway
	tokens  TokenEndpoint
	flow    *AuthorizationFlowController
	writer  *lineageWriter
	now     func() time.Time
	group   singleflight.Group
}

func (c *TokenRefreshCoordinator) Refresh(ctx context.Context, session SessionState) (RefreshResult, error) {
	lineage := session.Lineage()
	// joined callers share the work, so one caller's cancellation must not
	// fail the others.
	detached := context.WithoutCancel(ctx)
	value, err, joined := c.group.Do(lineage, func() (any, error) {
		return c.refreshOnce(detached, session)
	})
	outcome, _ := value.(refreshOutcome)
	result := RefreshResult{
		Session:     session,
		Shared:      joined,
		Reused:      outcome.reused,
		RedirectURL: outcome.redirectURL,
	}
	if err != nil {
		if outcome.redirectURL != "" {
			result.Session.Flow = FlowStateRedirectingForAuthorization
		}
		return result, err
	}
	result.Session = mergeRefreshedSession(session, outcome)
	return result, nil
}

func mergeRefreshedSession(session SessionState, outcome refreshOutcome) SessionState {
	session = session.WithTokens(outcome.pair)
	if realmID := strings.TrimSpace(outcome.metadata.RealmID); realmID != "" {
		session.Metadata.RealmID = realmID
	}
	if !outcome.metadata.UpdatedAt.IsZero() {
		session.Metadata.UpdatedAt = outcome.metadata.UpdatedAt
	}
	session.Flow = FlowStateReady
	return session
}

// rotatedElsewhere reports whether the stored pair was written after the
// session's record was read. A differing but older stored pair is one whose
// replacement failed to persist, and its refresh token is already spent.
func rotatedElsewhere(stored IntegrationMetadata, session SessionState) bool {
	if !stored.HasTokens() || session.Tokens.RefreshToken == "" {
		return false
	}
	if stored.RefreshToken == session.Tokens.RefreshToken {
		return false
	}
	return stored.UpdatedAt.After(session.Metadata.UpdatedAt)
}

func (c *TokenRefreshCoordinator) refreshOnce(ctx context.Context, session SessionState) (refreshOutcome, error) {
	var outcome refreshOutcome
	fields := map[string]any{"realm_id": session.RealmID()}

	err := c.writer.withLock(ctx, session.Lineage(), func(ctx context.Context) error {
		current := session.Metadata
		stored, fetchErr := c.gateway.FetchMetadata(ctx)
		if fetchErr != nil {
			c.obs.logWarn(ctx, "reading stored tokens before refresh failed", mergeFields(fields, map[string]any{
				"error": fetchErr.Error(),
			}))
		} else {
			if rotatedElsewhere(stored, session) {
				outcome.pair = stored.TokenPair()
				outcome.metadata = stored
				outcome.reused = true
				return nil
			}
			current = stored
		}

		refreshToken := strings.TrimSpace(session.Tokens.RefreshToken)
		if refreshToken == "" {
			refreshToken = strings.TrimSpace(current.RefreshToken)
		}
		if refreshToken == "" {
			return NewReauthorizationRequiredError(TokenRejected{Error: "missing_refresh_token"})
		}

		response, err := c.tokens.RefreshToken(ctx, RefreshRequest{
			ClientID:     current.ClientID,
			ClientSecret: current.ClientSecret,
			RefreshToken: refreshToken,
			RedirectURI:  current.RedirectURI,
		})
		if err != nil {
			return NewTransportError(err, "core: token refresh failed")
		}

		var granted TokenGranted
		switch res := response.(type) {
		case TokenRejected:
			return NewReauthorizationRequiredError(res)
		case TokenGranted:
			if !res.Pair().Valid() {
				return NewMalformedTokenResponseError("refresh_token", res)
			}
			granted = res
		default:
			return NewMalformedTokenResponseError("refresh_token", TokenGranted{})
		}

		code := strings.TrimSpace(current.AuthorizationCode)
		if code == "" {
			code = session.Callback.Code
		}
		patch := MetadataPatch{
			Code:         code,
			RealmID:      session.RealmID(),
			AccessToken:  granted.AccessToken,
			RefreshToken: granted.RefreshToken,
		}
		outcome.pair = granted.Pair()
		outcome.metadata = patch.Apply(current, c.now())
		if updateErr := c.gateway.UpdateMetadata(ctx, patch); updateErr != nil {
			c.obs.logError(ctx, "persisting refreshed tokens failed", mergeFields(fields, map[string]any{
				"error": NewPersistenceError(updateErr, "core: persist refreshed tokens").Error(),
			}))
			outcome.metadata.UpdatedAt = time.Time{}
		}
		return nil
	})

	if err != nil && HasErrorCode(err, ErrorReauthorizationRequired) && c.flow != nil {
		redirected, redirectErr := c.flow.RedirectForAuthorization(ctx, session, err)
		if redirectErr != nil {
			c.obs.logError(ctx, "reauthorization redirect failed", mergeFields(fields, map[string]any{
				"error": redirectErr.Error(),
			}))
		}
		outcome.redirectURL = redirected.RedirectURL
	}
	return outcome, err
}
