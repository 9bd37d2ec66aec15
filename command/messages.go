package command

import (
	"strings"
	"time"

	"github.com/goliatone/go-qbsync/core"
)

const (
	TypeBootstrap   = "qbsync.command.bootstrap"
	TypeRefresh     = "qbsync.command.refresh"
	TypeSync        = "qbsync.command.sync"
	TypeEnqueueSync = "qbsync.command.sync.enqueue"
)

// BootstrapMessage starts a session. CallbackURL, when set, takes precedence
// over Callback and may be a full URL or a raw query string.
type BootstrapMessage struct {
	Callback    core.AuthorizationRequestContext
	CallbackURL string
}

func (BootstrapMessage) Type() string { return TypeBootstrap }

func (m BootstrapMessage) Validate() error {
	_, err := m.ResolveCallback()
	return err
}

func (m BootstrapMessage) ResolveCallback() (core.AuthorizationRequestContext, error) {
	if strings.TrimSpace(m.CallbackURL) == "" {
		return m.Callback, nil
	}
	callback, err := core.ParseCallback(m.CallbackURL)
	if err != nil {
		return core.AuthorizationRequestContext{}, commandWrapValidation(err, "command: invalid callback url")
	}
	return callback, nil
}

// RefreshMessage refreshes the pair of Session, or of the stored record when
// Session is nil.
type RefreshMessage struct {
	Session *core.SessionState
}

func (RefreshMessage) Type() string { return TypeRefresh }

func (RefreshMessage) Validate() error { return nil }

type SyncMessage struct {
	Session *core.SessionState
	Since   time.Time
}

func (SyncMessage) Type() string { return TypeSync }

func (m SyncMessage) Validate() error {
	return validateSince(m.Since)
}

type EnqueueSyncMessage struct {
	Request core.SyncJobRequest
}

func (EnqueueSyncMessage) Type() string { return TypeEnqueueSync }

func (m EnqueueSyncMessage) Validate() error {
	return validateSince(m.Request.Since)
}

func validateSince(since time.Time) error {
	if !since.IsZero() && since.After(time.Now().Add(time.Minute)) {
		return commandValidationError("since", "must not be in the future")
	}
	return nil
}
