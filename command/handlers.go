package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-qbsync/core"
)

type MutatingService interface {
	Bootstrap(ctx context.Context, callback core.AuthorizationRequestContext) (core.BootstrapResult, error)
	LoadSession(ctx context.Context) (core.SessionState, error)
	Refresh(ctx context.Context, session core.SessionState) (core.RefreshResult, error)
	Sync(ctx context.Context, req core.SyncRequest) (core.SyncResult, error)
}

type SyncJobService interface {
	EnqueueSync(ctx context.Context, enqueuer core.JobEnqueuer, req core.SyncJobRequest) (*core.JobExecutionMessage, error)
}

type BootstrapCommand struct {
	service MutatingService
}

func NewBootstrapCommand(service MutatingService) *BootstrapCommand {
	return &BootstrapCommand{service: service}
}

func (c *BootstrapCommand) Execute(ctx context.Context, msg BootstrapMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: bootstrap service is required")
	}
	callback, err := msg.ResolveCallback()
	if err != nil {
		return err
	}
	out, err := c.service.Bootstrap(ctx, callback)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RefreshCommand struct {
	service MutatingService
}

func NewRefreshCommand(service MutatingService) *RefreshCommand {
	return &RefreshCommand{service: service}
}

func (c *RefreshCommand) Execute(ctx context.Context, msg RefreshMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: refresh service is required")
	}
	session, err := resolveSession(ctx, c.service, msg.Session)
	if err != nil {
		return err
	}
	out, err := c.service.Refresh(ctx, session)
	storeResult(ctx, out)
	return err
}

type SyncCommand struct {
	service MutatingService
}

func NewSyncCommand(service MutatingService) *SyncCommand {
	return &SyncCommand{service: service}
}

func (c *SyncCommand) Execute(ctx context.Context, msg SyncMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: sync service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	session, err := resolveSession(ctx, c.service, msg.Session)
	if err != nil {
		return err
	}
	out, err := c.service.Sync(ctx, core.SyncRequest{Session: session, Since: msg.Since})
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type EnqueueSyncCommand struct {
	service  SyncJobService
	enqueuer core.JobEnqueuer
}

func NewEnqueueSyncCommand(service SyncJobService, enqueuer core.JobEnqueuer) *EnqueueSyncCommand {
	return &EnqueueSyncCommand{service: service, enqueuer: enqueuer}
}

func (c *EnqueueSyncCommand) Execute(ctx context.Context, msg EnqueueSyncMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: sync job service is required")
	}
	if c.enqueuer == nil {
		return commandDependencyError("command: job enqueuer is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.EnqueueSync(ctx, c.enqueuer, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func resolveSession(ctx context.Context, service MutatingService, session *core.SessionState) (core.SessionState, error) {
	if session != nil {
		return *session, nil
	}
	return service.LoadSession(ctx)
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
