package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const SyncJobID = "qbsync.accounts.sync"

const (
	syncJobParamSince   = "since"
	syncJobParamAttempt = "attempt"
	defaultSyncJobRetry = 30 * time.Second
)

type SyncJobRequest struct {
	Since          time.Time
	IdempotencyKey string
}

func NewSyncJobMessage(req SyncJobRequest) *JobExecutionMessage {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}
	params := map[string]any{syncJobParamAttempt: 1}
	if !req.Since.IsZero() {
		params[syncJobParamSince] = req.Since.UTC().Format(time.RFC3339)
	}
	return &JobExecutionMessage{
		JobID:          SyncJobID,
		Parameters:     params,
		IdempotencyKey: key,
	}
}

// EnqueueSync schedules a background sync cycle.
func (s *Service) EnqueueSync(ctx context.Context, enqueuer JobEnqueuer, req SyncJobRequest) (msg *JobExecutionMessage, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{}
	defer func() {
		if msg != nil {
			fields["idempotency_key"] = msg.IdempotencyKey
		}
		s.obs.observeOperation(ctx, startedAt, "enqueue_sync", err, fields)
	}()

	if enqueuer == nil {
		return nil, s.mapError(fmt.Errorf("core: job enqueuer is required"))
	}
	msg = NewSyncJobMessage(req)
	if err := enqueuer.Enqueue(ctx, msg); err != nil {
		return nil, s.mapError(NewTransportError(err, "core: enqueue sync job"))
	}
	return msg, nil
}

// SyncJobRunner executes queued sync jobs one delivery at a time.
type SyncJobRunner struct {
	Service  *Service
	Dequeuer JobDequeuer
	Hook     JobWorkerHook
	Backoff  BackoffScheduler
}

func (r *SyncJobRunner) ProcessNext(ctx context.Context) (SyncResult, error) {
	if r == nil || r.Service == nil || r.Dequeuer == nil {
		return SyncResult{}, fmt.Errorf("core: sync job runner is not configured")
	}
	delivery, err := r.Dequeuer.Dequeue(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	msg := delivery.Message()
	startedAt := time.Now().UTC()
	event := JobWorkerEvent{Message: msg, Attempt: SyncJobAttempt(msg), StartedAt: startedAt}

	if msg == nil || msg.JobID != SyncJobID {
		event.Err = fmt.Errorf("core: unsupported job message")
		r.emit(ctx, "failure", event)
		return SyncResult{}, delivery.Nack(ctx, JobNackOptions{DeadLetter: true, Reason: "unsupported job"})
	}
	r.emit(ctx, "start", event)

	since, err := jobSince(msg)
	if err != nil {
		event.Err = err
		r.emit(ctx, "failure", event)
		return SyncResult{}, delivery.Nack(ctx, JobNackOptions{DeadLetter: true, Reason: err.Error()})
	}

	session, err := r.Service.LoadSession(ctx)
	if err != nil {
		return SyncResult{}, r.retry(ctx, delivery, event, err)
	}
	result, err := r.Service.Sync(ctx, SyncRequest{Session: session, Since: since})
	event.Duration = time.Since(startedAt)
	if err != nil {
		event.Err = err
		r.emit(ctx, "failure", event)
		return result, delivery.Nack(ctx, JobNackOptions{DeadLetter: true, Reason: err.Error()})
	}
	if result.Cause != nil && HasErrorCode(result.Cause, ErrorTransport) {
		return result, r.retry(ctx, delivery, event, result.Cause)
	}
	r.emit(ctx, "success", event)
	return result, delivery.Ack(ctx)
}

func (r *SyncJobRunner) retry(ctx context.Context, delivery JobDelivery, event JobWorkerEvent, cause error) error {
	delay := defaultSyncJobRetry
	if r.Backoff != nil {
		delay = r.Backoff.NextDelay(event.Attempt)
	}
	event.Err = cause
	event.Delay = delay
	r.emit(ctx, "retry", event)
	return delivery.Nack(ctx, JobNackOptions{Delay: delay, Requeue: true, Reason: cause.Error()})
}

func (r *SyncJobRunner) emit(ctx context.Context, kind string, event JobWorkerEvent) {
	if r.Hook == nil {
		return
	}
	switch kind {
	case "start":
		r.Hook.OnStart(ctx, event)
	case "success":
		r.Hook.OnSuccess(ctx, event)
	case "retry":
		r.Hook.OnRetry(ctx, event)
	default:
		r.Hook.OnFailure(ctx, event)
	}
}

// SyncJobAttempt reads the delivery attempt carried in the message parameters.
func SyncJobAttempt(msg *JobExecutionMessage) int {
	if msg == nil {
		return 1
	}
	switch value := msg.Parameters[syncJobParamAttempt].(type) {
	case int:
		if value > 0 {
			return value
		}
	case float64:
		if value > 0 {
			return int(value)
		}
	}
	return 1
}

func jobSince(msg *JobExecutionMessage) (time.Time, error) {
	raw, ok := msg.Parameters[syncJobParamSince].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	since, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("core: invalid sync job since parameter: %w", err)
	}
	return since, nil
}
