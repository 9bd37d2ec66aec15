package query

import (
	"context"
	"time"

	"github.com/goliatone/go-qbsync/core"
)

type MetadataReader interface {
	FetchMetadata(ctx context.Context) (core.IntegrationMetadata, error)
}

type SessionReader interface {
	LoadSession(ctx context.Context) (core.SessionState, error)
}

type StatusClassifier interface {
	Classify(statuses []int) core.SyncOutcome
}

// LoadMetadataQuery returns the stored record with secrets and tokens
// redacted.
type LoadMetadataQuery struct {
	reader MetadataReader
}

func NewLoadMetadataQuery(reader MetadataReader) *LoadMetadataQuery {
	return &LoadMetadataQuery{reader: reader}
}

func (q *LoadMetadataQuery) Query(ctx context.Context, _ LoadMetadataMessage) (core.IntegrationMetadata, error) {
	if q == nil || q.reader == nil {
		return core.IntegrationMetadata{}, queryDependencyError("query: metadata reader is required")
	}
	metadata, err := q.reader.FetchMetadata(ctx)
	if err != nil {
		return core.IntegrationMetadata{}, err
	}
	return metadata.Redacted(), nil
}

type SessionStatus struct {
	Flow      core.FlowState `json:"flow"`
	RealmID   string         `json:"realm_id"`
	Lineage   string         `json:"lineage"`
	HasTokens bool           `json:"has_tokens"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type LoadSessionStatusQuery struct {
	reader SessionReader
}

func NewLoadSessionStatusQuery(reader SessionReader) *LoadSessionStatusQuery {
	return &LoadSessionStatusQuery{reader: reader}
}

func (q *LoadSessionStatusQuery) Query(ctx context.Context, _ LoadSessionStatusMessage) (SessionStatus, error) {
	if q == nil || q.reader == nil {
		return SessionStatus{}, queryDependencyError("query: session reader is required")
	}
	session, err := q.reader.LoadSession(ctx)
	if err != nil {
		return SessionStatus{}, err
	}
	return SessionStatus{
		Flow:      session.Flow,
		RealmID:   session.RealmID(),
		Lineage:   session.Lineage(),
		HasTokens: session.Tokens.Valid(),
		UpdatedAt: session.Metadata.UpdatedAt,
	}, nil
}

type ClassifyStatusesQuery struct {
	classifier StatusClassifier
}

func NewClassifyStatusesQuery(classifier StatusClassifier) *ClassifyStatusesQuery {
	if classifier == nil {
		classifier = core.NewResponseClassifier()
	}
	return &ClassifyStatusesQuery{classifier: classifier}
}

func (q *ClassifyStatusesQuery) Query(_ context.Context, msg ClassifyStatusesMessage) (core.SyncOutcome, error) {
	if q == nil || q.classifier == nil {
		return core.SyncOutcomeUnknown, queryDependencyError("query: classifier is required")
	}
	if err := msg.Validate(); err != nil {
		return core.SyncOutcomeUnknown, err
	}
	return q.classifier.Classify(msg.Statuses), nil
}
