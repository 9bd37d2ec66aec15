package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-qbsync/core"
)

var (
	_ gocmd.Querier[LoadMetadataMessage, core.IntegrationMetadata] = (*LoadMetadataQuery)(nil)
	_ gocmd.Querier[LoadSessionStatusMessage, SessionStatus]       = (*LoadSessionStatusQuery)(nil)
	_ gocmd.Querier[ClassifyStatusesMessage, core.SyncOutcome]     = (*ClassifyStatusesQuery)(nil)
)
