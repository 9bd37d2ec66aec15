package query

const (
	TypeLoadMetadata      = "qbsync.query.metadata.load"
	TypeLoadSessionStatus = "qbsync.query.session.status"
	TypeClassifyStatuses  = "qbsync.query.statuses.classify"
)

type LoadMetadataMessage struct{}

func (LoadMetadataMessage) Type() string { return TypeLoadMetadata }

func (LoadMetadataMessage) Validate() error { return nil }

type LoadSessionStatusMessage struct{}

func (LoadSessionStatusMessage) Type() string { return TypeLoadSessionStatus }

func (LoadSessionStatusMessage) Validate() error { return nil }

// ClassifyStatusesMessage carries per-item HTTP status codes in response
// order.
type ClassifyStatusesMessage struct {
	Statuses []int
}

func (ClassifyStatusesMessage) Type() string { return TypeClassifyStatuses }

func (m ClassifyStatusesMessage) Validate() error {
	if len(m.Statuses) == 0 {
		return queryValidationError("statuses", "at least one status code is required")
	}
	for _, status := range m.Statuses {
		if status < 100 || status > 599 {
			return queryValidationError("statuses", "status codes must be between 100 and 599")
		}
	}
	return nil
}
