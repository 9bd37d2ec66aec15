package core

import "net/http"

// ResponseClassifier reduces per-item status codes to one SyncOutcome.
// Precedence is fixed: 401, then 400, then 200, then 500; anything else is
// Unknown. An empty batch is Unknown.
type ResponseClassifier struct {
	precedence []classifierRule
}

type classifierRule struct {
	status  int
	outcome SyncOutcome
}

func NewResponseClassifier() *ResponseClassifier {
	return &ResponseClassifier{
		precedence: []classifierRule{
			{status: http.StatusUnauthorized, outcome: SyncOutcomeUnauthorized},
			{status: http.StatusBadRequest, outcome: SyncOutcomePartialDuplicateConflict},
			{status: http.StatusOK, outcome: SyncOutcomeSuccess},
			{status: http.StatusInternalServerError, outcome: SyncOutcomeServerError},
		},
	}
}

func (c *ResponseClassifier) Classify(statuses []int) SyncOutcome {
	if c == nil || len(c.precedence) == 0 {
		c = NewResponseClassifier()
	}
	if len(statuses) == 0 {
		return SyncOutcomeUnknown
	}
	present := make(map[int]struct{}, len(statuses))
	for _, status := range statuses {
		present[status] = struct{}{}
	}
	for _, rule := range c.precedence {
		if _, ok := present[rule.status]; ok {
			return rule.outcome
		}
	}
	return SyncOutcomeUnknown
}

func (c *ResponseClassifier) ClassifyPush(results []PushItemResult) SyncOutcome {
	return c.Classify(pushStatuses(results))
}

func pushStatuses(results []PushItemResult) []int {
	statuses := make([]int, 0, len(results))
	for _, result := range results {
		statuses = append(statuses, result.StatusCode)
	}
	return statuses
}

// SignalForOutcome returns the notice shown for a classified outcome. Unknown
// has no notice.
func SignalForOutcome(outcome SyncOutcome) (Signal, bool) {
	signal := Signal{Kind: SignalKindSyncOutcome, Outcome: outcome}
	switch outcome {
	case SyncOutcomeUnauthorized:
		signal.Title = "Error"
		signal.Message = "Token expired or unauthorized. Try Again"
		signal.Variant = SignalVariantError
	case SyncOutcomePartialDuplicateConflict:
		signal.Title = "Warning"
		signal.Message = "One or more accounts failed to sync due to duplicate Account Name"
		signal.Variant = SignalVariantWarning
	case SyncOutcomeSuccess:
		signal.Title = "Success"
		signal.Message = "Accounts synced successfully."
		signal.Variant = SignalVariantSuccess
	case SyncOutcomeServerError:
		signal.Title = "Error"
		signal.Message = "Something went wrong!"
		signal.Variant = SignalVariantError
	default:
		return Signal{}, false
	}
	return signal, true
}
