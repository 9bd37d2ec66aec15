// Package core holds the QuickBooks token lifecycle: the authorization flow,
// the refresh coordinator, the response classifier and the sync orchestrator.
// Adapters for storage, transport and queues depend on this package; core
// does not depend on them.
package core
