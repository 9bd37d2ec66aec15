// Package memory provides an in-process MetadataGateway for tests and single
// process sessions.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-qbsync/core"
)

type Gateway struct {
	mu     sync.RWMutex
	record core.IntegrationMetadata
	ok     bool
	now    func() time.Time
}

func NewGateway(record core.IntegrationMetadata) *Gateway {
	return &Gateway{
		record: record,
		ok:     true,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// NewEmptyGateway returns a gateway with no provisioned record; reads fail
// until Provision is called.
func NewEmptyGateway() *Gateway {
	gateway := NewGateway(core.IntegrationMetadata{})
	gateway.ok = false
	return gateway
}

func (g *Gateway) FetchMetadata(context.Context) (core.IntegrationMetadata, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.ok {
		return core.IntegrationMetadata{}, core.NewPersistenceError(nil, "memory: integration metadata not provisioned")
	}
	return g.record, nil
}

func (g *Gateway) UpdateMetadata(_ context.Context, patch core.MetadataPatch) error {
	if err := patch.Validate(); err != nil {
		return core.NewPersistenceError(err, "memory: invalid metadata patch")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.ok {
		return core.NewPersistenceError(nil, "memory: integration metadata not provisioned")
	}
	g.record = patch.Apply(g.record, g.now())
	return nil
}

// Provision replaces the configuration fields and keeps any stored tokens.
func (g *Gateway) Provision(_ context.Context, metadata core.IntegrationMetadata) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record.ClientID = metadata.ClientID
	g.record.ClientSecret = metadata.ClientSecret
	g.record.RedirectURI = metadata.RedirectURI
	g.record.UpdatedAt = g.now()
	g.ok = true
	return nil
}

var _ core.MetadataGateway = (*Gateway)(nil)
