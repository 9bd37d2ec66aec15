package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goliatone/go-qbsync/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const integrationMetadataCacheKeyPrefix = "go-qbsync::integration_metadata::v1"

// NamedMetadataGateway is a MetadataGateway bound to one integration row.
type NamedMetadataGateway interface {
	core.MetadataGateway
	Name() string
}

// CachedMetadataGateway serves FetchMetadata from a cache and drops the entry
// on every write through it. Writes made by other processes are only seen
// once the cached entry expires.
type CachedMetadataGateway struct {
	base  NamedMetadataGateway
	cache repositorycache.CacheService
}

func NewCachedMetadataGateway(
	base NamedMetadataGateway,
	cacheService repositorycache.CacheService,
) (*CachedMetadataGateway, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base metadata gateway is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: metadata cache service is required")
	}
	return &CachedMetadataGateway{base: base, cache: cacheService}, nil
}

// IntegrationMetadataCacheKey returns
// go-qbsync::integration_metadata::v1::<name> with the name URL-path escaped.
func IntegrationMetadataCacheKey(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", fmt.Errorf("sqlstore: integration name is required")
	}
	return integrationMetadataCacheKeyPrefix + "::" + url.PathEscape(trimmed), nil
}

func (g *CachedMetadataGateway) FetchMetadata(ctx context.Context) (core.IntegrationMetadata, error) {
	if g == nil || g.base == nil || g.cache == nil {
		return core.IntegrationMetadata{}, core.NewPersistenceError(nil, "sqlstore: cached metadata gateway is not configured")
	}
	cacheKey, err := IntegrationMetadataCacheKey(g.base.Name())
	if err != nil {
		return core.IntegrationMetadata{}, core.NewPersistenceError(err, "sqlstore: metadata cache key")
	}
	return repositorycache.GetOrFetch(ctx, g.cache, cacheKey, func(ctx context.Context) (core.IntegrationMetadata, error) {
		return g.base.FetchMetadata(ctx)
	})
}

func (g *CachedMetadataGateway) UpdateMetadata(ctx context.Context, patch core.MetadataPatch) error {
	if g == nil || g.base == nil || g.cache == nil {
		return core.NewPersistenceError(nil, "sqlstore: cached metadata gateway is not configured")
	}
	updateErr := g.base.UpdateMetadata(ctx, patch)

	cacheKey, err := IntegrationMetadataCacheKey(g.base.Name())
	if err != nil {
		return core.NewPersistenceError(err, "sqlstore: metadata cache key")
	}
	if err := g.cache.Delete(ctx, cacheKey); err != nil && updateErr == nil {
		return core.NewPersistenceError(err, "sqlstore: invalidate cached metadata")
	}
	return updateErr
}

// Invalidate drops the cached entry.
func (g *CachedMetadataGateway) Invalidate(ctx context.Context) error {
	if g == nil || g.base == nil || g.cache == nil {
		return fmt.Errorf("sqlstore: cached metadata gateway is not configured")
	}
	cacheKey, err := IntegrationMetadataCacheKey(g.base.Name())
	if err != nil {
		return err
	}
	return g.cache.Delete(ctx, cacheKey)
}

var _ core.MetadataGateway = (*CachedMetadataGateway)(nil)
