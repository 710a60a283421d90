// Package search keeps the public region index consistent with mutations.
// Indexing itself is owned by the review pipeline; this package only evicts
// documents whose geometry went stale.
package search

import (
	"context"
	"log"
	"sync/atomic"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxRegions = "clippress_regions"

// RegionIndex evicts mutated regions from Meilisearch. A mutated region's
// indexed snippet is stale until privileged review re-indexes it.
type RegionIndex struct {
	client  meili.ServiceManager
	healthy atomic.Bool
}

// NewRegionIndex creates a Meilisearch client for the region index.
// Returns a client even when the initial connection fails; eviction calls
// degrade to logged warnings while unhealthy.
func NewRegionIndex(url, apiKey string) *RegionIndex {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	r := &RegionIndex{client: client}
	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		r.healthy.Store(false)
	} else {
		r.healthy.Store(true)
	}
	return r
}

// Healthy reports whether Meilisearch was reachable on the last call.
func (r *RegionIndex) Healthy() bool {
	return r.healthy.Load()
}

// InvalidateRegion deletes the region's document from the index. Deleting an
// unknown document is a no-op on the Meilisearch side, so this is idempotent.
// An unreachable index is not fatal: the mutation must not be blocked by a
// degraded search tier, and the review pipeline reconciles the index anyway.
func (r *RegionIndex) InvalidateRegion(ctx context.Context, documentID, regionID string) error {
	if _, err := r.client.Index(idxRegions).DeleteDocument(regionID, nil); err != nil {
		r.healthy.Store(false)
		log.Printf("search: evict region %s: %v", regionID, err)
		return nil
	}
	r.healthy.Store(true)
	return nil
}
