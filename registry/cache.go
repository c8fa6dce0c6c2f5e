// Package registry mirrors the ledger's product records. It is the read
// side of the client: it only ever learns state from the ledger and is
// never written directly by mutations.
package registry

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ahmadzakiakmal/custody/lifecycle"
)

// Source is the read surface of the ledger gateway.
type Source interface {
	Count(ctx context.Context) (uint64, error)
	Fetch(ctx context.Context, id uint64) (lifecycle.Asset, error)
}

// Cache holds the last successfully refreshed view of every record plus
// any records loaded individually since.
//
// Every individual load stamps its id with a new generation. A Refresh
// only installs the records whose generation has not moved since it began,
// so a slow enumeration never overwrites a newer Reload.
type Cache struct {
	source Source
	logger cmtlog.Logger

	mu      sync.RWMutex
	records map[uint64]lifecycle.Asset
	gen     uint64
	touched map[uint64]uint64

	assets  prometheus.Gauge
	refresh prometheus.Histogram
}

// New creates an empty cache over source. Metrics are registered on reg
// when it is non-nil.
func New(source Source, reg prometheus.Registerer, logger cmtlog.Logger) *Cache {
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	c := &Cache{
		source:  source,
		logger:  logger,
		records: make(map[uint64]lifecycle.Asset),
		touched: make(map[uint64]uint64),
		assets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "custody_registry_assets",
			Help: "Number of product records held in the registry cache.",
		}),
		refresh: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "custody_registry_refresh_seconds",
			Help:    "Duration of full registry refreshes.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(c.assets, c.refresh)
	}
	return c
}

// Records enumerates every record on the ledger in ascending id order. The
// sequence is lazy and can be ranged over again to restart it. It stops at
// the first error, which is yielded once with a zero Asset.
func (c *Cache) Records(ctx context.Context) iter.Seq2[lifecycle.Asset, error] {
	return func(yield func(lifecycle.Asset, error) bool) {
		count, err := c.source.Count(ctx)
		if err != nil {
			yield(lifecycle.Asset{}, fmt.Errorf("read product count: %w", err))
			return
		}
		for id := uint64(1); id <= count; id++ {
			asset, err := c.source.Fetch(ctx, id)
			if err != nil {
				yield(lifecycle.Asset{}, fmt.Errorf("fetch product %d: %w", id, err))
				return
			}
			if !yield(asset, nil) {
				return
			}
		}
	}
}

// Refresh rebuilds the cache from the ledger. It is all-or-nothing: on any
// error the previous contents are kept and the error is returned. Records
// loaded individually while it ran are kept as loaded. The installed view
// is returned in id order.
func (c *Cache) Refresh(ctx context.Context) ([]lifecycle.Asset, error) {
	start := time.Now()
	c.mu.RLock()
	since := c.gen
	c.mu.RUnlock()

	var fresh []lifecycle.Asset
	for asset, err := range c.Records(ctx) {
		if err != nil {
			c.logger.Error("Registry refresh failed, keeping previous snapshot", "err", err)
			return nil, err
		}
		fresh = append(fresh, asset)
	}
	c.refresh.Observe(time.Since(start).Seconds())

	c.mu.Lock()
	c.gen++
	records := make(map[uint64]lifecycle.Asset, len(fresh))
	for _, asset := range fresh {
		if c.touched[asset.ID] > since {
			continue
		}
		// Loads still in flight from before the refresh must not land on top.
		c.touched[asset.ID] = c.gen
		records[asset.ID] = asset
	}
	for id, asset := range c.records {
		if c.touched[id] > since && c.touched[id] != c.gen {
			records[id] = asset
		}
	}
	c.records = records
	out := sorted(records)
	c.mu.Unlock()
	c.assets.Set(float64(len(out)))

	c.logger.Debug("Registry refreshed", "assets", len(out), "fetched", len(fresh))
	return out, nil
}

// Get returns the cached record for id, fetching it when absent.
func (c *Cache) Get(ctx context.Context, id uint64) (lifecycle.Asset, error) {
	c.mu.RLock()
	asset, ok := c.records[id]
	c.mu.RUnlock()
	if ok {
		return asset, nil
	}
	return c.load(ctx, id)
}

// Reload discards the cached record for id and fetches it again. On a
// fetch error the record is left absent so the next Get goes to the ledger.
func (c *Cache) Reload(ctx context.Context, id uint64) (lifecycle.Asset, error) {
	return c.fetch(ctx, id, true)
}

func (c *Cache) load(ctx context.Context, id uint64) (lifecycle.Asset, error) {
	return c.fetch(ctx, id, false)
}

// fetch reads id from the ledger under a new generation. The result is
// installed only if no later load of id started in the meantime.
func (c *Cache) fetch(ctx context.Context, id uint64, drop bool) (lifecycle.Asset, error) {
	c.mu.Lock()
	c.gen++
	mine := c.gen
	c.touched[id] = mine
	if drop {
		delete(c.records, id)
	}
	n := len(c.records)
	c.mu.Unlock()
	c.assets.Set(float64(n))

	asset, err := c.source.Fetch(ctx, id)
	if err != nil {
		return lifecycle.Asset{}, err
	}

	c.mu.Lock()
	if c.touched[id] == mine {
		c.records[id] = asset
	}
	n = len(c.records)
	c.mu.Unlock()
	c.assets.Set(float64(n))
	return asset, nil
}

// Snapshot returns the cached records sorted by id without touching the
// ledger.
func (c *Cache) Snapshot() []lifecycle.Asset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sorted(c.records)
}

func sorted(records map[uint64]lifecycle.Asset) []lifecycle.Asset {
	out := make([]lifecycle.Asset, 0, len(records))
	for _, asset := range records {
		out = append(out, asset)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
