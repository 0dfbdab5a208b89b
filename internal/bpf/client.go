// Package bpf resolves the business process flow instances attached to
// records: which instance is current for each record, which stages it shows
// and how far it has progressed.
//
// A Client owns four caches (stage lists per BPF entity, workflow ids per BPF
// entity, the shared category labels and active paths per instance). They
// live as long as the Client and are only reachable through its clear
// operations.
package bpf

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/bpfstage/internal/cache"
	"github.com/pitabwire/bpfstage/internal/deadline"
	"github.com/pitabwire/bpfstage/model"
)

// Cache names reported to the cache observer.
const (
	CacheStages      = "stages"
	CacheWorkflowIDs = "workflow_ids"
	CacheCategories  = "category_labels"
	CacheActivePaths = "active_paths"
)

// Defaults.
const (
	DefaultBatchSize = 10
	DefaultCacheTTL  = 5 * time.Minute
)

// Recorder receives resolver metrics.
type Recorder interface {
	RecordResolveBatch(duration time.Duration, resolved, unresolved int)
	RecordActivePathFallback(count int)
}

// stageEntry is a cached full stage list for one BPF entity.
type stageEntry struct {
	Stages     []model.StageDefinition
	WorkflowID string
}

// Client is the data-acquisition client. It is safe for concurrent use.
type Client struct {
	platform    model.Platform
	logger      *zap.Logger
	recorder    Recorder
	callTimeout time.Duration
	batchSize   int

	stages      *cache.Store[string, stageEntry]
	workflowIDs *cache.Store[string, string]
	categories  *cache.Slot[map[int]string]
	activePaths *cache.Store[string, []model.StageDefinition]

	inflight singleflight.Group
}

type options struct {
	logger      *zap.Logger
	recorder    Recorder
	observer    cache.Observer
	now         func() time.Time
	callTimeout time.Duration
	cacheTTL    time.Duration
	batchSize   int
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRecorder reports resolver metrics to r.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithCacheObserver reports cache hits and misses to obs.
func WithCacheObserver(obs cache.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithClock replaces time.Now for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithCallTimeout bounds every individual platform call.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithCacheTTL sets the expiry of the stage, category and active-path caches.
// Workflow ids never expire.
func WithCacheTTL(d time.Duration) Option {
	return func(o *options) { o.cacheTTL = d }
}

// WithBatchSize sets how many record ids go into one instance query.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// NewClient creates a Client reading from p.
func NewClient(p model.Platform, opts ...Option) *Client {
	o := options{
		logger:      zap.NewNop(),
		now:         time.Now,
		callTimeout: deadline.DefaultTimeout,
		cacheTTL:    DefaultCacheTTL,
		batchSize:   DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.batchSize < 1 {
		o.batchSize = DefaultBatchSize
	}

	cacheOpts := []cache.Option{cache.WithClock(o.now)}
	if o.observer != nil {
		cacheOpts = append(cacheOpts, cache.WithObserver(o.observer))
	}

	return &Client{
		platform:    p,
		logger:      o.logger,
		recorder:    o.recorder,
		callTimeout: o.callTimeout,
		batchSize:   o.batchSize,
		stages:      cache.NewStore[string, stageEntry](CacheStages, o.cacheTTL, cacheOpts...),
		workflowIDs: cache.NewStore[string, string](CacheWorkflowIDs, 0, cacheOpts...),
		categories:  cache.NewSlot[map[int]string](CacheCategories, o.cacheTTL, cacheOpts...),
		activePaths: cache.NewStore[string, []model.StageDefinition](CacheActivePaths, o.cacheTTL, cacheOpts...),
	}
}

// ClearCache empties all four caches.
func (c *Client) ClearCache() {
	c.stages.Clear()
	c.workflowIDs.Clear()
	c.categories.Clear()
	c.activePaths.Clear()
	c.logger.Info("bpf: caches cleared")
}

// ClearCacheForEntity drops the stage list and workflow id cached for one BPF
// entity. Active paths are keyed by instance, not entity, so that cache is
// emptied entirely.
func (c *Client) ClearCacheForEntity(entityName string) {
	c.stages.Delete(entityName)
	c.workflowIDs.Delete(entityName)
	c.activePaths.Clear()
	c.logger.Info("bpf: caches cleared for entity", zap.String("entity", entityName))
}

// EvictExpired drops expired stage lists and active paths and returns how
// many entries were removed. Expired entries are also dropped lazily on
// read; this only bounds memory for keys that are never read again.
func (c *Client) EvictExpired() int {
	return c.stages.EvictExpired() + c.activePaths.EvictExpired()
}
