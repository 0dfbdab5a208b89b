// Package controller turns record sets into display-ready process flow state
// for hosting views. Each view has a Controller that numbers its loads,
// cancels the load a newer one supersedes and discards superseded results.
package controller

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/bpfstage/internal/observability"
	"github.com/pitabwire/bpfstage/model"
)

// Resolver is the part of the data-acquisition client a Controller uses.
type Resolver interface {
	ResolveBatch(ctx context.Context, recordIDs []string, cfg model.Configuration) (map[string]*model.Instance, error)
	ClearCache()
}

// FetchState is the load state of one record.
type FetchState string

const (
	StatePending    FetchState = "pending"
	StateResolved   FetchState = "resolved"
	StateUnresolved FetchState = "unresolved"
	StateFailed     FetchState = "failed"
)

// Load outcomes.
const (
	OutcomeApplied    = "applied"
	OutcomeSuperseded = "superseded"
	OutcomeCancelled  = "cancelled"
	OutcomeFailed     = "failed"
)

// RecordView is one record as the view renders it.
type RecordView struct {
	RecordID string          `json:"record_id"`
	State    FetchState      `json:"state"`
	Instance *model.Instance `json:"instance,omitempty"`
}

// Snapshot is the display-ready state of a view after a load.
type Snapshot struct {
	ViewID      string       `json:"view_id"`
	Generation  uint64       `json:"generation"`
	Records     []RecordView `json:"records"`
	Superseded  bool         `json:"superseded,omitempty"`
	MessageKind MessageKind  `json:"message_kind,omitempty"`
	Message     string       `json:"message,omitempty"`
	LoadedAt    time.Time    `json:"loaded_at,omitzero"`
}

// Controller drives the loads of one view. It is safe for concurrent use.
type Controller struct {
	id       string
	resolver Resolver
	logger   *zap.Logger
	now      func() time.Time

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
	recordIDs  []string
	cfg        model.Configuration
	states     map[string]RecordView
	snapshot   Snapshot
	destroyed  bool
}

// New creates the controller for view id.
func New(id string, resolver Resolver, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		id:       id,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
		states:   make(map[string]RecordView),
		snapshot: Snapshot{ViewID: id, Records: []RecordView{}},
	}
}

// ID returns the view id.
func (c *Controller) ID() string { return c.id }

// Load resolves recordIDs under cfg and applies the result to the view. A
// load started while another is in flight cancels the older one; the older
// call then returns a Snapshot with Superseded set and leaves the view alone.
//
// Records already resolved under the same configuration are not fetched
// again. The returned outcome is one of the Outcome constants.
func (c *Controller) Load(ctx context.Context, recordIDs []string, cfg model.Configuration) (Snapshot, string, error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return Snapshot{}, OutcomeFailed, model.NewNotFoundError("view " + c.id + " was destroyed")
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.generation++
	gen := c.generation
	loadCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if !sameConfiguration(c.cfg, cfg) {
		clear(c.states)
	}
	ids := dedupe(recordIDs)
	var toFetch []string
	for _, id := range ids {
		if st, ok := c.states[id]; !ok || st.State == StatePending || st.State == StateFailed {
			toFetch = append(toFetch, id)
		}
	}
	c.mu.Unlock()
	defer cancel()

	// The request logger carries the caller's correlation id.
	log := observability.ViewLogger(observability.LoggerFrom(ctx, c.logger), c.id, gen)
	log.Info("view load started", zap.Int("records", len(ids)), zap.Int("fetching", len(toFetch)))

	var (
		found map[string]*model.Instance
		err   error
	)
	if len(toFetch) > 0 {
		found, err = c.resolver.ResolveBatch(loadCtx, toFetch, cfg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || c.destroyed {
		log.Info("view load superseded")
		return Snapshot{ViewID: c.id, Generation: gen, Records: []RecordView{}, Superseded: true}, OutcomeSuperseded, nil
	}
	c.cancel = nil

	if err != nil {
		if model.IsCancelled(err) {
			log.Info("view load cancelled")
			return Snapshot{}, OutcomeCancelled, err
		}
		log.Warn("view load failed", zap.Error(err))
		for _, id := range toFetch {
			c.states[id] = RecordView{RecordID: id, State: StateFailed}
		}
		c.recordIDs, c.cfg = ids, cfg
		c.snapshot = c.buildSnapshot(gen)
		c.snapshot.MessageKind, c.snapshot.Message, _ = UserMessage(err)
		return c.snapshot, OutcomeFailed, nil
	}

	for _, id := range toFetch {
		if inst := found[id]; inst != nil {
			c.states[id] = RecordView{RecordID: id, State: StateResolved, Instance: inst}
		} else {
			c.states[id] = RecordView{RecordID: id, State: StateUnresolved}
		}
	}
	c.recordIDs, c.cfg = ids, cfg
	c.snapshot = c.buildSnapshot(gen)
	log.Info("view load applied", zap.Int("records", len(c.snapshot.Records)))
	return c.snapshot, OutcomeApplied, nil
}

// Refresh clears the resolver caches and every record state, then reloads
// the last record set.
func (c *Controller) Refresh(ctx context.Context) (Snapshot, string, error) {
	c.mu.Lock()
	ids, cfg := slices.Clone(c.recordIDs), c.cfg
	clear(c.states)
	c.mu.Unlock()

	c.resolver.ClearCache()
	return c.Load(ctx, ids, cfg)
}

// Snapshot returns the state applied by the latest successful load.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Destroy cancels any in-flight load. Later loads fail.
func (c *Controller) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.destroyed = true
	clear(c.states)
	observability.ViewLogger(c.logger, c.id, 0).Info("view destroyed")
}

// buildSnapshot lists every current record in input order. Callers hold mu.
func (c *Controller) buildSnapshot(gen uint64) Snapshot {
	records := make([]RecordView, 0, len(c.recordIDs))
	for _, id := range c.recordIDs {
		st, ok := c.states[id]
		if !ok {
			st = RecordView{RecordID: id, State: StatePending}
		}
		records = append(records, st)
	}
	return Snapshot{ViewID: c.id, Generation: gen, Records: records, LoadedAt: c.now()}
}

func sameConfiguration(a, b model.Configuration) bool {
	return slices.Equal(a.Definitions, b.Definitions)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
