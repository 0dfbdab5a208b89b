package controller

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/bpfstage/model"
)

// ViewRecorder receives view lifecycle metrics.
type ViewRecorder interface {
	RecordViewLoad(outcome string)
	SetViewsActive(n int)
}

// Views holds one Controller per hosting view.
type Views struct {
	resolver Resolver
	logger   *zap.Logger
	recorder ViewRecorder

	mu    sync.Mutex
	views map[string]*Controller
}

// NewViews creates an empty registry. recorder may be nil.
func NewViews(resolver Resolver, logger *zap.Logger, recorder ViewRecorder) *Views {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Views{
		resolver: resolver,
		logger:   logger,
		recorder: recorder,
		views:    make(map[string]*Controller),
	}
}

// Get returns the controller of an initialized view.
func (v *Views) Get(id string) (*Controller, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.views[id]
	return c, ok
}

// Load initializes view id on first use and loads recordIDs into it.
func (v *Views) Load(ctx context.Context, id string, recordIDs []string, cfg model.Configuration) (Snapshot, error) {
	v.mu.Lock()
	c, ok := v.views[id]
	if !ok {
		c = New(id, v.resolver, v.logger)
		v.views[id] = c
		v.logger.Info("view initialized", zap.String("view_id", id))
		v.setActive()
	}
	v.mu.Unlock()

	snap, outcome, err := c.Load(ctx, recordIDs, cfg)
	v.record(outcome)
	return snap, err
}

// Refresh clears all caches and reloads view id.
func (v *Views) Refresh(ctx context.Context, id string) (Snapshot, error) {
	c, ok := v.Get(id)
	if !ok {
		return Snapshot{}, model.NewNotFoundError("view " + id + " not found")
	}
	snap, outcome, err := c.Refresh(ctx)
	v.record(outcome)
	return snap, err
}

// Destroy cancels the work of view id and forgets it. It reports whether the
// view existed.
func (v *Views) Destroy(id string) bool {
	v.mu.Lock()
	c, ok := v.views[id]
	if ok {
		delete(v.views, id)
		v.setActive()
	}
	v.mu.Unlock()
	if ok {
		c.Destroy()
	}
	return ok
}

// DestroyAll tears down every view.
func (v *Views) DestroyAll() {
	v.mu.Lock()
	all := v.views
	v.views = make(map[string]*Controller)
	v.setActive()
	v.mu.Unlock()
	for _, c := range all {
		c.Destroy()
	}
}

// Len returns the number of initialized views.
func (v *Views) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.views)
}

// setActive publishes the view count. Callers hold mu.
func (v *Views) setActive() {
	if v.recorder != nil {
		v.recorder.SetViewsActive(len(v.views))
	}
}

func (v *Views) record(outcome string) {
	if v.recorder != nil && outcome != "" {
		v.recorder.RecordViewLoad(outcome)
	}
}
