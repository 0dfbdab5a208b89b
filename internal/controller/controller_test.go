package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/bpfstage/model"
)

var testCfg = model.Configuration{Definitions: []model.Definition{
	{EntityName: "opportunitysalesprocess", LookupField: "opportunityid"},
}}

type resolveCall struct {
	ids []string
	ctx context.Context
}

type fakeResolver struct {
	mu      sync.Mutex
	calls   []resolveCall
	clears  int
	err     error
	block   chan struct{}
	started chan struct{}
}

func (f *fakeResolver) ResolveBatch(ctx context.Context, ids []string, _ model.Configuration) (map[string]*model.Instance, error) {
	f.mu.Lock()
	f.calls = append(f.calls, resolveCall{ids: ids, ctx: ctx})
	block, started, err := f.block, f.started, f.err
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, model.NewCancelledError()
		}
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]*model.Instance, len(ids))
	for _, id := range ids {
		if id == "missing" {
			out[id] = nil
			continue
		}
		out[id] = &model.Instance{ID: "inst-" + id}
	}
	return out, nil
}

func (f *fakeResolver) ClearCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestLoad_appliesResults(t *testing.T) {
	r := &fakeResolver{}
	c := New("grid", r, nil)

	snap, outcome, err := c.Load(context.Background(), []string{"a", "missing", "a"}, testCfg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, uint64(1), snap.Generation)
	require.Len(t, snap.Records, 2)
	assert.Equal(t, StateResolved, snap.Records[0].State)
	assert.Equal(t, "inst-a", snap.Records[0].Instance.ID)
	assert.Equal(t, StateUnresolved, snap.Records[1].State)
	assert.Nil(t, snap.Records[1].Instance)
	assert.Equal(t, snap, c.Snapshot())
}

func TestLoad_fetchesOnlyNewRecords(t *testing.T) {
	r := &fakeResolver{}
	c := New("grid", r, nil)
	ctx := context.Background()

	_, _, err := c.Load(ctx, []string{"a", "b"}, testCfg)
	require.NoError(t, err)
	snap, _, err := c.Load(ctx, []string{"b", "c"}, testCfg)
	require.NoError(t, err)

	require.Len(t, r.calls, 2)
	assert.Equal(t, []string{"c"}, r.calls[1].ids)
	require.Len(t, snap.Records, 2)
	assert.Equal(t, "b", snap.Records[0].RecordID)
	assert.Equal(t, "c", snap.Records[1].RecordID)

	_, _, err = c.Load(ctx, []string{"b"}, testCfg)
	require.NoError(t, err)
	assert.Equal(t, 2, r.callCount(), "no fetch when every record is known")
}

func TestLoad_configurationChangeRefetches(t *testing.T) {
	r := &fakeResolver{}
	c := New("grid", r, nil)
	ctx := context.Background()

	_, _, err := c.Load(ctx, []string{"a"}, testCfg)
	require.NoError(t, err)

	other := model.Configuration{Definitions: []model.Definition{{EntityName: "leadtoopportunitysalesprocess", LookupField: "leadid"}}}
	_, _, err = c.Load(ctx, []string{"a"}, other)
	require.NoError(t, err)
	assert.Equal(t, 2, r.callCount())
}

func TestLoad_newerLoadSupersedesOlder(t *testing.T) {
	r := &fakeResolver{block: make(chan struct{}), started: make(chan struct{}, 2)}
	c := New("grid", r, nil)

	type result struct {
		snap    Snapshot
		outcome string
		err     error
	}
	first := make(chan result, 1)
	go func() {
		snap, outcome, err := c.Load(context.Background(), []string{"old"}, testCfg)
		first <- result{snap, outcome, err}
	}()
	<-r.started

	second := make(chan result, 1)
	go func() {
		snap, outcome, err := c.Load(context.Background(), []string{"new"}, testCfg)
		second <- result{snap, outcome, err}
	}()
	<-r.started

	old := <-first
	require.NoError(t, old.err)
	assert.True(t, old.snap.Superseded)
	assert.Equal(t, OutcomeSuperseded, old.outcome)
	assert.Error(t, r.calls[0].ctx.Err(), "older load is cancelled")

	close(r.block)
	latest := <-second
	require.NoError(t, latest.err)
	assert.Equal(t, OutcomeApplied, latest.outcome)
	assert.Equal(t, uint64(2), latest.snap.Generation)
	require.Len(t, c.Snapshot().Records, 1)
	assert.Equal(t, "new", c.Snapshot().Records[0].RecordID)
}

func TestLoad_callerCancellationIsSilent(t *testing.T) {
	r := &fakeResolver{block: make(chan struct{}), started: make(chan struct{}, 1)}
	c := New("grid", r, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var outcome string
	go func() {
		var err error
		_, outcome, err = c.Load(ctx, []string{"a"}, testCfg)
		done <- err
	}()
	<-r.started
	cancel()

	err := <-done
	assert.True(t, model.IsCancelled(err))
	assert.Equal(t, OutcomeCancelled, outcome)
	assert.Empty(t, c.Snapshot().Records)
}

func TestLoad_failureSetsMessage(t *testing.T) {
	r := &fakeResolver{err: model.NewBackendTimeoutError()}
	c := New("grid", r, nil)

	snap, outcome, err := c.Load(context.Background(), []string{"a"}, testCfg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, MessageTimeout, snap.MessageKind)
	assert.NotEmpty(t, snap.Message)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, StateFailed, snap.Records[0].State)

	r.err = nil
	snap, _, err = c.Load(context.Background(), []string{"a"}, testCfg)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, snap.Records[0].State, "failed records are retried")
	assert.Empty(t, snap.Message)
}

func TestRefresh_clearsCachesAndReloads(t *testing.T) {
	r := &fakeResolver{}
	c := New("grid", r, nil)
	ctx := context.Background()

	_, _, err := c.Load(ctx, []string{"a", "b"}, testCfg)
	require.NoError(t, err)
	snap, outcome, err := c.Refresh(ctx)
	require.NoError(t, err)

	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, 1, r.clears)
	require.Len(t, r.calls, 2)
	assert.Equal(t, []string{"a", "b"}, r.calls[1].ids)
	assert.Len(t, snap.Records, 2)
}

func TestDestroy_cancelsAndRejectsLoads(t *testing.T) {
	r := &fakeResolver{block: make(chan struct{}), started: make(chan struct{}, 1)}
	c := New("grid", r, nil)

	done := make(chan Snapshot, 1)
	go func() {
		snap, _, _ := c.Load(context.Background(), []string{"a"}, testCfg)
		done <- snap
	}()
	<-r.started
	c.Destroy()

	select {
	case snap := <-done:
		assert.True(t, snap.Superseded)
	case <-time.After(2 * time.Second):
		t.Fatal("load did not stop after Destroy")
	}

	_, _, err := c.Load(context.Background(), []string{"a"}, testCfg)
	assert.Equal(t, model.ErrNotFound, model.CodeOf(err))
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind MessageKind
		show bool
	}{
		{"forbidden", model.NewForbiddenError("no"), MessagePermission, true},
		{"unauthorized", model.NewUnauthorizedError("no"), MessagePermission, true},
		{"unavailable", model.NewBackendUnavailableError(errors.New("dial")), MessageNetwork, true},
		{"fetch failed", model.NewFetchFailedError("x", nil), MessageNetwork, true},
		{"timeout", model.NewBackendTimeoutError(), MessageTimeout, true},
		{"stage not found", model.NewStageNotFoundError("e", nil), MessageGeneric, true},
		{"plain", errors.New("boom"), MessageGeneric, true},
		{"cancelled", model.NewCancelledError(), "", false},
		{"nil", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, msg, show := UserMessage(tt.err)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.show, show)
			assert.Equal(t, tt.show, msg != "")
		})
	}
}
