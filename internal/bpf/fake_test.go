package bpf

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/bpfstage/model"
)

const (
	testEntity     = "opportunitysalesprocess"
	testLookup     = "opportunityid"
	testWorkflowID = "a0000000-0000-0000-0000-000000000001"
)

func recordID(n int) string   { return fmt.Sprintf("10000000-0000-0000-0000-%012d", n) }
func instanceID(n int) string { return fmt.Sprintf("20000000-0000-0000-0000-%012d", n) }
func stageID(n int) string    { return fmt.Sprintf("30000000-0000-0000-0000-%012d", n) }

func testConfig() model.Configuration {
	return model.Configuration{Definitions: []model.Definition{
		{EntityName: testEntity, LookupField: testLookup},
	}}
}

type queryCall struct {
	Entity string
	Query  model.Query
}

// fakePlatform is an in-memory model.Platform. It serves instances, one
// workflow, its stages and the category option set, counts every call and
// lets tests inject failures and delays.
type fakePlatform struct {
	mu sync.Mutex

	// instances holds instance records per BPF entity, newest first.
	instances map[string][]model.Record
	stages    []model.Record
	workflows []model.Record
	metadata  model.Record
	paths     map[string][]model.Record

	queryErr      map[string]error
	metadataErr   error
	activePathErr error
	delay         time.Duration
	gate          chan struct{}

	queries         []queryCall
	metadataCalls   int
	activePathCalls int
	inFlight        int
	maxInFlight     int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		instances: map[string][]model.Record{},
		stages: []model.Record{
			stageRecord(1, "Qualify", 0),
			stageRecord(2, "Develop", 1),
			stageRecord(3, "Close", 3),
		},
		workflows: []model.Record{
			{"workflowid": testWorkflowID, "uniquename": testEntity, "name": "Opportunity Sales Process"},
		},
		metadata: model.Record{
			"OptionSet": map[string]any{
				"Options": []any{
					optionLabel(0, "Qualify"),
					optionLabel(1, "Develop"),
					optionLabel(3, "Close"),
				},
			},
		},
		paths:    map[string][]model.Record{},
		queryErr: map[string]error{},
	}
}

func stageRecord(n int, name string, category int) model.Record {
	return model.Record{
		"processstageid": stageID(n),
		"stagename":      name,
		"stagecategory":  float64(category),
	}
}

func optionLabel(value int, label string) map[string]any {
	return map[string]any{
		"Value": float64(value),
		"Label": map[string]any{
			"UserLocalizedLabel": map[string]any{"Label": label + " Label"},
		},
	}
}

func instanceRecord(lookup string, record, instance int, active int, traversed string, status int) model.Record {
	return model.Record{
		"businessprocessflowinstanceid": instanceID(instance),
		"name":                          fmt.Sprintf("Instance %d", instance),
		"_activestageid_value":          stageID(active),
		"traversedpath":                 traversed,
		"statuscode":                    float64(status),
		"_" + lookup + "_value":         recordID(record),
	}
}

func (f *fakePlatform) addInstance(entity string, rec model.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[entity] = append(f.instances[entity], rec)
}

func (f *fakePlatform) setActivePath(instance int, stages ...model.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths[instanceID(instance)] = stages
}

func (f *fakePlatform) enter(ctx context.Context) error {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	delay, gate := f.delay, f.gate
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakePlatform) Query(ctx context.Context, entity string, q model.Query) ([]model.Record, error) {
	f.mu.Lock()
	f.queries = append(f.queries, queryCall{Entity: entity, Query: q})
	err := f.queryErr[entity]
	f.mu.Unlock()

	if waitErr := f.enter(ctx); waitErr != nil {
		return nil, waitErr
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch entity {
	case workflowEntity:
		return f.workflows, nil
	case stageEntity:
		if strings.Contains(q.Filter, testWorkflowID) {
			return f.stages, nil
		}
		return nil, nil
	}
	var out []model.Record
	for _, rec := range f.instances[entity] {
		for key, v := range rec {
			if strings.HasSuffix(key, "_value") && key != "_activestageid_value" {
				if s, ok := v.(string); ok && strings.Contains(q.Filter, s) {
					out = append(out, rec)
				}
			}
		}
	}
	return out, nil
}

func (f *fakePlatform) GetMetadataRecord(ctx context.Context, _ string) (model.Record, error) {
	f.mu.Lock()
	f.metadataCalls++
	err := f.metadataErr
	f.mu.Unlock()
	if waitErr := f.enter(ctx); waitErr != nil {
		return nil, waitErr
	}
	if err != nil {
		return nil, err
	}
	return f.metadata, nil
}

func (f *fakePlatform) RetrieveActivePath(ctx context.Context, id string) ([]model.Record, error) {
	f.mu.Lock()
	f.activePathCalls++
	err := f.activePathErr
	recs, ok := f.paths[id]
	f.mu.Unlock()
	if waitErr := f.enter(ctx); waitErr != nil {
		return nil, waitErr
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.NewNotFoundError("no active path")
	}
	return recs, nil
}

func (f *fakePlatform) queriesFor(entity string) []queryCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []queryCall
	for _, q := range f.queries {
		if q.Entity == entity {
			out = append(out, q)
		}
	}
	return out
}

func (f *fakePlatform) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries) + f.metadataCalls + f.activePathCalls
}

func (f *fakePlatform) counts() (queries, metadata, activePath int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries), f.metadataCalls, f.activePathCalls
}

type fakeRecorder struct {
	mu         sync.Mutex
	batches    int
	resolved   int
	unresolved int
	fallbacks  int
}

func (r *fakeRecorder) RecordResolveBatch(_ time.Duration, resolved, unresolved int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches++
	r.resolved += resolved
	r.unresolved += unresolved
}

func (r *fakeRecorder) RecordActivePathFallback(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks += count
}
