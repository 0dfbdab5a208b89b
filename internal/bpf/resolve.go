package bpf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/bpfstage/internal/deadline"
	"github.com/pitabwire/bpfstage/internal/observability"
	"github.com/pitabwire/bpfstage/internal/validate"
	"github.com/pitabwire/bpfstage/model"
)

// ResolveBatch resolves the current instance for every record in recordIDs.
// Definitions are tried in configuration order and the first one that yields
// an instance for a record wins. Every input id is a key of the result; ids
// without an instance map to nil.
//
// A failing definition is logged and skipped. Only cancellation of ctx is
// returned as an error.
func (c *Client) ResolveBatch(ctx context.Context, recordIDs []string, cfg model.Configuration) (map[string]*model.Instance, error) {
	if err := deadline.Err(ctx); err != nil {
		return nil, err
	}
	results := make(map[string]*model.Instance, len(recordIDs))
	if len(recordIDs) == 0 || len(cfg.Definitions) == 0 {
		return results, nil
	}

	ctx, span := observability.StartSpan(ctx, "bpf.ResolveBatch",
		observability.AttrRecordCount.Int(len(recordIDs)),
		observability.AttrDefinitions.Int(len(cfg.Definitions)),
	)
	start := time.Now()

	for _, id := range recordIDs {
		results[id] = nil
	}

	for _, def := range cfg.Definitions {
		if err := deadline.Err(ctx); err != nil {
			observability.EndSpanWithError(span, err)
			return nil, err
		}

		pending := unresolved(recordIDs, results)
		if len(pending) == 0 {
			break
		}

		found, err := c.resolveDefinition(ctx, def, pending)
		if err != nil {
			if ctxErr := deadline.Err(ctx); ctxErr != nil {
				observability.EndSpanWithError(span, ctxErr)
				return nil, ctxErr
			}
			c.logger.Warn("bpf: definition failed",
				zap.String("entity", def.EntityName),
				zap.String("lookup_field", def.LookupField),
				zap.Error(err),
			)
			continue
		}
		for id, inst := range found {
			if results[id] == nil {
				results[id] = inst
			}
		}
	}

	resolved := 0
	for _, inst := range results {
		if inst != nil {
			resolved++
		}
	}
	span.SetAttributes(observability.AttrResolved.Int(resolved))
	observability.EndSpanWithError(span, nil)
	if c.recorder != nil {
		c.recorder.RecordResolveBatch(time.Since(start), resolved, len(results)-resolved)
	}
	return results, nil
}

// ResolveSingle resolves one record. Concurrent calls for the same entity and
// record share one resolution. The shared work is detached from any single
// caller's cancellation; a cancelled caller stops waiting and gets a
// cancellation error while the others still receive the result.
func (c *Client) ResolveSingle(ctx context.Context, recordID, entityName string, cfg model.Configuration) (*model.Instance, error) {
	if err := deadline.Err(ctx); err != nil {
		return nil, err
	}
	key := entityName + ":" + recordID
	shared := context.WithoutCancel(ctx)

	ch := c.inflight.DoChan(key, func() (any, error) {
		found, err := c.ResolveBatch(shared, []string{recordID}, cfg)
		if err != nil {
			return nil, err
		}
		return found[recordID], nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		inst, _ := res.Val.(*model.Instance)
		return inst, nil
	case <-ctx.Done():
		return nil, deadline.Err(ctx)
	}
}

// unresolved returns the ids in ids that still map to nil, in input order and
// without duplicates.
func unresolved(ids []string, results map[string]*model.Instance) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if results[id] == nil {
			out = append(out, id)
		}
	}
	return out
}

// resolveDefinition runs one definition against recordIDs and returns the
// instances it found, keyed by the caller's original id.
func (c *Client) resolveDefinition(ctx context.Context, def model.Definition, recordIDs []string) (found map[string]*model.Instance, err error) {
	ctx, span := observability.StartSpan(ctx, "bpf.resolveDefinition",
		observability.AttrEntityName.String(def.EntityName),
		observability.AttrLookupField.String(def.LookupField),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := validate.EntityName(def.EntityName); err != nil {
		return nil, err
	}
	if err := validate.FieldName(def.LookupField); err != nil {
		return nil, err
	}

	// Canonical GUID -> ids as given by the caller. Several spellings of one
	// GUID all receive the same instance.
	originals := make(map[string][]string, len(recordIDs))
	var guids []string
	for _, id := range recordIDs {
		guid, ok := validate.NormalizeGUID(id)
		if !ok {
			c.logger.Warn("bpf: skipping invalid record id", zap.String("record_id", id))
			continue
		}
		if _, dup := originals[guid]; !dup {
			guids = append(guids, guid)
		}
		originals[guid] = append(originals[guid], id)
	}
	if len(guids) == 0 {
		return map[string]*model.Instance{}, nil
	}

	batches := chunk(guids, c.batchSize)
	batchResults := make([][]model.Record, len(batches))

	// Labels are independent of the instance queries and never fail.
	labelsDone := make(chan map[int]string, 1)
	go func() { labelsDone <- c.categoryLabels(ctx) }()

	g, gctx := errgroup.WithContext(ctx)
	for i, batch := range batches {
		g.Go(func() error {
			if err := deadline.Err(gctx); err != nil {
				return err
			}
			recs, err := deadline.Run(gctx, c.callTimeout, func(ctx context.Context) ([]model.Record, error) {
				return c.platform.Query(ctx, def.EntityName, instanceQuery(def.LookupField, batch))
			})
			if err != nil {
				return fmt.Errorf("query %s batch %d: %w", def.EntityName, i, err)
			}
			batchResults[i] = recs
			return nil
		})
	}
	err = g.Wait()
	labels := <-labelsDone
	if err != nil {
		return nil, err
	}

	// First seen wins, in batch order then record order.
	valueField := lookupValueField(def.LookupField)
	raw := make(map[string]model.Record, len(guids))
	var order []string
	for _, recs := range batchResults {
		for _, rec := range recs {
			guid, ok := validate.NormalizeGUID(rec.String(valueField))
			if !ok {
				continue
			}
			if _, wanted := originals[guid]; !wanted {
				continue
			}
			if _, seen := raw[guid]; seen {
				continue
			}
			raw[guid] = rec
			order = append(order, guid)
		}
	}
	if len(order) == 0 {
		return map[string]*model.Instance{}, nil
	}

	paths := make([][]model.StageDefinition, len(order))
	var wg sync.WaitGroup
	for i, guid := range order {
		wg.Add(1)
		go func() {
			defer wg.Done()
			paths[i] = c.activePath(ctx, raw[guid].String(fieldInstanceID), labels)
		}()
	}
	wg.Wait()

	var fallback []model.StageDefinition
	fallbackCount := 0
	for _, p := range paths {
		if p == nil {
			fallbackCount++
		}
	}
	if fallbackCount > 0 {
		if c.recorder != nil {
			c.recorder.RecordActivePathFallback(fallbackCount)
		}
		fallback, err = c.fallbackStages(ctx, def.EntityName)
		if err != nil {
			if model.IsCancelled(err) {
				return nil, err
			}
			c.logger.Warn("bpf: fallback stages unavailable",
				zap.String("entity", def.EntityName),
				zap.Int("instances", fallbackCount),
				zap.Error(err),
			)
			fallback, err = nil, nil
		}
	}

	found = make(map[string]*model.Instance, len(order))
	for i, guid := range order {
		stages := paths[i]
		if stages == nil {
			stages = fallback
		}
		if len(stages) == 0 {
			continue
		}
		inst, mapErr := buildInstance(raw[guid], def.EntityName, stages)
		if mapErr != nil {
			c.logger.Warn("bpf: skipping unmappable instance",
				zap.String("entity", def.EntityName),
				zap.String("record_id", guid),
				zap.Error(mapErr),
			)
			continue
		}
		for _, id := range originals[guid] {
			found[id] = inst
		}
	}
	span.SetAttributes(attribute.Int("bpf.instances", len(found)))
	return found, nil
}

func chunk(ids []string, size int) [][]string {
	out := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		out = append(out, ids[start:end])
	}
	return out
}
