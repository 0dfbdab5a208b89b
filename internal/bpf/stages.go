package bpf

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/bpfstage/internal/deadline"
	"github.com/pitabwire/bpfstage/internal/validate"
	"github.com/pitabwire/bpfstage/model"
)

// unknownCategoryLabel is used for options that carry no label at all.
const unknownCategoryLabel = "Unknown"

// activePath returns the stages on the branch one instance actually follows.
// A nil result means the caller must use the full stage list instead.
func (c *Client) activePath(ctx context.Context, instanceID string, labels map[int]string) []model.StageDefinition {
	id, ok := validate.NormalizeGUID(instanceID)
	if !ok {
		c.logger.Warn("bpf: invalid instance id, using fallback stages", zap.String("instance_id", instanceID))
		return nil
	}
	if stages, ok := c.activePaths.Get(id); ok {
		return stages
	}

	recs, err := deadline.Run(ctx, c.callTimeout, func(ctx context.Context) ([]model.Record, error) {
		return c.platform.RetrieveActivePath(ctx, id)
	})
	if err != nil {
		c.logger.Warn("bpf: active path unavailable, using fallback stages",
			zap.String("instance_id", id),
			zap.Error(err),
		)
		return nil
	}

	stages := mapStageDefinitions(recs, labels)
	if len(stages) == 0 {
		c.logger.Warn("bpf: active path empty, using fallback stages", zap.String("instance_id", id))
		return nil
	}
	c.activePaths.Set(id, stages)
	return stages
}

// fallbackStages returns every stage of the workflow behind entityName. It
// returns nil without error when no workflow exists for the entity.
func (c *Client) fallbackStages(ctx context.Context, entityName string) ([]model.StageDefinition, error) {
	if entry, ok := c.stages.Get(entityName); ok {
		return entry.Stages, nil
	}

	var (
		workflowID string
		labels     map[int]string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		id, err := c.workflowID(gctx, entityName)
		workflowID = id
		return err
	})
	g.Go(func() error {
		labels = c.categoryLabels(ctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, stageError(entityName, err)
	}
	if workflowID == "" {
		c.logger.Warn("bpf: no workflow found for entity", zap.String("entity", entityName))
		return nil, nil
	}

	recs, err := deadline.Run(ctx, c.callTimeout, func(ctx context.Context) ([]model.Record, error) {
		return c.platform.Query(ctx, stageEntity, stageQuery(workflowID))
	})
	if err != nil {
		return nil, stageError(entityName, err)
	}

	stages := mapStageDefinitions(recs, labels)
	c.stages.Set(entityName, stageEntry{Stages: stages, WorkflowID: workflowID})
	return stages, nil
}

func stageError(entityName string, err error) error {
	if model.IsCancelled(err) {
		return err
	}
	return model.NewStageNotFoundError(entityName, err)
}

// workflowID maps a BPF entity name to its workflow definition id. An empty
// result with a nil error means no workflow matched.
func (c *Client) workflowID(ctx context.Context, entityName string) (string, error) {
	if err := validate.EntityName(entityName); err != nil {
		return "", err
	}
	if id, ok := c.workflowIDs.Get(entityName); ok {
		return id, nil
	}

	recs, err := deadline.Run(ctx, c.callTimeout, func(ctx context.Context) ([]model.Record, error) {
		return c.platform.Query(ctx, workflowEntity, workflowQuery(entityName))
	})
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "", nil
	}

	match := recs[0]
	for _, rec := range recs {
		if strings.EqualFold(rec.String("uniquename"), entityName) {
			match = rec
			break
		}
	}
	id, ok := validate.NormalizeGUID(match.String("workflowid"))
	if !ok {
		return "", errors.New("workflow record has no valid workflowid")
	}
	c.workflowIDs.Set(entityName, id)
	return id, nil
}

// categoryLabels returns the stage category labels. It never fails: an
// unavailable metadata endpoint yields an empty map, which is cached like a
// real one. A fetch cut short by the caller's context, cancelled or past its
// deadline, is not cached.
func (c *Client) categoryLabels(ctx context.Context) map[int]string {
	if labels, ok := c.categories.Get(); ok {
		return labels
	}

	rec, err := deadline.Run(ctx, c.callTimeout, func(ctx context.Context) (model.Record, error) {
		return c.platform.GetMetadataRecord(ctx, categoryMetadataPath)
	})
	if err != nil {
		if ctx.Err() != nil {
			return map[int]string{}
		}
		c.logger.Warn("bpf: category labels unavailable", zap.Error(err))
		empty := map[int]string{}
		c.categories.Set(empty)
		return empty
	}

	labels := parseCategoryLabels(rec)
	c.categories.Set(labels)
	return labels
}

func parseCategoryLabels(rec model.Record) map[int]string {
	labels := make(map[int]string)
	for _, opt := range rec.Map("OptionSet").Slice("Options") {
		label := opt.Map("Label")
		text := label.Map("UserLocalizedLabel").String("Label")
		if text == "" {
			if localized := label.Slice("LocalizedLabels"); len(localized) > 0 {
				text = localized[0].String("Label")
			}
		}
		if text == "" {
			text = unknownCategoryLabel
		}
		labels[opt.Int("Value")] = text
	}
	return labels
}
