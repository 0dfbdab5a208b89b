package bpf

import (
	"errors"
	"strings"

	"github.com/pitabwire/bpfstage/internal/validate"
	"github.com/pitabwire/bpfstage/model"
)

var errMissingInstanceID = errors.New("instance record has no businessprocessflowinstanceid")

// mapStageDefinitions converts raw stage entries into ordered definitions.
// Entries without a stage id are dropped; the order counts kept entries only.
func mapStageDefinitions(recs []model.Record, labels map[int]string) []model.StageDefinition {
	out := make([]model.StageDefinition, 0, len(recs))
	for _, rec := range recs {
		id := rec.String(fieldStageID)
		if id == "" {
			continue
		}
		name := rec.String(fieldStageName)
		category := rec.Int(fieldStageCategory)
		label, ok := labels[category]
		if !ok || label == "" {
			label = name
		}
		out = append(out, model.StageDefinition{
			ID:            id,
			Name:          name,
			Category:      category,
			CategoryLabel: label,
			Order:         len(out),
		})
	}
	return out
}

// buildInstance annotates stages with the progress recorded in rec. A
// finished instance has every stage completed and none active. Otherwise the
// first stage matching the active stage id is active, and a stage is
// completed when it is on the traversed path and not active.
func buildInstance(rec model.Record, entityName string, stages []model.StageDefinition) (*model.Instance, error) {
	id := rec.String(fieldInstanceID)
	if id == "" {
		return nil, errMissingInstanceID
	}
	inst := &model.Instance{
		ID:            id,
		ProcessName:   rec.String(fieldName),
		EntityName:    entityName,
		ActiveStageID: rec.String(fieldActiveStage),
		TraversedPath: rec.String(fieldTraversedPath),
		StatusCode:    rec.Int(fieldStatusCode),
		Stages:        make([]model.Stage, len(stages)),
	}

	finished := inst.IsFinished()
	traversed := traversedSet(inst.TraversedPath)
	activeKey := stageKey(inst.ActiveStageID)
	activeSeen := false
	for i, def := range stages {
		stage := model.Stage{StageDefinition: def}
		switch {
		case finished:
			stage.IsCompleted = true
		case !activeSeen && activeKey != "" && stageKey(def.ID) == activeKey:
			stage.IsActive = true
			activeSeen = true
		default:
			_, stage.IsCompleted = traversed[stageKey(def.ID)]
		}
		inst.Stages[i] = stage
	}
	return inst, nil
}

// stageKey is the comparison form of a stage id: a canonical GUID when id is
// one, the trimmed lower-case text otherwise.
func stageKey(id string) string {
	if guid, ok := validate.NormalizeGUID(strings.TrimSpace(id)); ok {
		return guid
	}
	return strings.ToLower(strings.TrimSpace(id))
}

// traversedSet splits a comma-separated traversed path into a set of stage keys.
func traversedSet(path string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, part := range strings.Split(path, ",") {
		if key := stageKey(part); key != "" {
			set[key] = struct{}{}
		}
	}
	return set
}
