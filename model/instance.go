package model

// StatusFinished is the workflow instance status code for a finished process.
const StatusFinished = 2

// StageDefinition is one stage of a workflow as defined on the platform,
// without per-instance progress.
type StageDefinition struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Category      int    `json:"category"`
	CategoryLabel string `json:"category_label"`
	Order         int    `json:"order"`
}

// Stage is a StageDefinition annotated with one instance's progress.
type Stage struct {
	StageDefinition
	IsActive    bool `json:"is_active"`
	IsCompleted bool `json:"is_completed"`
}

// Instance is the resolved state of one process-flow run attached to one
// record. It is built fresh on every resolution and never mutated afterwards.
type Instance struct {
	ID            string  `json:"id"`
	ProcessName   string  `json:"process_name"`
	EntityName    string  `json:"entity_name"`
	ActiveStageID string  `json:"active_stage_id,omitempty"`
	TraversedPath string  `json:"traversed_path"`
	StatusCode    int     `json:"status_code"`
	Stages        []Stage `json:"stages"`
}

// IsFinished reports whether the instance has completed its process.
func (i *Instance) IsFinished() bool {
	return i.StatusCode == StatusFinished
}

// ActiveStage returns the active stage, or nil when none is active.
func (i *Instance) ActiveStage() *Stage {
	for idx := range i.Stages {
		if i.Stages[idx].IsActive {
			return &i.Stages[idx]
		}
	}
	return nil
}

// CompletedCount returns the number of completed stages.
func (i *Instance) CompletedCount() int {
	n := 0
	for _, s := range i.Stages {
		if s.IsCompleted {
			n++
		}
	}
	return n
}
