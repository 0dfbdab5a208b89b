package bpf

import (
	"strings"

	"github.com/pitabwire/bpfstage/internal/validate"
	"github.com/pitabwire/bpfstage/model"
)

const (
	workflowEntity = "workflow"
	stageEntity    = "processstage"

	// bpfCategory is the workflow category of business process flows.
	bpfCategory = "4"

	instanceQueryTop = 250
	workflowQueryTop = 5
	stageQueryTop    = 100
)

// categoryMetadataPath addresses the option set of processstage.stagecategory.
const categoryMetadataPath = "EntityDefinitions(LogicalName='processstage')" +
	"/Attributes(LogicalName='stagecategory')" +
	"/Microsoft.Dynamics.CRM.PicklistAttributeMetadata" +
	"?$select=LogicalName&$expand=OptionSet($select=Options)"

// Instance record fields.
const (
	fieldInstanceID    = "businessprocessflowinstanceid"
	fieldName          = "name"
	fieldActiveStage   = "_activestageid_value"
	fieldTraversedPath = "traversedpath"
	fieldStatusCode    = "statuscode"
	fieldStateCode     = "statecode"
	fieldCreatedOn     = "createdon"
)

// Stage record fields, shared by processstage rows and active-path entries.
const (
	fieldStageID       = "processstageid"
	fieldStageName     = "stagename"
	fieldStageCategory = "stagecategory"
)

// lookupValueField is the read-only value property of a lookup attribute.
func lookupValueField(lookupField string) string {
	return "_" + lookupField + "_value"
}

// instanceQuery selects the instances whose lookupField references any of
// recordIDs, newest first. recordIDs must already be canonical GUIDs.
func instanceQuery(lookupField string, recordIDs []string) model.Query {
	valueField := lookupValueField(lookupField)
	conds := make([]string, len(recordIDs))
	for i, id := range recordIDs {
		conds[i] = valueField + " eq " + id
	}
	return model.Query{
		Select: []string{
			fieldInstanceID, fieldName, fieldActiveStage, fieldTraversedPath,
			fieldStatusCode, fieldStateCode, fieldCreatedOn, valueField,
		},
		Filter:  strings.Join(conds, " or "),
		OrderBy: fieldCreatedOn + " desc",
		Top:     instanceQueryTop,
	}
}

// workflowQuery finds business process flow definitions whose unique name
// equals or contains entityName.
func workflowQuery(entityName string) model.Query {
	name := validate.EscapeODataString(entityName)
	return model.Query{
		Select: []string{"workflowid", "uniquename", "name"},
		Filter: "(uniquename eq '" + name + "' or contains(uniquename,'" + name + "'))" +
			" and category eq " + bpfCategory,
		Top: workflowQueryTop,
	}
}

// stageQuery lists the stages of one workflow by category.
func stageQuery(workflowID string) model.Query {
	return model.Query{
		Select:  []string{fieldStageID, fieldStageName, fieldStageCategory},
		Filter:  "_processid_value eq " + workflowID,
		OrderBy: fieldStageCategory + " asc",
		Top:     stageQueryTop,
	}
}
