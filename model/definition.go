package model

import (
	"encoding/json"
	"fmt"
)

// MaxDefinitions is the upper bound on BPF definitions in one Configuration.
const MaxDefinitions = 10

// Definition identifies one business process flow to query: the workflow
// entity holding its instances and the lookup field on that entity that
// references the parent record.
type Definition struct {
	EntityName  string `yaml:"entity_name"  json:"entityName"`
	LookupField string `yaml:"lookup_field" json:"lookupFieldName"`
}

// Configuration is the ordered list of BPF definitions tried for every record.
// Earlier definitions take precedence.
type Configuration struct {
	Definitions []Definition `yaml:"definitions" json:"definitions"`
}

// Validate checks the shape of the configuration. Identifier formats are
// checked separately by the validate package.
func (c Configuration) Validate() error {
	if len(c.Definitions) == 0 {
		return NewValidationError(FieldError{
			Field: "definitions", Code: "REQUIRED", Message: "at least one BPF definition is required",
		})
	}
	if len(c.Definitions) > MaxDefinitions {
		return NewValidationError(FieldError{
			Field:   "definitions",
			Code:    "TOO_MANY",
			Message: fmt.Sprintf("at most %d BPF definitions are allowed, got %d", MaxDefinitions, len(c.Definitions)),
		})
	}

	var details []FieldError
	for i, d := range c.Definitions {
		if d.EntityName == "" {
			details = append(details, FieldError{
				Field: fmt.Sprintf("definitions[%d].entityName", i), Code: "REQUIRED", Message: "entity name is required",
			})
		}
		if d.LookupField == "" {
			details = append(details, FieldError{
				Field: fmt.Sprintf("definitions[%d].lookupFieldName", i), Code: "REQUIRED", Message: "lookup field name is required",
			})
		}
	}
	if len(details) > 0 {
		return NewValidationError(details...)
	}
	return nil
}

// ParseConfiguration decodes the host parameter form of a configuration: a
// JSON array of {"entityName", "lookupFieldName"} objects.
func ParseConfiguration(raw string) (Configuration, error) {
	var defs []Definition
	if err := json.Unmarshal([]byte(raw), &defs); err != nil {
		return Configuration{}, NewBadRequestError(fmt.Sprintf("invalid BPF configuration: %v", err))
	}
	cfg := Configuration{Definitions: defs}
	if err := cfg.Validate(); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}
