// Package validate holds the identifier checks and escaping applied to every
// value before it is placed in a platform query.
package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/pitabwire/bpfstage/model"
)

// maxSchemaNameLength is the platform limit for entity and attribute names.
const maxSchemaNameLength = 128

// schemaNamePattern matches entity and field schema names: a letter followed
// by letters, digits or underscores.
var schemaNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// guidPattern is the canonical 8-4-4-4-12 form, optionally wrapped in braces.
var guidPattern = regexp.MustCompile(`^(\{` + guidBody + `\}|` + guidBody + `)$`)

const guidBody = `[0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12}`

// IsSchemaName reports whether name is a well-formed entity or field schema name.
func IsSchemaName(name string) bool {
	return len(name) <= maxSchemaNameLength && schemaNamePattern.MatchString(name)
}

// IsGUID reports whether id is a GUID in canonical or braced form.
func IsGUID(id string) bool {
	if !guidPattern.MatchString(id) {
		return false
	}
	_, err := uuid.Parse(strings.Trim(id, "{}"))
	return err == nil
}

// NormalizeGUID returns id in lower-case canonical form without braces. The
// second result is false when id is not a GUID.
func NormalizeGUID(id string) (string, bool) {
	if !IsGUID(id) {
		return "", false
	}
	parsed, err := uuid.Parse(strings.Trim(id, "{}"))
	if err != nil {
		return "", false
	}
	return parsed.String(), true
}

// EscapeODataString escapes a value for use inside a single-quoted OData
// string literal.
func EscapeODataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// EntityName returns a validation error unless name is a valid entity schema name.
func EntityName(name string) error {
	return schemaName("entityName", "entity name", name)
}

// FieldName returns a validation error unless name is a valid field schema name.
func FieldName(name string) error {
	return schemaName("lookupFieldName", "field name", name)
}

// GUID returns a validation error unless id is a GUID.
func GUID(field, id string) error {
	if IsGUID(id) {
		return nil
	}
	return model.NewValidationError(model.FieldError{
		Field:   field,
		Code:    "FORMAT",
		Message: fmt.Sprintf("%q is not a valid identifier", id),
	})
}

// Configuration checks both the shape of cfg and every identifier in it.
func Configuration(cfg model.Configuration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var details []model.FieldError
	for i, d := range cfg.Definitions {
		if !IsSchemaName(d.EntityName) {
			details = append(details, model.FieldError{
				Field:   fmt.Sprintf("definitions[%d].entityName", i),
				Code:    "FORMAT",
				Message: fmt.Sprintf("%q is not a valid entity name", d.EntityName),
			})
		}
		if !IsSchemaName(d.LookupField) {
			details = append(details, model.FieldError{
				Field:   fmt.Sprintf("definitions[%d].lookupFieldName", i),
				Code:    "FORMAT",
				Message: fmt.Sprintf("%q is not a valid field name", d.LookupField),
			})
		}
	}
	if len(details) > 0 {
		return model.NewValidationError(details...)
	}
	return nil
}

func schemaName(field, kind, name string) error {
	if IsSchemaName(name) {
		return nil
	}
	return model.NewValidationError(model.FieldError{
		Field:   field,
		Code:    "FORMAT",
		Message: fmt.Sprintf("%q is not a valid %s", name, kind),
	})
}
