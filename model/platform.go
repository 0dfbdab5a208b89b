package model

import "context"

// Query carries the OData query options for a multi-record retrieval.
type Query struct {
	Select  []string
	Filter  string
	OrderBy string
	Top     int
}

// Platform is the capability surface the host platform exposes for reading
// process-flow state.
type Platform interface {
	// Query retrieves the records of entityName matching q.
	Query(ctx context.Context, entityName string, q Query) ([]Record, error)

	// GetMetadataRecord retrieves a single metadata record addressed by a
	// Web API path relative to the service root.
	GetMetadataRecord(ctx context.Context, path string) (Record, error)

	// RetrieveActivePath calls the RetrieveActivePath function for one
	// workflow instance and returns its stage entries. A non-success
	// response is reported as an error.
	RetrieveActivePath(ctx context.Context, instanceID string) ([]Record, error)
}
