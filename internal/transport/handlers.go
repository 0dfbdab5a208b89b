package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/bpfstage/internal/controller"
	"github.com/pitabwire/bpfstage/internal/observability"
	"github.com/pitabwire/bpfstage/internal/validate"
	"github.com/pitabwire/bpfstage/model"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// maxRecordIDs bounds the records of one view load.
const maxRecordIDs = 5000

type handlers struct {
	views    *controller.Views
	resolver Resolver
	defaults model.Configuration
	logger   *zap.Logger
}

// viewRequest is the body of PUT /views/{viewId}. Definitions may be sent as
// a list or, as the host platform passes it, a JSON string.
type viewRequest struct {
	RecordIDs   []string        `json:"record_ids"`
	Definitions json.RawMessage `json:"definitions,omitempty"`
}

type recordResponse struct {
	RecordID string          `json:"record_id"`
	Instance *model.Instance `json:"instance"`
}

func (h *handlers) putView(w http.ResponseWriter, r *http.Request) {
	viewID := chi.URLParam(r, "viewId")
	trace.SpanFromContext(r.Context()).SetAttributes(observability.AttrViewID.String(viewID))
	observability.AddRequestFields(r.Context(), zap.String("view_id", viewID))

	var req viewRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		WriteError(w, r, model.NewBadRequestError("Request body must be a JSON object"))
		return
	}
	if req.RecordIDs == nil {
		WriteValidationError(w, r, model.FieldError{Field: "record_ids", Code: "REQUIRED", Message: "record_ids is required"})
		return
	}
	if len(req.RecordIDs) > maxRecordIDs {
		WriteValidationError(w, r, model.FieldError{Field: "record_ids", Code: "TOO_MANY", Message: "too many record ids"})
		return
	}

	cfg, err := h.configuration(req.Definitions)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	snap, err := h.views.Load(r.Context(), viewID, req.RecordIDs, cfg)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(observability.AttrGeneration.Int64(int64(snap.Generation)))
	observability.AddRequestFields(r.Context(), zap.Uint64("generation", snap.Generation))
	WriteJSON(w, http.StatusOK, snap)
}

func (h *handlers) getView(w http.ResponseWriter, r *http.Request) {
	viewID := chi.URLParam(r, "viewId")
	c, ok := h.views.Get(viewID)
	if !ok {
		WriteNotFound(w, r, "view "+viewID+" not found")
		return
	}
	WriteJSON(w, http.StatusOK, c.Snapshot())
}

func (h *handlers) refreshView(w http.ResponseWriter, r *http.Request) {
	viewID := chi.URLParam(r, "viewId")
	observability.AddRequestFields(r.Context(), zap.String("view_id", viewID))
	snap, err := h.views.Refresh(r.Context(), viewID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	observability.AddRequestFields(r.Context(), zap.Uint64("generation", snap.Generation))
	WriteJSON(w, http.StatusOK, snap)
}

func (h *handlers) deleteView(w http.ResponseWriter, r *http.Request) {
	viewID := chi.URLParam(r, "viewId")
	observability.AddRequestFields(r.Context(), zap.String("view_id", viewID))
	if !h.views.Destroy(viewID) {
		WriteNotFound(w, r, "view "+viewID+" not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) getRecord(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "recordId")
	if err := validate.GUID("recordId", recordID); err != nil {
		WriteError(w, r, err)
		return
	}
	entity := r.URL.Query().Get("entity")
	if err := validate.EntityName(entity); err != nil {
		WriteError(w, r, err)
		return
	}
	cfg, err := h.configuration(nil)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	inst, err := h.resolver.ResolveSingle(r.Context(), recordID, entity, cfg)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, recordResponse{RecordID: recordID, Instance: inst})
}

func (h *handlers) clearCache(w http.ResponseWriter, r *http.Request) {
	log := observability.LoggerFrom(r.Context(), h.logger)
	entity := r.URL.Query().Get("entity")
	if entity == "" {
		h.resolver.ClearCache()
		log.Info("cache cleared")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := validate.EntityName(entity); err != nil {
		WriteError(w, r, err)
		return
	}
	h.resolver.ClearCacheForEntity(entity)
	log.Info("cache cleared for entity", zap.String("entity", entity))
	w.WriteHeader(http.StatusNoContent)
}

// configuration decodes request definitions, falling back to the configured
// defaults, and validates the result.
func (h *handlers) configuration(raw json.RawMessage) (model.Configuration, error) {
	cfg := h.defaults
	if len(raw) > 0 && string(raw) != "null" {
		var err error
		cfg, err = decodeDefinitions(raw)
		if err != nil {
			return model.Configuration{}, err
		}
	}
	if err := validate.Configuration(cfg); err != nil {
		return model.Configuration{}, err
	}
	return cfg, nil
}

func decodeDefinitions(raw json.RawMessage) (model.Configuration, error) {
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		return model.ParseConfiguration(encoded)
	}
	var defs []model.Definition
	if err := json.Unmarshal(raw, &defs); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return model.Configuration{}, model.NewBadRequestError("definitions must be a list of {entityName, lookupFieldName}")
		}
		return model.Configuration{}, model.NewBadRequestError("definitions is not valid JSON")
	}
	return model.Configuration{Definitions: defs}, nil
}
