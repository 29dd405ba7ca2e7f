package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crawlpoint/crawlpoint/internal/auth"
	"github.com/crawlpoint/crawlpoint/internal/service"
)

// createDataset handles POST /v2/datasets?name=: get-or-create semantics,
// 201 on create, 200 on reuse.
func (h *Handlers) createDataset(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, fmt.Errorf("%w: name query parameter is required", service.ErrValidation))
		return
	}

	ds, created, err := h.Datasets.GetOrCreateNamed(r.Context(), principal, name)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeData(w, status, ds)
}

func (h *Handlers) listDatasets(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	offset, limit, desc := pageParams(r)

	datasets, total, err := h.Datasets.List(r.Context(), principal, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, listPage{
		Total: total, Count: len(datasets), Offset: offset, Limit: limit, Desc: desc, Items: datasets,
	})
}

func (h *Handlers) getDataset(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	ds, err := h.Datasets.Resolve(r.Context(), principal, chi.URLParam(r, "datasetID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, ds)
}

func (h *Handlers) deleteDataset(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	ds, err := h.Datasets.Resolve(r.Context(), principal, chi.URLParam(r, "datasetID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Datasets.Delete(r.Context(), ds.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pushItems handles POST /v2/datasets/{datasetID}/items with a single
// object or an array of objects.
func (h *Handlers) pushItems(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	ds, err := h.Datasets.Resolve(r.Context(), principal, chi.URLParam(r, "datasetID"))
	if err != nil {
		writeError(w, err)
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON body", service.ErrValidation))
		return
	}

	items, err := splitItems(raw)
	if err != nil {
		writeError(w, err)
		return
	}

	if _, err := h.Datasets.PushItems(r.Context(), ds.ID, items); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handlers) listItems(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	ds, err := h.Datasets.Resolve(r.Context(), principal, chi.URLParam(r, "datasetID"))
	if err != nil {
		writeError(w, err)
		return
	}

	offset, limit, _ := pageParams(r)
	items, total, err := h.Datasets.ListItems(r.Context(), ds.ID, int64(offset), int64(limit))
	if err != nil {
		writeError(w, err)
		return
	}

	setPaginationHeaders(w, total, int64(offset), int64(limit))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(items); err != nil {
		return
	}
}

// splitItems accepts either one JSON object or an array of objects.
func splitItems(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := trimLeadingSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", service.ErrValidation)
	}
	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: invalid JSON array", service.ErrValidation)
		}
		return items, nil
	}
	return []json.RawMessage{raw}, nil
}

func trimLeadingSpace(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t' || b[0] == '\n' || b[0] == '\r') {
		b = b[1:]
	}
	return b
}
