package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/crawlpoint/crawlpoint/internal/auth"
	"github.com/crawlpoint/crawlpoint/internal/service"
)

func (h *Handlers) createKeyValueStore(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, fmt.Errorf("%w: name query parameter is required", service.ErrValidation))
		return
	}

	kv, created, err := h.KeyValue.GetOrCreateNamed(r.Context(), principal, name)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeData(w, status, kv)
}

func (h *Handlers) listKeyValueStores(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	offset, limit, desc := pageParams(r)

	stores, total, err := h.KeyValue.List(r.Context(), principal, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, listPage{
		Total: total, Count: len(stores), Offset: offset, Limit: limit, Desc: desc, Items: stores,
	})
}

func (h *Handlers) getKeyValueStore(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	kv, err := h.KeyValue.Resolve(r.Context(), principal, chi.URLParam(r, "storeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, kv)
}

func (h *Handlers) deleteKeyValueStore(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	kv, err := h.KeyValue.Resolve(r.Context(), principal, chi.URLParam(r, "storeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.KeyValue.Delete(r.Context(), kv.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) listKeys(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	kv, err := h.KeyValue.Resolve(r.Context(), principal, chi.URLParam(r, "storeID"))
	if err != nil {
		writeError(w, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	listing, err := h.KeyValue.ListKeys(r.Context(), kv.ID, limit, r.URL.Query().Get("exclusiveStartKey"))
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]map[string]any, 0, len(listing.Keys))
	for _, k := range listing.Keys {
		items = append(items, map[string]any{"key": k.Key, "size": k.Size})
	}
	writeData(w, http.StatusOK, map[string]any{
		"items":                 items,
		"count":                 len(items),
		"isTruncated":           listing.IsTruncated,
		"nextExclusiveStartKey": listing.NextExclusiveStartKey,
	})
}

// getRecord streams the record body with its stored content type. A
// missing key is 204; a missing store is 404 (resolved above).
func (h *Handlers) getRecord(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "storeID")
	if _, err := h.KeyValue.Get(r.Context(), storeID); err != nil {
		writeError(w, err)
		return
	}

	obj, err := h.KeyValue.GetRecord(r.Context(), storeID, chi.URLParam(r, "recordKey"))
	if err != nil {
		writeError(w, err)
		return
	}
	if obj == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.WriteHeader(http.StatusOK)
	w.Write(obj.Body)
}

func (h *Handlers) putRecord(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	kv, err := h.KeyValue.Resolve(r.Context(), principal, chi.URLParam(r, "storeID"))
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		writeError(w, fmt.Errorf("%w: read record body", service.ErrValidation))
		return
	}

	if err := h.KeyValue.PutRecord(r.Context(), kv.ID, chi.URLParam(r, "recordKey"), body, r.Header.Get("Content-Type")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handlers) deleteRecord(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "storeID")
	if _, err := h.KeyValue.Get(r.Context(), storeID); err != nil {
		writeError(w, err)
		return
	}
	if err := h.KeyValue.DeleteRecord(r.Context(), storeID, chi.URLParam(r, "recordKey")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
