package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crawlpoint/crawlpoint/internal/auth"
	"github.com/crawlpoint/crawlpoint/internal/metrics"
	"github.com/crawlpoint/crawlpoint/internal/service"
)

func (h *Handlers) createQueue(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, fmt.Errorf("%w: name query parameter is required", service.ErrValidation))
		return
	}

	q, created, err := h.Queues.GetOrCreateNamed(r.Context(), principal, name)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeData(w, status, q)
}

func (h *Handlers) listQueues(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	offset, limit, desc := pageParams(r)

	queues, total, err := h.Queues.List(r.Context(), principal, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, listPage{
		Total: total, Count: len(queues), Offset: offset, Limit: limit, Desc: desc, Items: queues,
	})
}

func (h *Handlers) getQueue(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	q, err := h.Queues.Resolve(r.Context(), principal, chi.URLParam(r, "queueID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, q)
}

func (h *Handlers) deleteQueue(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	q, err := h.Queues.Resolve(r.Context(), principal, chi.URLParam(r, "queueID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Queues.Delete(r.Context(), q.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requestBody is the wire shape of one request descriptor.
type requestBody struct {
	UniqueKey string            `json:"uniqueKey"`
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Payload   string            `json:"payload"`
	Headers   map[string]string `json:"headers"`
	UserData  map[string]any    `json:"userData"`
	NoRetry   bool              `json:"noRetry"`
}

func (b requestBody) toInput() service.AddRequestInput {
	return service.AddRequestInput{
		UniqueKey: b.UniqueKey,
		URL:       b.URL,
		Method:    b.Method,
		Payload:   b.Payload,
		Headers:   b.Headers,
		UserData:  b.UserData,
		NoRetry:   b.NoRetry,
	}
}

func (h *Handlers) addRequest(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	q, err := h.Queues.Resolve(r.Context(), principal, chi.URLParam(r, "queueID"))
	if err != nil {
		writeError(w, err)
		return
	}

	var body requestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON body", service.ErrValidation))
		return
	}
	forefront, _ := strconv.ParseBool(r.URL.Query().Get("forefront"))

	res, err := h.Queues.AddRequest(r.Context(), q.ID, body.toInput(), forefront)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.QueueOp("add")
	writeData(w, http.StatusCreated, res)
}

func (h *Handlers) addRequestsBatch(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	q, err := h.Queues.Resolve(r.Context(), principal, chi.URLParam(r, "queueID"))
	if err != nil {
		writeError(w, err)
		return
	}

	var bodies []requestBody
	if err := json.NewDecoder(r.Body).Decode(&bodies); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON array body", service.ErrValidation))
		return
	}
	forefront, _ := strconv.ParseBool(r.URL.Query().Get("forefront"))

	inputs := make([]service.AddRequestInput, len(bodies))
	for i, b := range bodies {
		inputs[i] = b.toInput()
	}

	res, err := h.Queues.AddRequestsBatch(r.Context(), q.ID, inputs, forefront)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.QueueOp("add_batch")
	writeData(w, http.StatusCreated, res)
}

func (h *Handlers) getRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Queues.GetRequest(r.Context(), chi.URLParam(r, "queueID"), chi.URLParam(r, "requestID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, req)
}

func (h *Handlers) getHead(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	head, err := h.Queues.GetHead(r.Context(), chi.URLParam(r, "queueID"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.QueueOp("head")
	writeData(w, http.StatusOK, map[string]any{
		"items":                  head.Requests,
		"queueHasLockedRequests": head.QueueHasLockedRequests,
		"hadMultipleClients":     head.HadMultipleClients,
	})
}

func (h *Handlers) acquireHead(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	lockSecs, _ := strconv.Atoi(r.URL.Query().Get("lockSecs"))
	clientKey := r.URL.Query().Get("clientKey")

	head, err := h.Queues.AcquireHead(r.Context(), chi.URLParam(r, "queueID"), limit, lockSecs, clientKey)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.QueueOp("head_lock")
	writeData(w, http.StatusOK, map[string]any{
		"items":                  head.Requests,
		"queueHasLockedRequests": head.QueueHasLockedRequests,
		"hadMultipleClients":     head.HadMultipleClients,
		"lockExpiresAt":          head.LockExpiresAt,
	})
}

func (h *Handlers) prolongLock(w http.ResponseWriter, r *http.Request) {
	lockSecs, _ := strconv.Atoi(r.URL.Query().Get("lockSecs"))
	clientKey := r.URL.Query().Get("clientKey")

	until, err := h.Queues.ProlongLock(r.Context(), chi.URLParam(r, "queueID"), chi.URLParam(r, "requestID"), clientKey, lockSecs)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.QueueOp("lock_prolong")
	writeData(w, http.StatusOK, map[string]any{"lockExpiresAt": until})
}

func (h *Handlers) releaseLock(w http.ResponseWriter, r *http.Request) {
	clientKey := r.URL.Query().Get("clientKey")

	if err := h.Queues.ReleaseLock(r.Context(), chi.URLParam(r, "queueID"), chi.URLParam(r, "requestID"), clientKey); err != nil {
		writeError(w, err)
		return
	}
	metrics.QueueOp("lock_release")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) updateRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RetryCount    *int           `json:"retryCount"`
		NoRetry       *bool          `json:"noRetry"`
		ErrorMessages []string       `json:"errorMessages"`
		UserData      map[string]any `json:"userData"`
		HandledAt     *time.Time     `json:"handledAt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON body", service.ErrValidation))
		return
	}
	clientKey := r.URL.Query().Get("clientKey")

	req, err := h.Queues.UpdateRequest(r.Context(), chi.URLParam(r, "queueID"), chi.URLParam(r, "requestID"), service.UpdateRequestPatch{
		RetryCount:    body.RetryCount,
		NoRetry:       body.NoRetry,
		ErrorMessages: body.ErrorMessages,
		UserData:      body.UserData,
		HandledAt:     body.HandledAt,
	}, clientKey)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.QueueOp("update")
	writeData(w, http.StatusOK, req)
}
