package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/crawlpoint/crawlpoint/internal/auth"
	"github.com/crawlpoint/crawlpoint/internal/domain"
	"github.com/crawlpoint/crawlpoint/internal/service"
)

// createRun handles POST /v2/acts/{actorID}/runs. The body is the actor
// input; run options arrive as query parameters, matching the compatible
// API.
func (h *Handlers) createRun(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	input, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeError(w, fmt.Errorf("%w: read input body", service.ErrValidation))
		return
	}
	if len(input) > 0 && !json.Valid(input) && isJSONContentType(r.Header.Get("Content-Type")) {
		writeError(w, fmt.Errorf("%w: input is not valid JSON", service.ErrValidation))
		return
	}

	timeout := intQuery(r, "timeout")
	memory := intQuery(r, "memory")

	run, err := h.Runs.Create(r.Context(), principal, chi.URLParam(r, "actorID"), service.CreateRunRequest{
		Input:       input,
		ContentType: r.Header.Get("Content-Type"),
		TimeoutSecs: timeout,
		Memory:      memory,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, run)
}

func (h *Handlers) listActorRuns(w http.ResponseWriter, r *http.Request) {
	h.listRunsFiltered(w, r, chi.URLParam(r, "actorID"))
}

func (h *Handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	h.listRunsFiltered(w, r, "")
}

func (h *Handlers) listRunsFiltered(w http.ResponseWriter, r *http.Request, actorIDOrName string) {
	principal := auth.PrincipalFromContext(r.Context())
	offset, limit, desc := pageParams(r)

	actorID := actorIDOrName
	if actorIDOrName != "" {
		actor, err := h.Actors.Get(r.Context(), principal, actorIDOrName)
		if err != nil {
			writeError(w, err)
			return
		}
		actorID = actor.ID
	}

	runs, total, err := h.Runs.List(r.Context(), principal, service.ListRunsRequest{
		ActorID: actorID,
		Status:  domain.RunStatus(strings.ToUpper(r.URL.Query().Get("status"))),
		Desc:    desc,
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, listPage{
		Total: total, Count: len(runs), Offset: offset, Limit: limit, Desc: desc, Items: runs,
	})
}

func (h *Handlers) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Runs.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, run)
}

// updateRun is the trusted PUT surface: runtime drivers and internal
// tooling move runs through the state machine with it.
func (h *Handlers) updateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status        string  `json:"status"`
		StatusMessage *string `json:"statusMessage"`
		ExitCode      *int    `json:"exitCode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON body", service.ErrValidation))
		return
	}

	run, err := h.Runs.UpdateStatus(r.Context(), chi.URLParam(r, "runID"),
		domain.RunStatus(strings.ToUpper(req.Status)), req.StatusMessage, req.ExitCode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, run)
}

func (h *Handlers) abortRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Runs.Abort(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, run)
}

func (h *Handlers) resurrectRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Runs.Resurrect(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, run)
}

func intQuery(r *http.Request, name string) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0
	}
	var n int
	fmt.Sscanf(v, "%d", &n)
	return n
}

func isJSONContentType(ct string) bool {
	return ct == "" || strings.HasPrefix(ct, "application/json")
}
