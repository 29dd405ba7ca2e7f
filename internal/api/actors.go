package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crawlpoint/crawlpoint/internal/auth"
	"github.com/crawlpoint/crawlpoint/internal/service"
)

func (h *Handlers) createActor(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	var req struct {
		Name         string `json:"name"`
		Title        string `json:"title"`
		Description  string `json:"description"`
		Image        string `json:"image"`
		TimeoutSecs  int    `json:"defaultRunTimeoutSecs"`
		MemoryMbytes int    `json:"defaultRunMemoryMbytes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON body", service.ErrValidation))
		return
	}

	actor, err := h.Actors.Create(r.Context(), principal, service.CreateActorRequest{
		Name:         req.Name,
		Title:        req.Title,
		Description:  req.Description,
		Image:        req.Image,
		TimeoutSecs:  req.TimeoutSecs,
		MemoryMbytes: req.MemoryMbytes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, actor)
}

func (h *Handlers) listActors(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	offset, limit, desc := pageParams(r)

	actors, total, err := h.Actors.List(r.Context(), principal, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, listPage{
		Total: total, Count: len(actors), Offset: offset, Limit: limit, Desc: desc, Items: actors,
	})
}

func (h *Handlers) getActor(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	actor, err := h.Actors.Get(r.Context(), principal, chi.URLParam(r, "actorID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, actor)
}

func (h *Handlers) updateActor(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	var req struct {
		Name         *string `json:"name"`
		Title        *string `json:"title"`
		Description  *string `json:"description"`
		Image        *string `json:"image"`
		TimeoutSecs  *int    `json:"defaultRunTimeoutSecs"`
		MemoryMbytes *int    `json:"defaultRunMemoryMbytes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON body", service.ErrValidation))
		return
	}

	actor, err := h.Actors.Update(r.Context(), principal, chi.URLParam(r, "actorID"), service.UpdateActorRequest{
		Name:         req.Name,
		Title:        req.Title,
		Description:  req.Description,
		Image:        req.Image,
		TimeoutSecs:  req.TimeoutSecs,
		MemoryMbytes: req.MemoryMbytes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, actor)
}

func (h *Handlers) deleteActor(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	if err := h.Actors.Delete(r.Context(), principal, chi.URLParam(r, "actorID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
