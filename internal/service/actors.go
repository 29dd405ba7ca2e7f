package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/crawlpoint/crawlpoint/internal/domain"
)

// ActorStore is the metadata access the actor service needs.
type ActorStore interface {
	CreateActor(ctx context.Context, a *domain.Actor) error
	GetActor(ctx context.Context, id string) (*domain.Actor, error)
	GetActorByName(ctx context.Context, ownerID, name string) (*domain.Actor, error)
	ListActors(ctx context.Context, ownerID string, limit, offset int) ([]*domain.Actor, int64, error)
	UpdateActor(ctx context.Context, a *domain.Actor) error
	DeleteActor(ctx context.Context, id string) error
}

type ActorService struct {
	store ActorStore
}

func NewActorService(s ActorStore) *ActorService {
	return &ActorService{store: s}
}

// CreateActorRequest carries the caller-supplied actor fields.
type CreateActorRequest struct {
	Name         string
	Title        string
	Description  string
	Image        string
	TimeoutSecs  int
	MemoryMbytes int
}

func (s *ActorService) Create(ctx context.Context, principal *domain.Principal, req CreateActorRequest) (*domain.Actor, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: actor name is required", ErrValidation)
	}
	if strings.TrimSpace(req.Image) == "" {
		return nil, fmt.Errorf("%w: actor image is required", ErrValidation)
	}

	actor := &domain.Actor{
		ID:           domain.NewID(),
		OwnerID:      principal.ID,
		Name:         req.Name,
		Title:        req.Title,
		Description:  req.Description,
		Image:        req.Image,
		TimeoutSecs:  req.TimeoutSecs,
		MemoryMbytes: req.MemoryMbytes,
	}
	if actor.TimeoutSecs <= 0 {
		actor.TimeoutSecs = domain.DefaultRunTimeoutSecs
	}
	if actor.MemoryMbytes <= 0 {
		actor.MemoryMbytes = domain.DefaultRunMemoryMbytes
	}

	if err := s.store.CreateActor(ctx, actor); err != nil {
		return nil, err
	}
	return actor, nil
}

// Get resolves an actor by id, falling back to the principal's actor of
// that name.
func (s *ActorService) Get(ctx context.Context, principal *domain.Principal, idOrName string) (*domain.Actor, error) {
	actor, err := s.store.GetActor(ctx, idOrName)
	if err == nil {
		return actor, nil
	}
	return s.store.GetActorByName(ctx, principal.ID, idOrName)
}

func (s *ActorService) List(ctx context.Context, principal *domain.Principal, limit, offset int) ([]*domain.Actor, int64, error) {
	return s.store.ListActors(ctx, principal.ID, limit, offset)
}

// UpdateActorRequest carries partial actor updates; nil fields keep the
// current value.
type UpdateActorRequest struct {
	Name         *string
	Title        *string
	Description  *string
	Image        *string
	TimeoutSecs  *int
	MemoryMbytes *int
}

func (s *ActorService) Update(ctx context.Context, principal *domain.Principal, idOrName string, req UpdateActorRequest) (*domain.Actor, error) {
	actor, err := s.Get(ctx, principal, idOrName)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return nil, fmt.Errorf("%w: actor name cannot be empty", ErrValidation)
		}
		actor.Name = *req.Name
	}
	if req.Title != nil {
		actor.Title = *req.Title
	}
	if req.Description != nil {
		actor.Description = *req.Description
	}
	if req.Image != nil {
		actor.Image = *req.Image
	}
	if req.TimeoutSecs != nil {
		actor.TimeoutSecs = *req.TimeoutSecs
	}
	if req.MemoryMbytes != nil {
		actor.MemoryMbytes = *req.MemoryMbytes
	}

	if err := s.store.UpdateActor(ctx, actor); err != nil {
		return nil, err
	}
	return actor, nil
}

func (s *ActorService) Delete(ctx context.Context, principal *domain.Principal, idOrName string) error {
	actor, err := s.Get(ctx, principal, idOrName)
	if err != nil {
		return err
	}
	return s.store.DeleteActor(ctx, actor.ID)
}
