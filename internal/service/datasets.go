package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/crawlpoint/crawlpoint/internal/blob"
	"github.com/crawlpoint/crawlpoint/internal/domain"
)

// DatasetStore is the metadata access the dataset service needs.
type DatasetStore interface {
	GetDataset(ctx context.Context, id string) (*domain.Dataset, error)
	GetOrCreateNamedDataset(ctx context.Context, ownerID, name string) (*domain.Dataset, bool, error)
	GetOrCreateDefaultDataset(ctx context.Context, ownerID string) (*domain.Dataset, error)
	ListDatasets(ctx context.Context, ownerID string, limit, offset int) ([]*domain.Dataset, int64, error)
	DeleteDataset(ctx context.Context, id string) error
	AppendDatasetItems(ctx context.Context, id string, n int, write func(ctx context.Context, base int64) error) (int64, error)
}

// DatasetService stores ordered JSON items: metadata in the relational
// store, item bodies in the blob store.
type DatasetService struct {
	store DatasetStore
	blobs blob.Store
}

func NewDatasetService(s DatasetStore, blobs blob.Store) *DatasetService {
	return &DatasetService{store: s, blobs: blobs}
}

// Resolve maps an id, name, or the "default" alias to a dataset, creating
// named and default datasets on demand.
func (s *DatasetService) Resolve(ctx context.Context, principal *domain.Principal, idOrName string) (*domain.Dataset, error) {
	if idOrName == domain.DefaultStorageAlias {
		return s.store.GetOrCreateDefaultDataset(ctx, principal.ID)
	}
	ds, err := s.store.GetDataset(ctx, idOrName)
	if err == nil {
		return ds, nil
	}
	ds, _, err = s.store.GetOrCreateNamedDataset(ctx, principal.ID, idOrName)
	return ds, err
}

func (s *DatasetService) Get(ctx context.Context, id string) (*domain.Dataset, error) {
	return s.store.GetDataset(ctx, id)
}

// GetOrCreateNamed backs the POST create endpoint's get-or-create
// semantics; created reports whether a fresh dataset was made.
func (s *DatasetService) GetOrCreateNamed(ctx context.Context, principal *domain.Principal, name string) (*domain.Dataset, bool, error) {
	return s.store.GetOrCreateNamedDataset(ctx, principal.ID, name)
}

func (s *DatasetService) List(ctx context.Context, principal *domain.Principal, limit, offset int) ([]*domain.Dataset, int64, error) {
	return s.store.ListDatasets(ctx, principal.ID, limit, offset)
}

func (s *DatasetService) Delete(ctx context.Context, id string) error {
	return s.store.DeleteDataset(ctx, id)
}

// PushItems appends items in caller order. The index range is reserved
// before any blob write starts; writes within the batch run in parallel. A
// failed sub-write aborts the call with ErrPartialWrite and leaves the item
// count untouched, so no partial range becomes visible.
func (s *DatasetService) PushItems(ctx context.Context, datasetID string, items []json.RawMessage) (int64, error) {
	if len(items) == 0 {
		return 0, fmt.Errorf("%w: no items to push", ErrValidation)
	}
	for i, item := range items {
		if !json.Valid(item) {
			return 0, fmt.Errorf("%w: item %d is not valid JSON", ErrValidation, i)
		}
	}

	base, err := s.store.AppendDatasetItems(ctx, datasetID, len(items), func(ctx context.Context, base int64) error {
		var wg sync.WaitGroup
		errs := make([]error, len(items))
		for i, item := range items {
			wg.Add(1)
			go func(i int, item json.RawMessage) {
				defer wg.Done()
				key := blob.DatasetItemKey(datasetID, base+int64(i))
				errs[i] = s.blobs.Put(ctx, key, item, "application/json")
			}(i, item)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return fmt.Errorf("%w: %v", ErrPartialWrite, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return base, nil
}

// ListItems returns items [offset, offset+limit) in index order along with
// the dataset's item count.
func (s *DatasetService) ListItems(ctx context.Context, datasetID string, offset, limit int64) ([]json.RawMessage, int64, error) {
	ds, err := s.store.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, 0, err
	}

	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 0
	}
	end := offset + limit
	if end > ds.ItemCount {
		end = ds.ItemCount
	}
	if offset >= ds.ItemCount || end <= offset {
		return []json.RawMessage{}, ds.ItemCount, nil
	}

	n := int(end - offset)
	items := make([]json.RawMessage, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			obj, err := s.blobs.Get(ctx, blob.DatasetItemKey(datasetID, offset+int64(i)))
			if err != nil {
				errs[i] = err
				return
			}
			if obj == nil {
				errs[i] = fmt.Errorf("dataset %s item %d missing from blob store", datasetID, offset+int64(i))
				return
			}
			items[i] = obj.Body
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, 0, fmt.Errorf("read dataset items: %w", err)
		}
	}
	return items, ds.ItemCount, nil
}
