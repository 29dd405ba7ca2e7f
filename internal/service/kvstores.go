package service

import (
	"context"
	"fmt"

	"github.com/crawlpoint/crawlpoint/internal/blob"
	"github.com/crawlpoint/crawlpoint/internal/domain"
)

// KeyValueStoreStore is the metadata access the key-value service needs.
type KeyValueStoreStore interface {
	GetKeyValueStore(ctx context.Context, id string) (*domain.KeyValueStore, error)
	GetOrCreateNamedKeyValueStore(ctx context.Context, ownerID, name string) (*domain.KeyValueStore, bool, error)
	GetOrCreateDefaultKeyValueStore(ctx context.Context, ownerID string) (*domain.KeyValueStore, error)
	ListKeyValueStores(ctx context.Context, ownerID string, limit, offset int) ([]*domain.KeyValueStore, int64, error)
	TouchKeyValueStore(ctx context.Context, id string) error
	DeleteKeyValueStore(ctx context.Context, id string) error
}

// KeyValueService is metadata bookkeeping over blob pass-through.
type KeyValueService struct {
	store KeyValueStoreStore
	blobs blob.Store
}

func NewKeyValueService(s KeyValueStoreStore, blobs blob.Store) *KeyValueService {
	return &KeyValueService{store: s, blobs: blobs}
}

func (s *KeyValueService) Resolve(ctx context.Context, principal *domain.Principal, idOrName string) (*domain.KeyValueStore, error) {
	if idOrName == domain.DefaultStorageAlias {
		return s.store.GetOrCreateDefaultKeyValueStore(ctx, principal.ID)
	}
	kv, err := s.store.GetKeyValueStore(ctx, idOrName)
	if err == nil {
		return kv, nil
	}
	kv, _, err = s.store.GetOrCreateNamedKeyValueStore(ctx, principal.ID, idOrName)
	return kv, err
}

func (s *KeyValueService) Get(ctx context.Context, id string) (*domain.KeyValueStore, error) {
	return s.store.GetKeyValueStore(ctx, id)
}

// GetOrCreateNamed backs the POST create endpoint's get-or-create
// semantics; created reports whether a fresh store was made.
func (s *KeyValueService) GetOrCreateNamed(ctx context.Context, principal *domain.Principal, name string) (*domain.KeyValueStore, bool, error) {
	return s.store.GetOrCreateNamedKeyValueStore(ctx, principal.ID, name)
}

func (s *KeyValueService) List(ctx context.Context, principal *domain.Principal, limit, offset int) ([]*domain.KeyValueStore, int64, error) {
	return s.store.ListKeyValueStores(ctx, principal.ID, limit, offset)
}

func (s *KeyValueService) Delete(ctx context.Context, id string) error {
	return s.store.DeleteKeyValueStore(ctx, id)
}

// PutRecord overwrites the record under key.
func (s *KeyValueService) PutRecord(ctx context.Context, storeID, key string, body []byte, contentType string) error {
	if key == "" {
		return fmt.Errorf("%w: record key is required", ErrValidation)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	err := withRetry(ctx, func() error {
		return s.blobs.Put(ctx, blob.KeyValueRecordKey(storeID, key), body, contentType)
	})
	if err != nil {
		return err
	}
	return s.store.TouchKeyValueStore(ctx, storeID)
}

// GetRecord returns nil, nil when the key has no record; a missing store is
// the caller's NOT_FOUND to detect via Get.
func (s *KeyValueService) GetRecord(ctx context.Context, storeID, key string) (*blob.Object, error) {
	return s.blobs.Get(ctx, blob.KeyValueRecordKey(storeID, key))
}

// DeleteRecord is idempotent.
func (s *KeyValueService) DeleteRecord(ctx context.Context, storeID, key string) error {
	err := withRetry(ctx, func() error {
		return s.blobs.Delete(ctx, blob.KeyValueRecordKey(storeID, key))
	})
	if err != nil {
		return err
	}
	return s.store.TouchKeyValueStore(ctx, storeID)
}

// KeyListing is one page of a store's keys in lexicographic order.
type KeyListing struct {
	Keys                  []KeyInfo
	IsTruncated           bool
	NextExclusiveStartKey string
}

// KeyInfo is one listed record key.
type KeyInfo struct {
	Key  string
	Size int64
}

const defaultKeyPageSize = 1000

// ListKeys pages the store's record keys after exclusiveStartKey.
func (s *KeyValueService) ListKeys(ctx context.Context, storeID string, limit int, exclusiveStartKey string) (*KeyListing, error) {
	if limit <= 0 || limit > defaultKeyPageSize {
		limit = defaultKeyPageSize
	}

	startAfter := ""
	if exclusiveStartKey != "" {
		startAfter = blob.KeyValueRecordKey(storeID, exclusiveStartKey)
	}

	res, err := s.blobs.List(ctx, blob.KeyValuePrefix(storeID), startAfter, limit)
	if err != nil {
		return nil, err
	}

	listing := &KeyListing{Keys: make([]KeyInfo, 0, len(res.Objects))}
	for _, obj := range res.Objects {
		key, err := blob.RecordKeyFromObject(storeID, obj.Key)
		if err != nil {
			return nil, err
		}
		listing.Keys = append(listing.Keys, KeyInfo{Key: key, Size: obj.Size})
	}
	listing.IsTruncated = res.IsTruncated
	if res.IsTruncated && len(listing.Keys) > 0 {
		listing.NextExclusiveStartKey = listing.Keys[len(listing.Keys)-1].Key
	}
	return listing, nil
}
