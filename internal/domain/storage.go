package domain

import "time"

// Dataset is an ordered append-only sequence of JSON items. Item indices are
// assigned monotonically from zero; a persisted index never changes.
type Dataset struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"userId"`
	Name      string    `json:"name,omitempty"`
	ItemCount int64     `json:"itemCount"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"modifiedAt"`
}

// KeyValueStore maps opaque keys to blobs with a content type. Writes
// overwrite; there is no versioning.
type KeyValueStore struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"userId"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"modifiedAt"`
}

// RequestQueue is a deduplicated FIFO of web-request descriptors consumed by
// many workers under lease locks.
//
// Invariant: PendingRequestCount == TotalRequestCount - HandledRequestCount.
// HadMultipleClients is sticky: once the queue has seen two distinct client
// keys across its locks it never reverts.
type RequestQueue struct {
	ID                  string    `json:"id"`
	OwnerID             string    `json:"userId"`
	Name                string    `json:"name,omitempty"`
	TotalRequestCount   int64     `json:"totalRequestCount"`
	HandledRequestCount int64     `json:"handledRequestCount"`
	PendingRequestCount int64     `json:"pendingRequestCount"`
	HadMultipleClients  bool      `json:"hadMultipleClients"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"modifiedAt"`
}

// StorageKind discriminates the three per-run storage types.
type StorageKind string

const (
	StorageDataset       StorageKind = "dataset"
	StorageKeyValueStore StorageKind = "key-value-store"
	StorageRequestQueue  StorageKind = "request-queue"
)
