package blob

import (
	"fmt"
	"net/url"
)

// Persisted object layout. The paths are part of the storage contract:
// dataset items live at datasets/<id>/<9-digit index>.json and key-value
// records at key-value-stores/<id>/<url-encoded key>.

// DatasetItemKey returns the object key for one dataset item.
func DatasetItemKey(datasetID string, index int64) string {
	return fmt.Sprintf("datasets/%s/%09d.json", datasetID, index)
}

// DatasetPrefix returns the listing prefix for a dataset's items.
func DatasetPrefix(datasetID string) string {
	return "datasets/" + datasetID + "/"
}

// KeyValueRecordKey returns the object key for one key-value record.
func KeyValueRecordKey(storeID, key string) string {
	return "key-value-stores/" + storeID + "/" + url.PathEscape(key)
}

// KeyValuePrefix returns the listing prefix for a store's records.
func KeyValuePrefix(storeID string) string {
	return "key-value-stores/" + storeID + "/"
}

// RecordKeyFromObject recovers the record key from a listed object key.
func RecordKeyFromObject(storeID, objectKey string) (string, error) {
	prefix := KeyValuePrefix(storeID)
	if len(objectKey) < len(prefix) {
		return "", fmt.Errorf("object key %q outside store %s", objectKey, storeID)
	}
	return url.PathUnescape(objectKey[len(prefix):])
}
