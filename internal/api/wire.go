package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/crawlpoint/crawlpoint/internal/auth"
	"github.com/crawlpoint/crawlpoint/internal/coord"
	"github.com/crawlpoint/crawlpoint/internal/logging"
	"github.com/crawlpoint/crawlpoint/internal/service"
	"github.com/crawlpoint/crawlpoint/internal/store"
)

// Stable wire error codes.
const (
	codeNotFound              = "NOT_FOUND"
	codeInvalidState          = "INVALID_STATE"
	codeInvalidTransition     = "INVALID_TRANSITION"
	codeLockedByOther         = "LOCKED_BY_OTHER"
	codeNotLockOwner          = "NOT_LOCK_OWNER"
	codeValidation            = "VALIDATION"
	codeUnauthenticated       = "UNAUTHENTICATED"
	codeConflict              = "CONFLICT"
	codeDependencyUnavailable = "DEPENDENCY_UNAVAILABLE"
	codeInternal              = "INTERNAL"
)

// Pagination headers carried for wire compatibility with existing SDKs.
const (
	headerPaginationTotal  = "x-apify-pagination-total"
	headerPaginationOffset = "x-apify-pagination-offset"
	headerPaginationLimit  = "x-apify-pagination-limit"
)

type wireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// writeData wraps every successful JSON response in the {"data": ...}
// envelope.
func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
		logging.Op().Warn("response encode failed", "error", err)
	}
}

// writeError maps a service error onto the stable wire taxonomy.
func writeError(w http.ResponseWriter, err error) {
	code, status := classifyError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]any{"error": wireError{Type: code, Message: err.Error()}}
	if encodeErr := json.NewEncoder(w).Encode(resp); encodeErr != nil {
		logging.Op().Warn("error encode failed", "error", encodeErr)
	}
}

func classifyError(err error) (code string, status int) {
	switch {
	case errors.Is(err, store.ErrActorNotFound),
		errors.Is(err, store.ErrRunNotFound),
		errors.Is(err, store.ErrDatasetNotFound),
		errors.Is(err, store.ErrKeyValueStoreNotFound),
		errors.Is(err, store.ErrQueueNotFound),
		errors.Is(err, store.ErrRequestNotFound),
		errors.Is(err, store.ErrPrincipalNotFound):
		return codeNotFound, http.StatusNotFound
	case errors.Is(err, store.ErrInvalidTransition):
		return codeInvalidTransition, http.StatusConflict
	case errors.Is(err, service.ErrLockedByOther):
		return codeLockedByOther, http.StatusConflict
	case errors.Is(err, coord.ErrNotLockOwner):
		return codeNotLockOwner, http.StatusConflict
	case errors.Is(err, service.ErrValidation):
		return codeValidation, http.StatusBadRequest
	case errors.Is(err, service.ErrPartialWrite):
		return "PARTIAL_WRITE", http.StatusServiceUnavailable
	case errors.Is(err, service.ErrDependencyUnavailable):
		return codeDependencyUnavailable, http.StatusServiceUnavailable
	case errors.Is(err, store.ErrActorNameTaken):
		return codeConflict, http.StatusConflict
	case errors.Is(err, auth.ErrUnauthenticated):
		return codeUnauthenticated, http.StatusUnauthorized
	default:
		return codeInternal, http.StatusInternalServerError
	}
}

// listPage is the wire shape of every paginated listing.
type listPage struct {
	Total  int64 `json:"total"`
	Count  int   `json:"count"`
	Offset int   `json:"offset"`
	Limit  int   `json:"limit"`
	Desc   bool  `json:"desc"`
	Items  any   `json:"items"`
}

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// pageParams parses offset/limit/desc query parameters.
func pageParams(r *http.Request) (offset, limit int, desc bool) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	desc, _ = strconv.ParseBool(r.URL.Query().Get("desc"))
	return offset, limit, desc
}

func setPaginationHeaders(w http.ResponseWriter, total, offset, limit int64) {
	w.Header().Set(headerPaginationTotal, strconv.FormatInt(total, 10))
	w.Header().Set(headerPaginationOffset, strconv.FormatInt(offset, 10))
	w.Header().Set(headerPaginationLimit, strconv.FormatInt(limit, 10))
}
