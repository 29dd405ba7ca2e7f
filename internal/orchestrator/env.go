package orchestrator

import (
	"strconv"
	"time"

	"github.com/crawlpoint/crawlpoint/internal/domain"
)

// Environment variable names injected into actor containers. The names are
// an external contract: third-party scraping SDKs read them unchanged.
const (
	EnvActorID         = "APIFY_ACTOR_ID"
	EnvActorRunID      = "APIFY_ACTOR_RUN_ID"
	EnvUserID          = "APIFY_USER_ID"
	EnvToken           = "APIFY_TOKEN"
	EnvAPIBaseURL      = "APIFY_API_BASE_URL"
	EnvDefaultDataset  = "APIFY_DEFAULT_DATASET_ID"
	EnvDefaultKeyValue = "APIFY_DEFAULT_KEY_VALUE_STORE_ID"
	EnvDefaultQueue    = "APIFY_DEFAULT_REQUEST_QUEUE_ID"
	EnvIsAtHome        = "APIFY_IS_AT_HOME"
	EnvHeadless        = "APIFY_HEADLESS"
	EnvMemoryMbytes    = "APIFY_MEMORY_MBYTES"
	EnvTimeoutAt       = "APIFY_TIMEOUT_AT"
	EnvLocalStorageDir = "APIFY_LOCAL_STORAGE_DIR"
)

// buildEnv materializes the fixed environment block for one run.
func buildEnv(run *domain.Run, token, baseURL, storagePath string, timeoutAt time.Time) map[string]string {
	return map[string]string{
		EnvActorID:         run.ActorID,
		EnvActorRunID:      run.ID,
		EnvUserID:          run.PrincipalID,
		EnvToken:           token,
		EnvAPIBaseURL:      baseURL,
		EnvDefaultDataset:  run.DatasetID,
		EnvDefaultKeyValue: run.KeyValueID,
		EnvDefaultQueue:    run.QueueID,
		EnvIsAtHome:        "1",
		EnvHeadless:        "1",
		EnvMemoryMbytes:    strconv.Itoa(run.MemoryMbytes),
		EnvTimeoutAt:       timeoutAt.UTC().Format(time.RFC3339),
		EnvLocalStorageDir: storagePath,
	}
}
