package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/crawlpoint/crawlpoint/internal/domain"
)

func TestAuthentication_Required(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.server.URL + "/v2/acts")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if typ := errType(t, resp); typ != "UNAUTHENTICATED" {
		t.Fatalf("error type = %s", typ)
	}

	// Health needs no auth.
	resp, err = http.Get(h.server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
}

func createTestActor(t *testing.T, h *harness) *domain.Actor {
	t.Helper()
	var actor domain.Actor
	resp := h.do(t, "POST", "/v2/acts", map[string]any{
		"name":  "my-crawler",
		"image": "example/crawler:1",
	}, &actor)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create actor status = %d", resp.StatusCode)
	}
	return &actor
}

func TestActorLifecycle(t *testing.T) {
	h := newHarness(t)
	actor := createTestActor(t, h)

	if len(actor.ID) != domain.IDLength {
		t.Fatalf("actor id %q has unexpected length", actor.ID)
	}

	// Duplicate name is a conflict.
	resp := h.do(t, "POST", "/v2/acts", map[string]any{"name": "my-crawler", "image": "x"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate name status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	// Readable by id and by name.
	var got domain.Actor
	h.do(t, "GET", "/v2/acts/"+actor.ID, nil, &got)
	if got.ID != actor.ID {
		t.Fatalf("get by id = %+v", got)
	}
	h.do(t, "GET", "/v2/acts/my-crawler", nil, &got)
	if got.ID != actor.ID {
		t.Fatalf("get by name = %+v", got)
	}

	// Missing actor is NOT_FOUND.
	resp = h.do(t, "GET", "/v2/acts/doesnotexist", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing actor status = %d", resp.StatusCode)
	}
	if typ := errType(t, resp); typ != "NOT_FOUND" {
		t.Fatalf("error type = %s", typ)
	}
}

func TestRunLifecycleOverWire(t *testing.T) {
	h := newHarness(t)
	actor := createTestActor(t, h)

	// Create a run with input.
	var run domain.Run
	resp := h.do(t, "POST", "/v2/acts/"+actor.ID+"/runs", map[string]any{"startUrl": "https://example.com"}, &run)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create run status = %d", resp.StatusCode)
	}
	if run.Status != domain.RunStatusReady {
		t.Fatalf("run status = %s", run.Status)
	}
	if run.DatasetID == "" || run.KeyValueID == "" || run.QueueID == "" {
		t.Fatal("storage handles missing on the wire")
	}

	// Abort before RUNNING is a 409 INVALID_TRANSITION.
	resp = h.do(t, "POST", "/v2/actor-runs/"+run.ID+"/abort", nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("abort READY status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	// Trusted PUT moves it to RUNNING, then abort succeeds.
	var updated domain.Run
	h.do(t, "PUT", "/v2/actor-runs/"+run.ID, map[string]any{"status": "RUNNING"}, &updated)
	if updated.Status != domain.RunStatusRunning {
		t.Fatalf("status after PUT = %s", updated.Status)
	}

	var aborted domain.Run
	resp = h.do(t, "POST", "/v2/actor-runs/"+run.ID+"/abort", nil, &aborted)
	if resp.StatusCode != http.StatusOK || aborted.Status != domain.RunStatusAborted {
		t.Fatalf("abort: status=%d run=%+v", resp.StatusCode, aborted)
	}
	if aborted.FinishedAt == nil {
		t.Fatal("aborted run must carry finishedAt")
	}

	// Resurrect brings it back to RUNNING with the same handles.
	var resurrected domain.Run
	h.do(t, "POST", "/v2/actor-runs/"+run.ID+"/resurrect", nil, &resurrected)
	if resurrected.Status != domain.RunStatusRunning || resurrected.FinishedAt != nil {
		t.Fatalf("resurrected = %+v", resurrected)
	}
	if resurrected.DatasetID != run.DatasetID {
		t.Fatal("handles changed across resurrection")
	}
}

func TestDatasetItemsOverWire(t *testing.T) {
	h := newHarness(t)
	actor := createTestActor(t, h)

	var run domain.Run
	h.do(t, "POST", "/v2/acts/"+actor.ID+"/runs", nil, &run)

	// Push an array, then a single object.
	resp := h.do(t, "POST", "/v2/datasets/"+run.DatasetID+"/items", []map[string]any{
		{"rank": 1}, {"rank": 2},
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("push status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = h.do(t, "POST", "/v2/datasets/"+run.DatasetID+"/items", map[string]any{"rank": 3}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("single push status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Items come back in index order with pagination headers.
	req, _ := http.NewRequest("GET", h.server.URL+"/v2/datasets/"+run.DatasetID+"/items?offset=1&limit=5", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rawResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer rawResp.Body.Close()

	if got := rawResp.Header.Get("x-apify-pagination-total"); got != "3" {
		t.Fatalf("pagination total header = %q", got)
	}
	if got := rawResp.Header.Get("x-apify-pagination-offset"); got != "1" {
		t.Fatalf("pagination offset header = %q", got)
	}

	var items []map[string]any
	if err := json.NewDecoder(rawResp.Body).Decode(&items); err != nil {
		t.Fatalf("decode items: %v", err)
	}
	if len(items) != 2 || items[0]["rank"].(float64) != 2 || items[1]["rank"].(float64) != 3 {
		t.Fatalf("items = %+v", items)
	}
}

func TestKeyValueRecordsOverWire(t *testing.T) {
	h := newHarness(t)
	actor := createTestActor(t, h)

	var run domain.Run
	h.do(t, "POST", "/v2/acts/"+actor.ID+"/runs", map[string]any{"a": 1}, &run)

	// INPUT was written at run creation.
	req, _ := http.NewRequest("GET", h.server.URL+"/v2/key-value-stores/"+run.KeyValueID+"/records/INPUT", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("INPUT status = %d", resp.StatusCode)
	}

	// Missing key in an existing store is 204; a missing store is 404.
	req, _ = http.NewRequest("GET", h.server.URL+"/v2/key-value-stores/"+run.KeyValueID+"/records/OUTPUT", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("missing key status = %d, want 204", resp.StatusCode)
	}

	req, _ = http.NewRequest("GET", h.server.URL+"/v2/key-value-stores/nope/records/OUTPUT", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, _ = http.DefaultClient.Do(req)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing store status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	// Put then delete round-trips.
	req, _ = http.NewRequest("PUT", h.server.URL+"/v2/key-value-stores/"+run.KeyValueID+"/records/OUTPUT",
		jsonBody(`{"pages":10}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("put record status = %d", resp.StatusCode)
	}

	req, _ = http.NewRequest("DELETE", h.server.URL+"/v2/key-value-stores/"+run.KeyValueID+"/records/OUTPUT", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete record status = %d", resp.StatusCode)
	}
}

func TestQueueLockOwnershipOverWire(t *testing.T) {
	h := newHarness(t)
	actor := createTestActor(t, h)

	var run domain.Run
	h.do(t, "POST", "/v2/acts/"+actor.ID+"/runs", nil, &run)
	qid := run.QueueID

	// Add one request.
	var added struct {
		RequestID         string `json:"requestId"`
		WasAlreadyPresent bool   `json:"wasAlreadyPresent"`
	}
	resp := h.do(t, "POST", "/v2/request-queues/"+qid+"/requests", map[string]any{"url": "https://a"}, &added)
	if resp.StatusCode != http.StatusCreated || added.WasAlreadyPresent {
		t.Fatalf("add: status=%d %+v", resp.StatusCode, added)
	}

	// Idempotent re-add.
	var again struct {
		RequestID         string `json:"requestId"`
		WasAlreadyPresent bool   `json:"wasAlreadyPresent"`
	}
	h.do(t, "POST", "/v2/request-queues/"+qid+"/requests", map[string]any{"url": "https://a"}, &again)
	if !again.WasAlreadyPresent || again.RequestID != added.RequestID {
		t.Fatalf("re-add = %+v", again)
	}

	// W1 locks the head.
	var head struct {
		Items []domain.Request `json:"items"`
	}
	h.do(t, "POST", "/v2/request-queues/"+qid+"/head/lock?lockSecs=60&limit=1&clientKey=W1", nil, &head)
	if len(head.Items) != 1 {
		t.Fatalf("locked %d requests", len(head.Items))
	}

	// W2's update is rejected with LOCKED_BY_OTHER and handledAt stays null.
	handledAt := time.Now().UTC().Format(time.RFC3339)
	resp = h.do(t, "PUT",
		fmt.Sprintf("/v2/request-queues/%s/requests/%s?clientKey=W2", qid, added.RequestID),
		map[string]any{"handledAt": handledAt}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("foreign update status = %d, want 409", resp.StatusCode)
	}
	if typ := errType(t, resp); typ != "LOCKED_BY_OTHER" {
		t.Fatalf("error type = %s", typ)
	}

	var row domain.Request
	h.do(t, "GET", fmt.Sprintf("/v2/request-queues/%s/requests/%s", qid, added.RequestID), nil, &row)
	if row.HandledAt != nil {
		t.Fatal("handledAt must stay null after the rejected update")
	}

	// W1's update succeeds and the counters move.
	var updatedRow domain.Request
	resp = h.do(t, "PUT",
		fmt.Sprintf("/v2/request-queues/%s/requests/%s?clientKey=W1", qid, added.RequestID),
		map[string]any{"handledAt": handledAt}, &updatedRow)
	if resp.StatusCode != http.StatusOK || updatedRow.HandledAt == nil {
		t.Fatalf("owner update: status=%d row=%+v", resp.StatusCode, updatedRow)
	}

	var queue domain.RequestQueue
	h.do(t, "GET", "/v2/request-queues/"+qid, nil, &queue)
	if queue.HandledRequestCount != 1 || queue.PendingRequestCount != 0 {
		t.Fatalf("counters: %+v", queue)
	}
}

func TestLogsFetchOverWire(t *testing.T) {
	h := newHarness(t)
	actor := createTestActor(t, h)

	var run domain.Run
	h.do(t, "POST", "/v2/acts/"+actor.ID+"/runs", nil, &run)

	for i := 0; i < 5; i++ {
		h.ring.Append(context.Background(), run.ID, logEntry(fmt.Sprintf("line-%d", i)))
	}

	var page struct {
		Items []struct {
			Message string `json:"message"`
		} `json:"items"`
		Total int64 `json:"total"`
	}
	resp := h.do(t, "GET", "/v2/actor-runs/"+run.ID+"/logs?offset=2&limit=2", nil, &page)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logs status = %d", resp.StatusCode)
	}
	if page.Total != 5 || len(page.Items) != 2 || page.Items[0].Message != "line-2" {
		t.Fatalf("logs page = %+v", page)
	}

	// Unknown run is NOT_FOUND.
	resp = h.do(t, "GET", "/v2/actor-runs/unknown/logs", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown run logs status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}
