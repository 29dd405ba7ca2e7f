package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/crawlpoint/crawlpoint/internal/logging"
	"github.com/crawlpoint/crawlpoint/internal/logs"
)

// fetchLogs handles GET /v2/actor-runs/{runID}/logs: a paged slice of the
// run's log ring.
func (h *Handlers) fetchLogs(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := h.Runs.Get(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}

	offset, _ := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	if limit <= 0 {
		limit = logs.LogCap
	}

	entries, total, err := h.Ring.Fetch(r.Context(), runID, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	setPaginationHeaders(w, total, offset, limit)
	writeData(w, http.StatusOK, map[string]any{
		"items": entries,
		"total": total,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The token query parameter authenticated the request already.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	streamWriteTimeout = 10 * time.Second
	// terminalPollInterval is how often the stream checks whether the run
	// reached a terminal state so it can close cleanly.
	terminalPollInterval = 2 * time.Second
)

// streamLogs handles GET /v2/actor-runs/{runID}/logs/stream: a websocket
// that replays the recent window and then follows the ring live. The
// socket closes with a status message once the run is terminal.
func (h *Handlers) streamLogs(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := h.Runs.Get(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader pump: drains control frames and cancels on client disconnect.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	entries, err := h.Ring.Subscribe(ctx, runID)
	if err != nil {
		logging.Op().Warn("log subscription failed", "run", runID, "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "log subscription failed")
		conn.WriteMessage(websocket.CloseMessage, msg)
		return
	}

	terminalTicker := time.NewTicker(terminalPollInterval)
	defer terminalTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		case <-terminalTicker.C:
			run, err := h.Runs.Get(ctx, runID)
			if err != nil {
				logging.Op().Warn("log stream run read failed", "run", runID, "error", err)
				continue
			}
			if run.Status.IsTerminal() {
				// Drain anything already buffered, then close with the
				// terminal status.
				drainEntries(conn, entries)
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run "+string(run.Status))
				conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
		}
	}
}

func drainEntries(conn *websocket.Conn, entries <-chan logs.Entry) {
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if conn.WriteJSON(entry) != nil {
				return
			}
		default:
			return
		}
	}
}
