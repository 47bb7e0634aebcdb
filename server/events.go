// ABOUTME: SSE event streaming: snapshot catch-up, optional replay from a sequence offset, then live fan-out.
// ABOUTME: Subscribes before replaying the durable log so no event falls between replay and live delivery.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389-research/growpad/pipeline"
)

// keepaliveInterval paces SSE comment lines that hold idle connections open
// through proxies.
const keepaliveInterval = 15 * time.Second

// handleEvents streams a run's events as SSE. The connection opens with a
// snapshot of the run record; `?from=<seq>` additionally replays persisted
// events with Seq greater than the offset before going live.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Snapshot first: reconnecting clients recover correctness from state,
	// not from the live stream.
	sendSSE(w, flusher, "snapshot", run)

	// Subscribe before replay so nothing emitted during replay is lost;
	// duplicates are filtered by sequence number below.
	sub := s.events.Subscribe(id)
	defer s.events.Unsubscribe(sub)

	var lastSeq uint64
	if fromParam := r.URL.Query().Get("from"); fromParam != "" {
		from, perr := strconv.ParseUint(fromParam, 10, 64)
		if perr != nil {
			sendSSE(w, flusher, "error", map[string]string{"error": "invalid from parameter"})
			return
		}
		replay, qerr := s.log.Query(id, pipeline.EventFilter{FromSeq: from})
		if qerr != nil {
			sendSSE(w, flusher, "error", map[string]string{"error": qerr.Error()})
			return
		}
		for _, ev := range replay {
			sendSSE(w, flusher, "", ev)
			lastSeq = ev.Seq
		}
	}

	// A terminal run emits nothing further; the snapshot (plus any replay)
	// is the whole story.
	if run.Status.IsTerminal() {
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			lastSeq = ev.Seq
			sendSSE(w, flusher, "", ev)

			switch ev.Action {
			case pipeline.ActionRunCompleted, pipeline.ActionRunFailed, pipeline.ActionRunCancelled:
				return
			}
		}
	}
}

// sendSSE writes one SSE frame. An empty event name sends a default message.
func sendSSE(w http.ResponseWriter, flusher http.Flusher, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
