package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rakunlabs/masc/internal/model"
)

// EventStreamAPI bridges the in-process pub/sub hub onto a Server-Sent
// Events stream: each broadcast message and audit event recorded while the
// connection is open is written as one SSE frame, except those that arrive
// while this subscriber's buffer is full, which are dropped. This is the "in-process
// subscribers (e.g., SSE bridges)" slot the pub/sub notifier reserves —
// callbacks are isolated per subscriber, so a stalled stream never blocks
// the broadcast path.
func (s *Server) EventStreamAPI(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpResponse(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Buffered so the hub's fan-out goroutine never blocks on a slow
	// client; frames beyond the buffer are dropped for this subscriber
	// only (readers re-sync via get_messages since_seq).
	frames := make(chan sseFrame, 64)

	unsubMsg := s.room.Hub.SubscribeMessages(func(m model.Message) {
		select {
		case frames <- sseFrame{event: "message", data: m}:
		default:
		}
	})
	defer unsubMsg()

	unsubEv := s.room.Hub.SubscribeEvents(func(ev model.Event) {
		select {
		case frames <- sseFrame{event: "event", data: ev}:
		default:
		}
	})
	defer unsubEv()

	for {
		select {
		case <-r.Context().Done():
			return
		case f := <-frames:
			b, err := json.Marshal(f.data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.event, b)
			flusher.Flush()
		}
	}
}

type sseFrame struct {
	event string
	data  any
}
