package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/clawsync/internal/status"
)

const (
	eventBuffer    = 64
	keepAliveEvery = 15 * time.Second
)

// handleEvents streams lifecycle events as server-sent events. A client that
// falls eventBuffer events behind misses the overflow; the next GET
// /api/status resynchronizes it.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events := make(chan status.Event, eventBuffer)
	unsubscribe := s.app.Publisher.SubscribeAll(func(ev status.Event) {
		select {
		case events <- ev:
		default:
			s.logger.Warn("server: event stream lagging, dropped event",
				zap.String("type", string(ev.Type)), zap.String("tx", ev.Tx.ID))
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snap, _ := json.Marshal(s.statusResponse())
	fmt.Fprintf(w, "event: status\ndata: %s\n\n", snap)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveEvery)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("server: encode event", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
