package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"campusmerit.org/internal/engine"
	"campusmerit.org/internal/ledger"
)

const replayPage = 500

// Stream serves committed ledger events as Server-Sent Events. A client that
// resumes with Last-Event-ID (or ?after=) first receives the events it missed.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	key := r.URL.Query().Get("key")
	resume := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if resume == "" {
		resume = strings.TrimSpace(r.URL.Query().Get("after"))
	}
	var after uint64
	if resume != "" {
		v, err := strconv.ParseUint(resume, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid resume cursor")
			return
		}
		after = v
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before replaying so nothing committed in between is lost;
	// the seq watermark drops the overlap.
	ch := a.stream.Subscribe(ctx, key)

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	last := after
	if resume != "" {
		for {
			events, err := a.replay(key, last)
			if err != nil {
				return
			}
			for _, ev := range events {
				if err := writeEvent(w, ev); err != nil {
					return
				}
				last = ev.Seq
			}
			flusher.Flush()
			if len(events) < replayPage {
				break
			}
		}
	}

	for ev := range ch {
		if ev.Seq <= last {
			continue
		}
		if err := writeEvent(w, ev); err != nil {
			return
		}
		last = ev.Seq
		flusher.Flush()
	}
}

func (a *API) replay(key string, after uint64) ([]ledger.Event, error) {
	var events []ledger.Event
	err := a.engine.View(func(s engine.State) error {
		if key != "" {
			events, _ = s.Events.ListByKey(key, after, replayPage)
		} else {
			events, _ = s.Events.List(after, replayPage)
		}
		return nil
	})
	return events, err
}

func writeEvent(w http.ResponseWriter, ev ledger.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, payload)
	return err
}
