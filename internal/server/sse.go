package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// keepaliveInterval is how often an idle stream emits a comment frame so
// proxies between us and the client keep the connection open during long
// generation pauses.
const keepaliveInterval = 15 * time.Second

// eventStream writes SSE frames for the chat endpoint. All writes go through
// one mutex so token frames and keepalive comments never interleave
// mid-frame.
type eventStream struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu        sync.Mutex
	lastWrite time.Time
}

// newEventStream prepares w for server-sent events: streaming headers, an
// immediate 200, and no write deadline, since a generation can legitimately
// outlive the server's default.
func newEventStream(w http.ResponseWriter) (*eventStream, error) {
	rc := http.NewResponseController(w)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := rc.Flush(); err != nil {
		return nil, errors.New("response writer does not support streaming")
	}
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		// Not fatal: some wrappers cannot clear deadlines. The stream still
		// works as long as frames keep flowing inside the server deadline.
		_ = err
	}

	return &eventStream{w: w, rc: rc, lastWrite: time.Now()}, nil
}

// send marshals v and writes one data frame.
func (es *eventStream) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sse: marshal frame: %w", err)
	}

	es.mu.Lock()
	defer es.mu.Unlock()
	if _, err := fmt.Fprintf(es.w, "data: %s\n\n", b); err != nil {
		return err
	}
	es.lastWrite = time.Now()
	return es.rc.Flush()
}

// comment writes an SSE comment frame. Clients ignore it; proxies see bytes.
func (es *eventStream) comment() error {
	es.mu.Lock()
	defer es.mu.Unlock()
	if _, err := fmt.Fprint(es.w, ":keepalive\n\n"); err != nil {
		return err
	}
	es.lastWrite = time.Now()
	return es.rc.Flush()
}

// startKeepalive emits comment frames while the stream sits idle. The
// returned stop function must be called before the handler returns.
func (es *eventStream) startKeepalive() (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				es.mu.Lock()
				idle := time.Since(es.lastWrite)
				es.mu.Unlock()
				if idle < keepaliveInterval {
					continue
				}
				if err := es.comment(); err != nil {
					// Client went away; the request context cancels the
					// pipeline, nothing more to do here.
					return
				}
			}
		}
	}()
	return func() { close(done) }
}
