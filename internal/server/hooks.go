package server

import (
	"context"

	"github.com/ashita-ai/kotae/internal/model"
)

// SearchHook receives answered-query events within the server layer.
// Defined here (not in the root kotae package) to avoid a circular import:
// internal/server → kotae → internal/server would be a cycle. The root
// kotae package adapts kotae.EventHook into SearchHook.
//
// Hook methods are called asynchronously in goroutines. Implementations must
// not block indefinitely. Failures are logged and never fail the answered
// request.
type SearchHook interface {
	OnSearchCompleted(ctx context.Context, event model.SearchEvent) error
}

// fireSearchHooks dispatches the event to every registered hook without
// holding up the response.
func (h *Handlers) fireSearchHooks(event model.SearchEvent) {
	for _, hook := range h.hooks {
		hook := hook
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
			defer cancel()
			if err := hook.OnSearchCompleted(ctx, event); err != nil {
				h.logger.Warn("search hook failed",
					"error", err,
					"request_id", event.RequestID,
				)
			}
		}()
	}
}
