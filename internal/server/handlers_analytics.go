package server

import (
	"net/http"
	"time"

	"github.com/ashita-ai/kotae/internal/model"
)

// HandleAnalyticsSummary handles GET /api/analytics/summary?last_hours=:
// aggregates over the window plus the live buffer and web-cache gauges that
// only this process knows.
func (h *Handlers) HandleAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	hours := clampInt(queryInt(r, "last_hours", 24), 1, 168)
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	summary, err := h.db.SummarizeSearchEvents(r.Context(), since)
	if err != nil {
		h.logger.Error("analytics summary failed", "error", err)
		writeInternalError(w, r)
		return
	}

	summary.EventsDropped = h.buffer.Dropped()
	summary.BufferDepth = h.buffer.Len()
	if h.web != nil {
		summary.WebCacheHitRate = h.web.HitRate()
	}

	writeJSON(w, http.StatusOK, model.AnalyticsSummaryResponse{Success: true, Summary: summary})
}

// HandleAnalyticsRecent handles GET /api/analytics/recent?limit=: the newest
// events, newest first.
func (h *Handlers) HandleAnalyticsRecent(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(queryInt(r, "limit", 50), 1, 500)

	events, err := h.db.RecentSearchEvents(r.Context(), limit)
	if err != nil {
		h.logger.Error("recent events failed", "error", err)
		writeInternalError(w, r)
		return
	}
	if events == nil {
		events = []model.SearchEvent{}
	}

	writeJSON(w, http.StatusOK, model.RecentEventsResponse{
		Success: true,
		Events:  events,
		Count:   len(events),
	})
}

// HandleSecurityEvents handles GET /api/analytics/security?limit= (admin
// only): the recent security log.
func (h *Handlers) HandleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(queryInt(r, "limit", 100), 1, 500)

	events, err := h.db.ListSecurityEvents(r.Context(), limit)
	if err != nil {
		h.logger.Error("security events failed", "error", err)
		writeInternalError(w, r)
		return
	}
	if events == nil {
		events = []model.SecurityEvent{}
	}

	writeJSON(w, http.StatusOK, model.SecurityEventsResponse{
		Success: true,
		Events:  events,
		Count:   len(events),
	})
}
