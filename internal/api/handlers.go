package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/warmup-engine/internal/account"
	"github.com/ignite/warmup-engine/internal/pkg/httputil"
	"github.com/ignite/warmup-engine/internal/pkg/logger"
	"github.com/ignite/warmup-engine/internal/quota"
	"github.com/ignite/warmup-engine/internal/scheduler"
	"github.com/ignite/warmup-engine/internal/tracking"
)

// passRunner triggers one scheduling pass.
type passRunner interface {
	RunPass(ctx context.Context) (*scheduler.PassResult, error)
}

// deliveryReader reads delivery state for the status endpoints.
type deliveryReader interface {
	MessageStatus(ctx context.Context, messageID string) (*tracking.Record, error)
	SenderStatsToday(ctx context.Context, sender string) (*tracking.SenderStats, error)
	RecordOpen(ctx context.Context, messageID string) error
}

// Handlers holds the HTTP handlers for the warmup API.
type Handlers struct {
	scheduler passRunner
	ledger    *quota.Ledger
	directory account.Directory
	tracker   deliveryReader
}

// NewHandlers creates the handler set.
func NewHandlers(sched passRunner, ledger *quota.Ledger, directory account.Directory, tracker deliveryReader) *Handlers {
	return &Handlers{scheduler: sched, ledger: ledger, directory: directory, tracker: tracker}
}

// TriggerSchedule runs one scheduling pass.
//
//	POST /api/warmup/schedule
//
// Returns 409 when a pass is already in flight; at most one pass runs at
// a time.
func (h *Handlers) TriggerSchedule(w http.ResponseWriter, r *http.Request) {
	result, err := h.scheduler.RunPass(r.Context())
	if err == scheduler.ErrPassInFlight {
		httputil.Error(w, http.StatusConflict, "scheduling pass already in flight")
		return
	}
	if err != nil {
		logger.Error("scheduling pass failed", "error", err.Error())
		httputil.Error(w, http.StatusInternalServerError, "scheduling pass failed")
		return
	}
	httputil.OK(w, result)
}

// QuotaStatus is the response for the quota endpoint.
type QuotaStatus struct {
	Email      string  `json:"email"`
	Quota      int     `json:"quota"`
	Sent       int     `json:"sent"`
	Remaining  int     `json:"remaining"`
	Percentage float64 `json:"percentage"`
	DayCount   int     `json:"day_count"`
}

// GetQuota reports an account's quota usage for today.
//
//	GET /api/warmup/quota/{email}
func (h *Handlers) GetQuota(w http.ResponseWriter, r *http.Request) {
	email, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err != nil || email == "" {
		httputil.BadRequest(w, "invalid email")
		return
	}

	acct, err := h.directory.Get(r.Context(), email)
	if err == account.ErrNotFound {
		httputil.NotFound(w, "account not found")
		return
	}
	if err != nil {
		logger.Error("account lookup failed", "email", email, "error", err.Error())
		httputil.Error(w, http.StatusInternalServerError, "account lookup failed")
		return
	}

	dailyQuota := h.ledger.DailyQuota(acct)
	used := h.ledger.UsedToday(acct.Email)
	remaining := dailyQuota - used
	if remaining < 0 {
		remaining = 0
	}
	status := QuotaStatus{
		Email:     acct.Email,
		Quota:     dailyQuota,
		Sent:      used,
		Remaining: remaining,
		DayCount:  acct.WarmupDayCount,
	}
	if dailyQuota > 0 {
		status.Percentage = float64(used) / float64(dailyQuota) * 100
	}
	httputil.OK(w, status)
}

// GetMessage returns the delivery record for one message.
//
//	GET /api/warmup/messages/{messageID}
func (h *Handlers) GetMessage(w http.ResponseWriter, r *http.Request) {
	messageID, err := url.PathUnescape(chi.URLParam(r, "messageID"))
	if err != nil || messageID == "" {
		httputil.BadRequest(w, "invalid message id")
		return
	}

	rec, err := h.tracker.MessageStatus(r.Context(), messageID)
	if err == tracking.ErrRecordNotFound {
		httputil.NotFound(w, "message not found")
		return
	}
	if err != nil {
		logger.Error("message status lookup failed", "message_id", messageID, "error", err.Error())
		httputil.Error(w, http.StatusInternalServerError, "message lookup failed")
		return
	}
	httputil.OK(w, rec)
}

// GetSenderStats returns today's delivery outcomes for one sender.
//
//	GET /api/warmup/stats/{email}
func (h *Handlers) GetSenderStats(w http.ResponseWriter, r *http.Request) {
	email, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err != nil || email == "" {
		httputil.BadRequest(w, "invalid email")
		return
	}

	stats, err := h.tracker.SenderStatsToday(r.Context(), email)
	if err != nil {
		logger.Error("sender stats failed", "email", email, "error", err.Error())
		httputil.Error(w, http.StatusInternalServerError, "stats lookup failed")
		return
	}
	httputil.OK(w, stats)
}

// openPixel is a 1x1 transparent GIF.
var openPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// TrackOpen records an open event and serves the tracking pixel. The
// pixel is always served, even for unknown or undelivered messages, so
// the endpoint leaks nothing about what it tracks.
//
//	GET /t/open/{messageID}
func (h *Handlers) TrackOpen(w http.ResponseWriter, r *http.Request) {
	messageID, err := url.PathUnescape(chi.URLParam(r, "messageID"))
	if err == nil && messageID != "" {
		if terr := h.tracker.RecordOpen(r.Context(), messageID); terr != nil && terr != tracking.ErrInvalidTransition {
			logger.Warn("open tracking failed", "message_id", messageID, "error", terr.Error())
		}
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)
	w.Write(openPixel)
}
