package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/jae-tech/digduck-crawler/internal/store"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 500
	pageLogTimeout   = 3 * time.Second
)

// PageLogHandler exposes the per-page crawl audit trail.
type PageLogHandler struct {
	repo    store.PageLogRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewPageLogHandler wires the repository and logger.
func NewPageLogHandler(repo store.PageLogRepository, logger *zap.Logger) *PageLogHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageLogHandler{
		repo:    repo,
		timeout: pageLogTimeout,
		logger:  logger,
	}
}

// ListPages handles GET /v1/jobs/{job_id}/pages?limit=&offset=. It returns
// {"pages": [...]} on success, 400 for a malformed ID or paging, 503 when no
// repository is configured, or 500 if the repository call fails.
func (h *PageLogHandler) ListPages(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "page log repository unavailable")
		return
	}
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultPageLimit, maxPageLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	logs, err := h.repo.ListPageLogs(ctx, jobID, limit, offset)
	if err != nil {
		h.logger.Error("list page logs failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list pages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": toPageDTOs(logs)})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func toPageDTOs(in []store.PageLog) []pageDTO {
	out := make([]pageDTO, 0, len(in))
	for _, l := range in {
		out = append(out, pageDTO{
			PageNumber: l.PageNumber,
			URL:        l.URL,
			Outcome:    string(l.Outcome),
			StatusCode: l.StatusCode,
			Items:      l.Items,
			Duplicates: l.Duplicates,
			Failed:     l.Failed,
			DurationMs: l.Duration.Milliseconds(),
			Note:       l.Note,
			At:         l.At,
		})
	}
	return out
}

type pageDTO struct {
	PageNumber int       `json:"page_number"`
	URL        string    `json:"url"`
	Outcome    string    `json:"outcome"`
	StatusCode int       `json:"status_code,omitempty"`
	Items      int       `json:"items"`
	Duplicates int       `json:"duplicates"`
	Failed     int       `json:"failed"`
	DurationMs int64     `json:"duration_ms"`
	Note       string    `json:"note,omitempty"`
	At         time.Time `json:"at"`
}
