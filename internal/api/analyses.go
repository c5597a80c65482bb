package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/accent-engine/internal/database"
	"github.com/snarg/accent-engine/internal/fault"
	"github.com/snarg/accent-engine/internal/pipeline"
)

// RunStore is the subset of database operations the analyses handlers need.
type RunStore interface {
	InsertAnalysis(ctx context.Context, sourceURL, origin string) (int64, error)
	FailAnalysis(ctx context.Context, id int64, kind, message string, transcript *string) error
	GetAnalysis(ctx context.Context, id int64) (*database.AnalysisRow, error)
	ListAnalyses(ctx context.Context, limit, offset int) ([]database.AnalysisRow, error)
}

// Queue accepts analysis jobs.
type Queue interface {
	Enqueue(job pipeline.Job) bool
	Stats() (queued int, completed, failed int64)
}

// AudioArchive resolves archived normalized audio to a downloadable URL.
type AudioArchive interface {
	URL(ctx context.Context, key string) (string, error)
	Exists(ctx context.Context, key string) bool
}

type AnalysesHandler struct {
	store      RunStore
	queue      Queue
	archive    AudioArchive // nil when no archive is configured
	configured func() bool  // analyzer has an API key
}

func NewAnalysesHandler(store RunStore, queue Queue, archive AudioArchive, configured func() bool) *AnalysesHandler {
	return &AnalysesHandler{store: store, queue: queue, archive: archive, configured: configured}
}

// Routes registers analysis routes on the given router.
func (h *AnalysesHandler) Routes(r chi.Router) {
	r.Post("/analyses", h.Create)
	r.Get("/analyses", h.List)
	r.Get("/analyses/{id}", h.Get)
	r.Get("/analyses/{id}/audio", h.Audio)
}

type createRequest struct {
	URL string `json:"url"`
}

type createResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

// Create validates the submitted URL, records a pending run, and enqueues
// it. Validation failures and a missing analyzer key are rejected here so
// no run row or temp state is created for requests that cannot succeed.
func (h *AnalysesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteFault(w, fault.New(fault.InvalidInput, "invalid request body: %v", err))
		return
	}

	rawURL := strings.TrimSpace(req.URL)
	if err := validateURL(rawURL); err != nil {
		WriteFault(w, err)
		return
	}
	if !h.configured() {
		WriteFault(w, fault.New(fault.NotConfigured, "analysis API key is not configured"))
		return
	}

	id, err := h.store.InsertAnalysis(r.Context(), rawURL, "url")
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to insert analysis")
		WriteError(w, http.StatusInternalServerError, "failed to create analysis")
		return
	}

	if !h.queue.Enqueue(pipeline.Job{RunID: id, URL: rawURL}) {
		msg := "analysis queue is full"
		if err := h.store.FailAnalysis(r.Context(), id, string(fault.ServiceUnavailable), msg, nil); err != nil {
			hlog.FromRequest(r).Error().Err(err).Int64("run_id", id).Msg("failed to mark rejected run")
		}
		WriteError(w, http.StatusTooManyRequests, msg)
		return
	}

	WriteJSON(w, http.StatusAccepted, createResponse{ID: id, Status: database.StatusPending})
}

// Get returns one analysis row.
func (h *AnalysesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid analysis id")
		return
	}

	row, err := h.store.GetAnalysis(r.Context(), id)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Int64("run_id", id).Msg("failed to load analysis")
		WriteError(w, http.StatusInternalServerError, "failed to load analysis")
		return
	}
	if row == nil {
		WriteError(w, http.StatusNotFound, "analysis not found")
		return
	}
	WriteJSON(w, http.StatusOK, row)
}

// Audio returns a presigned download URL for the run's archived normalized
// audio. 404 unless the run exists, an archive is configured, and the object
// is still present in the bucket.
func (h *AnalysesHandler) Audio(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid analysis id")
		return
	}

	row, err := h.store.GetAnalysis(r.Context(), id)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Int64("run_id", id).Msg("failed to load analysis")
		WriteError(w, http.StatusInternalServerError, "failed to load analysis")
		return
	}
	if row == nil {
		WriteError(w, http.StatusNotFound, "analysis not found")
		return
	}
	if h.archive == nil || row.ArchiveKey == nil {
		WriteError(w, http.StatusNotFound, "no archived audio for this analysis")
		return
	}
	if !h.archive.Exists(r.Context(), *row.ArchiveKey) {
		WriteError(w, http.StatusNotFound, "archived audio is no longer available")
		return
	}

	signed, err := h.archive.URL(r.Context(), *row.ArchiveKey)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Int64("run_id", id).Msg("failed to presign audio url")
		WriteError(w, http.StatusInternalServerError, "failed to generate audio url")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"url": signed})
}

// List returns recent analyses, newest first.
func (h *AnalysesHandler) List(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := h.store.ListAnalyses(r.Context(), p.Limit, p.Offset)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to list analyses")
		WriteError(w, http.StatusInternalServerError, "failed to list analyses")
		return
	}
	if rows == nil {
		rows = []database.AnalysisRow{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"analyses": rows,
		"limit":    p.Limit,
		"offset":   p.Offset,
	})
}

func validateURL(raw string) error {
	if raw == "" {
		return fault.New(fault.InvalidInput, "url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fault.New(fault.InvalidInput, "url is not valid: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fault.New(fault.InvalidInput, "url must use http or https")
	}
	if u.Host == "" {
		return fault.New(fault.InvalidInput, "url has no host")
	}
	return nil
}
