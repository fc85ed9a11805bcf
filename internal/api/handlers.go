package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/retracehq/retrace/internal/index"
	"github.com/retracehq/retrace/internal/scheduler"
	"github.com/retracehq/retrace/internal/storage"
	"github.com/retracehq/retrace/internal/worker"
)

const maxRequestBodySize = 10 << 20 // 10MB, page payloads can be large

// Searcher abstracts hybrid retrieval for the API layer.
type Searcher interface {
	Search(ctx context.Context, query string, opts index.SearchOptions) (*index.SearchResponse, error)
}

// SchedulerControl is the slice of the scheduler the API drives.
type SchedulerControl interface {
	Trigger()
	NoteActivity()
	Processing() []scheduler.ProcessingItem
}

// Wiper schedules and cancels data wipes.
type Wiper interface {
	ScheduleWipe(removeModel bool, delay time.Duration) error
	CancelWipe() error
	Wiping() bool
}

// ReadyChecker reports embedding backend readiness.
type ReadyChecker interface {
	Ready(ctx context.Context) bool
}

// AppDeps holds dependencies for the HTTP API.
type AppDeps struct {
	Store  *storage.Store
	Search Searcher
	Sched  SchedulerControl
	Wipes  Wiper
	Gate   ReadyChecker
	Hybrid *index.Hybrid
	Token  string

	// Search defaults applied when the request omits the parameters.
	// Zero values fall back to the index package defaults.
	DefaultAlpha float64
	DefaultTopK  int
}

// NewAppHandler builds the authenticated HTTP API. /health stays open
// so supervisors can probe without the token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/enqueue", handleEnqueue(deps))
		r.Get("/search", handleSearch(deps))
		r.Get("/status", handleStatus(deps))
		r.Get("/queue/stats", handleQueueStats(deps))
		r.Post("/pause", handleSetPaused(deps, true))
		r.Post("/resume", handleSetPaused(deps, false))
		r.Get("/domains", handleGetDomains(deps))
		r.Put("/domains", handlePutDomains(deps))
		r.Post("/wipe", handleScheduleWipe(deps))
		r.Delete("/wipe", handleCancelWipe(deps))
		r.Post("/index/clear", handleClearIndex(deps))
	})

	return r
}

// EnqueueRequest is the body of POST /enqueue. Payload is the captured
// page text; empty payload jobs fail permanently at processing time.
type EnqueueRequest struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Source      string `json:"source"`
	Payload     string `json:"payload"`
}

func handleEnqueue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req EnqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required")
			return
		}

		id, err := deps.Store.Enqueue(storage.EnqueueInput{
			URL:         req.URL,
			Title:       req.Title,
			Description: req.Description,
			Source:      req.Source,
			Payload:     req.Payload,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue: %v", err)
			return
		}

		deps.Sched.Trigger()

		writeJSON(w, map[string]string{
			"id":     id,
			"status": "queued",
		})
	}
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}

		defaultTopK := deps.DefaultTopK
		if defaultTopK <= 0 {
			defaultTopK = 10
		}
		opts := index.SearchOptions{TopK: parseIntParam(r, "limit", defaultTopK, 50)}
		if raw := r.URL.Query().Get("alpha"); raw != "" {
			alpha, err := strconv.ParseFloat(raw, 64)
			if err != nil || alpha < 0 || alpha > 1 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "alpha must be a number in [0, 1]")
				return
			}
			opts.Alpha = &alpha
		} else if deps.DefaultAlpha > 0 {
			alpha := deps.DefaultAlpha
			opts.Alpha = &alpha
		}

		deps.Sched.NoteActivity()

		resp, err := deps.Search.Search(r.Context(), query, opts)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		if resp.Groups == nil {
			resp.Groups = []index.ResultGroup{}
		}
		writeJSON(w, resp)
	}
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Paused       bool                       `json:"paused"`
	EngineReady  bool                       `json:"engine_ready"`
	Wiping       bool                       `json:"wiping"`
	Queue        storage.QueueStats         `json:"queue"`
	Processing   []scheduler.ProcessingItem `json:"processing"`
	Counters     storage.Counters           `json:"counters"`
	IndexedCount int                        `json:"indexed_chunks"`
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		paused, err := deps.Store.Paused()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read pause flag: %v", err)
			return
		}
		stats, err := deps.Store.QueueStats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read queue stats: %v", err)
			return
		}
		counters, err := deps.Store.Counters()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read counters: %v", err)
			return
		}

		processing := deps.Sched.Processing()
		if processing == nil {
			processing = []scheduler.ProcessingItem{}
		}

		writeJSON(w, StatusResponse{
			Paused:       paused,
			EngineReady:  deps.Gate.Ready(r.Context()),
			Wiping:       deps.Wipes.Wiping(),
			Queue:        stats,
			Processing:   processing,
			Counters:     counters,
			IndexedCount: deps.Hybrid.Size(),
		})
	}
}

func handleQueueStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.QueueStats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read queue stats: %v", err)
			return
		}
		writeJSON(w, stats)
	}
}

func handleSetPaused(deps AppDeps, paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.SetPaused(paused); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update pause flag: %v", err)
			return
		}
		if !paused {
			deps.Sched.Trigger()
		}
		writeJSON(w, map[string]bool{"paused": paused})
	}
}

// DomainsPayload is the body of PUT /domains and the response of GET /domains.
type DomainsPayload struct {
	Deny  []string `json:"deny"`
	Allow []string `json:"allow"`
}

func handleGetDomains(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deny, allow, err := deps.Store.Domains()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read domain lists: %v", err)
			return
		}
		if deny == nil {
			deny = []string{}
		}
		if allow == nil {
			allow = []string{}
		}
		writeJSON(w, DomainsPayload{Deny: deny, Allow: allow})
	}
}

func handlePutDomains(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req DomainsPayload
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := deps.Store.SetDomains(req.Deny, req.Allow); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save domain lists: %v", err)
			return
		}

		// Denying a host also purges whatever it already contributed.
		removed, err := deps.Store.DeleteChunksForHosts(req.Deny)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to purge denied hosts: %v", err)
			return
		}
		if removed > 0 {
			deps.Hybrid.Clear()
			if _, err := worker.RebuildIndex(deps.Store, deps.Hybrid); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to rebuild index: %v", err)
				return
			}
		}

		writeJSON(w, map[string]any{"status": "updated", "removed_chunks": removed})
	}
}

// WipeRequest is the body of POST /wipe.
type WipeRequest struct {
	RemoveModel  bool `json:"remove_model"`
	DelaySeconds int  `json:"delay_seconds"`
}

func handleScheduleWipe(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req WipeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.DelaySeconds < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "delay_seconds must not be negative")
			return
		}

		delay := time.Duration(req.DelaySeconds) * time.Second
		if err := deps.Wipes.ScheduleWipe(req.RemoveModel, delay); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to schedule wipe: %v", err)
			return
		}

		status := "wiped"
		if delay > 0 {
			status = "scheduled"
		}
		writeJSON(w, map[string]string{"status": status})
	}
}

func handleCancelWipe(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Wipes.CancelWipe(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to cancel wipe: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "cancelled"})
	}
}

func handleClearIndex(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.ClearChunks(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to clear chunks: %v", err)
			return
		}
		deps.Hybrid.Clear()
		writeJSON(w, map[string]string{"status": "cleared"})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
