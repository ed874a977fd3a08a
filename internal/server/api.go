package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sornon/member-sub002/internal/checkpoint"
	"github.com/sornon/member-sub002/internal/logging"
	"github.com/sornon/member-sub002/internal/reconcile"
	"github.com/sornon/member-sub002/internal/report"
)

// maxBodyBytes bounds request bodies. Every request is a small JSON object.
const maxBodyBytes = 1 << 20

// Headers set on GET /v1/reports/{kind}/latest.
const (
	ReportKeyHeader  = "X-Report-Key"
	ReportSizeHeader = "X-Report-Size"
)

// Engine is the subset of the reconciliation engine the API drives.
type Engine interface {
	ScanCollection(ctx context.Context, name string, opts reconcile.ScanOptions) reconcile.Summary
	Reconcile(ctx context.Context, opts reconcile.ScanOptions) reconcile.Summary
	CascadeDelete(ctx context.Context, memberID string) (reconcile.Summary, error)
	SweepRefresh(ctx context.Context, req reconcile.SweepRequest) (reconcile.SweepResult, error)
}

// ScanRequest is the body of POST /v1/orphans/scan. An empty Collection
// scans every registered collection.
type ScanRequest struct {
	Collection  string `json:"collection"`
	PreviewOnly bool   `json:"previewOnly"`
	BatchSize   int    `json:"batchSize"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

// API serves the reconciliation endpoints.
type API struct {
	engine      Engine
	known       func(string) bool
	checkpoints *checkpoint.Store
	reports     *report.Archiver
	logger      *logging.Logger
}

// APIOption configures an API.
type APIOption func(*API)

// WithCollections restricts scans to the collections known reports true
// for. Unknown names are rejected with 404 instead of scanning nothing.
func WithCollections(known func(string) bool) APIOption {
	return func(a *API) { a.known = known }
}

// WithCheckpoints exposes stored sweep checkpoints under /v1/sweeps.
func WithCheckpoints(store *checkpoint.Store) APIOption {
	return func(a *API) { a.checkpoints = store }
}

// WithReports exposes archived reports under /v1/reports.
func WithReports(archiver *report.Archiver) APIOption {
	return func(a *API) { a.reports = archiver }
}

// NewAPI creates the API handler.
func NewAPI(engine Engine, logger *logging.Logger, opts ...APIOption) *API {
	if logger == nil {
		logger = logging.Discard()
	}
	a := &API{engine: engine, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register mounts the API routes on r.
func (a *API) Register(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/orphans/scan", a.handleScan)
		r.Delete("/members/{memberID}", a.handleCascade)
		r.Post("/sweeps/refresh", a.handleSweep)
		if a.checkpoints != nil {
			r.Get("/sweeps", a.handleListSweeps)
			r.Delete("/sweeps/{name}", a.handleResetSweep)
		}
		if a.reports != nil {
			r.Get("/reports/{kind}/latest", a.handleLatestReport)
		}
	})
}

func (a *API) handleScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.BatchSize < 0 {
		a.writeError(w, r, http.StatusBadRequest, errors.New("batchSize must not be negative"))
		return
	}
	opts := reconcile.ScanOptions{PreviewOnly: req.PreviewOnly, BatchSize: req.BatchSize}

	var sum reconcile.Summary
	if req.Collection == "" {
		sum = a.engine.Reconcile(r.Context(), opts)
	} else {
		if a.known != nil && !a.known(req.Collection) {
			a.writeError(w, r, http.StatusNotFound, errors.New("unknown collection "+req.Collection))
			return
		}
		sum = a.engine.ScanCollection(r.Context(), req.Collection, opts)
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) handleCascade(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")
	sum, err := a.engine.CascadeDelete(r.Context(), memberID)
	if errors.Is(err, reconcile.ErrEmptyMemberID) {
		a.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		a.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	var req reconcile.SweepRequest
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.engine.SweepRefresh(r.Context(), req)
	switch {
	case errors.Is(err, reconcile.ErrNoRefresher):
		a.writeError(w, r, http.StatusNotImplemented, err)
	case err != nil:
		// The body still carries the cursor so the caller can resume.
		a.logger.Errorf("sweep step failed", map[string]any{
			"requestId": logging.RequestIDFromCtx(r.Context()),
			"cursor":    req.Cursor,
			"error":     err.Error(),
		})
		writeJSON(w, http.StatusServiceUnavailable, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (a *API) handleListSweeps(w http.ResponseWriter, r *http.Request) {
	states, err := a.checkpoints.List(r.Context())
	if err != nil {
		a.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if states == nil {
		states = []checkpoint.State{}
	}
	writeJSON(w, http.StatusOK, states)
}

func (a *API) handleResetSweep(w http.ResponseWriter, r *http.Request) {
	if err := a.checkpoints.Reset(r.Context(), chi.URLParam(r, "name")); err != nil {
		a.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLatestReport(w http.ResponseWriter, r *http.Request) {
	ptr, err := a.reports.Latest(r.Context(), chi.URLParam(r, "kind"))
	if errors.Is(err, report.ErrNoReport) {
		a.writeError(w, r, http.StatusNotFound, err)
		return
	}
	if err != nil {
		a.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	meta, err := a.reports.Stat(r.Context(), ptr.Key)
	if errors.Is(err, report.ErrNoReport) {
		a.writeError(w, r, http.StatusNotFound, err)
		return
	}
	if err != nil {
		a.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	rep, err := a.reports.Load(r.Context(), ptr.Key)
	if err != nil {
		a.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set(ReportKeyHeader, ptr.Key)
	w.Header().Set(ReportSizeHeader, strconv.FormatInt(meta.Size, 10))
	writeJSON(w, http.StatusOK, rep)
}

// decode reads a JSON body into v. An empty body leaves v at its zero
// value. On failure it writes a 400 and returns false.
func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		a.writeError(w, r, http.StatusBadRequest, errors.New("invalid request body: "+err.Error()))
		return false
	}
	return true
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	requestID := logging.RequestIDFromCtx(r.Context())
	if code >= http.StatusInternalServerError {
		a.logger.Errorf("request failed", map[string]any{
			"requestId": requestID,
			"path":      r.URL.Path,
			"error":     err.Error(),
		})
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error(), RequestID: requestID})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
