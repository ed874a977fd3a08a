package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sornon/member-sub002/internal/checkpoint"
	"github.com/sornon/member-sub002/internal/docstore"
	"github.com/sornon/member-sub002/internal/docstore/memory"
	"github.com/sornon/member-sub002/internal/metadata"
	"github.com/sornon/member-sub002/internal/objectstore"
	"github.com/sornon/member-sub002/internal/reconcile"
	"github.com/sornon/member-sub002/internal/registry"
	"github.com/sornon/member-sub002/internal/report"
)

type observed struct {
	method, route string
	code          int
}

type recordingMetrics struct {
	calls []observed
}

func (m *recordingMetrics) ObserveRequest(method, route string, code int, _ float64) {
	m.calls = append(m.calls, observed{method, route, code})
}

func seededStore() *memory.Store {
	docs := memory.New()
	docs.Insert("members", docstore.Document{"_id": "m1"}, docstore.Document{"_id": "m2"})
	docs.Insert("reservations",
		docstore.Document{"_id": "r1", "memberId": "m1"},
		docstore.Document{"_id": "r2", "memberId": "gone"},
		docstore.Document{"_id": "r3", "memberId": "m2"},
	)
	return docs
}

func newTestRouter(t *testing.T, engine Engine, opts ...APIOption) (http.Handler, *recordingMetrics) {
	t.Helper()
	m := &recordingMetrics{}
	api := NewAPI(engine, nil, opts...)
	return NewRouter(DefaultConfig(), Routes{API: api, Health: NewHealth(), RequestMetrics: m}, nil), m
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeSummary(t *testing.T, w *httptest.ResponseRecorder) reconcile.Summary {
	t.Helper()
	var sum reconcile.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	return sum
}

func TestScanPreviewThenApply(t *testing.T) {
	docs := seededStore()
	engine := reconcile.New(docs, registry.Default())
	h, m := newTestRouter(t, engine)

	w := do(t, h, http.MethodPost, "/v1/orphans/scan", ScanRequest{Collection: "reservations", PreviewOnly: true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decodeSummary(t, w).Preview["reservations"])
	assert.True(t, docs.Has("reservations", "r2"))

	w = do(t, h, http.MethodPost, "/v1/orphans/scan", ScanRequest{Collection: "reservations"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decodeSummary(t, w).Removed["reservations"])
	assert.False(t, docs.Has("reservations", "r2"))

	require.Len(t, m.calls, 2)
	assert.Equal(t, observed{http.MethodPost, "/v1/orphans/scan", http.StatusOK}, m.calls[0])
}

func TestScanEmptyCollectionReconcilesAll(t *testing.T) {
	docs := seededStore()
	engine := reconcile.New(docs, registry.Default())
	h, _ := newTestRouter(t, engine)

	w := do(t, h, http.MethodPost, "/v1/orphans/scan", ScanRequest{PreviewOnly: true})
	require.Equal(t, http.StatusOK, w.Code)
	sum := decodeSummary(t, w)
	assert.Equal(t, 1, sum.Preview["reservations"])
	assert.Empty(t, sum.Removed)
}

func TestScanRejectsBadRequests(t *testing.T) {
	engine := reconcile.New(seededStore(), registry.Default())
	reg := registry.Default()
	h, _ := newTestRouter(t, engine, WithCollections(func(name string) bool {
		_, ok := reg.Lookup(name)
		return ok
	}))

	w := do(t, h, http.MethodPost, "/v1/orphans/scan", map[string]any{"collection": "reservations", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/v1/orphans/scan", ScanRequest{Collection: "reservations", BatchSize: -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/v1/orphans/scan", ScanRequest{Collection: "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, resp.RequestID, w.Header().Get(RequestIDHeader))
}

func TestRequestIDIsPropagated(t *testing.T) {
	engine := reconcile.New(seededStore(), registry.Default())
	h, _ := newTestRouter(t, engine)

	req := httptest.NewRequest(http.MethodPost, "/v1/orphans/scan", bytes.NewBufferString(`{"collection":"reservations","previewOnly":true}`))
	req.Header.Set(RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
}

func TestCascadeDeleteRoute(t *testing.T) {
	docs := seededStore()
	engine := reconcile.New(docs, registry.Default())
	h, m := newTestRouter(t, engine)

	w := do(t, h, http.MethodDelete, "/v1/members/m1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sum := decodeSummary(t, w)
	assert.Equal(t, 1, sum.Removed["reservations"])
	assert.Equal(t, 1, sum.Removed[reconcile.MembersKey])
	assert.False(t, docs.Has("members", "m1"))
	assert.True(t, docs.Has("reservations", "r3"))

	require.Len(t, m.calls, 1)
	assert.Equal(t, "/v1/members/{memberID}", m.calls[0].route)
}

type fakeEngine struct {
	sweepRes reconcile.SweepResult
	sweepErr error
	cascade  error
}

func (f *fakeEngine) ScanCollection(context.Context, string, reconcile.ScanOptions) reconcile.Summary {
	return reconcile.Summary{}
}

func (f *fakeEngine) Reconcile(context.Context, reconcile.ScanOptions) reconcile.Summary {
	return reconcile.Summary{}
}

func (f *fakeEngine) CascadeDelete(context.Context, string) (reconcile.Summary, error) {
	return reconcile.Summary{}, f.cascade
}

func (f *fakeEngine) SweepRefresh(context.Context, reconcile.SweepRequest) (reconcile.SweepResult, error) {
	return f.sweepRes, f.sweepErr
}

type touchRefresher struct{}

func (touchRefresher) Refresh(context.Context, string) (bool, error) { return true, nil }

func TestSweepRoute(t *testing.T) {
	h, _ := newTestRouter(t, &fakeEngine{sweepRes: reconcile.SweepResult{Cursor: "m2", HasMore: true, Processed: 2, Remaining: 3}})

	w := do(t, h, http.MethodPost, "/v1/sweeps/refresh", reconcile.SweepRequest{BatchSize: 2})
	require.Equal(t, http.StatusOK, w.Code)
	var res reconcile.SweepResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "m2", res.Cursor)
	assert.True(t, res.HasMore)
	assert.Equal(t, int64(3), res.Remaining)
}

func TestSweepRouteErrors(t *testing.T) {
	h, _ := newTestRouter(t, &fakeEngine{sweepErr: reconcile.ErrNoRefresher})
	w := do(t, h, http.MethodPost, "/v1/sweeps/refresh", reconcile.SweepRequest{})
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	docs := seededStore()
	docs.FailOn("query", "members", "", errors.New("no primary"))
	engine := reconcile.New(docs, registry.Default(), reconcile.WithRefresher(touchRefresher{}))
	h, _ = newTestRouter(t, engine)
	w = do(t, h, http.MethodPost, "/v1/sweeps/refresh", reconcile.SweepRequest{Cursor: "m5", ProcessedTotal: 5, RefreshedTotal: 4})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var res reconcile.SweepResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "m5", res.Cursor)
	assert.True(t, res.HasMore)
	assert.Equal(t, 5, res.Processed)
	assert.Equal(t, 4, res.Refreshed)
	assert.Equal(t, int64(-1), res.Remaining)

	docs.ClearFailures()
	w = do(t, h, http.MethodPost, "/v1/sweeps/refresh", res.Next(reconcile.SweepRequest{}))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "m5", res.Cursor, "no members sort after m5")
	assert.Equal(t, 5, res.Processed)
}

func TestCascadeErrors(t *testing.T) {
	h, _ := newTestRouter(t, &fakeEngine{cascade: reconcile.ErrEmptyMemberID})
	w := do(t, h, http.MethodDelete, "/v1/members/%20", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	h, _ = newTestRouter(t, &fakeEngine{cascade: errors.New("boom")})
	w = do(t, h, http.MethodDelete, "/v1/members/m1", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestSweepCheckpointRoutes(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewStore(metadata.NewMockStore())
	_, err := store.Save(ctx, checkpoint.State{Name: "profiles", Cursor: "m7", UpdatedAt: time.Now()})
	require.NoError(t, err)

	h, _ := newTestRouter(t, &fakeEngine{}, WithCheckpoints(store))

	w := do(t, h, http.MethodGet, "/v1/sweeps", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var states []checkpoint.State
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &states))
	require.Len(t, states, 1)
	assert.Equal(t, "m7", states[0].Cursor)

	w = do(t, h, http.MethodDelete, "/v1/sweeps/profiles", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, h, http.MethodGet, "/v1/sweeps", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestLatestReportRoute(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMockStore()
	archiver := report.NewArchiver(objects, metadata.NewMockStore(), report.Config{}, nil)
	engine := reconcile.New(seededStore(), registry.Default(), reconcile.WithSink(archiver))
	h, _ := newTestRouter(t, engine, WithReports(archiver))

	w := do(t, h, http.MethodGet, "/v1/reports/scan/latest", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	engine.ScanCollection(ctx, "reservations", reconcile.ScanOptions{})

	w = do(t, h, http.MethodGet, "/v1/reports/scan/latest", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rep reconcile.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.Equal(t, reconcile.KindScan, rep.Kind)
	assert.Equal(t, 1, rep.Summary.Removed["reservations"])

	stored := objects.Keys()
	require.Len(t, stored, 1)
	assert.Equal(t, stored[0], w.Header().Get(ReportKeyHeader))
	assert.NotEqual(t, "0", w.Header().Get(ReportSizeHeader))
	assert.NotEmpty(t, w.Header().Get(ReportSizeHeader))

	require.NoError(t, objects.Delete(ctx, stored[0]))
	w = do(t, h, http.MethodGet, "/v1/reports/scan/latest", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "a pointer to a deleted report is not found")
}

func TestOptionalRoutesAbsentWithoutDependencies(t *testing.T) {
	h, _ := newTestRouter(t, &fakeEngine{})
	w := do(t, h, http.MethodGet, "/v1/sweeps", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, h, http.MethodGet, "/v1/reports/scan/latest", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
