package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sornon/member-sub002/internal/config"
	"github.com/sornon/member-sub002/internal/docstore"
	"github.com/sornon/member-sub002/internal/profile"
	"github.com/sornon/member-sub002/internal/reconcile"
)

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Docstore.Backend = "memory"
	cfg.Checkpoint.Backend = "memory"
	return cfg
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	ctx := context.Background()
	svc, err := NewService(ctx, memoryConfig(), nil, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close(context.Background()) })

	for _, doc := range []docstore.Document{{"_id": "m1"}, {"_id": "m2"}} {
		require.NoError(t, svc.Docs.Upsert(ctx, "members", doc))
	}
	for _, doc := range []docstore.Document{
		{"_id": "r1", "memberId": "m1"},
		{"_id": "r2", "memberId": "gone"},
		{"_id": "r3", "memberId": "m2"},
	} {
		require.NoError(t, svc.Docs.Upsert(ctx, "reservations", doc))
	}
	return svc
}

func TestScanCommand(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	sum, err := scan(ctx, svc, "reservations", reconcile.ScanOptions{PreviewOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Preview["reservations"])

	sum, err = scan(ctx, svc, "", reconcile.ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Removed["reservations"])

	_, err = svc.Docs.GetByID(ctx, "reservations", "r2")
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	_, err = scan(ctx, svc, "nope", reconcile.ScanOptions{})
	assert.Error(t, err)
}

func TestCascadeNotifiesCounterVersions(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	sum, err := svc.Engine.CascadeDelete(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Removed["reservations"])
	assert.Equal(t, 1, sum.Removed[reconcile.MembersKey])

	versions, err := svc.Docs.Query(ctx, svc.Config.Notify.CounterCollection, docstore.QueryOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, versions, "cascade should bump a counter version")
}

func TestSweepRunsUntilPassCompletes(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	rep, err := sweep(ctx, svc, "profiles", 1, 1, 0)
	require.NoError(t, err)
	require.Len(t, rep.Steps, 1)
	assert.True(t, rep.Steps[0].HasMore)
	assert.Equal(t, "m1", rep.State.Cursor)

	rep, err = sweep(ctx, svc, "profiles", 0, 1, 0)
	require.NoError(t, err)
	require.NotEmpty(t, rep.Steps)
	assert.False(t, rep.Steps[len(rep.Steps)-1].HasMore)
	assert.Equal(t, 1, rep.State.Cycles)

	for _, id := range []string{"m1", "m2"} {
		_, err := svc.Docs.GetByID(ctx, profile.DefaultCollection, id)
		assert.NoError(t, err, "profile for %s should exist", id)
	}
}

func TestNewServiceRejectsUnknownBackends(t *testing.T) {
	cfg := memoryConfig()
	cfg.Docstore.Backend = "cassandra"
	_, err := NewService(context.Background(), cfg, nil, prometheus.NewRegistry())
	assert.Error(t, err)

	cfg = memoryConfig()
	cfg.Checkpoint.Backend = "etcd"
	_, err = NewService(context.Background(), cfg, nil, prometheus.NewRegistry())
	assert.Error(t, err)

	cfg = memoryConfig()
	cfg.RegistryPath = "/nonexistent/registry.yaml"
	_, err = NewService(context.Background(), cfg, nil, prometheus.NewRegistry())
	assert.Error(t, err)
}

func TestReadinessChecks(t *testing.T) {
	svc := newTestService(t)
	checks := svc.ReadinessChecks()

	names := make([]string, 0, len(checks))
	for _, c := range checks {
		names = append(names, c.Name())
		assert.NoError(t, c.CheckReady(context.Background()), c.Name())
	}
	assert.Equal(t, []string{"docstore", "checkpoint_store"}, names)
}

func TestRunScanPrintsSummary(t *testing.T) {
	t.Setenv("RECONCILE_CONFIG", "")
	t.Setenv("RECONCILE_DOCSTORE", "memory")
	t.Setenv("RECONCILE_CHECKPOINT_BACKEND", "memory")
	t.Setenv("RECONCILE_LOG_LEVEL", "error")

	var out bytes.Buffer
	code := runScan([]string{"-preview", "-collection", "reservations"}, &out)
	require.Equal(t, 0, code)

	var sum reconcile.Summary
	require.NoError(t, json.Unmarshal(out.Bytes(), &sum))
	assert.Equal(t, 0, sum.Preview["reservations"])

	code = runScan([]string{"-collection", "nope"}, &out)
	assert.Equal(t, 1, code)
}

func TestRunCascadeRequiresMember(t *testing.T) {
	assert.Equal(t, 1, runCascade(nil, &bytes.Buffer{}))
}
