package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkoutso/tickerd/internal/database"
	"github.com/dkoutso/tickerd/internal/jobs"
	"github.com/dkoutso/tickerd/internal/scan"
)

type fakeReloader struct {
	reloads int
}

func (f *fakeReloader) Reload(ctx context.Context) error {
	f.reloads++
	return nil
}

func (f *fakeReloader) NextRun(name string) (time.Time, bool) {
	return time.Time{}, false
}

type fakeRetrier struct {
	result *scan.Result
	err    error
	lastID int64
}

func (f *fakeRetrier) Retry(ctx context.Context, runID int64) (*scan.Result, error) {
	f.lastID = runID
	return f.result, f.err
}

type serverFixture struct {
	srv      *Server
	tracker  *jobs.Tracker
	runner   *jobs.Runner
	configs  *jobs.ConfigStore
	scans    *scan.Repository
	reloader *fakeReloader
	retrier  *fakeRetrier
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	db, err := database.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	configs := jobs.NewConfigStore(db, zerolog.Nop())
	tracker := jobs.NewTracker(db, zerolog.Nop())
	runner := jobs.NewRunner(tracker, zerolog.Nop())
	chain := jobs.NewChainManager(jobs.DefaultChain(), runner, zerolog.Nop())
	scans := scan.NewRepository(db, zerolog.Nop())
	reloader := &fakeReloader{}
	retrier := &fakeRetrier{result: &scan.Result{RunID: 1}}

	require.NoError(t, configs.Seed(context.Background(), jobs.DefaultConfigurations()))

	srv := New(Config{
		Port:      0,
		Configs:   configs,
		Tracker:   tracker,
		Runner:    runner,
		Chain:     chain,
		Scans:     scans,
		Retrier:   retrier,
		Scheduler: reloader,
		Log:       zerolog.Nop(),
	})
	return &serverFixture{
		srv: srv, tracker: tracker, runner: runner, configs: configs,
		scans: scans, reloader: reloader, retrier: retrier,
	}
}

func (fx *serverFixture) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	fx.srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	fx := newServerFixture(t)
	rec := fx.request(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tickerd")
}

func TestListJobsReturnsSeededConfigurations(t *testing.T) {
	fx := newServerFixture(t)
	rec := fx.request(t, http.MethodGet, "/api/jobs/", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var views []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	assert.Len(t, views, len(jobs.DefaultConfigurations()))

	names := make(map[string]bool)
	for _, v := range views {
		names[v["job_name"].(string)] = true
	}
	assert.True(t, names[jobs.JobEODScan])
	assert.True(t, names[jobs.JobRetentionCleanup])
}

func TestUpdateJobPatchesAndReloads(t *testing.T) {
	fx := newServerFixture(t)

	rec := fx.request(t, http.MethodPatch, "/api/jobs/"+jobs.JobEODScan+"/",
		`{"enabled": false, "cron_hour": 23}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, fx.reloader.reloads)

	cfg, err := fx.configs.Get(context.Background(), jobs.JobEODScan)
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 23, cfg.CronHour)
	// Untouched fields survive the patch.
	assert.Equal(t, 10, cfg.CronMinute)
}

func TestUpdateUnknownJobIs404(t *testing.T) {
	fx := newServerFixture(t)
	rec := fx.request(t, http.MethodPatch, "/api/jobs/nope/", `{"enabled": false}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerJobRunsInBackground(t *testing.T) {
	fx := newServerFixture(t)

	var gotStart string
	fx.runner.Register(jobs.JobEODScan, func(ctx context.Context, opts jobs.RunOptions) (int64, error) {
		if opts.Start != nil {
			gotStart = opts.Start.Format("2006-01-02")
		}
		return 3, nil
	})

	rec := fx.request(t, http.MethodPost, "/api/jobs/"+jobs.JobEODScan+"/run",
		`{"start": "2026-02-27", "end": "2026-02-27"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["trigger_id"])

	assert.Eventually(t, func() bool {
		history, err := fx.tracker.History(context.Background(), jobs.JobEODScan, 1)
		return err == nil && len(history) == 1 && history[0].Status == jobs.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "2026-02-27", gotStart)
}

func TestTriggerJobRejectsMalformedDate(t *testing.T) {
	fx := newServerFixture(t)
	rec := fx.request(t, http.MethodPost, "/api/jobs/"+jobs.JobEODScan+"/run",
		`{"start": "Feb 27"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerUnknownJobIs404(t *testing.T) {
	fx := newServerFixture(t)
	rec := fx.request(t, http.MethodPost, "/api/jobs/nope/run", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobHistoryEndpoint(t *testing.T) {
	fx := newServerFixture(t)
	ctx := context.Background()

	id, err := fx.tracker.Begin(ctx, jobs.JobEODScan, nil)
	require.NoError(t, err)
	require.NoError(t, fx.tracker.Complete(ctx, id, 12))

	rec := fx.request(t, http.MethodGet, "/api/jobs/"+jobs.JobEODScan+"/history", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var history []jobs.Execution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 1)
	assert.Equal(t, int64(12), history[0].RecordsProcessed)
}

func TestScanEndpoints(t *testing.T) {
	fx := newServerFixture(t)
	ctx := context.Background()

	runID, err := fx.scans.CreateRun(ctx, "2026-02-27")
	require.NoError(t, err)
	status := 429
	require.NoError(t, fx.scans.RecordError(ctx, runID, "AAPL", scan.ErrorProvider, "rate limited", &status))
	require.NoError(t, fx.scans.Finalize(ctx, runID, scan.RunCompleted))

	rec := fx.request(t, http.MethodGet, "/api/scans/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []scan.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].ID)

	rec = fx.request(t, http.MethodGet, "/api/scans/1/errors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var errs []scan.Error
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errs))
	require.Len(t, errs, 1)
	assert.Equal(t, "AAPL", errs[0].Symbol)

	rec = fx.request(t, http.MethodGet, "/api/scans/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = fx.request(t, http.MethodGet, "/api/scans/zzz", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryScanEndpoint(t *testing.T) {
	fx := newServerFixture(t)
	fx.retrier.result = &scan.Result{RunID: 7, Retried: 2, Recovered: 1, SymbolsFetched: 99}

	rec := fx.request(t, http.MethodPost, "/api/scans/7/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(7), fx.retrier.lastID)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(1), resp["recovered"])
	assert.Equal(t, float64(99), resp["symbols_fetched"])
}

func TestChainEndpoint(t *testing.T) {
	fx := newServerFixture(t)
	rec := fx.request(t, http.MethodGet, "/api/jobs/chain", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var edges []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &edges))
	require.Len(t, edges, 3)
	assert.Equal(t, jobs.JobDailyMovers, edges[0]["after"])
	assert.Equal(t, jobs.JobWeeklyAggregation, edges[0]["runs"])
}

func TestCleanupStuckEndpoint(t *testing.T) {
	fx := newServerFixture(t)
	rec := fx.request(t, http.MethodPost, "/api/jobs/cleanup-stuck", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cleaned")
}
