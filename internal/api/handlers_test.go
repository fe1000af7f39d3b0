package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kimhsiao/scanqueue/internal/db"
	apperrors "github.com/kimhsiao/scanqueue/internal/errors"
	"github.com/kimhsiao/scanqueue/internal/models"
	"github.com/kimhsiao/scanqueue/internal/network"
	"github.com/kimhsiao/scanqueue/internal/queue"
	"github.com/kimhsiao/scanqueue/internal/scanid"
	"github.com/kimhsiao/scanqueue/internal/state"
	syncpkg "github.com/kimhsiao/scanqueue/internal/sync"
	"github.com/kimhsiao/scanqueue/internal/sync/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRecorder fails payloads listed in fail and optionally blocks until
// release is closed.
type stubRecorder struct {
	mu      sync.Mutex
	fail    map[string]bool
	entered chan struct{}
	release chan struct{}
}

func (r *stubRecorder) Record(ctx context.Context, payload string, _ *models.ScanMetadata) error {
	if r.release != nil {
		r.entered <- struct{}{}
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[payload] {
		return errors.New("box not registered")
	}
	return nil
}

type testServer struct {
	router   http.Handler
	store    *queue.Store
	facade   *state.Facade
	engine   *syncpkg.Orchestrator
	monitor  *network.Monitor
	recorder *stubRecorder
}

func newTestServer(t *testing.T, dataDir string) *testServer {
	t.Helper()
	conn := db.NewConnector(dataDir)
	t.Cleanup(func() { conn.Close() })

	store := queue.NewStore(conn, queue.Options{})
	facade := state.New(store, state.Options{})
	t.Cleanup(facade.Close)
	facade.CheckDBAvailability(context.Background())

	monitor := network.New(network.Options{InitialOnline: true})
	t.Cleanup(monitor.Close)

	rec := &stubRecorder{fail: map[string]bool{}}
	engine := syncpkg.NewOrchestrator(store, rec, syncpkg.Options{
		Online: monitor.IsOnline,
		Hooks:  facade.SyncHooks(),
	})
	sched := scheduler.NewScheduler(engine, store, monitor, nil)

	h := NewHandler(store, facade, engine, monitor, sched)
	return &testServer{
		router:   NewRouter(h, nil),
		store:    store,
		facade:   facade,
		engine:   engine,
		monitor:  monitor,
		recorder: rec,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) apperrors.ErrorCode {
	t.Helper()
	var body errorBody
	decode(t, rr, &body)
	return body.Error.Code
}

func (s *testServer) addScan(t *testing.T, payload string) *models.QueuedScan {
	t.Helper()
	rr := s.do(t, http.MethodPost, "/api/scans", map[string]interface{}{"payload": payload})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var scan models.QueuedScan
	decode(t, rr, &scan)
	return &scan
}

// =====================================================
// Scan Endpoint Tests
// =====================================================

func TestHealth(t *testing.T) {
	s := newTestServer(t, t.TempDir())

	rr := s.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]interface{}
	decode(t, rr, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["isDbAvailable"])
	assert.Equal(t, true, body["isOnline"])
	assert.Equal(t, false, body["syncing"])
}

func TestCreateScan(t *testing.T) {
	s := newTestServer(t, t.TempDir())

	rr := s.do(t, http.MethodPost, "/api/scans", map[string]interface{}{
		"payload":  "KMB-001",
		"metadata": map[string]string{"boxId": "box-1", "operatorId": "op-7"},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var scan models.QueuedScan
	decode(t, rr, &scan)
	assert.Equal(t, "KMB-001", scan.Payload)
	assert.Equal(t, models.ScanStatusPending, scan.Status)
	require.NotNil(t, scan.Metadata)
	assert.Equal(t, "box-1", scan.Metadata.BoxID)

	assert.Equal(t, 1, s.facade.Snapshot().QueueCount)
}

func TestCreateScan_Duplicate(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	s.addScan(t, "KMB-001")

	rr := s.do(t, http.MethodPost, "/api/scans", map[string]interface{}{"payload": "KMB-001"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, apperrors.ErrDuplicateScan, errorCode(t, rr))

	rr = s.do(t, http.MethodPost, "/api/scans?force=true", map[string]interface{}{"payload": "KMB-001"})
	assert.Equal(t, http.StatusCreated, rr.Code)

	count, err := s.store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCreateScan_Invalid(t *testing.T) {
	s := newTestServer(t, t.TempDir())

	rr := s.do(t, http.MethodPost, "/api/scans", map[string]interface{}{"payload": "  "})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, apperrors.ErrInvalid, errorCode(t, rr))

	req := httptest.NewRequest(http.MethodPost, "/api/scans", bytes.NewBufferString("{not json"))
	raw := httptest.NewRecorder()
	s.router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestCreateScan_StorageUnavailable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	s := newTestServer(t, filepath.Join(blocker, "data"))

	rr := s.do(t, http.MethodPost, "/api/scans", map[string]interface{}{"payload": "KMB-001"})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, apperrors.ErrStorageUnavailable, errorCode(t, rr))

	snap := s.facade.Snapshot()
	assert.False(t, snap.DBAvailable)
	assert.Equal(t, state.UnavailableMessage, snap.LastSyncError)
}

func TestListAndGetScans(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	first := s.addScan(t, "KMB-001")
	s.addScan(t, "KMB-002")
	_, err := s.store.UpdateStatus(context.Background(), first.ID, models.ScanStatusFailed, "timeout")
	require.NoError(t, err)

	var all struct {
		Scans []models.QueuedScan `json:"scans"`
		Total int                 `json:"total"`
	}
	rr := s.do(t, http.MethodGet, "/api/scans", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &all)
	assert.Equal(t, 2, all.Total)

	var failed struct {
		Scans []models.QueuedScan `json:"scans"`
	}
	rr = s.do(t, http.MethodGet, "/api/scans?status=failed", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &failed)
	require.Len(t, failed.Scans, 1)
	assert.Equal(t, first.ID, failed.Scans[0].ID)
	assert.Equal(t, 1, failed.Scans[0].RetryCount)

	rr = s.do(t, http.MethodGet, "/api/scans?status=lost", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, http.MethodGet, "/api/scans/"+first.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got models.QueuedScan
	decode(t, rr, &got)
	assert.Equal(t, "timeout", got.LastError)

	rr = s.do(t, http.MethodGet, "/api/scans/"+scanid.New(time.Now()), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, apperrors.ErrNotFound, errorCode(t, rr))
}

func TestScanRoutes_MalformedID(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	s.addScan(t, "KMB-001")

	for _, req := range []struct{ method, path string }{
		{http.MethodGet, "/api/scans/scan-missing"},
		{http.MethodDelete, "/api/scans/KMB-001"},
		{http.MethodPost, "/api/sync/scan-ABC-0123abcd"},
	} {
		rr := s.do(t, req.method, req.path, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code, req.path)
		assert.Equal(t, apperrors.ErrInvalid, errorCode(t, rr), req.path)
	}
	assert.Equal(t, 1, s.facade.Snapshot().QueueCount)
}

func TestListScans_EmptyIsArray(t *testing.T) {
	s := newTestServer(t, t.TempDir())

	rr := s.do(t, http.MethodGet, "/api/scans?status=pending", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"scans":[],"total":0}`, rr.Body.String())
}

func TestDeleteScan(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	scan := s.addScan(t, "KMB-001")

	rr := s.do(t, http.MethodDelete, "/api/scans/"+scan.ID, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, 0, s.facade.Snapshot().QueueCount)

	// Deleting again is not an error.
	rr = s.do(t, http.MethodDelete, "/api/scans/"+scan.ID, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

// =====================================================
// Queue Maintenance Tests
// =====================================================

func TestQueueStats(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	s.addScan(t, "KMB-001")
	s.addScan(t, "KMB-002")

	rr := s.do(t, http.MethodGet, "/api/queue/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var stats models.QueueStats
	decode(t, rr, &stats)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Pending)
	assert.NotNil(t, stats.OldestScanAt)
}

func TestExceedingRetries(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	scan := s.addScan(t, "KMB-001")
	_, err := s.store.UpdateStatus(context.Background(), scan.ID, models.ScanStatusFailed, "timeout")
	require.NoError(t, err)

	var body struct {
		Scans      []models.QueuedScan `json:"scans"`
		MaxRetries int                 `json:"maxRetries"`
	}
	rr := s.do(t, http.MethodGet, "/api/queue/exceeding?max_retries=1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &body)
	assert.Equal(t, 1, body.MaxRetries)
	require.Len(t, body.Scans, 1)
	assert.Equal(t, scan.ID, body.Scans[0].ID)

	rr = s.do(t, http.MethodGet, "/api/queue/exceeding", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &body)
	assert.Equal(t, queue.DefaultExceedingRetries, body.MaxRetries)
	assert.Empty(t, body.Scans)

	rr = s.do(t, http.MethodGet, "/api/queue/exceeding?max_retries=many", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCleanup(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	s.addScan(t, "KMB-001")

	rr := s.do(t, http.MethodPost, "/api/queue/cleanup", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"removed":0}`, rr.Body.String())
}

// =====================================================
// Sync Endpoint Tests
// =====================================================

func TestSyncNow(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	s.addScan(t, "KMB-001")
	s.addScan(t, "KMB-002")
	s.recorder.fail["KMB-002"] = true

	rr := s.do(t, http.MethodPost, "/api/sync", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var result syncpkg.BatchSyncResult
	decode(t, rr, &result)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "box not registered", result.Errors[0].Error)

	snap := s.facade.Snapshot()
	assert.False(t, snap.SyncInProgress)
	assert.NotNil(t, snap.LastSyncAt)
	assert.Equal(t, "1 scan(s) failed to sync", snap.LastSyncError)
	assert.Equal(t, 1, snap.FailedCount)

	// The failed scan is picked up by the retry pass once the box exists.
	s.recorder.mu.Lock()
	delete(s.recorder.fail, "KMB-002")
	s.recorder.mu.Unlock()

	rr = s.do(t, http.MethodPost, "/api/sync/retry", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &result)
	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, 0, s.facade.Snapshot().QueueCount)
}

func TestSyncNow_SkippedWhileRunning(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	s.addScan(t, "KMB-001")
	s.recorder.entered = make(chan struct{}, 1)
	s.recorder.release = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.engine.SyncNow(context.Background())
	}()
	<-s.recorder.entered

	rr := s.do(t, http.MethodPost, "/api/sync", nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	var result syncpkg.BatchSyncResult
	decode(t, rr, &result)
	assert.True(t, result.Skipped)

	rr = s.do(t, http.MethodPost, "/api/sync/"+scanid.New(time.Now()), nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)

	close(s.recorder.release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sync pass did not finish")
	}
}

func TestSyncOne(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	scan := s.addScan(t, "KMB-001")

	rr := s.do(t, http.MethodPost, "/api/sync/"+scan.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var item syncpkg.ItemResult
	decode(t, rr, &item)
	assert.True(t, item.Success)
	assert.Equal(t, scan.ID, item.ID)
	assert.Equal(t, 0, s.facade.Snapshot().QueueCount)

	rr = s.do(t, http.MethodPost, "/api/sync/"+scan.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// =====================================================
// Network and State Tests
// =====================================================

func TestSetNetwork(t *testing.T) {
	s := newTestServer(t, t.TempDir())

	rr := s.do(t, http.MethodPut, "/api/network", map[string]bool{"online": false})
	require.Equal(t, http.StatusOK, rr.Code)
	var status network.Status
	decode(t, rr, &status)
	assert.False(t, status.IsOnline)
	assert.True(t, status.WasOffline)
	assert.False(t, s.monitor.IsOnline())

	rr = s.do(t, http.MethodPut, "/api/network", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSyncNow_Offline(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	scan := s.addScan(t, "KMB-001")
	s.monitor.SetOnline(false)

	rr := s.do(t, http.MethodPost, "/api/sync", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var result syncpkg.BatchSyncResult
	decode(t, rr, &result)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, syncpkg.ErrConnectionLost.Error(), result.Errors[0].Error)

	// The scan is left untouched for the next pass.
	got, err := s.store.Get(context.Background(), scan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestState(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	s.addScan(t, "KMB-001")

	rr := s.do(t, http.MethodGet, "/api/state", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]interface{}
	decode(t, rr, &body)
	assert.Equal(t, float64(1), body["queueCount"])
	assert.Equal(t, float64(1), body["pendingCount"])
	assert.Equal(t, true, body["isDbAvailable"])
	assert.Equal(t, false, body["syncInProgress"])
}

func TestWriteError_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", apperrors.New(apperrors.ErrInvalid, "bad"), http.StatusBadRequest},
		{"not found", apperrors.NotFound("scan-1"), http.StatusNotFound},
		{"duplicate", apperrors.New(apperrors.ErrDuplicateScan, "dup"), http.StatusConflict},
		{"unavailable", apperrors.StorageUnavailable(nil), http.StatusServiceUnavailable},
		{"unavailable inside database", apperrors.Wrap(apperrors.ErrDatabase, "list", apperrors.StorageUnavailable(nil)), http.StatusServiceUnavailable},
		{"database", apperrors.Wrap(apperrors.ErrDatabase, "list", errors.New("disk I/O error")), http.StatusInternalServerError},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeError(rr, tt.err)
			assert.Equal(t, tt.want, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		})
	}
}
