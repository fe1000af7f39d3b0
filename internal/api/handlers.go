package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	apperrors "github.com/kimhsiao/scanqueue/internal/errors"
	"github.com/kimhsiao/scanqueue/internal/logging"
	"github.com/kimhsiao/scanqueue/internal/models"
	"github.com/kimhsiao/scanqueue/internal/network"
	"github.com/kimhsiao/scanqueue/internal/queue"
	"github.com/kimhsiao/scanqueue/internal/scanid"
	"github.com/kimhsiao/scanqueue/internal/state"
	syncpkg "github.com/kimhsiao/scanqueue/internal/sync"
)

// Cleaner runs the retention pass. *scheduler.Scheduler satisfies it.
type Cleaner interface {
	RunCleanup(ctx context.Context) (int, error)
}

// Handler serves the local control API.
type Handler struct {
	store   *queue.Store
	facade  *state.Facade
	engine  syncpkg.Engine
	monitor *network.Monitor
	cleaner Cleaner
	events  *Hub
}

// NewHandler creates a Handler.
func NewHandler(store *queue.Store, facade *state.Facade, engine syncpkg.Engine, monitor *network.Monitor, cleaner Cleaner) *Handler {
	return &Handler{
		store:   store,
		facade:  facade,
		engine:  engine,
		monitor: monitor,
		cleaner: cleaner,
	}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error struct {
		Code    apperrors.ErrorCode `json:"code"`
		Message string              `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode response", err, nil)
	}
}

// statusCodes maps error codes to HTTP statuses, most specific first. An
// error may carry several codes through its wrap chain.
var statusCodes = []struct {
	code   apperrors.ErrorCode
	status int
}{
	{apperrors.ErrStorageUnavailable, http.StatusServiceUnavailable},
	{apperrors.ErrNotFound, http.StatusNotFound},
	{apperrors.ErrDuplicateScan, http.StatusConflict},
	{apperrors.ErrInvalid, http.StatusBadRequest},
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	for _, sc := range statusCodes {
		if apperrors.Is(err, sc.code) {
			code, status = sc.code, sc.status
			break
		}
	}
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err, nil)
	}

	var body errorBody
	body.Error.Code = code
	body.Error.Message = err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		body.Error.Message = appErr.Message
	}
	writeJSON(w, status, body)
}

func invalid(msg string) error {
	return apperrors.New(apperrors.ErrInvalid, msg)
}

// scanIDVar returns the {id} route variable if it is a well-formed scan id.
func scanIDVar(r *http.Request) (string, error) {
	id := mux.Vars(r)["id"]
	if err := scanid.Validate(id); err != nil {
		return "", invalid(err.Error())
	}
	return id, nil
}

// Health handles GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.facade.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"isDbAvailable": snap.DBAvailable,
		"isOnline":      h.monitor.IsOnline(),
		"syncing":       h.engine.Running(),
	})
}

// CreateScan handles POST /api/scans
func (h *Handler) CreateScan(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Payload  string               `json:"payload"`
		Metadata *models.ScanMetadata `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, invalid("invalid request body"))
		return
	}
	if strings.TrimSpace(request.Payload) == "" {
		writeError(w, invalid("payload is required"))
		return
	}

	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if !force {
		dup, err := h.facade.CheckDuplicate(r.Context(), request.Payload)
		if err != nil {
			writeError(w, err)
			return
		}
		if dup {
			writeError(w, apperrors.New(apperrors.ErrDuplicateScan, "payload was already scanned within the duplicate window"))
			return
		}
	}

	scan, err := h.facade.AddScan(r.Context(), request.Payload, request.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, scan)
}

// ListScans handles GET /api/scans?status=
func (h *Handler) ListScans(w http.ResponseWriter, r *http.Request) {
	var (
		scans []*models.QueuedScan
		err   error
	)
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, perr := models.ParseScanStatus(raw)
		if perr != nil {
			writeError(w, invalid(perr.Error()))
			return
		}
		scans, err = h.store.ListByStatus(r.Context(), status)
	} else {
		scans, err = h.store.ListAll(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if scans == nil {
		scans = []*models.QueuedScan{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scans": scans,
		"total": len(scans),
	})
}

// GetScan handles GET /api/scans/{id}
func (h *Handler) GetScan(w http.ResponseWriter, r *http.Request) {
	id, err := scanIDVar(r)
	if err != nil {
		writeError(w, err)
		return
	}
	scan, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

// DeleteScan handles DELETE /api/scans/{id}. Deleting an unknown id
// succeeds.
func (h *Handler) DeleteScan(w http.ResponseWriter, r *http.Request) {
	id, err := scanIDVar(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.refresh(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// QueueStats handles GET /api/queue/stats
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ExceedingRetries handles GET /api/queue/exceeding?max_retries=
func (h *Handler) ExceedingRetries(w http.ResponseWriter, r *http.Request) {
	maxRetries := queue.DefaultExceedingRetries
	if raw := r.URL.Query().Get("max_retries"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, invalid("max_retries must be a non-negative integer"))
			return
		}
		maxRetries = n
	}

	scans, err := h.store.FindExceedingRetries(r.Context(), maxRetries)
	if err != nil {
		writeError(w, err)
		return
	}
	if scans == nil {
		scans = []*models.QueuedScan{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scans":      scans,
		"total":      len(scans),
		"maxRetries": maxRetries,
	})
}

// Cleanup handles POST /api/queue/cleanup
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := h.cleaner.RunCleanup(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	h.refresh(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// SyncNow handles POST /api/sync
func (h *Handler) SyncNow(w http.ResponseWriter, r *http.Request) {
	h.writeBatch(w, r, h.engine.SyncNow)
}

// RetryFailed handles POST /api/sync/retry
func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	h.writeBatch(w, r, h.engine.RetryFailed)
}

// writeBatch runs a manual pass. A pass that lost the race for the latch
// answers 202 with skipped set. Only manual passes announce their outcome
// as sync events; automatic ones surface through the queue state alone.
func (h *Handler) writeBatch(w http.ResponseWriter, r *http.Request, run func(context.Context) (syncpkg.BatchSyncResult, error)) {
	result, err := run(r.Context())
	if err != nil {
		h.notify(EventSyncFailed, map[string]interface{}{
			"error_code": apperrors.CodeOf(err),
			"error":      err.Error(),
		})
		writeError(w, err)
		return
	}
	if result.Skipped {
		writeJSON(w, http.StatusAccepted, result)
		return
	}
	h.notify(EventSyncCompleted, result)
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) notify(eventType string, data interface{}) {
	if h.events != nil {
		h.events.Notify(eventType, data)
	}
}

// SyncOne handles POST /api/sync/{id}
func (h *Handler) SyncOne(w http.ResponseWriter, r *http.Request) {
	id, err := scanIDVar(r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.engine.SyncOne(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	h.refresh(r.Context())
	if result.Skipped {
		writeJSON(w, http.StatusAccepted, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SetNetwork handles PUT /api/network
func (h *Handler) SetNetwork(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Online == nil {
		writeError(w, invalid("online is required"))
		return
	}
	h.monitor.SetOnline(*request.Online)
	writeJSON(w, http.StatusOK, h.monitor.Status())
}

// State handles GET /api/state
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.facade.Snapshot())
}

func (h *Handler) refresh(ctx context.Context) {
	if err := h.facade.RefreshQueueStats(ctx); err != nil {
		logging.Warn("Failed to refresh queue stats", map[string]interface{}{"error": err.Error()})
	}
}
