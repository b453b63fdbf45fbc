package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"excursion-sync-service/internal/excursion"
	"excursion-sync-service/internal/logger"
	"excursion-sync-service/internal/store"
	"excursion-sync-service/internal/sync"
)

const maxBodyBytes = 32 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warn("Failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, excursion.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, excursion.ErrUnsyncedData), errors.Is(err, sync.ErrAlreadySyncing):
		status = http.StatusConflict
	case errors.Is(err, sync.ErrOffline):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logger.Log.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, fmt.Errorf("%w: %v", excursion.ErrInvalidInput, err))
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	var in excursion.CheckInInput
	if !decode(w, r, &in) {
		return
	}
	ci, err := h.excursions.CheckInStudent(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ci)
}

func (h *Handler) MarkMissing(w http.ResponseWriter, r *http.Request) {
	var in excursion.CheckInInput
	if !decode(w, r, &in) {
		return
	}
	res, err := h.excursions.MarkStudentMissing(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) MarkFound(w http.ResponseWriter, r *http.Request) {
	var in excursion.CheckInInput
	if !decode(w, r, &in) {
		return
	}
	ci, err := h.excursions.MarkStudentFound(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ci)
}

func (h *Handler) RollCall(w http.ResponseWriter, r *http.Request) {
	var in excursion.RollCallInput
	if !decode(w, r, &in) {
		return
	}
	res, err := h.excursions.CheckpointRollCall(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) HeadCount(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ExcursionID string `json:"excursionId"`
		ActualCount int    `json:"actualCount"`
	}
	if !decode(w, r, &in) {
		return
	}
	res, err := h.excursions.QuickHeadCount(r.Context(), in.ExcursionID, in.ActualCount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SubmitCapture takes media as base64 in the "media" field.
func (h *Handler) SubmitCapture(w http.ResponseWriter, r *http.Request) {
	var in excursion.CaptureInput
	if !decode(w, r, &in) {
		return
	}
	c, err := h.excursions.SubmitCapture(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	var in excursion.ProgressInput
	if !decode(w, r, &in) {
		return
	}
	p, err := h.excursions.UpdateTaskProgress(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) RequestHelp(w http.ResponseWriter, r *http.Request) {
	var in excursion.HelpInput
	if !decode(w, r, &in) {
		return
	}
	req, err := h.excursions.RequestHelp(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var in excursion.FeedbackInput
	if !decode(w, r, &in) {
		return
	}
	f, err := h.excursions.SubmitFeedback(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

// TriggerSync starts a background pass, or with ?force=true re-probes the
// server and waits for the pass result.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if force, _ := strconv.ParseBool(r.URL.Query().Get("force")); force {
		res, err := h.excursions.ForceSync(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	if !h.excursions.IsOnline() {
		writeError(w, sync.ErrOffline)
		return
	}
	if h.syncManager.IsSyncing() {
		writeError(w, sync.ErrAlreadySyncing)
		return
	}
	h.syncManager.TriggerSync(sync.TriggerManual)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.syncManager.RetryFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.excursions.GetSyncStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) GetSyncHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.syncManager.History(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]historyView, 0, len(history))
	for _, sh := range history {
		out = append(out, newHistoryView(sh))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	resolved, _ := strconv.ParseBool(r.URL.Query().Get("resolved"))
	conflicts, err := h.store.ListConflicts(r.Context(), resolved, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]conflictView, 0, len(conflicts))
	for _, c := range conflicts {
		out = append(out, newConflictView(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) RunPreflight(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.preflight.Load(r.Context(), id, func(phase string, pct int) {
		logger.Log.Debug("Preflight progress", zap.String("excursion", id), zap.String("phase", phase), zap.Int("pct", pct))
	})
	if err != nil {
		logger.Log.Error("Preflight failed", zap.String("excursion", id), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "partial": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) GetPreflight(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	at, err := h.preflight.CachedAt(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"excursionId": id, "cached": at != nil, "cachedAt": at})
}

func (h *Handler) ClearPreflight(w http.ResponseWriter, r *http.Request) {
	if err := h.preflight.Clear(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CleanupExcursion(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := h.excursions.CleanupExcursion(r.Context(), chi.URLParam(r, "id"), force); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
