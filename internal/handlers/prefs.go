package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"modelgate/internal/prefs"
	"modelgate/pkg/logging"
)

// PrefsHandler serves the per-user preferred-model endpoints under
// /v1/users/{userID}/preferences/model. The stored model id feeds the
// selector's preference override on later chat requests.
type PrefsHandler struct {
	store prefs.Store
}

func NewPrefsHandler(store prefs.Store) *PrefsHandler {
	return &PrefsHandler{store: store}
}

type modelPreference struct {
	UserID string `json:"user_id"`
	Model  string `json:"model"`
}

// GetModel handles GET: the stored preference, or 404 when none is set.
func (h *PrefsHandler) GetModel(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	model, ok, err := h.store.Get(r.Context(), userID)
	if err != nil {
		logging.L(r.Context()).Error("preference lookup failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "preference lookup failed", "internal_error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no model preference set", "not_found_error")
		return
	}
	writeJSON(w, http.StatusOK, modelPreference{UserID: userID, Model: model})
}

// SetModel handles PUT with a {"model": "..."} body.
func (h *PrefsHandler) SetModel(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var body modelPreference
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "invalid_request_error")
		return
	}
	if body.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required", "invalid_request_error")
		return
	}

	if err := h.store.Set(r.Context(), userID, body.Model); err != nil {
		logging.L(r.Context()).Error("preference write failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "preference write failed", "internal_error")
		return
	}

	logging.L(r.Context()).Info("model preference set",
		zap.String("user_id", userID),
		zap.String("model", body.Model),
	)
	writeJSON(w, http.StatusOK, modelPreference{UserID: userID, Model: body.Model})
}

// DeleteModel handles DELETE, clearing the preference.
func (h *PrefsHandler) DeleteModel(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := h.store.Delete(r.Context(), userID); err != nil {
		logging.L(r.Context()).Error("preference delete failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "preference delete failed", "internal_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
