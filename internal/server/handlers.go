package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"cart_sentinel/internal/core"
	apperrors "cart_sentinel/pkg/errors"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound):
		status = http.StatusNotFound
	case apperrors.Is(err, apperrors.ErrAuthenticationFailed),
		apperrors.Is(err, apperrors.ErrInvalidCredentials):
		status = http.StatusBadGateway
	case apperrors.Is(err, apperrors.ErrNetwork),
		apperrors.Is(err, apperrors.ErrMalformedResponse):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	hm := s.engine.Health()
	status := http.StatusOK
	if !hm.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"healthy":    hm.IsHealthy(),
		"components": hm.GetStatus(),
		"time":       time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Items())
}

type trackItemRequest struct {
	Code    string   `json:"code"`
	Color   string   `json:"color"`
	Watched []string `json:"watched"`
}

func (s *Server) handleTrackItem(w http.ResponseWriter, r *http.Request) {
	var req trackItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Code == "" || req.Color == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "code and color are required"})
		return
	}

	item, err := s.engine.TrackItem(r.Context(), req.Code, req.Color, req.Watched)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	color := chi.URLParam(r, "color")

	item, ok := s.engine.Item(code, color)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "tracked item not found"})
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleUntrackItem(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	color := chi.URLParam(r, "color")

	existed, err := s.engine.UntrackItem(r.Context(), code, color)
	if err != nil {
		writeError(w, err)
		return
	}
	if !existed {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "tracked item not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

type watchedRequest struct {
	Variants []string `json:"variants"`
}

func (s *Server) handleUpdateWatched(w http.ResponseWriter, r *http.Request) {
	var req watchedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	code := chi.URLParam(r, "code")
	color := chi.URLParam(r, "color")
	if err := s.engine.UpdateWatched(r.Context(), code, color, req.Variants); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleResetAdded(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	color := chi.URLParam(r, "color")

	if err := s.engine.ResetAdded(r.Context(), code, color); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handlePreviewProduct(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	color := chi.URLParam(r, "color")

	detail, err := s.engine.PreviewProduct(r.Context(), code, color)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleForceRefresh(w http.ResponseWriter, r *http.Request) {
	cred, err := s.engine.Session().ForceRefresh(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "refreshed",
		"expires_at": cred.ExpiresAt().Format(time.RFC3339),
	})
}

func (s *Server) handleForceLogin(w http.ResponseWriter, r *http.Request) {
	cred, err := s.engine.Session().ForceLogin(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "logged_in",
		"expires_at": cred.ExpiresAt().Format(time.RFC3339),
	})
}

func (s *Server) handleKeeperStatus(w http.ResponseWriter, r *http.Request) {
	k := s.engine.Keeper()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled": k.Enabled(),
		"state":   k.State(),
		"fillers": k.Fillers(),
	})
}

func (s *Server) handleKeeperEnable(w http.ResponseWriter, r *http.Request) {
	s.engine.Keeper().Enable()
	writeJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

func (s *Server) handleKeeperDisable(w http.ResponseWriter, r *http.Request) {
	s.engine.Keeper().Disable()
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

type fillerRequest struct {
	Code      string `json:"code"`
	Color     string `json:"color"`
	VariantID string `json:"variant_id"`
}

func (s *Server) handleAddFiller(w http.ResponseWriter, r *http.Request) {
	var req fillerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.VariantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "variant_id is required"})
		return
	}

	if err := s.engine.Keeper().AddFiller(r.Context(), core.FillerItem{
		Code:      req.Code,
		Color:     req.Color,
		VariantID: req.VariantID,
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "added"})
}

func (s *Server) handleRemoveFiller(w http.ResponseWriter, r *http.Request) {
	variantID := chi.URLParam(r, "variantID")

	existed, err := s.engine.Keeper().RemoveFiller(r.Context(), variantID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !existed {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "filler not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleResetFillers(w http.ResponseWriter, r *http.Request) {
	s.engine.Keeper().ResetFillerCounters(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
