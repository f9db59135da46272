package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"pvp-match-server/auth"
	"pvp-match-server/config"
	"pvp-match-server/match"
	"pvp-match-server/matcherrors"
	"pvp-match-server/matchmaking"
	"pvp-match-server/scoring"
	"pvp-match-server/storage"
)

const maxBodyBytes = 1 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	Config  *config.Config
	Matches *matchmaking.Service
	Scores  *scoring.Coordinator
	History *storage.HistoryStore
	// Verifier is nil when NEON_AUTH_BASE_URL is not configured; player ids
	// are then taken from request bodies as given.
	Verifier *auth.Verifier
}

// NewHandler creates a new API handler with the given dependencies.
func NewHandler(cfg *config.Config, matches *matchmaking.Service, scores *scoring.Coordinator, history *storage.HistoryStore, verifier *auth.Verifier) *Handler {
	return &Handler{
		Config:   cfg,
		Matches:  matches,
		Scores:   scores,
		History:  history,
		Verifier: verifier,
	}
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/matches", h.FindOrCreate)
	mux.HandleFunc("GET /api/matches/{id}", h.GetMatch)
	mux.HandleFunc("DELETE /api/matches/{id}", h.Cancel)
	mux.HandleFunc("POST /api/matches/{id}/score", h.UpdateScore)
	mux.HandleFunc("POST /api/matches/{id}/complete", h.Complete)
	mux.HandleFunc("PATCH /api/matches/{id}/state", h.UpdateState)
	mux.HandleFunc("GET /api/players/{id}/open-match", h.OpenMatch)
	mux.HandleFunc("GET /api/players/{id}/history", h.PlayerHistory)
	mux.HandleFunc("GET /healthz", h.Health)
}

// CORS sets CORS headers on the response. Call before writing body.
func CORS(w http.ResponseWriter, r *http.Request) bool {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

// WithCORS answers preflight requests and decorates every response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if CORS(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// caller resolves the authenticated player. With auth disabled it returns an
// empty identity and true.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	if h.Verifier == nil {
		return auth.Identity{}, true
	}
	id, err := h.Verifier.FromRequest(r)
	if err != nil {
		slog.Debug("rejected token", "tag", "api", "err", err)
		writeJSONError(w, http.StatusUnauthorized, "authorization required")
		return auth.Identity{}, false
	}
	return id, true
}

// requirePlayer writes 403 unless the authenticated caller holds a slot in
// the match. A missing match passes so the operation reports it as usual.
func (h *Handler) requirePlayer(w http.ResponseWriter, r *http.Request, id auth.Identity, matchID string) bool {
	if id.UserID == "" {
		return true
	}
	m, err := h.Matches.GetMatch(r.Context(), matchID)
	if err != nil {
		writeError(w, err)
		return false
	}
	if m != nil && !m.HasPlayer(id.UserID) {
		writeJSONError(w, http.StatusForbidden, "not a player of this match")
		return false
	}
	return true
}

// FindOrCreateRequest is the body of POST /api/matches.
type FindOrCreateRequest struct {
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName"`
	GameID      string `json:"gameId"`
}

// FindOrCreate joins or opens a match for the caller.
func (h *Handler) FindOrCreate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req FindOrCreateRequest
	if !decode(w, r, &req) {
		return
	}
	if id.UserID != "" {
		req.PlayerID = id.UserID
		if strings.TrimSpace(req.DisplayName) == "" {
			req.DisplayName = id.DisplayName
		}
	}
	matchID, err := h.Matches.FindOrCreateMatch(r.Context(), req.PlayerID, req.DisplayName, req.GameID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"matchId": matchID})
}

// GetMatch returns one match.
func (h *Handler) GetMatch(w http.ResponseWriter, r *http.Request) {
	m, err := h.Matches.GetMatch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if m == nil {
		writeError(w, matcherrors.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Cancel deletes an open match. A missing match is reported as not deleted.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.caller(w, r)
	if !ok {
		return
	}
	matchID := r.PathValue("id")
	if !h.requirePlayer(w, r, id, matchID) {
		return
	}
	deleted, err := h.Matches.CancelMatch(r.Context(), matchID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

// ScoreRequest is the body of POST /api/matches/{id}/score. With auth enabled
// Slot may be omitted and is derived from the caller.
type ScoreRequest struct {
	Slot      int  `json:"slot"`
	Score     int  `json:"score"`
	Completed bool `json:"completed"`
}

// UpdateScore records one player's score report.
func (h *Handler) UpdateScore(w http.ResponseWriter, r *http.Request) {
	id, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req ScoreRequest
	if !decode(w, r, &req) {
		return
	}
	matchID := r.PathValue("id")
	slot := match.Slot(req.Slot)
	if id.UserID != "" {
		m, err := h.Matches.GetMatch(r.Context(), matchID)
		if err != nil {
			writeError(w, err)
			return
		}
		if m == nil {
			writeError(w, matcherrors.ErrNotFound)
			return
		}
		own, held := m.SlotOf(id.UserID)
		if !held || (slot != 0 && slot != own) {
			writeJSONError(w, http.StatusForbidden, "players may only report their own score")
			return
		}
		slot = own
	}
	m, err := h.Scores.UpdatePlayerScore(r.Context(), matchID, slot, req.Score, req.Completed)
	writeMatch(w, m, err)
}

// Complete finalises a match whose players have both reported.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.caller(w, r)
	if !ok || !h.requirePlayer(w, r, id, r.PathValue("id")) {
		return
	}
	m, err := h.Scores.CompleteMatch(r.Context(), r.PathValue("id"))
	writeMatch(w, m, err)
}

// StateRequest is the body of PATCH /api/matches/{id}/state.
type StateRequest struct {
	GameState match.GameState `json:"gameState"`
}

// UpdateState merges keys into the match's game state.
func (h *Handler) UpdateState(w http.ResponseWriter, r *http.Request) {
	id, ok := h.caller(w, r)
	if !ok || !h.requirePlayer(w, r, id, r.PathValue("id")) {
		return
	}
	var req StateRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.Scores.UpdateGameState(r.Context(), r.PathValue("id"), req.GameState)
	writeMatch(w, m, err)
}

// OpenMatch returns the player's current open match, or null.
func (h *Handler) OpenMatch(w http.ResponseWriter, r *http.Request) {
	m, err := h.Matches.GetCurrentOpenMatch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// PlayerHistory returns the archived results of a player.
func (h *Handler) PlayerHistory(w http.ResponseWriter, r *http.Request) {
	list, err := h.History.ListByUserID(r.Context(), r.PathValue("id"))
	if err != nil {
		slog.Error("ListByUserID failed", "tag", "api", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Health reports that the process is serving.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "backend": h.Config.StoreBackend})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeMatch(w http.ResponseWriter, m *match.Match, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	if m == nil {
		writeError(w, matcherrors.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// writeError maps the match error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, matcherrors.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, matcherrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, matcherrors.ErrMatchCompleted),
		errors.Is(err, matcherrors.ErrInvalidTransition),
		errors.Is(err, matcherrors.ErrGuardFailed):
		status = http.StatusConflict
	case errors.Is(err, matcherrors.ErrStoreUnavailable):
		w.Header().Set("Retry-After", "1")
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "tag", "api", "status", status, "err", err)
	}
	writeJSONError(w, status, err.Error())
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "tag", "api", "err", err)
	}
}
