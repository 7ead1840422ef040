package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/vocalia-ai/vocalia/internal/store"
	"github.com/vocalia-ai/vocalia/internal/ws"
)

// registerAPI mounts the session history surface. All routes require the
// same bearer token as the WebSocket endpoint.
func (a *App) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", a.withAuth(a.handleListSessions))
	mux.HandleFunc("GET /api/sessions/{id}/messages", a.withAuth(a.handleSessionMessages))
	mux.HandleFunc("DELETE /api/sessions/{id}", a.withAuth(a.handleDeleteSession))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID int64)

func (a *App) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := ws.BearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		claims, err := ws.ParseToken(a.cfg.Auth.JWTSecret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		active, err := a.store.UserActive(r.Context(), claims.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "user lookup failed")
			return
		}
		if !active {
			writeError(w, http.StatusUnauthorized, "user not found or disabled")
			return
		}
		next(w, r, claims.UserID)
	}
}

type sessionSummaryDTO struct {
	SessionID    string    `json:"session_id"`
	AgentID      int64     `json:"agent_id"`
	AgentName    string    `json:"agent_name"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

type chatMessageDTO struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Emotion   string    `json:"emotion,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *App) handleListSessions(w http.ResponseWriter, r *http.Request, userID int64) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	summaries, err := a.store.ListSessions(r.Context(), userID, limit)
	if err != nil {
		a.log.Error("list sessions failed", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "session listing failed")
		return
	}
	out := make([]sessionSummaryDTO, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, sessionSummaryDTO{
			SessionID:    s.SessionID,
			AgentID:      s.AgentID,
			AgentName:    s.AgentName,
			Title:        s.Title,
			CreatedAt:    s.CreatedAt,
			UpdatedAt:    s.UpdatedAt,
			MessageCount: s.MessageCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (a *App) handleSessionMessages(w http.ResponseWriter, r *http.Request, userID int64) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := a.store.SessionMessages(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		a.log.Error("session messages failed", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "message listing failed")
		return
	}
	out := make([]chatMessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, chatMessageDTO{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Emotion:   m.Emotion,
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (a *App) handleDeleteSession(w http.ResponseWriter, r *http.Request, userID int64) {
	err := a.store.DeleteSession(r.Context(), r.PathValue("id"), userID)
	if errors.Is(err, store.ErrSessionNotOwned) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		a.log.Error("delete session failed", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "session delete failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
