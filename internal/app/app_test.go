package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/vocalia-ai/vocalia/internal/config"
	"github.com/vocalia-ai/vocalia/internal/session"
	"github.com/vocalia-ai/vocalia/internal/store"
	"github.com/vocalia-ai/vocalia/internal/workflow"
	"github.com/vocalia-ai/vocalia/internal/ws"
	llmmock "github.com/vocalia-ai/vocalia/pkg/provider/llm/mock"
	ttsmock "github.com/vocalia-ai/vocalia/pkg/provider/tts/mock"
)

const testSecret = "app-test-secret"

type fakeStore struct {
	pingErr   error
	sessions  []store.SessionSummary
	messages  []store.ChatMessage
	deleteErr error
	deleted   []string
}

func (f *fakeStore) UserActive(context.Context, int64) (bool, error) { return true, nil }
func (f *fakeStore) Ping(context.Context) error                      { return f.pingErr }

func (f *fakeStore) LoadUserData(context.Context, int64) (*store.UserDataRow, error) {
	return nil, store.ErrAgentNotFound
}
func (f *fakeStore) UpdateAgentData(context.Context, int64, []byte, []byte) error { return nil }
func (f *fakeStore) InsertChatMessage(context.Context, *store.ChatMessage) error  { return nil }
func (f *fakeStore) LatestCompressed(context.Context, int64, bool) (*store.CompressedMessage, error) {
	return nil, nil
}
func (f *fakeStore) MessagesSince(context.Context, int64, time.Time, bool, int) ([]store.ChatMessage, error) {
	return nil, nil
}
func (f *fakeStore) InsertCompressed(context.Context, *store.CompressedMessage) error { return nil }

func (f *fakeStore) ListSessions(context.Context, int64, int) ([]store.SessionSummary, error) {
	return f.sessions, nil
}

func (f *fakeStore) SessionMessages(context.Context, string, int) ([]store.ChatMessage, error) {
	return f.messages, nil
}

func (f *fakeStore) DeleteSession(_ context.Context, sessionID string, _ int64) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, sessionID)
	return nil
}

func minimalGraph() *workflow.GraphConfig {
	return &workflow.GraphConfig{
		Name:    "app-test",
		Nodes:   []workflow.NodeConfig{{Name: "interrupt", Type: "interrupt"}},
		Inputs:  []string{"interrupt.client_text", "interrupt.abort"},
		Outputs: []string{"interrupt.user_text"},
	}
}

func newTestApp(t *testing.T, st *fakeStore) *App {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			Audio:      config.AudioConfig{SampleRate: 16000, FrameDurationMs: 60},
		},
		Auth: config.AuthConfig{JWTSecret: testSecret},
	}
	mgr := session.NewManager(st, session.Providers{
		LLM: llmmock.New(),
		TTS: ttsmock.New(),
	}, session.Graphs{Default: minimalGraph(), Copilot: minimalGraph()},
		session.AudioParams{SampleRate: 16000, FrameDurationMs: 60})
	return New(cfg, st, mgr)
}

func signToken(t *testing.T, userID int64) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &ws.Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doRequest(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	st := &fakeStore{}
	h := newTestApp(t, st).Handler()

	if rec := doRequest(t, h, "GET", "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	if rec := doRequest(t, h, "GET", "/readyz", ""); rec.Code != http.StatusOK {
		t.Errorf("readyz = %d", rec.Code)
	}

	st.pingErr = errors.New("pool down")
	if rec := doRequest(t, h, "GET", "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with failing db = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestApp(t, &fakeStore{}).Handler()
	if rec := doRequest(t, h, "GET", "/metrics", ""); rec.Code != http.StatusOK {
		t.Errorf("metrics = %d", rec.Code)
	}
}

func TestAPIRequiresAuth(t *testing.T) {
	h := newTestApp(t, &fakeStore{}).Handler()

	if rec := doRequest(t, h, "GET", "/api/sessions", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d", rec.Code)
	}
	if rec := doRequest(t, h, "GET", "/api/sessions", "not-a-jwt"); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token = %d", rec.Code)
	}
}

func TestListSessions(t *testing.T) {
	st := &fakeStore{
		sessions: []store.SessionSummary{{
			SessionID: "s-1", AgentID: 42, AgentName: "Vocalia",
			Title: "hello there", MessageCount: 4,
		}},
	}
	h := newTestApp(t, st).Handler()

	rec := doRequest(t, h, "GET", "/api/sessions", signToken(t, 3))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var body struct {
		Sessions []sessionSummaryDTO `json:"sessions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sessions) != 1 || body.Sessions[0].SessionID != "s-1" || body.Sessions[0].Title != "hello there" {
		t.Errorf("sessions = %+v", body.Sessions)
	}
}

func TestDeleteSession(t *testing.T) {
	st := &fakeStore{}
	h := newTestApp(t, st).Handler()

	rec := doRequest(t, h, "DELETE", "/api/sessions/s-1", signToken(t, 3))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if len(st.deleted) != 1 || st.deleted[0] != "s-1" {
		t.Errorf("deleted = %v", st.deleted)
	}

	st.deleteErr = store.ErrSessionNotOwned
	if rec := doRequest(t, h, "DELETE", "/api/sessions/s-2", signToken(t, 3)); rec.Code != http.StatusNotFound {
		t.Errorf("not owned = %d", rec.Code)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	a := newTestApp(t, &fakeStore{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("first shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second shutdown: %v", err)
	}
}
