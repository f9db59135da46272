package ws

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"pvp-match-server/auth"
	"pvp-match-server/config"
	"pvp-match-server/match"
	"pvp-match-server/matchmaking"
	"pvp-match-server/scoring"
	"pvp-match-server/storage"
)

type env struct {
	url     string
	matches *matchmaking.Service
	stop    context.CancelFunc
}

func newEnv(t *testing.T, verifier *auth.Verifier) *env {
	t.Helper()
	cfg := config.Defaults()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	matches := matchmaking.NewService(store, cfg)
	hub := NewHub(cfg, matches, scoring.NewCoordinator(store, nil, cfg), verifier)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/matches/{id}", hub.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &env{url: "ws" + strings.TrimPrefix(srv.URL, "http"), matches: matches, stop: cancel}
}

func (e *env) dial(t *testing.T, matchID, query string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.url+"/ws/matches/"+matchID+query, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type inbound struct {
	Type    string       `json:"type"`
	Match   *match.Match `json:"match"`
	MatchID string       `json:"matchId"`
	Message string       `json:"message"`
}

func read(t *testing.T, conn *websocket.Conn) inbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

// readUntil skips messages until ok matches. Intermediate snapshots may be
// coalesced, so tests only wait for the state they care about.
func readUntil(t *testing.T, conn *websocket.Conn, ok func(inbound) bool) inbound {
	t.Helper()
	for {
		if msg := read(t, conn); ok(msg) {
			return msg
		}
	}
}

func hasStatus(s match.Status) func(inbound) bool {
	return func(msg inbound) bool {
		return msg.Type == TypeMatchUpdate && msg.Match.Status == s
	}
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestHub_StreamsMatchThroughCompletion(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	id, err := e.matches.FindOrCreateMatch(ctx, "alice", "Alice", "card-flip")
	if err != nil {
		t.Fatal(err)
	}
	conn := e.dial(t, id, "")

	first := read(t, conn)
	if first.Type != TypeMatchUpdate || first.Match.ID != id || first.Match.Status != match.StatusWaiting {
		t.Fatalf("first message = %+v", first)
	}

	if _, err := e.matches.FindOrCreateMatch(ctx, "bob", "Bob", "card-flip"); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, hasStatus(match.StatusInProgress))

	send(t, conn, ReportScoreMsg{Type: TypeReportScore, Slot: 1, Score: 5, Completed: true})
	send(t, conn, UpdateStateMsg{Type: TypeUpdateState, GameState: match.GameState{"round": json.RawMessage(`2`)}})
	send(t, conn, ReportScoreMsg{Type: TypeReportScore, Slot: 2, Score: 3, Completed: true})

	done := readUntil(t, conn, hasStatus(match.StatusCompleted))
	if done.Match.Winner != "alice" {
		t.Errorf("winner = %q, want alice", done.Match.Winner)
	}
	if done.Match.Player1.Score != 5 || done.Match.Player2.Score != 3 {
		t.Errorf("scores = %d/%d", done.Match.Player1.Score, done.Match.Player2.Score)
	}
}

func TestHub_AbsentIsLastMessage(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	id, _ := e.matches.FindOrCreateMatch(ctx, "alice", "Alice", "guess-cup")
	conn := e.dial(t, id, "")
	read(t, conn)

	if ok, err := e.matches.CancelMatch(ctx, id); err != nil || !ok {
		t.Fatalf("CancelMatch = %v, %v", ok, err)
	}
	msg := readUntil(t, conn, func(m inbound) bool { return m.Type == TypeMatchAbsent })
	if msg.MatchID != id {
		t.Errorf("absent for %q, want %q", msg.MatchID, id)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected a normal close after absent, got %v", err)
	}
}

func TestHub_UnknownMatchIsAbsent(t *testing.T) {
	e := newEnv(t, nil)
	conn := e.dial(t, "no-such-match", "")
	if msg := read(t, conn); msg.Type != TypeMatchAbsent {
		t.Errorf("first message = %+v, want match_absent", msg)
	}
}

func TestHub_RejectsBadMessages(t *testing.T) {
	e := newEnv(t, nil)
	id, _ := e.matches.FindOrCreateMatch(context.Background(), "alice", "Alice", "simon-says")
	conn := e.dial(t, id, "")
	read(t, conn)

	tests := []struct {
		name string
		send any
		want string
	}{
		{"unknown type", map[string]string{"type": "fly"}, "Unknown message type"},
		{"empty slot", ReportScoreMsg{Type: TypeReportScore, Slot: 2, Score: 1}, "slot 2"},
		{"bad slot", ReportScoreMsg{Type: TypeReportScore, Slot: 9}, "slot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, conn, tt.send)
			msg := readUntil(t, conn, func(m inbound) bool { return m.Type == TypeError })
			if !strings.Contains(msg.Message, tt.want) {
				t.Errorf("error = %q, want it to mention %q", msg.Message, tt.want)
			}
		})
	}
}

func TestHub_ShutdownClosesConnections(t *testing.T) {
	e := newEnv(t, nil)
	id, _ := e.matches.FindOrCreateMatch(context.Background(), "alice", "Alice", "card-flip")
	conn := e.dial(t, id, "")
	read(t, conn)

	e.stop()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNoStatusReceived, websocket.CloseNormalClosure) {
				t.Errorf("expected a close frame, got %v", err)
			}
			return
		}
	}
}

func TestHub_AuthenticatedReports(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	verifier, err := auth.NewVerifier("https://auth.example.com/neondb/auth",
		auth.WithKeyfunc(func(*jwt.Token) (any, error) { return pub, nil }))
	if err != nil {
		t.Fatal(err)
	}
	token := func(sub string) string {
		s, _ := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
			"iss": "https://auth.example.com",
			"sub": sub,
			"exp": time.Now().Add(time.Hour).Unix(),
		}).SignedString(priv)
		return s
	}

	e := newEnv(t, verifier)
	ctx := context.Background()
	id, _ := e.matches.FindOrCreateMatch(ctx, "u-alice", "Alice", "card-flip")
	e.matches.FindOrCreateMatch(ctx, "u-bob", "Bob", "card-flip")

	if _, resp, err := websocket.DefaultDialer.Dial(e.url+"/ws/matches/"+id, nil); err == nil {
		t.Fatal("dial without token succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without token: %v", err)
	}

	bob := e.dial(t, id, "?access_token="+token("u-bob"))
	readUntil(t, bob, hasStatus(match.StatusInProgress))

	// The slot in the message is ignored in favour of the caller's own.
	send(t, bob, ReportScoreMsg{Type: TypeReportScore, Score: 7})
	got := readUntil(t, bob, func(m inbound) bool {
		return m.Type == TypeMatchUpdate && m.Match.Player2 != nil && m.Match.Player2.Score == 7
	})
	if got.Match.Player1.Score != 0 {
		t.Errorf("player1 score changed to %d", got.Match.Player1.Score)
	}

	send(t, bob, ReportScoreMsg{Type: TypeReportScore, Slot: 1, Score: 0})
	if msg := readUntil(t, bob, func(m inbound) bool { return m.Type == TypeError }); !strings.Contains(msg.Message, "own score") {
		t.Errorf("error = %q", msg.Message)
	}

	eve := e.dial(t, id, "?access_token="+token("u-eve"))
	read(t, eve)
	send(t, eve, map[string]string{"type": TypeCompleteMatch})
	if msg := readUntil(t, eve, func(m inbound) bool { return m.Type == TypeError }); !strings.Contains(msg.Message, "not a player") {
		t.Errorf("error = %q", msg.Message)
	}
}
