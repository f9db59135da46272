package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pvp-match-server/config"
	"pvp-match-server/match"
)

// setupTestServer starts the full stack on the in-memory backend.
func setupTestServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	a, err := newApp(ctx, cfg)
	if err != nil {
		cancel()
		t.Fatalf("newApp: %v", err)
	}
	server := httptest.NewServer(a.routes())
	t.Cleanup(func() {
		server.Close()
		cancel()
		a.Close()
	})
	return server
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func findOrCreate(t *testing.T, server *httptest.Server, player, game string) string {
	t.Helper()
	var out struct {
		MatchID string `json:"matchId"`
	}
	status := postJSON(t, server.URL+"/api/matches", map[string]string{
		"playerId": player, "displayName": player, "gameId": game,
	}, &out)
	if status != http.StatusOK || out.MatchID == "" {
		t.Fatalf("find-or-create for %s: status %d", player, status)
	}
	return out.MatchID
}

// connectWS opens the match stream for matchID.
func connectWS(t *testing.T, server *httptest.Server, matchID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/matches/" + matchID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readMsg reads a JSON message from the WebSocket and returns it as a map.
func readMsg(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	var msg map[string]interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to unmarshal message: %v", err)
	}
	return msg
}

// readUntilStatus reads until a match_update with the given status arrives.
func readUntilStatus(t *testing.T, conn *websocket.Conn, status match.Status) map[string]interface{} {
	t.Helper()
	for {
		msg := readMsg(t, conn)
		if msg["type"] != "match_update" {
			continue
		}
		m, _ := msg["match"].(map[string]interface{})
		if m["status"] == string(status) {
			return m
		}
	}
}

func TestFullMatchOverHTTPAndWebSocket(t *testing.T) {
	server := setupTestServer(t, config.Defaults())

	id := findOrCreate(t, server, "alice", "word-builder")
	aliceWS := connectWS(t, server, id)
	readUntilStatus(t, aliceWS, match.StatusWaiting)

	if got := findOrCreate(t, server, "bob", "word-builder"); got != id {
		t.Fatalf("bob was given %s, want %s", got, id)
	}
	bobWS := connectWS(t, server, id)
	readUntilStatus(t, aliceWS, match.StatusInProgress)
	readUntilStatus(t, bobWS, match.StatusInProgress)

	aliceWS.WriteJSON(map[string]any{"type": "report_score", "slot": 1, "score": 3, "completed": true})
	status := postJSON(t, server.URL+"/api/matches/"+id+"/score",
		map[string]any{"slot": 2, "score": 5, "completed": true}, nil)
	if status != http.StatusOK {
		t.Fatalf("bob's report: status %d", status)
	}

	for _, conn := range []*websocket.Conn{aliceWS, bobWS} {
		m := readUntilStatus(t, conn, match.StatusCompleted)
		if m["winner"] != "bob" {
			t.Errorf("winner = %v, want bob", m["winner"])
		}
	}
}

func TestConcurrentJoinersPairUp(t *testing.T) {
	server := setupTestServer(t, config.Defaults())

	const players = 10
	ids := make([]string, players)
	var wg sync.WaitGroup
	for i := 0; i < players; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body, _ := json.Marshal(map[string]string{
				"playerId": "p" + string(rune('a'+i)), "displayName": "P", "gameId": "card-flip",
			})
			resp, err := http.Post(server.URL+"/api/matches", "application/json", bytes.NewReader(body))
			if err != nil {
				t.Error(err)
				return
			}
			defer resp.Body.Close()
			var out struct {
				MatchID string `json:"matchId"`
			}
			json.NewDecoder(resp.Body).Decode(&out)
			ids[i] = out.MatchID
		}(i)
	}
	wg.Wait()

	seats := map[string]int{}
	for _, id := range ids {
		if id == "" {
			t.Fatal("a player got no match")
		}
		seats[id]++
	}
	for id, n := range seats {
		if n > 2 {
			t.Errorf("match %s has %d players", id, n)
		}
	}
}

func TestCancelledMatchEndsStream(t *testing.T) {
	server := setupTestServer(t, config.Defaults())
	id := findOrCreate(t, server, "alice", "picture-puzzle")
	conn := connectWS(t, server, id)
	readUntilStatus(t, conn, match.StatusWaiting)

	req, _ := http.NewRequest(http.MethodDelete, server.URL+"/api/matches/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	for {
		msg := readMsg(t, conn)
		if msg["type"] == "match_absent" {
			if msg["matchId"] != id {
				t.Errorf("matchId = %v", msg["matchId"])
			}
			return
		}
	}
}

func TestHealth(t *testing.T) {
	server := setupTestServer(t, config.Defaults())
	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]string
	json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode != http.StatusOK || out["backend"] != config.BackendMemory {
		t.Errorf("healthz = %d %v", resp.StatusCode, out)
	}
}
