package ws

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"pvp-match-server/auth"
	"pvp-match-server/config"
	"pvp-match-server/match"
	"pvp-match-server/matchmaking"
	"pvp-match-server/scoring"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins for development; restrict in production.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Matches is what the Hub needs from matchmaking.
type Matches interface {
	GetMatch(ctx context.Context, matchID string) (*match.Match, error)
	SubscribeToMatch(matchID string, fn func(m *match.Match)) func()
}

// Scores is what the Hub needs from the score coordinator.
type Scores interface {
	UpdatePlayerScore(ctx context.Context, matchID string, slot match.Slot, score int, completed bool) (*match.Match, error)
	UpdateGameState(ctx context.Context, matchID string, state match.GameState) (*match.Match, error)
	CompleteMatch(ctx context.Context, matchID string) (*match.Match, error)
}

var (
	_ Matches = (*matchmaking.Service)(nil)
	_ Scores  = (*scoring.Coordinator)(nil)
)

// Hub maintains the set of connected match watchers.
type Hub struct {
	Clients    map[*Client]bool
	Register   chan *Client
	Unregister chan *Client
	Matches    Matches
	Scores     Scores
	// Verifier is nil when auth is disabled.
	Verifier *auth.Verifier
	Config   *config.Config

	done chan struct{}
}

// NewHub creates a new Hub.
func NewHub(cfg *config.Config, matches Matches, scores Scores, verifier *auth.Verifier) *Hub {
	return &Hub{
		Clients:    make(map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Matches:    matches,
		Scores:     scores,
		Verifier:   verifier,
		Config:     cfg,
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. Should be run as a goroutine.
// When ctx is cancelled, every client is released and Run returns.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			slog.Info("hub stopping", "tag", "ws", "clients", len(h.Clients))
			for client := range h.Clients {
				delete(h.Clients, client)
				client.release()
			}
			return
		case client := <-h.Register:
			h.Clients[client] = true
			slog.Debug("client connected", "tag", "ws", "match", client.MatchID, "clients", len(h.Clients))
		case client := <-h.Unregister:
			if _, ok := h.Clients[client]; ok {
				delete(h.Clients, client)
				client.release()
				slog.Debug("client disconnected", "tag", "ws", "match", client.MatchID, "clients", len(h.Clients))
			}
		}
	}
}

// ServeWS upgrades GET /ws/matches/{id} and streams the match to the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	matchID := r.PathValue("id")
	if matchID == "" {
		http.Error(w, "match id required", http.StatusBadRequest)
		return
	}
	var userID string
	if h.Verifier != nil {
		id, err := h.Verifier.FromRequest(r)
		if err != nil {
			http.Error(w, "authorization required", http.StatusUnauthorized)
			return
		}
		userID = id.UserID
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "tag", "ws", "err", err)
		return
	}

	client := newClient(h, conn, matchID, userID)
	select {
	case h.Register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
	client.subscribe()
}

func (h *Hub) unregister(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
		c.release()
	}
}
