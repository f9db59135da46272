package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pvp-match-server/match"
	"pvp-match-server/wsutil"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	sendBuffer = 64
)

// Client is one WebSocket watching a single match.
type Client struct {
	Hub     *Hub
	Conn    *websocket.Conn
	Send    chan []byte
	MatchID string
	// UserID is set when the connection is authenticated.
	UserID string

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	closed      bool
	unsubscribe func()

	// absent is closed once the terminal match_absent message is queued.
	absent      chan struct{}
	absentOnce  sync.Once
	releaseOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, matchID, userID string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		Hub:     h,
		Conn:    conn,
		Send:    make(chan []byte, sendBuffer),
		MatchID: matchID,
		UserID:  userID,
		ctx:     ctx,
		cancel:  cancel,
		absent:  make(chan struct{}),
	}
}

// subscribe starts the match stream. The first message is the current
// snapshot, or match_absent when the match does not exist.
func (c *Client) subscribe() {
	unsub := c.Hub.Matches.SubscribeToMatch(c.MatchID, c.onSnapshot)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		unsub()
		return
	}
	c.unsubscribe = unsub
	c.mu.Unlock()
}

func (c *Client) onSnapshot(m *match.Match) {
	if m == nil {
		c.queue(MatchAbsentMsg{Type: TypeMatchAbsent, MatchID: c.MatchID})
		c.absentOnce.Do(func() { close(c.absent) })
		return
	}
	c.queue(MatchUpdateMsg{Type: TypeMatchUpdate, Match: m})
}

// queue marshals v onto Send. Nothing is queued once the client is released.
func (c *Client) queue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal outbound message", "tag", "ws", "err", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if !wsutil.SafeSend(c.Send, data) {
		slog.Warn("send buffer full, dropping message", "tag", "ws", "match", c.MatchID)
	}
}

// release stops the match stream and closes Send. Safe to call more than once.
func (c *Client) release() {
	c.releaseOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		unsub := c.unsubscribe
		close(c.Send)
		c.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		c.cancel()
	})
}

// ReadPump pumps messages from the websocket connection to the coordinator.
// It runs in its own goroutine per connection.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "tag", "ws", "match", c.MatchID, "err", err)
			}
			break
		}
		c.handleMessage(message)
	}
}

// WritePump pumps messages from the send channel to the websocket connection.
// It runs in its own goroutine per connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			if !ok {
				c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(message); err != nil {
				return
			}

		case <-c.absent:
			c.drain()
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "match absent"))
			return

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(message []byte) error {
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := c.Conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	w.Write(message)
	return w.Close()
}

// drain flushes whatever is already queued.
func (c *Client) drain() {
	for {
		select {
		case message, ok := <-c.Send:
			if !ok || c.write(message) != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) handleMessage(data []byte) {
	var envelope InboundEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.sendError("Invalid message format.")
		return
	}

	switch envelope.Type {
	case TypeReportScore:
		c.handleReportScore(envelope.Raw)
	case TypeUpdateState:
		c.handleUpdateState(envelope.Raw)
	case TypeCompleteMatch:
		c.handleComplete()
	default:
		c.sendError("Unknown message type: " + envelope.Type)
	}
}

func (c *Client) handleReportScore(raw json.RawMessage) {
	var msg ReportScoreMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("Invalid report_score message.")
		return
	}
	slot := match.Slot(msg.Slot)
	if c.UserID != "" {
		m, err := c.Hub.Matches.GetMatch(c.ctx, c.MatchID)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		if m == nil {
			c.sendError("Match not found.")
			return
		}
		own, ok := m.SlotOf(c.UserID)
		if !ok || (slot != 0 && slot != own) {
			c.sendError("You may only report your own score.")
			return
		}
		slot = own
	}
	m, err := c.Hub.Scores.UpdatePlayerScore(c.ctx, c.MatchID, slot, msg.Score, msg.Completed)
	c.reportResult(m, err)
}

func (c *Client) handleUpdateState(raw json.RawMessage) {
	var msg UpdateStateMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("Invalid update_state message.")
		return
	}
	if c.UserID != "" && !c.isPlayer() {
		return
	}
	m, err := c.Hub.Scores.UpdateGameState(c.ctx, c.MatchID, msg.GameState)
	c.reportResult(m, err)
}

func (c *Client) handleComplete() {
	if c.UserID != "" && !c.isPlayer() {
		return
	}
	m, err := c.Hub.Scores.CompleteMatch(c.ctx, c.MatchID)
	c.reportResult(m, err)
}

// isPlayer reports whether the authenticated user holds a slot, sending an
// error when not.
func (c *Client) isPlayer() bool {
	m, err := c.Hub.Matches.GetMatch(c.ctx, c.MatchID)
	if err != nil {
		c.sendError(err.Error())
		return false
	}
	if m == nil || !m.HasPlayer(c.UserID) {
		c.sendError("You are not a player of this match.")
		return false
	}
	return true
}

// reportResult surfaces failures. Successful writes reach the client through
// the subscription.
func (c *Client) reportResult(m *match.Match, err error) {
	switch {
	case err != nil:
		c.sendError(err.Error())
	case m == nil:
		c.sendError("Match not found.")
	}
}

func (c *Client) sendError(message string) {
	c.queue(ErrorMsg{Type: TypeError, Message: message})
}
