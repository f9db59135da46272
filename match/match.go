package match

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle status of a match. Deletion is not a status: a
// cancelled or expired match is simply absent from the store.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Open reports whether a match in status s can still change.
func (s Status) Open() bool {
	return s == StatusWaiting || s == StatusInProgress
}

// Player is a player slot embedded in a Match.
type Player struct {
	UID       string `json:"uid"`
	Username  string `json:"username"`
	Score     int    `json:"score"`
	Completed bool   `json:"completed"`
}

// NewPlayer returns a fresh slot with zero score.
func NewPlayer(uid, username string) Player {
	return Player{UID: uid, Username: username}
}

// GameState is the opaque per-match blob owned by the minigame clients.
// Values are kept as raw JSON so they pass through the server untouched.
type GameState map[string]json.RawMessage

// Clone returns a deep copy of gs.
func (gs GameState) Clone() GameState {
	out := make(GameState, len(gs))
	for k, v := range gs {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Match is the shared record coordinating one two-player contest.
type Match struct {
	ID        string    `json:"id"`
	GameID    GameID    `json:"gameId"`
	Player1   Player    `json:"player1"`
	Player2   *Player   `json:"player2"`
	GameState GameState `json:"gameState"`
	Status    Status    `json:"status"`
	// Winner is empty until completed, and stays empty on a tie.
	Winner    string    `json:"winner,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewWaiting builds the record a first player creates when no opponent is
// available. ID and timestamps are assigned by the store.
func NewWaiting(gameID GameID, p1 Player) *Match {
	return &Match{
		GameID:    gameID,
		Player1:   p1,
		GameState: GameState{},
		Status:    StatusWaiting,
	}
}

// Clone returns a deep copy so callers never share a record with the store.
func (m *Match) Clone() *Match {
	if m == nil {
		return nil
	}
	c := *m
	if m.Player2 != nil {
		p2 := *m.Player2
		c.Player2 = &p2
	}
	c.GameState = m.GameState.Clone()
	return &c
}

// SlotOf returns the slot held by uid, or false if uid is not in the match.
func (m *Match) SlotOf(uid string) (Slot, bool) {
	if uid == "" {
		return 0, false
	}
	if m.Player1.UID == uid {
		return Slot1, true
	}
	if m.Player2 != nil && m.Player2.UID == uid {
		return Slot2, true
	}
	return 0, false
}

// HasPlayer reports whether uid holds either slot.
func (m *Match) HasPlayer(uid string) bool {
	_, ok := m.SlotOf(uid)
	return ok
}

// PlayerIn returns the player occupying slot, or nil if the slot is empty.
func (m *Match) PlayerIn(slot Slot) *Player {
	switch slot {
	case Slot1:
		return &m.Player1
	case Slot2:
		return m.Player2
	}
	return nil
}

// BothCompleted reports whether both players have reported a final score.
func (m *Match) BothCompleted() bool {
	return m.Player2 != nil && m.Player1.Completed && m.Player2.Completed
}

// ExpiredAt reports whether a waiting match created at m.CreatedAt has
// outlived ttl at time now.
func (m *Match) ExpiredAt(now time.Time, ttl time.Duration) bool {
	return m.Status == StatusWaiting && ttl > 0 && !m.CreatedAt.After(now.Add(-ttl))
}

// Slot identifies player1 or player2.
type Slot int

const (
	Slot1 Slot = 1
	Slot2 Slot = 2
)

// Valid reports whether s names a slot.
func (s Slot) Valid() bool {
	return s == Slot1 || s == Slot2
}

// Other returns the opposing slot.
func (s Slot) Other() Slot {
	if s == Slot1 {
		return Slot2
	}
	return Slot1
}
