package ws

import (
	"encoding/json"

	"pvp-match-server/match"
)

// InboundEnvelope is the generic envelope for all client-to-server messages.
// The Type field is used for routing; Raw holds the full JSON payload.
type InboundEnvelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements custom unmarshaling to capture the raw payload.
func (e *InboundEnvelope) UnmarshalJSON(data []byte) error {
	type typeOnly struct {
		Type string `json:"type"`
	}
	var t typeOnly
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	e.Type = t.Type
	e.Raw = json.RawMessage(data)
	return nil
}

// Message types.
const (
	TypeReportScore   = "report_score"
	TypeUpdateState   = "update_state"
	TypeCompleteMatch = "complete_match"

	TypeMatchUpdate = "match_update"
	TypeMatchAbsent = "match_absent"
	TypeError       = "error"
)

// --- Client-to-Server message payloads ---

// ReportScoreMsg reports the sender's score. Slot is ignored when the
// connection is authenticated.
type ReportScoreMsg struct {
	Type      string `json:"type"`
	Slot      int    `json:"slot,omitempty"`
	Score     int    `json:"score"`
	Completed bool   `json:"completed"`
}

// UpdateStateMsg merges keys into the match's game state.
type UpdateStateMsg struct {
	Type      string          `json:"type"`
	GameState match.GameState `json:"gameState"`
}

// --- Server-to-Client messages ---

// MatchUpdateMsg carries the latest snapshot of the subscribed match.
type MatchUpdateMsg struct {
	Type  string       `json:"type"`
	Match *match.Match `json:"match"`
}

// MatchAbsentMsg tells the client the match no longer exists. It is the
// last message on the connection.
type MatchAbsentMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"matchId"`
}

// ErrorMsg is sent when a client action is invalid.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
