package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"pvp-match-server/match"
)

const createHistoryTableSQL = `
CREATE TABLE IF NOT EXISTS game_history (
	id               UUID PRIMARY KEY,
	played_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	game_id          TEXT NOT NULL,
	player1_user_id  TEXT NOT NULL,
	player2_user_id  TEXT NOT NULL,
	player1_name     TEXT NOT NULL,
	player2_name     TEXT NOT NULL,
	player1_score    BIGINT NOT NULL,
	player2_score    BIGINT NOT NULL,
	winner_slot      SMALLINT
);
CREATE INDEX IF NOT EXISTS idx_game_history_player1 ON game_history(player1_user_id);
CREATE INDEX IF NOT EXISTS idx_game_history_player2 ON game_history(player2_user_id);
`

// HistoryStore archives completed matches. A nil *HistoryStore is valid and
// records nothing, so callers need no branching when Postgres is not configured.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore ensures the game_history table exists. If pool is nil,
// NewHistoryStore returns (nil, nil) and no archiving occurs.
func NewHistoryStore(ctx context.Context, pool *pgxpool.Pool) (*HistoryStore, error) {
	if pool == nil {
		return nil, nil
	}
	if _, err := pool.Exec(ctx, createHistoryTableSQL); err != nil {
		return nil, err
	}
	return &HistoryStore{pool: pool}, nil
}

// RecordResult stores a completed match. Recording the same match twice is a no-op.
func (s *HistoryStore) RecordResult(ctx context.Context, m *match.Match) error {
	if s == nil || s.pool == nil || m.Player2 == nil {
		return nil
	}
	var winner *int
	if slot, ok := m.SlotOf(m.Winner); ok {
		w := int(slot)
		winner = &w
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO game_history (id, played_at, game_id, player1_user_id, player2_user_id, player1_name, player2_name, player1_score, player2_score, winner_slot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.UpdatedAt, string(m.GameID), m.Player1.UID, m.Player2.UID, m.Player1.Username, m.Player2.Username,
		m.Player1.Score, m.Player2.Score, winner)
	return err
}

// GameRecord is a single row returned for the history API.
type GameRecord struct {
	ID            string `json:"id"`
	PlayedAt      string `json:"played_at"` // ISO8601
	GameID        string `json:"game_id"`
	Player1UserID string `json:"player1_user_id"`
	Player2UserID string `json:"player2_user_id"`
	Player1Name   string `json:"player1_name"`
	Player2Name   string `json:"player2_name"`
	Player1Score  int    `json:"player1_score"`
	Player2Score  int    `json:"player2_score"`
	WinnerSlot    *int   `json:"winner_slot"` // 1 or 2, or null for a tie
	YourSlot      int    `json:"your_slot"`
}

// ListByUserID returns all archived games of the user, newest first.
func (s *HistoryStore) ListByUserID(ctx context.Context, userID string) ([]GameRecord, error) {
	if s == nil || s.pool == nil {
		return []GameRecord{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, played_at, game_id, player1_user_id, player2_user_id, player1_name, player2_name, player1_score, player2_score, winner_slot
		FROM game_history
		WHERE player1_user_id = $1 OR player2_user_id = $1
		ORDER BY played_at DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []GameRecord{}
	for rows.Next() {
		var r GameRecord
		var playedAt time.Time
		if err := rows.Scan(&r.ID, &playedAt, &r.GameID, &r.Player1UserID, &r.Player2UserID, &r.Player1Name, &r.Player2Name, &r.Player1Score, &r.Player2Score, &r.WinnerSlot); err != nil {
			return nil, err
		}
		r.PlayedAt = playedAt.UTC().Format(time.RFC3339)
		r.YourSlot = 1
		if r.Player2UserID == userID {
			r.YourSlot = 2
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
