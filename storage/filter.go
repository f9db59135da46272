package storage

import (
	"sort"
	"time"

	"pvp-match-server/match"
)

// Filter selects matches for Query. Zero-valued fields do not restrict.
type Filter struct {
	GameID   match.GameID
	Statuses []match.Status
	// ExcludePlayer1 drops matches opened by this player.
	ExcludePlayer1 string
	// Player keeps matches where this player holds either slot.
	Player        string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	UpdatedBefore time.Time
}

// Matches reports whether m satisfies f.
func (f Filter) Matches(m *match.Match) bool {
	if f.GameID != "" && m.GameID != f.GameID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if m.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ExcludePlayer1 != "" && m.Player1.UID == f.ExcludePlayer1 {
		return false
	}
	if f.Player != "" && !m.HasPlayer(f.Player) {
		return false
	}
	if !f.CreatedAfter.IsZero() && !m.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !m.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !m.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

// sortByCreation orders matches oldest first, breaking ties by id.
func sortByCreation(ms []*match.Match) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].CreatedAt.Before(ms[j].CreatedAt)
		}
		return ms[i].ID < ms[j].ID
	})
}
