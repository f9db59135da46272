package storage

import (
	"testing"
	"time"

	"pvp-match-server/match"
)

func TestFilterMatches(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := &match.Match{
		ID:        "m1",
		GameID:    match.GameCardFlip,
		Player1:   match.NewPlayer("alice", "Alice"),
		Player2:   &match.Player{UID: "bob", Username: "Bob"},
		Status:    match.StatusInProgress,
		CreatedAt: base,
		UpdatedAt: base.Add(time.Minute),
	}

	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{"empty filter", Filter{}, true},
		{"game matches", Filter{GameID: match.GameCardFlip}, true},
		{"game differs", Filter{GameID: match.GameGuessCup}, false},
		{"status listed", Filter{Statuses: []match.Status{match.StatusWaiting, match.StatusInProgress}}, true},
		{"status not listed", Filter{Statuses: []match.Status{match.StatusWaiting}}, false},
		{"exclude own match", Filter{ExcludePlayer1: "alice"}, false},
		{"exclude applies to player1 only", Filter{ExcludePlayer1: "bob"}, true},
		{"player in slot 2", Filter{Player: "bob"}, true},
		{"player absent", Filter{Player: "carol"}, false},
		{"created after is exclusive", Filter{CreatedAfter: base}, false},
		{"created after earlier", Filter{CreatedAfter: base.Add(-time.Second)}, true},
		{"created before is exclusive", Filter{CreatedBefore: base}, false},
		{"updated before later", Filter{UpdatedBefore: base.Add(2 * time.Minute)}, true},
		{"updated before earlier", Filter{UpdatedBefore: base}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.Matches(m); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSortByCreation(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ms := []*match.Match{
		{ID: "c", CreatedAt: base.Add(time.Second)},
		{ID: "b", CreatedAt: base},
		{ID: "a", CreatedAt: base},
	}
	sortByCreation(ms)
	if got := ids(ms); got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("order = %v, want [a b c]", got)
	}
}
