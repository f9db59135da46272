package match

import (
	"fmt"

	"pvp-match-server/matcherrors"
)

// Event is something that moves a match between statuses.
type Event string

const (
	EventClaim    Event = "claim"
	EventComplete Event = "complete"
	EventCancel   Event = "cancel"
)

// Transition returns the status reached from `from` on ev. Cancel yields an
// empty status: the record is deleted rather than relabelled.
func Transition(from Status, ev Event) (Status, error) {
	switch {
	case from == StatusWaiting && ev == EventClaim:
		return StatusInProgress, nil
	case from == StatusInProgress && ev == EventComplete:
		return StatusCompleted, nil
	case from.Open() && ev == EventCancel:
		return "", nil
	case from == StatusCompleted:
		return from, fmt.Errorf("%w: %s on %s", matcherrors.ErrMatchCompleted, ev, from)
	}
	return from, fmt.Errorf("%w: %s on %s", matcherrors.ErrInvalidTransition, ev, from)
}

// Claimable reports whether a second player may still join m.
func Claimable(m *Match) bool {
	return m.Status == StatusWaiting && m.Player2 == nil
}

// Claim seats p2 in m and moves it to in-progress.
func Claim(m *Match, p2 Player) error {
	if !Claimable(m) {
		return fmt.Errorf("%w: match %s is %s", matcherrors.ErrGuardFailed, m.ID, m.Status)
	}
	next, err := Transition(m.Status, EventClaim)
	if err != nil {
		return err
	}
	m.Player2 = &p2
	m.Status = next
	return nil
}

// Complete moves m to completed and records the winner computed from the
// scores currently in m. It requires both players to have reported.
func Complete(m *Match) error {
	next, err := Transition(m.Status, EventComplete)
	if err != nil {
		return err
	}
	if !m.BothCompleted() {
		return fmt.Errorf("%w: match %s still waits for a completion report", matcherrors.ErrInvalidTransition, m.ID)
	}
	m.Status = next
	m.Winner = DecideWinner(m)
	return nil
}

// CheckMutable rejects gameplay writes to a completed match.
func CheckMutable(m *Match) error {
	if m.Status == StatusCompleted {
		return fmt.Errorf("%w: %s", matcherrors.ErrMatchCompleted, m.ID)
	}
	return nil
}

// DecideWinner returns the uid of the player with the strictly higher score,
// or "" for a tie or a match without a second player.
func DecideWinner(m *Match) string {
	if m.Player2 == nil {
		return ""
	}
	switch {
	case m.Player1.Score > m.Player2.Score:
		return m.Player1.UID
	case m.Player2.Score > m.Player1.Score:
		return m.Player2.UID
	}
	return ""
}

// Validate checks the record-level invariants.
func Validate(m *Match) error {
	if m.Player1.UID == "" {
		return matcherrors.Invalid("player1 uid is empty")
	}
	if !m.Status.Valid() {
		return matcherrors.Invalid("unknown status %q", m.Status)
	}
	if (m.Status == StatusWaiting) != (m.Player2 == nil) {
		return matcherrors.Invalid("status %s does not match player2 presence", m.Status)
	}
	if m.Player2 != nil && m.Player2.UID == m.Player1.UID {
		return matcherrors.Invalid("player %s cannot hold both slots", m.Player1.UID)
	}
	if m.Winner != "" {
		if m.Status != StatusCompleted {
			return matcherrors.Invalid("winner set before completion")
		}
		if !m.HasPlayer(m.Winner) {
			return matcherrors.Invalid("winner %q is not a player", m.Winner)
		}
	}
	if m.Player1.Score < 0 || (m.Player2 != nil && m.Player2.Score < 0) {
		return matcherrors.Invalid("negative score")
	}
	return nil
}
