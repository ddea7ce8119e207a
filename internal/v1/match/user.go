package match

import (
	"time"

	"k8s.io/utils/set"
)

// State is a user's lifecycle state. A user is always in exactly one state,
// and queue membership is derived from it: waiting users are queued, nobody
// else is.
type State string

const (
	StateIdle    State = "idle"    // connected, not searching
	StateWaiting State = "waiting" // in the queue
	StateMatched State = "matched" // paired
)

// User is one connected client. All fields are owned by the Registry and
// must only be touched under its lock.
type User struct {
	ID          string
	State       State
	JoinedAt    time.Time // reset on each entry to the waiting queue
	MatchedWith string    // partner id, "" unless State == StateMatched
	RoomID      string    // current pairing room, "" unless matched

	// previousMatches keeps insertion order so age-off can retain only the
	// most recent entries.
	previousMatches []string

	// recentSkips records the latest skip timestamp per partner, written
	// symmetrically on both users involved.
	recentSkips map[string]time.Time

	// blockedUsers is rebuilt at every search start (the reconnection
	// shield) and only ever consulted to reject candidate pairings.
	blockedUsers set.Set[string]

	lastActivityAt time.Time
}

func newUser(id string, now time.Time) *User {
	return &User{
		ID:             id,
		State:          StateIdle,
		JoinedAt:       now,
		recentSkips:    make(map[string]time.Time),
		blockedUsers:   set.New[string](),
		lastActivityAt: now,
	}
}

// hasPreviouslyMatched reports whether partnerID appears in this user's
// match history.
func (u *User) hasPreviouslyMatched(partnerID string) bool {
	for _, id := range u.previousMatches {
		if id == partnerID {
			return true
		}
	}
	return false
}

// rememberMatch appends partnerID to the match history, de-duplicating by
// moving an existing entry to the most-recent position.
func (u *User) rememberMatch(partnerID string) {
	for i, id := range u.previousMatches {
		if id == partnerID {
			u.previousMatches = append(u.previousMatches[:i], u.previousMatches[i+1:]...)
			break
		}
	}
	u.previousMatches = append(u.previousMatches, partnerID)
}

// Snapshot is a read-consistent copy of the relay-relevant user fields.
type Snapshot struct {
	ID          string
	State       State
	MatchedWith string
	RoomID      string
	JoinedAt    time.Time
}

func (u *User) snapshot() Snapshot {
	return Snapshot{
		ID:          u.ID,
		State:       u.State,
		MatchedWith: u.MatchedWith,
		RoomID:      u.RoomID,
		JoinedAt:    u.JoinedAt,
	}
}
