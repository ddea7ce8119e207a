package match

import (
	"errors"
	"sync"
	"time"

	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/metrics"
	"k8s.io/utils/set"
)

var (
	// ErrAlreadyRegistered is returned when adding a user id twice.
	ErrAlreadyRegistered = errors.New("user already registered")
	// ErrUnknownUser is returned for lookups of missing ids.
	ErrUnknownUser = errors.New("unknown user")
	// ErrNotMatched is returned when a pair operation finds a user outside
	// the matched state.
	ErrNotMatched = errors.New("user is not matched")
	// ErrPartnerMismatch is returned when the bidirectional partner check
	// fails: A points at B but B does not point back at A.
	ErrPartnerMismatch = errors.New("partner link is not bidirectional")
)

// Registry is the authoritative owner of all user records and of the
// waiting queue derived from them. Every mutation keeps the two coherent:
// a user is queued if and only if its state is waiting.
//
// Mutating methods take the write lock; relay fast paths use PairSnapshot
// under the read lock so forwarding never serializes with matchmaking.
type Registry struct {
	mu    sync.RWMutex
	users map[string]*User
	queue *waitingQueue

	now func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]*User),
		queue: newWaitingQueue(),
		now:   time.Now,
	}
}

// Add registers a new connected user in the idle state.
func (r *Registry) Add(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[id]; ok {
		return ErrAlreadyRegistered
	}
	r.users[id] = newUser(id, r.now())
	return nil
}

// Remove deletes a user. If the user was matched and the partner link
// refers back, the partner is reset to waiting and enqueued; the returned
// partner id tells the caller who to notify.
func (r *Registry) Remove(id string) (prior Snapshot, partnerID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, exists := r.users[id]
	if !exists {
		return Snapshot{}, "", false
	}
	prior = u.snapshot()

	r.queue.removeByID(id)
	delete(r.users, id)

	if prior.State == StateMatched {
		partnerID = r.resetPartnerLocked(id, prior.MatchedWith)
	}
	r.syncQueueGauge()
	return prior, partnerID, true
}

// Get returns a read-consistent snapshot of one user.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return Snapshot{}, false
	}
	return u.snapshot(), true
}

// PairInfo is the atomic four-field check relays depend on: both sides of
// the pair read under a single lock acquisition.
type PairInfo struct {
	From    Snapshot
	Partner Snapshot
}

// PairSnapshot validates that fromID is matched and that the partner link
// is bidirectional, returning both snapshots. It never mutates state, so
// relays can call it concurrently with matchmaking.
func (r *Registry) PairSnapshot(fromID string) (PairInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	from, ok := r.users[fromID]
	if !ok {
		return PairInfo{}, ErrUnknownUser
	}
	if from.State != StateMatched || from.MatchedWith == "" {
		return PairInfo{}, ErrNotMatched
	}
	partner, ok := r.users[from.MatchedWith]
	if !ok {
		return PairInfo{}, ErrPartnerMismatch
	}
	if partner.State != StateMatched || partner.MatchedWith != fromID {
		return PairInfo{}, ErrPartnerMismatch
	}
	return PairInfo{From: from.snapshot(), Partner: partner.snapshot()}, nil
}

// ToWaiting moves a user into the waiting state: the match link is cleared,
// joinedAt is reset to now, and the user is enqueued at the tail. A user
// already in the queue keeps both its position and its joinedAt, so a
// repeated start-search never changes seniority. If the user was matched,
// the partner is reset to waiting first (and enqueued ahead of this user);
// the returned partner id tells the caller who to notify. resetPartner can
// be disabled when the partner transition has already been performed, as
// in the skip flow.
func (r *Registry) ToWaiting(id string, resetPartner bool) (partnerID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return "", ErrUnknownUser
	}

	if u.State == StateMatched && resetPartner {
		partnerID = r.resetPartnerLocked(id, u.MatchedWith)
	}

	alreadyQueued := u.State == StateWaiting && r.queue.contains(id)

	u.State = StateWaiting
	u.MatchedWith = ""
	u.RoomID = ""
	now := r.now()
	if !alreadyQueued {
		u.JoinedAt = now
	}
	u.lastActivityAt = now
	r.queue.pushTail(id)
	r.syncQueueGauge()
	return partnerID, nil
}

// ToIdle moves a user into the idle state, dequeuing it and resetting a
// matched partner to waiting. Unlike ToWaiting the user itself is not
// re-enqueued.
func (r *Registry) ToIdle(id string) (partnerID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return "", ErrUnknownUser
	}

	if u.State == StateMatched {
		partnerID = r.resetPartnerLocked(id, u.MatchedWith)
	}

	u.State = StateIdle
	u.MatchedWith = ""
	u.RoomID = ""
	u.lastActivityAt = r.now()
	r.queue.removeByID(id)
	r.syncQueueGauge()
	return partnerID, nil
}

// ToMatched atomically pairs two waiting users: both leave the queue, the
// mutual partner links are set, and the match is recorded in both users'
// history. Fails without side effects if either user is not waiting.
func (r *Registry) ToMatched(aID, bID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.users[aID]
	if !ok {
		return ErrUnknownUser
	}
	b, ok := r.users[bID]
	if !ok {
		return ErrUnknownUser
	}
	if a.State != StateWaiting || b.State != StateWaiting {
		return ErrNotMatched
	}

	a.State, b.State = StateMatched, StateMatched
	a.MatchedWith, b.MatchedWith = bID, aID
	a.RoomID, b.RoomID = roomID, roomID
	now := r.now()
	a.lastActivityAt, b.lastActivityAt = now, now
	a.rememberMatch(bID)
	b.rememberMatch(aID)
	r.queue.removeByID(aID)
	r.queue.removeByID(bID)
	r.syncQueueGauge()
	return nil
}

// resetPartnerLocked returns the partner of a departing user to the waiting
// queue. Only acts when the partner's link actually refers back, so racing
// skip/disconnect paths reset the partner exactly once.
func (r *Registry) resetPartnerLocked(id, partnerID string) string {
	p, ok := r.users[partnerID]
	if !ok || p.MatchedWith != id {
		return ""
	}
	p.State = StateWaiting
	p.MatchedWith = ""
	p.RoomID = ""
	p.JoinedAt = r.now()
	p.lastActivityAt = p.JoinedAt
	r.queue.pushTail(partnerID)
	return partnerID
}

// RecordSkip stamps the skip time on both users of a pair, in both
// directions.
func (r *Registry) RecordSkip(aID, bID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if a, ok := r.users[aID]; ok {
		a.recentSkips[bID] = now
	}
	if b, ok := r.users[bID]; ok {
		b.recentSkips[aID] = now
	}
}

// AgeOffHistory trims a user's match history to the retain most recent
// entries, but only when the user has been inactive longer than idleFor.
func (r *Registry) AgeOffHistory(id string, idleFor time.Duration, retain int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return
	}
	if r.now().Sub(u.lastActivityAt) <= idleFor {
		return
	}
	if len(u.previousMatches) > retain {
		u.previousMatches = append([]string(nil), u.previousMatches[len(u.previousMatches)-retain:]...)
	}
}

// RebuildShield recomputes a user's blocked set from the intersection of
// its match history with the currently matched population. The shield
// keeps a returning user from being paired against someone now serving a
// third party; it is only consulted at candidate-selection time.
func (r *Registry) RebuildShield(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return
	}

	blocked := set.New[string]()
	for _, other := range r.users {
		if other.ID == id || other.State != StateMatched {
			continue
		}
		if u.hasPreviouslyMatched(other.ID) {
			blocked.Insert(other.ID)
		}
		if other.MatchedWith != "" && u.hasPreviouslyMatched(other.MatchedWith) {
			blocked.Insert(other.MatchedWith)
		}
	}
	u.blockedUsers = blocked
}

// Eligible applies the hard pairing guards to a candidate pair: both
// waiting, skip cooldown elapsed in either direction, neither blocked by
// the other, and no third matched user holds a link to either candidate
// (the interception guard).
func (r *Registry) Eligible(aID, bID string, cooldown time.Duration) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.eligibleLocked(aID, bID, cooldown)
}

func (r *Registry) eligibleLocked(aID, bID string, cooldown time.Duration) bool {
	if aID == bID {
		return false
	}
	a, ok := r.users[aID]
	if !ok {
		return false
	}
	b, ok := r.users[bID]
	if !ok {
		return false
	}
	if a.State != StateWaiting || b.State != StateWaiting {
		return false
	}

	now := r.now()
	if t, ok := a.recentSkips[bID]; ok && now.Sub(t) < cooldown {
		return false
	}
	if t, ok := b.recentSkips[aID]; ok && now.Sub(t) < cooldown {
		return false
	}

	if a.blockedUsers.Has(bID) || b.blockedUsers.Has(aID) {
		return false
	}

	// Interception guard: refuse the pair while any third user is matched
	// with either candidate.
	for _, c := range r.users {
		if c.State != StateMatched {
			continue
		}
		if c.MatchedWith == aID || c.MatchedWith == bID {
			return false
		}
	}
	return true
}

// HasPreviouslyMatched reports whether b appears in a's match history.
func (r *Registry) HasPreviouslyMatched(aID, bID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.users[aID]
	if !ok {
		return false
	}
	return a.hasPreviouslyMatched(bID)
}

// WaitingSnapshot returns the queued ids in FIFO order.
func (r *Registry) WaitingSnapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.queue.snapshot()
}

// EvictFromQueue removes stale queue entries whose user record no longer
// satisfies the queue invariant (missing, not waiting, or still holding a
// partner link). Returns the ids that were evicted.
func (r *Registry) EvictFromQueue() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for _, id := range r.queue.snapshot() {
		u, ok := r.users[id]
		if !ok || u.State != StateWaiting || u.MatchedWith != "" {
			r.queue.removeByID(id)
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		r.syncQueueGauge()
	}
	return evicted
}

// InQueue reports queue membership for one user.
func (r *Registry) InQueue(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.queue.contains(id)
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// QueueLen returns the waiting queue size.
func (r *Registry) QueueLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.queue.size()
}

// MatchesSnapshot returns the current pairings as an id -> partner map.
func (r *Registry) MatchesSnapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pairs := make(map[string]string)
	for id, u := range r.users {
		if u.State == StateMatched && u.MatchedWith != "" {
			pairs[id] = u.MatchedWith
		}
	}
	return pairs
}

func (r *Registry) syncQueueGauge() {
	metrics.WaitingUsers.Set(float64(r.queue.size()))
}
