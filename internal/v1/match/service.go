package match

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/events"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/logging"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/metrics"
	"go.uber.org/zap"
)

const (
	// retickDelay is the pause before re-processing a queue that still has
	// two or more waiters after a pass, absorbing churn.
	retickDelay = 500 * time.Millisecond

	// historyIdleThreshold is how long a user must have been inactive
	// before its match history is aged off at search start.
	historyIdleThreshold = 30 * time.Second

	// maxRetainedMatches is how much history survives an age-off.
	maxRetainedMatches = 3
)

// Notifier is the transport surface the matchmaker drives: direct event
// delivery and room membership.
type Notifier interface {
	SendToUser(userID, event string, payload any)
	JoinRoom(userID, roomID string)
	LeaveRoom(userID, roomID string)
}

// EventSink receives match lifecycle events for external observers. The
// optional redis bus implements it; a nil sink disables publishing.
type EventSink interface {
	PublishMatchEvent(ctx context.Context, event string, payload any) error
}

// Service is the matchmaker. All pairing decisions and room-state
// mutations are serialized through its mutex: no two match-creating or
// match-destroying operations ever interleave. Relays bypass the mutex by
// reading registry snapshots.
type Service struct {
	mu       sync.Mutex
	registry *Registry
	notifier Notifier
	sink     EventSink

	cooldown time.Duration
	now      func() time.Time
	rng      *rand.Rand

	pendingRetick bool
	retickTimer   *time.Timer
	stopped       bool

	// onMatchEnded lets the relays tear down per-room state (chat
	// membership, refereed games) when a pairing dies for any reason.
	onMatchEnded func(roomID, departedID, remainingID, reason string)
}

// NewService creates a matchmaker over the given registry and transport.
// sink may be nil.
func NewService(registry *Registry, notifier Notifier, sink EventSink, cooldown time.Duration) *Service {
	return &Service{
		registry: registry,
		notifier: notifier,
		sink:     sink,
		cooldown: cooldown,
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// OnMatchEnded registers the teardown hook invoked whenever a live pairing
// ends (skip, stop, disconnect, or relay reset). departedID names the user
// that caused the teardown; remainingID may be empty if both are gone.
func (s *Service) OnMatchEnded(fn func(roomID, departedID, remainingID, reason string)) {
	s.onMatchEnded = fn
}

// Registry exposes the registry for relays and debug handlers.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Stop cancels any pending queue retick.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.retickTimer != nil {
		s.retickTimer.Stop()
		s.retickTimer = nil
	}
	s.pendingRetick = false
}

// HandleConnect registers a newly connected user in the idle state.
func (s *Service) HandleConnect(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Add(userID)
}

// HandleDisconnect removes a user. A matched partner is returned to the
// queue and notified exactly once, even when racing a concurrent skip.
func (s *Service) HandleDisconnect(ctx context.Context, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior, partnerID, ok := s.registry.Remove(userID)
	if !ok {
		return
	}
	logging.Info(ctx, "user removed", zap.String("userId", userID), zap.String("priorState", string(prior.State)))

	if partnerID != "" {
		s.endMatchLocked(ctx, prior.RoomID, userID, partnerID, "disconnect")
		s.notifier.LeaveRoom(partnerID, prior.RoomID)
		s.notifier.SendToUser(partnerID, events.PeerDisconnected, nil)
		s.notifier.SendToUser(partnerID, events.WaitingForPeer, nil)
	}
	s.processQueueLocked(ctx)
}

// StartSearch moves a user into the waiting queue. A matched user first
// skips its current partner; stale match history is aged off and the
// reconnection shield is rebuilt before queueing.
func (s *Service) StartSearch(ctx context.Context, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.registry.Get(userID)
	if !ok {
		logging.Warn(ctx, "start-search from unknown user", zap.String("userId", userID))
		return
	}

	if u.State == StateMatched {
		s.skipCurrentPartnerLocked(ctx, userID, u)
	}

	// Age-off reads the pre-search activity timestamp, so it must run
	// before the waiting transition refreshes it.
	s.registry.AgeOffHistory(userID, historyIdleThreshold, maxRetainedMatches)
	s.registry.RebuildShield(userID)

	if _, err := s.registry.ToWaiting(userID, false); err != nil {
		logging.Error(ctx, "start-search transition failed", zap.String("userId", userID), zap.Error(err))
		return
	}
	s.notifier.SendToUser(userID, events.WaitingForPeer, nil)
	s.processQueueLocked(ctx)
}

// Skip ends the current match: the skip is recorded on both sides, the
// partner re-enters the queue first, and the skipper is placed at the
// tail. A skip from a non-matched user just re-confirms the waiting state.
func (s *Service) Skip(ctx context.Context, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.registry.Get(userID)
	if !ok {
		return
	}

	switch u.State {
	case StateMatched:
		s.skipCurrentPartnerLocked(ctx, userID, u)
		if _, err := s.registry.ToWaiting(userID, false); err != nil {
			logging.Error(ctx, "skip transition failed", zap.String("userId", userID), zap.Error(err))
			return
		}
		s.notifier.SendToUser(userID, events.WaitingForPeer, nil)
		metrics.Skips.Inc()
	case StateWaiting:
		s.notifier.SendToUser(userID, events.WaitingForPeer, nil)
	default:
		logging.Warn(ctx, "skip from idle user ignored", zap.String("userId", userID))
		return
	}
	s.processQueueLocked(ctx)
}

// StopSearch returns a user to idle. A matched partner is reset to waiting
// and notified; the stopping user is not re-enqueued.
func (s *Service) StopSearch(ctx context.Context, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.registry.Get(userID)
	if !ok {
		return
	}
	roomID := u.RoomID

	partnerID, err := s.registry.ToIdle(userID)
	if err != nil {
		return
	}
	if partnerID != "" {
		s.endMatchLocked(ctx, roomID, userID, partnerID, "stop-search")
		s.notifier.LeaveRoom(userID, roomID)
		s.notifier.LeaveRoom(partnerID, roomID)
		s.notifier.SendToUser(partnerID, events.PeerDisconnected, nil)
		s.notifier.SendToUser(partnerID, events.WaitingForPeer, nil)
	}
	s.processQueueLocked(ctx)
}

// ResetPair is the state-inconsistency escape hatch used by the relays:
// both users (when still present) are forced back to waiting, told why,
// and the queue is reprocessed.
func (s *Service) ResetPair(ctx context.Context, fromID, partnerID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Tear the room down once, from whichever side still holds a link.
	if u, ok := s.registry.Get(fromID); ok && u.State == StateMatched && u.RoomID != "" {
		s.endMatchLocked(ctx, u.RoomID, fromID, u.MatchedWith, "reset")
		s.notifier.LeaveRoom(fromID, u.RoomID)
		if u.MatchedWith != "" {
			s.notifier.LeaveRoom(u.MatchedWith, u.RoomID)
		}
	} else if p, ok := s.registry.Get(partnerID); ok && p.State == StateMatched && p.RoomID != "" {
		s.endMatchLocked(ctx, p.RoomID, partnerID, p.MatchedWith, "reset")
		s.notifier.LeaveRoom(partnerID, p.RoomID)
	}

	for _, id := range []string{fromID, partnerID} {
		if id == "" {
			continue
		}
		if _, ok := s.registry.Get(id); !ok {
			continue
		}
		if _, err := s.registry.ToWaiting(id, false); err != nil {
			continue
		}
		s.notifier.SendToUser(id, events.ConnectionError, events.ConnectionErrorPayload{Message: reason})
		s.notifier.SendToUser(id, events.WaitingForPeer, nil)
	}
	s.processQueueLocked(ctx)
}

// ProcessQueue runs one matching pass. Exported for the supervisor, which
// uses it as a backstop after sweeps.
func (s *Service) ProcessQueue(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processQueueLocked(ctx)
}

// skipCurrentPartnerLocked performs the partner half of a skip: the skip
// timestamp lands on both users and the partner re-enters the queue ahead
// of the skipper.
func (s *Service) skipCurrentPartnerLocked(ctx context.Context, userID string, u Snapshot) {
	partnerID := u.MatchedWith
	if partnerID == "" {
		return
	}
	s.registry.RecordSkip(userID, partnerID)
	s.endMatchLocked(ctx, u.RoomID, userID, partnerID, "skip")

	s.notifier.LeaveRoom(userID, u.RoomID)
	if _, err := s.registry.ToWaiting(partnerID, false); err == nil {
		s.notifier.LeaveRoom(partnerID, u.RoomID)
		s.notifier.SendToUser(partnerID, events.PeerSkipped, nil)
		s.notifier.SendToUser(partnerID, events.WaitingForPeer, nil)
	}
}

// processQueueLocked is one matching pass: evict stale entries, walk the
// queue in FIFO order attempting preference-ordered selection, then run
// one relaxed pass over the two longest waiters so a two-user steady state
// cannot starve. Schedules a retick while two or more users stay queued.
func (s *Service) processQueueLocked(ctx context.Context) {
	if evicted := s.registry.EvictFromQueue(); len(evicted) > 0 {
		logging.Warn(ctx, "evicted stale queue entries", zap.Strings("userIds", evicted))
	}

	matched := false
	for _, id := range s.registry.WaitingSnapshot() {
		u, ok := s.registry.Get(id)
		if !ok || u.State != StateWaiting {
			continue
		}
		partnerID := s.selectPartnerLocked(id)
		if partnerID == "" {
			continue
		}
		if s.createMatchLocked(ctx, id, partnerID) {
			matched = true
		}
	}

	if !matched && s.registry.QueueLen() >= 2 {
		s.relaxedPassLocked(ctx)
	}

	if s.registry.QueueLen() >= 2 {
		s.scheduleRetickLocked()
	}
}

// selectPartnerLocked picks the best eligible candidate for userID:
// mutually-novel pairs first, then pairs novel to the candidate, then any
// eligible waiter. Within a tier the longest-waiting candidate wins, which
// is queue order.
func (s *Service) selectPartnerLocked(userID string) string {
	var tier2, tier3 string
	for _, candidateID := range s.registry.WaitingSnapshot() {
		if candidateID == userID {
			continue
		}
		if !s.registry.Eligible(userID, candidateID, s.cooldown) {
			continue
		}
		aKnowsB := s.registry.HasPreviouslyMatched(userID, candidateID)
		bKnowsA := s.registry.HasPreviouslyMatched(candidateID, userID)
		switch {
		case !aKnowsB && !bKnowsA:
			return candidateID
		case !bKnowsA && tier2 == "":
			tier2 = candidateID
		case tier3 == "":
			tier3 = candidateID
		}
	}
	if tier2 != "" {
		return tier2
	}
	return tier3
}

// relaxedPassLocked pairs the two oldest waiters using only the hard
// guards, ignoring novelty preferences.
func (s *Service) relaxedPassLocked(ctx context.Context) {
	waiting := s.registry.WaitingSnapshot()
	type waiter struct {
		id       string
		joinedAt time.Time
	}
	var ws []waiter
	for _, id := range waiting {
		if u, ok := s.registry.Get(id); ok && u.State == StateWaiting {
			ws = append(ws, waiter{id: id, joinedAt: u.JoinedAt})
		}
	}
	if len(ws) < 2 {
		return
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].joinedAt.Before(ws[j].joinedAt) })

	a, b := ws[0].id, ws[1].id
	if s.registry.Eligible(a, b, s.cooldown) {
		s.createMatchLocked(ctx, a, b)
	}
}

// createMatchLocked atomically pairs two users: eligibility is revalidated,
// the registry transition runs, both users move into the transport room,
// and both get match-ready with the initiator flag. The earlier joiner
// initiates; ties break on the smaller id.
func (s *Service) createMatchLocked(ctx context.Context, aID, bID string) bool {
	if !s.registry.Eligible(aID, bID, s.cooldown) {
		return false
	}

	a, okA := s.registry.Get(aID)
	b, okB := s.registry.Get(bID)
	if !okA || !okB {
		return false
	}

	roomID := s.newRoomID()
	if err := s.registry.ToMatched(aID, bID, roomID); err != nil {
		logging.Error(ctx, "match transition failed",
			zap.String("a", aID), zap.String("b", bID), zap.Error(err))
		return false
	}

	aInitiates := a.JoinedAt.Before(b.JoinedAt) || (a.JoinedAt.Equal(b.JoinedAt) && aID < bID)

	s.notifier.JoinRoom(aID, roomID)
	s.notifier.JoinRoom(bID, roomID)
	s.notifier.SendToUser(aID, events.MatchReady, events.MatchReadyPayload{
		RoomID: roomID, IsInitiator: aInitiates, PeerID: bID,
	})
	s.notifier.SendToUser(bID, events.MatchReady, events.MatchReadyPayload{
		RoomID: roomID, IsInitiator: !aInitiates, PeerID: aID,
	})

	metrics.MatchesCreated.Inc()
	metrics.ActiveMatches.Inc()
	logging.Info(ctx, "match created",
		zap.String("roomId", roomID), zap.String("a", aID), zap.String("b", bID),
		zap.Bool("aInitiates", aInitiates))

	if s.sink != nil {
		payload := map[string]string{"roomId": roomID, "a": aID, "b": bID}
		if err := s.sink.PublishMatchEvent(ctx, "match:created", payload); err != nil {
			logging.Warn(ctx, "bus publish failed", zap.Error(err))
		}
	}
	return true
}

// endMatchLocked records the death of a pairing. It fires once per room
// teardown from whichever path gets there first.
func (s *Service) endMatchLocked(ctx context.Context, roomID, departedID, remainingID, reason string) {
	if roomID == "" {
		return
	}
	metrics.ActiveMatches.Dec()
	logging.Info(ctx, "match ended",
		zap.String("roomId", roomID), zap.String("reason", reason),
		zap.String("departed", departedID))

	if s.sink != nil {
		payload := map[string]string{"roomId": roomID, "reason": reason}
		if err := s.sink.PublishMatchEvent(ctx, "match:ended", payload); err != nil {
			logging.Warn(ctx, "bus publish failed", zap.Error(err))
		}
	}
	if s.onMatchEnded != nil {
		s.onMatchEnded(roomID, departedID, remainingID, reason)
	}
}

// scheduleRetickLocked arms a single delayed re-run of queue processing.
func (s *Service) scheduleRetickLocked() {
	if s.pendingRetick || s.stopped {
		return
	}
	s.pendingRetick = true
	s.retickTimer = time.AfterFunc(retickDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.pendingRetick = false
		if s.stopped {
			return
		}
		s.processQueueLocked(context.Background())
	})
}

const roomIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// newRoomID produces ids of the form room_<millis>_<rand>, matching the
// naming the supervisor's sweep keys on.
func (s *Service) newRoomID() string {
	buf := make([]byte, 9)
	for i := range buf {
		buf[i] = roomIDAlphabet[s.rng.Intn(len(roomIDAlphabet))]
	}
	return fmt.Sprintf("room_%d_%s", s.now().UnixMilli(), buf)
}
