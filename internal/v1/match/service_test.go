package match

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/events"
)

// fakeNotifier records every outbound event and room transition per user.
type fakeNotifier struct {
	mu       sync.Mutex
	sent     map[string][]string // userID -> event names in order
	payloads map[string][]any
	rooms    map[string]string // userID -> current room ("" = none)
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		sent:     make(map[string][]string),
		payloads: make(map[string][]any),
		rooms:    make(map[string]string),
	}
}

func (f *fakeNotifier) SendToUser(userID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[userID] = append(f.sent[userID], event)
	f.payloads[userID] = append(f.payloads[userID], payload)
}

func (f *fakeNotifier) JoinRoom(userID, roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[userID] = roomID
}

func (f *fakeNotifier) LeaveRoom(userID, roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rooms[userID] == roomID {
		f.rooms[userID] = ""
	}
}

func (f *fakeNotifier) eventsFor(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[userID]...)
}

func (f *fakeNotifier) lastMatchReady(t *testing.T, userID string) events.MatchReadyPayload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent[userID]) - 1; i >= 0; i-- {
		if f.sent[userID][i] == events.MatchReady {
			return f.payloads[userID][i].(events.MatchReadyPayload)
		}
	}
	t.Fatalf("no match-ready sent to %s", userID)
	return events.MatchReadyPayload{}
}

func (f *fakeNotifier) countEvent(userID, event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.sent[userID] {
		if e == event {
			n++
		}
	}
	return n
}

func newTestService(t *testing.T, cooldown time.Duration) (*Service, *fakeNotifier, *testClock) {
	t.Helper()
	clock := newTestClock()
	registry := NewRegistry()
	registry.now = clock.Now

	notifier := newFakeNotifier()
	svc := NewService(registry, notifier, nil, cooldown)
	svc.now = clock.Now
	t.Cleanup(svc.Stop)
	return svc, notifier, clock
}

func connectAll(t *testing.T, svc *Service, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, svc.HandleConnect(context.Background(), id))
	}
}

func TestService_HappyPath(t *testing.T) {
	svc, notifier, _ := newTestService(t, time.Minute)
	ctx := context.Background()
	connectAll(t, svc, "a", "b")

	svc.StartSearch(ctx, "a")
	assert.Equal(t, []string{events.WaitingForPeer}, notifier.eventsFor("a"))

	svc.StartSearch(ctx, "b")

	readyA := notifier.lastMatchReady(t, "a")
	readyB := notifier.lastMatchReady(t, "b")
	assert.Equal(t, readyA.RoomID, readyB.RoomID)
	assert.Equal(t, "b", readyA.PeerID)
	assert.Equal(t, "a", readyB.PeerID)
	assert.NotEqual(t, readyA.IsInitiator, readyB.IsInitiator, "exactly one side initiates")

	reg := svc.Registry()
	a, _ := reg.Get("a")
	b, _ := reg.Get("b")
	assert.Equal(t, StateMatched, a.State)
	assert.Equal(t, "b", a.MatchedWith)
	assert.Equal(t, "a", b.MatchedWith)
	assert.Equal(t, a.RoomID, b.RoomID)
	assert.Equal(t, 0, reg.QueueLen())
}

func TestService_InitiatorTieBreaksOnSmallerID(t *testing.T) {
	// The frozen clock gives both users an identical joinedAt.
	svc, notifier, _ := newTestService(t, time.Minute)
	ctx := context.Background()
	connectAll(t, svc, "zed", "amy")

	svc.StartSearch(ctx, "zed")
	svc.StartSearch(ctx, "amy")

	readyAmy := notifier.lastMatchReady(t, "amy")
	readyZed := notifier.lastMatchReady(t, "zed")
	assert.True(t, readyAmy.IsInitiator)
	assert.False(t, readyZed.IsInitiator)
}

func TestService_SkipCooldownPreventsImmediateRematch(t *testing.T) {
	svc, notifier, clock := newTestService(t, time.Minute)
	ctx := context.Background()
	connectAll(t, svc, "a", "b")
	svc.StartSearch(ctx, "a")
	svc.StartSearch(ctx, "b")

	svc.Skip(ctx, "a")

	reg := svc.Registry()
	a, _ := reg.Get("a")
	b, _ := reg.Get("b")
	assert.Equal(t, StateWaiting, a.State, "no rematch within the cooldown")
	assert.Equal(t, StateWaiting, b.State)
	assert.Equal(t, 1, notifier.countEvent("b", events.PeerSkipped))

	// The skipped partner re-enters the queue ahead of the skipper.
	assert.Equal(t, []string{"b", "a"}, reg.WaitingSnapshot())

	clock.Advance(61 * time.Second)
	svc.ProcessQueue(ctx)

	a, _ = reg.Get("a")
	assert.Equal(t, StateMatched, a.State, "cooldown elapsed, rematch allowed")
	assert.Equal(t, "b", a.MatchedWith)
}

func TestService_ZeroCooldownRematchesPreviousPair(t *testing.T) {
	// Two-user steady state: with no cooldown the pair reconnects at once
	// even though both know each other.
	svc, _, _ := newTestService(t, 0)
	ctx := context.Background()
	connectAll(t, svc, "a", "b")
	svc.StartSearch(ctx, "a")
	svc.StartSearch(ctx, "b")

	svc.Skip(ctx, "a")

	a, _ := svc.Registry().Get("a")
	assert.Equal(t, StateMatched, a.State)
	assert.Equal(t, "b", a.MatchedWith)
}

func TestService_ThreeUserRotation(t *testing.T) {
	svc, _, _ := newTestService(t, time.Minute)
	ctx := context.Background()
	connectAll(t, svc, "a", "b", "c")
	svc.StartSearch(ctx, "a")
	svc.StartSearch(ctx, "b") // pairs a-b
	svc.StartSearch(ctx, "c") // c waits

	reg := svc.Registry()
	c, _ := reg.Get("c")
	require.Equal(t, StateWaiting, c.State)

	svc.Skip(ctx, "a")

	// c was first in the queue and b is novel to it.
	b, _ := reg.Get("b")
	c, _ = reg.Get("c")
	assert.Equal(t, StateMatched, c.State)
	assert.Equal(t, "b", c.MatchedWith)
	assert.Equal(t, "c", b.MatchedWith)

	a, _ := reg.Get("a")
	assert.Equal(t, StateWaiting, a.State)
}

func TestService_NoveltyPreferred(t *testing.T) {
	svc, _, clock := newTestService(t, time.Minute)
	ctx := context.Background()
	connectAll(t, svc, "a", "b", "c")
	svc.StartSearch(ctx, "a")
	svc.StartSearch(ctx, "b") // pairs a-b

	svc.Skip(ctx, "a")
	clock.Advance(2 * time.Minute)

	// b and a wait (in that order); c arrives. The pass walks b first and
	// must prefer the mutually novel c over a rematch with a.
	svc.StartSearch(ctx, "c")

	reg := svc.Registry()
	b, _ := reg.Get("b")
	assert.Equal(t, StateMatched, b.State)
	assert.Equal(t, "c", b.MatchedWith)
}

func TestService_StopSearchLeavesQueue(t *testing.T) {
	svc, notifier, _ := newTestService(t, time.Minute)
	ctx := context.Background()
	connectAll(t, svc, "a", "b")
	svc.StartSearch(ctx, "a")
	svc.StartSearch(ctx, "b")

	svc.StopSearch(ctx, "a")

	reg := svc.Registry()
	a, _ := reg.Get("a")
	b, _ := reg.Get("b")
	assert.Equal(t, StateIdle, a.State)
	assert.False(t, reg.InQueue("a"))
	assert.Equal(t, StateWaiting, b.State)
	assert.Equal(t, 1, notifier.countEvent("b", events.PeerDisconnected))
	assert.Equal(t, 0, notifier.countEvent("a", events.PeerDisconnected))
}

func TestService_DisconnectNotifiesPartnerOnce(t *testing.T) {
	svc, notifier, _ := newTestService(t, time.Minute)
	ctx := context.Background()
	connectAll(t, svc, "a", "b")
	svc.StartSearch(ctx, "a")
	svc.StartSearch(ctx, "b")

	svc.HandleDisconnect(ctx, "a")
	svc.HandleDisconnect(ctx, "a") // duplicate must be a no-op

	reg := svc.Registry()
	_, ok := reg.Get("a")
	assert.False(t, ok)

	b, _ := reg.Get("b")
	assert.Equal(t, StateWaiting, b.State)
	assert.Equal(t, 1, notifier.countEvent("b", events.PeerDisconnected))
}

func TestService_StartSearchWhileMatchedSkipsPartner(t *testing.T) {
	svc, notifier, _ := newTestService(t, time.Minute)
	ctx := context.Background()
	connectAll(t, svc, "a", "b")
	svc.StartSearch(ctx, "a")
	svc.StartSearch(ctx, "b")

	svc.StartSearch(ctx, "a")

	reg := svc.Registry()
	a, _ := reg.Get("a")
	b, _ := reg.Get("b")
	assert.Equal(t, StateWaiting, a.State)
	assert.Equal(t, StateWaiting, b.State)
	assert.Equal(t, 1, notifier.countEvent("b", events.PeerSkipped))
	assert.False(t, reg.Eligible("a", "b", time.Minute), "skip cooldown applies")
}

func TestService_SkipFromIdleIsIgnored(t *testing.T) {
	svc, notifier, _ := newTestService(t, time.Minute)
	ctx := context.Background()
	connectAll(t, svc, "a")

	svc.Skip(ctx, "a")
	assert.Empty(t, notifier.eventsFor("a"))
}

func TestService_ResetPairReturnsBothToWaiting(t *testing.T) {
	svc, notifier, _ := newTestService(t, time.Minute)
	ctx := context.Background()
	connectAll(t, svc, "a", "b")
	svc.StartSearch(ctx, "a")
	svc.StartSearch(ctx, "b")

	svc.ResetPair(ctx, "a", "b", "signaling failed")

	reg := svc.Registry()
	a, _ := reg.Get("a")
	b, _ := reg.Get("b")
	assert.Equal(t, StateWaiting, a.State)
	assert.Equal(t, StateWaiting, b.State)
	assert.Equal(t, 1, notifier.countEvent("a", events.ConnectionError))
	assert.Equal(t, 1, notifier.countEvent("b", events.ConnectionError))
}

func TestService_MatchEndedHookFires(t *testing.T) {
	svc, _, _ := newTestService(t, time.Minute)
	ctx := context.Background()

	var endedRooms []string
	var reasons []string
	svc.OnMatchEnded(func(roomID, departedID, remainingID, reason string) {
		endedRooms = append(endedRooms, roomID)
		reasons = append(reasons, reason)
	})

	connectAll(t, svc, "a", "b")
	svc.StartSearch(ctx, "a")
	svc.StartSearch(ctx, "b")
	a, _ := svc.Registry().Get("a")
	roomID := a.RoomID

	svc.Skip(ctx, "a")

	require.Len(t, endedRooms, 1)
	assert.Equal(t, roomID, endedRooms[0])
	assert.Equal(t, "skip", reasons[0])
}

func TestService_RoomIDShape(t *testing.T) {
	svc, notifier, _ := newTestService(t, time.Minute)
	ctx := context.Background()
	connectAll(t, svc, "a", "b")
	svc.StartSearch(ctx, "a")
	svc.StartSearch(ctx, "b")

	ready := notifier.lastMatchReady(t, "a")
	assert.Regexp(t, `^room_\d+_[0-9a-z]{9}$`, ready.RoomID)
}
