package match

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a manually advanced clock shared by registry and service in
// tests.
type testClock struct {
	t time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry() (*Registry, *testClock) {
	clock := newTestClock()
	r := NewRegistry()
	r.now = clock.Now
	return r, clock
}

func TestRegistry_AddAndDuplicate(t *testing.T) {
	r, _ := newTestRegistry()

	require.NoError(t, r.Add("a"))
	assert.ErrorIs(t, r.Add("a"), ErrAlreadyRegistered)

	u, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, StateIdle, u.State)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_ToMatchedRequiresWaiting(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.Add("a"))
	require.NoError(t, r.Add("b"))

	assert.ErrorIs(t, r.ToMatched("a", "b", "room_1"), ErrNotMatched)

	_, err := r.ToWaiting("a", false)
	require.NoError(t, err)
	_, err = r.ToWaiting("b", false)
	require.NoError(t, err)

	require.NoError(t, r.ToMatched("a", "b", "room_1"))

	a, _ := r.Get("a")
	b, _ := r.Get("b")
	assert.Equal(t, StateMatched, a.State)
	assert.Equal(t, "b", a.MatchedWith)
	assert.Equal(t, "room_1", a.RoomID)
	assert.Equal(t, "a", b.MatchedWith)
	assert.Equal(t, 0, r.QueueLen())
	assert.True(t, r.HasPreviouslyMatched("a", "b"))
	assert.True(t, r.HasPreviouslyMatched("b", "a"))
}

func TestRegistry_PairSnapshot(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.Add("a"))
	require.NoError(t, r.Add("b"))

	_, err := r.PairSnapshot("missing")
	assert.ErrorIs(t, err, ErrUnknownUser)

	_, err = r.PairSnapshot("a")
	assert.ErrorIs(t, err, ErrNotMatched)

	r.ToWaiting("a", false)
	r.ToWaiting("b", false)
	require.NoError(t, r.ToMatched("a", "b", "room_1"))

	pair, err := r.PairSnapshot("a")
	require.NoError(t, err)
	assert.Equal(t, "b", pair.Partner.ID)
	assert.Equal(t, "room_1", pair.From.RoomID)

	// Break the link on one side only: the check must fail.
	_, err = r.ToWaiting("b", false)
	require.NoError(t, err)
	_, err = r.PairSnapshot("a")
	assert.ErrorIs(t, err, ErrPartnerMismatch)
}

func TestRegistry_RemoveResetsPartnerOnce(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.Add("a"))
	require.NoError(t, r.Add("b"))
	r.ToWaiting("a", false)
	r.ToWaiting("b", false)
	require.NoError(t, r.ToMatched("a", "b", "room_1"))

	prior, partnerID, ok := r.Remove("a")
	require.True(t, ok)
	assert.Equal(t, StateMatched, prior.State)
	assert.Equal(t, "b", partnerID)

	b, _ := r.Get("b")
	assert.Equal(t, StateWaiting, b.State)
	assert.Empty(t, b.MatchedWith)
	assert.True(t, r.InQueue("b"))

	_, _, ok = r.Remove("a")
	assert.False(t, ok)
}

func TestRegistry_SkipCooldownBlocksRematch(t *testing.T) {
	r, clock := newTestRegistry()
	require.NoError(t, r.Add("a"))
	require.NoError(t, r.Add("b"))
	r.ToWaiting("a", false)
	r.ToWaiting("b", false)

	r.RecordSkip("a", "b")
	cooldown := time.Minute

	assert.False(t, r.Eligible("a", "b", cooldown))
	assert.False(t, r.Eligible("b", "a", cooldown))

	clock.Advance(cooldown + time.Second)
	assert.True(t, r.Eligible("a", "b", cooldown))
}

func TestRegistry_InterceptionGuard(t *testing.T) {
	r, _ := newTestRegistry()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.Add(id))
		_, err := r.ToWaiting(id, false)
		require.NoError(t, err)
	}
	require.NoError(t, r.ToMatched("a", "b", "room_1"))

	// Simulate the asymmetric race: b returns to waiting while a still
	// points at it.
	_, err := r.ToWaiting("b", false)
	require.NoError(t, err)

	// a is matched and still links to b, so b must not be pairable.
	assert.False(t, r.Eligible("b", "c", 0))
	assert.False(t, r.Eligible("c", "b", 0))
}

func TestRegistry_ReconnectionShield(t *testing.T) {
	r, _ := newTestRegistry()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.Add(id))
		_, err := r.ToWaiting(id, false)
		require.NoError(t, err)
	}

	// a and b have history together.
	require.NoError(t, r.ToMatched("a", "b", "room_1"))
	_, err := r.ToWaiting("a", true)
	require.NoError(t, err)

	// b now serves c.
	require.NoError(t, r.ToMatched("b", "c", "room_2"))

	r.RebuildShield("a")
	a := r.users["a"]
	assert.True(t, a.blockedUsers.Has("b"), "shield must block the previous partner now matched elsewhere")
	assert.False(t, a.blockedUsers.Has("c"), "the third party is not in a's history")
}

func TestRegistry_ShieldIgnoresOwnStaleLink(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.Add("a"))
	require.NoError(t, r.Add("b"))
	r.ToWaiting("a", false)
	r.ToWaiting("b", false)
	require.NoError(t, r.ToMatched("a", "b", "room_1"))

	// While a is still recorded as matched, rebuilding b's shield must not
	// treat a's link to b as a foreign pairing.
	_, err := r.ToWaiting("b", false)
	require.NoError(t, err)
	r.RebuildShield("b")

	b := r.users["b"]
	assert.False(t, b.blockedUsers.Has("a"))
}

func TestRegistry_AgeOffHistory(t *testing.T) {
	r, clock := newTestRegistry()
	require.NoError(t, r.Add("a"))
	u := r.users["a"]
	u.previousMatches = []string{"p1", "p2", "p3", "p4", "p5"}

	// Still active: no trim.
	r.AgeOffHistory("a", 30*time.Second, 3)
	assert.Len(t, u.previousMatches, 5)

	clock.Advance(31 * time.Second)
	r.AgeOffHistory("a", 30*time.Second, 3)
	assert.Equal(t, []string{"p3", "p4", "p5"}, u.previousMatches)
}

func TestRegistry_RememberMatchDeduplicates(t *testing.T) {
	u := newUser("a", time.Now())
	u.rememberMatch("x")
	u.rememberMatch("y")
	u.rememberMatch("x")

	assert.Equal(t, []string{"y", "x"}, u.previousMatches)
}

func TestRegistry_EvictFromQueue(t *testing.T) {
	r, _ := newTestRegistry()
	for _, id := range []string{"a", "b"} {
		require.NoError(t, r.Add(id))
		_, err := r.ToWaiting(id, false)
		require.NoError(t, err)
	}

	// Corrupt a's entry: waiting in queue but holding a partner link.
	r.users["a"].MatchedWith = "ghost"

	evicted := r.EvictFromQueue()
	assert.Equal(t, []string{"a"}, evicted)
	assert.Equal(t, []string{"b"}, r.WaitingSnapshot())
}

func TestRegistry_ToIdleDequeues(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.Add("a"))
	_, err := r.ToWaiting("a", false)
	require.NoError(t, err)

	partnerID, err := r.ToIdle("a")
	require.NoError(t, err)
	assert.Empty(t, partnerID)
	assert.False(t, r.InQueue("a"))

	u, _ := r.Get("a")
	assert.Equal(t, StateIdle, u.State)
}

func TestRegistry_RepeatedToWaitingKeepsSeniority(t *testing.T) {
	r, clock := newTestRegistry()
	require.NoError(t, r.Add("a"))
	require.NoError(t, r.Add("b"))

	_, err := r.ToWaiting("a", false)
	require.NoError(t, err)
	joined := clock.Now()

	clock.Advance(5 * time.Second)
	_, err = r.ToWaiting("b", false)
	require.NoError(t, err)

	// A re-issued search while already queued changes neither queue
	// position nor joinedAt, so queue order and joinedAt order agree.
	clock.Advance(5 * time.Second)
	_, err = r.ToWaiting("a", false)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, r.WaitingSnapshot())
	a, _ := r.Get("a")
	b, _ := r.Get("b")
	assert.Equal(t, joined, a.JoinedAt)
	assert.True(t, a.JoinedAt.Before(b.JoinedAt))
}
