// Package supervisor runs the periodic maintenance tasks: sweeping
// abandoned rooms, emitting runtime stats, and reaping idle games. Each
// task has its own ticker so a slow sweep never delays stats.
package supervisor

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/logging"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/metrics"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/transport"
	"go.uber.org/zap"
)

// matchRoomPrefix marks rooms created by the matchmaker. Only those are
// subject to the abandoned-room sweep.
const matchRoomPrefix = "room_"

// gameReapInterval is how often idle games are checked. The expiry itself
// is configured.
const gameReapInterval = 60 * time.Second

// Rooms is the transport surface the supervisor inspects and prunes.
type Rooms interface {
	RoomsSnapshot() map[string]transport.RoomInfo
	DropRoom(roomID string)
	ConnectionCount() int
}

// Matcher is poked after a sweep so users freed from a dead room get
// re-paired promptly.
type Matcher interface {
	ProcessQueue(ctx context.Context)
}

// Games reaps idle refereed games.
type Games interface {
	ReapIdle(ctx context.Context, expiry time.Duration) int
}

// Census is the registry view used for the stats payload.
type Census interface {
	Count() int
	QueueLen() int
	MatchesSnapshot() map[string]string
}

// Supervisor owns the three periodic tasks.
type Supervisor struct {
	rooms         Rooms
	matcher       Matcher
	games         Games
	census        Census
	sweepInterval time.Duration
	statsInterval time.Duration
	gameExpiry    time.Duration

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// New creates a supervisor. Start must be called to begin the tasks.
func New(rooms Rooms, matcher Matcher, games Games, census Census, sweepInterval, statsInterval, gameExpiry time.Duration) *Supervisor {
	return &Supervisor{
		rooms:         rooms,
		matcher:       matcher,
		games:         games,
		census:        census,
		sweepInterval: sweepInterval,
		statsInterval: statsInterval,
		gameExpiry:    gameExpiry,
		stop:          make(chan struct{}),
	}
}

// Start launches the periodic tasks.
func (s *Supervisor) Start(ctx context.Context) {
	s.run(ctx, s.sweepInterval, s.SweepAbandonedRooms)
	s.run(ctx, s.statsInterval, s.EmitStats)
	s.run(ctx, gameReapInterval, s.ReapIdleGames)
	logging.Info(ctx, "supervisor started",
		zap.Duration("sweep_interval", s.sweepInterval),
		zap.Duration("stats_interval", s.statsInterval),
		zap.Duration("game_expiry", s.gameExpiry))
}

// Stop halts all tasks and waits for them to finish.
func (s *Supervisor) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Supervisor) run(ctx context.Context, interval time.Duration, task func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				task(ctx)
			}
		}
	}()
}

// SweepAbandonedRooms drops every match room that no longer holds both
// participants, then reprocesses the queue as a backstop for users the
// event-driven paths missed.
func (s *Supervisor) SweepAbandonedRooms(ctx context.Context) {
	swept := 0
	for roomID, info := range s.rooms.RoomsSnapshot() {
		if !strings.HasPrefix(roomID, matchRoomPrefix) {
			continue
		}
		if len(info.Members) >= 2 {
			continue
		}
		s.rooms.DropRoom(roomID)
		metrics.AbandonedRoomsSwept.Inc()
		swept++
		logging.Info(ctx, "abandoned room swept",
			zap.String("room_id", roomID),
			zap.Int("members", len(info.Members)))
	}
	if swept > 0 {
		s.matcher.ProcessQueue(ctx)
	}
}

// EmitStats logs the runtime and room census snapshot.
func (s *Supervisor) EmitStats(ctx context.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var paired, abandoned, other int
	for roomID, info := range s.rooms.RoomsSnapshot() {
		switch {
		case !strings.HasPrefix(roomID, matchRoomPrefix):
			other++
		case len(info.Members) >= 2:
			paired++
		default:
			abandoned++
		}
	}

	logging.Info(ctx, "server stats",
		zap.Int("connections", s.rooms.ConnectionCount()),
		zap.Int("users", s.census.Count()),
		zap.Int("waiting", s.census.QueueLen()),
		zap.Int("matches", len(s.census.MatchesSnapshot())/2),
		zap.Int("paired_rooms", paired),
		zap.Int("abandoned_rooms", abandoned),
		zap.Int("other_rooms", other),
		zap.Int("goroutines", runtime.NumGoroutine()),
		zap.Uint64("heap_in_use_bytes", mem.HeapInuse))
}

// ReapIdleGames drops games without a move for longer than the configured
// expiry.
func (s *Supervisor) ReapIdleGames(ctx context.Context) {
	if n := s.games.ReapIdle(ctx, s.gameExpiry); n > 0 {
		logging.Info(ctx, "idle games reaped", zap.Int("count", n))
	}
}
