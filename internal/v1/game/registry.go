package game

import (
	"sync"
	"time"

	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/metrics"
)

// registry tracks active refereed games, one per room.
type registry struct {
	mu    sync.Mutex
	games map[string]*TicTacToe
}

func newRegistry() *registry {
	return &registry{games: make(map[string]*TicTacToe)}
}

// put registers a game for a room, replacing any previous one.
func (r *registry) put(g *TicTacToe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.games[g.RoomID]; !exists {
		metrics.ActiveGames.Inc()
	}
	r.games[g.RoomID] = g
}

func (r *registry) get(roomID string) (*TicTacToe, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.games[roomID]
	return g, ok
}

// remove drops a room's game if present.
func (r *registry) remove(roomID string) (*TicTacToe, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.games[roomID]
	if ok {
		delete(r.games, roomID)
		metrics.ActiveGames.Dec()
	}
	return g, ok
}

// count returns the number of active games.
func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.games)
}

// reapIdle removes games whose last move is older than expiry and returns
// them so the relay can notify the players.
func (r *registry) reapIdle(expiry time.Duration, now time.Time) []*TicTacToe {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reaped []*TicTacToe
	for roomID, g := range r.games {
		if now.Sub(g.IdleSince()) > expiry {
			reaped = append(reaped, g)
			delete(r.games, roomID)
			metrics.ActiveGames.Dec()
		}
	}
	return reaped
}
