package game

import (
	"errors"
	"math/rand"
	"time"
)

// Game status values.
const (
	StatusPlaying   = "playing"
	StatusCompleted = "completed"
)

// Referee rejections. The relay logs these and drops the move; the sender
// is never disconnected over a bad move.
var (
	ErrNotPlaying  = errors.New("game is not in progress")
	ErrNotAPlayer  = errors.New("user is not a player in this game")
	ErrOutOfRange  = errors.New("position out of range")
	ErrCellTaken   = errors.New("cell already taken")
	ErrNotYourTurn = errors.New("not your turn")
)

// winLines enumerates the eight three-in-a-row lines on a 3x3 board.
var winLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8}, // rows
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8}, // columns
	{0, 4, 8}, {2, 4, 6}, // diagonals
}

// move records one placement for the game history.
type move struct {
	Position int
	Symbol   string
	At       time.Time
}

// TicTacToe is the refereed state machine for one board between the two
// players of a room. It is not safe for concurrent use; the relay
// serializes access per game.
type TicTacToe struct {
	RoomID      string
	board       [9]string // "" for empty, otherwise "X" or "O"
	symbols     map[string]string
	currentTurn string
	status      string
	winner      string
	isDraw      bool
	history     []move
	startedAt   time.Time
	lastMoveAt  time.Time
	now         func() time.Time
}

// newTicTacToe starts a game between two players with randomly assigned
// symbols. X always moves first.
func newTicTacToe(roomID, playerA, playerB string, rng *rand.Rand, now func() time.Time) *TicTacToe {
	symbols := map[string]string{playerA: "X", playerB: "O"}
	if rng.Intn(2) == 1 {
		symbols[playerA], symbols[playerB] = "O", "X"
	}
	t := now()
	return &TicTacToe{
		RoomID:      roomID,
		symbols:     symbols,
		currentTurn: "X",
		status:      StatusPlaying,
		startedAt:   t,
		lastMoveAt:  t,
		now:         now,
	}
}

// Symbol returns the symbol assigned to a player, "" for non-players.
func (g *TicTacToe) Symbol(userID string) string {
	return g.symbols[userID]
}

// Players returns both player ids.
func (g *TicTacToe) Players() []string {
	ids := make([]string, 0, 2)
	for id := range g.symbols {
		ids = append(ids, id)
	}
	return ids
}

// Opponent returns the other player's id.
func (g *TicTacToe) Opponent(userID string) string {
	for id := range g.symbols {
		if id != userID {
			return id
		}
	}
	return ""
}

// CurrentTurn returns which symbol moves next.
func (g *TicTacToe) CurrentTurn() string {
	return g.currentTurn
}

// Winner returns the winning symbol, "" while undecided or on a draw.
func (g *TicTacToe) Winner() string {
	return g.winner
}

// IsDraw reports whether the game ended with a full board and no winner.
func (g *TicTacToe) IsDraw() bool {
	return g.isDraw
}

// Completed reports whether the game has ended.
func (g *TicTacToe) Completed() bool {
	return g.status == StatusCompleted
}

// IdleSince returns the time of the last accepted move (or game start).
func (g *TicTacToe) IdleSince() time.Time {
	return g.lastMoveAt
}

// Move validates and applies one placement. On success the turn passes
// unless the move ended the game.
func (g *TicTacToe) Move(userID string, position int) error {
	symbol, ok := g.symbols[userID]
	if !ok {
		return ErrNotAPlayer
	}
	if g.status != StatusPlaying {
		return ErrNotPlaying
	}
	if position < 0 || position > 8 {
		return ErrOutOfRange
	}
	if g.board[position] != "" {
		return ErrCellTaken
	}
	if symbol != g.currentTurn {
		return ErrNotYourTurn
	}

	g.board[position] = symbol
	g.lastMoveAt = g.now()
	g.history = append(g.history, move{Position: position, Symbol: symbol, At: g.lastMoveAt})

	switch {
	case g.lineWon(symbol):
		g.status = StatusCompleted
		g.winner = symbol
	case len(g.history) == 9:
		g.status = StatusCompleted
		g.isDraw = true
	default:
		if symbol == "X" {
			g.currentTurn = "O"
		} else {
			g.currentTurn = "X"
		}
	}
	return nil
}

// Rematch resets the board for another round: symbols swap sides and X
// moves first again.
func (g *TicTacToe) Rematch() {
	for id, s := range g.symbols {
		if s == "X" {
			g.symbols[id] = "O"
		} else {
			g.symbols[id] = "X"
		}
	}
	g.board = [9]string{}
	g.history = nil
	g.currentTurn = "X"
	g.status = StatusPlaying
	g.winner = ""
	g.isDraw = false
	g.lastMoveAt = g.now()
}

// Cancel ends the game without a result.
func (g *TicTacToe) Cancel() {
	g.status = StatusCompleted
}

// WireBoard renders the board as the client expects it: null for empty
// cells.
func (g *TicTacToe) WireBoard() []*string {
	out := make([]*string, 9)
	for i := range g.board {
		if g.board[i] != "" {
			v := g.board[i]
			out[i] = &v
		}
	}
	return out
}

func (g *TicTacToe) lineWon(symbol string) bool {
	for _, line := range winLines {
		if g.board[line[0]] == symbol && g.board[line[1]] == symbol && g.board[line[2]] == symbol {
			return true
		}
	}
	return false
}
