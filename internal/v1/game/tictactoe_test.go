package game

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedGame(t *testing.T) *TicTacToe {
	t.Helper()
	// Deterministic seed fixes the symbol draw; playerFor keeps the
	// assertions symbol-agnostic anyway.
	g := newTicTacToe("room_1", "p1", "p2", rand.New(rand.NewSource(0)), time.Now)
	return g
}

// playerFor returns the player holding the given symbol.
func playerFor(g *TicTacToe, symbol string) string {
	for _, id := range g.Players() {
		if g.Symbol(id) == symbol {
			return id
		}
	}
	return ""
}

func TestNewGame_AssignsBothSymbols(t *testing.T) {
	g := fixedGame(t)

	symbols := map[string]bool{}
	for _, id := range g.Players() {
		symbols[g.Symbol(id)] = true
	}
	assert.True(t, symbols["X"])
	assert.True(t, symbols["O"])
	assert.Equal(t, "X", g.CurrentTurn(), "X always opens")
	assert.False(t, g.Completed())
}

func TestMove_XWinsTopRow(t *testing.T) {
	g := fixedGame(t)
	x := playerFor(g, "X")
	o := playerFor(g, "O")

	// X: 0, 1, 2 wins; O: 4, 3.
	require.NoError(t, g.Move(x, 0))
	require.NoError(t, g.Move(o, 4))
	require.NoError(t, g.Move(x, 1))
	require.NoError(t, g.Move(o, 3))
	require.NoError(t, g.Move(x, 2))

	assert.True(t, g.Completed())
	assert.Equal(t, "X", g.Winner())
	assert.False(t, g.IsDraw())
}

func TestMove_DiagonalWin(t *testing.T) {
	g := fixedGame(t)
	x := playerFor(g, "X")
	o := playerFor(g, "O")

	require.NoError(t, g.Move(x, 0))
	require.NoError(t, g.Move(o, 1))
	require.NoError(t, g.Move(x, 4))
	require.NoError(t, g.Move(o, 2))
	require.NoError(t, g.Move(x, 8))

	assert.Equal(t, "X", g.Winner())
}

func TestMove_Draw(t *testing.T) {
	g := fixedGame(t)
	x := playerFor(g, "X")
	o := playerFor(g, "O")

	// X O X / X O O / O X X is a draw.
	moves := []struct {
		player string
		pos    int
	}{
		{x, 0}, {o, 1}, {x, 2},
		{o, 4}, {x, 3}, {o, 5},
		{x, 7}, {o, 6}, {x, 8},
	}
	for _, m := range moves {
		require.NoError(t, g.Move(m.player, m.pos))
	}

	assert.True(t, g.Completed())
	assert.True(t, g.IsDraw())
	assert.Empty(t, g.Winner())
}

func TestMove_Rejections(t *testing.T) {
	g := fixedGame(t)
	x := playerFor(g, "X")
	o := playerFor(g, "O")

	assert.ErrorIs(t, g.Move(o, 0), ErrNotYourTurn)
	assert.ErrorIs(t, g.Move(x, 9), ErrOutOfRange)
	assert.ErrorIs(t, g.Move(x, -1), ErrOutOfRange)
	assert.ErrorIs(t, g.Move("stranger", 0), ErrNotAPlayer)

	require.NoError(t, g.Move(x, 0))
	assert.ErrorIs(t, g.Move(o, 0), ErrCellTaken)

	g.Cancel()
	assert.ErrorIs(t, g.Move(o, 1), ErrNotPlaying)
}

func TestRematch_SwapsSymbolsAndResets(t *testing.T) {
	g := fixedGame(t)
	x := playerFor(g, "X")
	o := playerFor(g, "O")

	require.NoError(t, g.Move(x, 0))
	g.Rematch()

	assert.Equal(t, "O", g.Symbol(x), "symbols swap on rematch")
	assert.Equal(t, "X", g.Symbol(o))
	assert.Equal(t, "X", g.CurrentTurn())
	assert.False(t, g.Completed())
	for _, cell := range g.WireBoard() {
		assert.Nil(t, cell)
	}
}

func TestWireBoard_NullsForEmpty(t *testing.T) {
	g := fixedGame(t)
	x := playerFor(g, "X")
	require.NoError(t, g.Move(x, 4))

	board := g.WireBoard()
	require.Len(t, board, 9)
	require.NotNil(t, board[4])
	assert.Equal(t, "X", *board[4])
	assert.Nil(t, board[0])
}

func TestIdleSince_AdvancesOnMove(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return current }
	g := newTicTacToe("room_1", "p1", "p2", rand.New(rand.NewSource(0)), now)

	start := g.IdleSince()
	current = current.Add(time.Minute)
	require.NoError(t, g.Move(playerFor(g, "X"), 0))

	assert.True(t, g.IdleSince().After(start))
}
