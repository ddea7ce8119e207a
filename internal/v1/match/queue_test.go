package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWaitingQueue_FIFOOrder(t *testing.T) {
	q := newWaitingQueue()
	q.pushTail("a")
	q.pushTail("b")
	q.pushTail("c")

	assert.Equal(t, []string{"a", "b", "c"}, q.snapshot())
	assert.Equal(t, 3, q.size())
}

func TestWaitingQueue_DuplicatePushIsNoop(t *testing.T) {
	q := newWaitingQueue()
	q.pushTail("a")
	q.pushTail("b")
	q.pushTail("a")

	assert.Equal(t, []string{"a", "b"}, q.snapshot())
}

func TestWaitingQueue_RemovePreservesOrder(t *testing.T) {
	q := newWaitingQueue()
	q.pushTail("a")
	q.pushTail("b")
	q.pushTail("c")

	assert.True(t, q.removeByID("b"))
	assert.False(t, q.removeByID("b"))
	assert.Equal(t, []string{"a", "c"}, q.snapshot())
	assert.False(t, q.contains("b"))
	assert.True(t, q.contains("a"))
}

func TestWaitingQueue_ReinsertGoesToTail(t *testing.T) {
	q := newWaitingQueue()
	q.pushTail("a")
	q.pushTail("b")
	q.removeByID("a")
	q.pushTail("a")

	assert.Equal(t, []string{"b", "a"}, q.snapshot())
}
