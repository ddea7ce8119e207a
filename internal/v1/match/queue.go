package match

import "container/list"

// waitingQueue is a FIFO over user ids with O(1) membership test and O(1)
// removal by id. Insertion order is preserved across arbitrary removals.
// Dequeue is deliberately not a primitive: the matchmaker walks a snapshot
// and may skip entries.
type waitingQueue struct {
	order    *list.List
	elements map[string]*list.Element
}

func newWaitingQueue() *waitingQueue {
	return &waitingQueue{
		order:    list.New(),
		elements: make(map[string]*list.Element),
	}
}

// pushTail appends id to the queue. A second push of a queued id is a no-op
// so a user can never appear twice.
func (q *waitingQueue) pushTail(id string) {
	if _, ok := q.elements[id]; ok {
		return
	}
	q.elements[id] = q.order.PushBack(id)
}

// removeByID removes id from the queue if present.
func (q *waitingQueue) removeByID(id string) bool {
	el, ok := q.elements[id]
	if !ok {
		return false
	}
	q.order.Remove(el)
	delete(q.elements, id)
	return true
}

// contains reports queue membership.
func (q *waitingQueue) contains(id string) bool {
	_, ok := q.elements[id]
	return ok
}

// snapshot returns the queued ids in insertion order.
func (q *waitingQueue) snapshot() []string {
	ids := make([]string, 0, q.order.Len())
	for el := q.order.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Value.(string))
	}
	return ids
}

func (q *waitingQueue) size() int {
	return q.order.Len()
}
