package flowcontrol

import "github.com/estuary/ddspub/pool"

// queueList is an intrusive doubly-linked FIFO built directly on
// pool.CacheChange's scheduling links (spec.md §8 invariant 2): pushing
// a change marks it Linked and remove clears that mark; a change's
// previous/next are nil at the ends of a queue, so a queue's only member
// has both nil while still Linked. Links transition atomically under the
// owning Controller's mutex. There is no sentinel node — head/tail are tracked
// directly, matching the abstraction spec.md §7 describes for a
// pointer-free port of the source's intrusive lists.
type queueList struct {
	head, tail *pool.CacheChange
	length     int
}

func (q *queueList) empty() bool { return q.head == nil }

func (q *queueList) pushBack(c *pool.CacheChange) {
	c.SetLinks(q.tail, nil)
	if q.tail != nil {
		q.tail.SetLinks(q.tail.Previous(), c)
	} else {
		q.head = c
	}
	q.tail = c
	q.length++
}

func (q *queueList) pushFront(c *pool.CacheChange) {
	c.SetLinks(nil, q.head)
	if q.head != nil {
		q.head.SetLinks(c, q.head.Next())
	} else {
		q.tail = c
	}
	q.head = c
	q.length++
}

func (q *queueList) popFront() *pool.CacheChange {
	var c = q.head
	if c != nil {
		q.remove(c)
	}
	return c
}

// remove unlinks c from q. c must currently be a member of q (callers
// never call this on an unlinked change).
func (q *queueList) remove(c *pool.CacheChange) {
	var prev, next = c.Previous(), c.Next()
	if prev != nil {
		prev.SetLinks(prev.Previous(), next)
	} else {
		q.head = next
	}
	if next != nil {
		next.SetLinks(prev, next.Next())
	} else {
		q.tail = prev
	}
	c.Unlink()
	q.length--
}
