// Package segtree implements the per-(client, fid) segment tree: a
// thread-safe, ordered, non-overlapping interval index that clients use
// to coalesce write extents before fsync (spec.md §4.1).
//
// The corpus's closest analog is the rwlock-guarded, ordered in-memory
// log structure in the beelog state-log package (AVLTreeHT): one lock
// guarding an ordered structure, with deep-copy-under-lock accessors for
// Count/Max and an explicit hold-the-lock contract for traversal. This
// package keeps that shape but backs it with a sorted doubly linked list
// rather than a balanced tree: the spec's testable properties are about
// non-overlap/coverage/pointer-consistency, not asymptotic complexity,
// and a linked list makes the split/merge bookkeeping easy to get right.
package segtree

import (
	"sync"

	"github.com/unifycr/unifycr/errs"
)

// Node is one surviving interval in a segment tree: [Start, End] maps to
// the physical location described by Ptr (an opaque 64-bit value, e.g. a
// byte offset into a client's data log).
type Node struct {
	Start, End uint64
	Ptr        uint64

	prev, next *Node
}

// Tree is a segment tree for a single (client, fid) pair. The zero value
// is ready to use.
type Tree struct {
	mu sync.RWMutex

	head, tail *Node
	count      int
	max        uint64
}

// Lock/Unlock/RLock/RUnlock expose the tree's lock so callers can hold it
// across a Find or an Iter traversal, per spec.md §4.1's locking model:
// mutators take the write lock internally, but Find and Iter require the
// caller to hold the lock (read or write) explicitly.
func (t *Tree) Lock()    { t.mu.Lock() }
func (t *Tree) Unlock()  { t.mu.Unlock() }
func (t *Tree) RLock()   { t.mu.RLock() }
func (t *Tree) RUnlock() { t.mu.RUnlock() }

// Add inserts [start, end] with the given pointer, overwriting whatever
// portion of existing nodes it overlaps. See spec.md §4.1 for the full
// edge-case table; this implements it directly:
//
//   - new contains old entirely        -> old is removed
//   - old contains new entirely        -> old splits into <=2 residuals
//   - new overlaps old from the left   -> old's tail residual survives
//   - new overlaps old from the right  -> old's head residual survives
//   - adjacent, non-overlapping        -> both coexist (no auto-coalesce)
//
// A residual's Ptr is shifted by the byte delta between its new Start and
// the original node's Start, so it keeps pointing at the right physical
// byte (spec.md's "pointer consistency" invariant).
func (t *Tree) Add(start, end, ptr uint64) error {
	if start > end {
		return errs.ErrBadRequest
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for n := t.head; n != nil; {
		next := n.next

		if n.End < start || n.Start > end {
			// disjoint, nothing to do
			n = next
			continue
		}

		switch {
		case start <= n.Start && end >= n.End:
			// new fully contains old: old is removed entirely
			t.unlink(n)

		case n.Start < start && n.End > end:
			// old fully contains new: split into head and tail residuals
			head := &Node{Start: n.Start, End: start - 1, Ptr: n.Ptr}
			tail := &Node{Start: end + 1, End: n.End, Ptr: n.Ptr + (end + 1 - n.Start)}
			t.replace(n, head, tail)

		case n.Start < start:
			// overlap from the right: old keeps its head [n.Start, start-1]
			n.End = start - 1

		case n.End > end:
			// overlap from the left: old keeps its tail [end+1, n.End],
			// ptr shifts by the bytes chopped off the front
			delta := end + 1 - n.Start
			n.Start = end + 1
			n.Ptr += delta

		default:
			// n.Start >= start && n.End <= end, already covered by the
			// first case above; unreachable, kept for clarity
			t.unlink(n)
		}

		n = next
	}

	t.insert(&Node{Start: start, End: end, Ptr: ptr})

	if end > t.max {
		t.max = end
	}

	return nil
}

// insert places n into the sorted list by Start. Requires the write lock.
func (t *Tree) insert(n *Node) {
	if t.head == nil {
		t.head, t.tail = n, n
		t.count++
		return
	}

	for c := t.head; c != nil; c = c.next {
		if n.Start < c.Start {
			n.next = c
			n.prev = c.prev
			if c.prev != nil {
				c.prev.next = n
			} else {
				t.head = n
			}
			c.prev = n
			t.count++
			return
		}
	}

	// append at tail
	n.prev = t.tail
	t.tail.next = n
	t.tail = n
	t.count++
}

// unlink removes n from the list. Requires the write lock.
func (t *Tree) unlink(n *Node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		t.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		t.tail = n.prev
	}
	n.prev, n.next = nil, nil
	t.count--
}

// replace removes old and inserts zero or more residuals in its place.
// Residuals with Start > End (an empty interval, e.g. splitting flush
// against an edge) are dropped silently.
func (t *Tree) replace(old *Node, residuals ...*Node) {
	t.unlink(old)
	for _, r := range residuals {
		if r.Start > r.End {
			continue
		}
		t.insert(r)
	}
}

// Find returns the surviving node with the smallest Start whose interval
// intersects [start, end], or (nil, false). Implemented as a lower-bound
// search for the least Start >= start, then a containment check, matching
// spec.md §4.1 exactly (this does not special-case a node that starts
// before `start` but whose End still reaches into the query range -
// that's deliberate: Find is a point lookup helper, not the range-scan
// path used by reads, which goes through the index package instead).
//
// The caller must hold the lock (Lock or RLock).
func (t *Tree) Find(start, end uint64) (*Node, bool) {
	for n := t.head; n != nil; n = n.next {
		if n.Start >= start {
			if n.Start <= end {
				return n, true
			}
			return nil, false
		}
	}
	return nil, false
}

// Iter returns the in-order successor of prev, or the minimum node if
// prev is nil. The caller must hold the lock for the whole traversal.
func (t *Tree) Iter(prev *Node) (*Node, bool) {
	if prev == nil {
		if t.head == nil {
			return nil, false
		}
		return t.head, true
	}
	if prev.next == nil {
		return nil, false
	}
	return prev.next, true
}

// Clear removes every node and resets Count/Max to zero.
func (t *Tree) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for n := t.head; n != nil; {
		next := n.next
		n.prev, n.next = nil, nil
		n = next
	}
	t.head, t.tail = nil, nil
	t.count = 0
	t.max = 0
}

// Count returns the number of surviving nodes. Takes the write lock to
// serialize with mutators, per spec.md §4.1.
func (t *Tree) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Max returns the largest End ever added to the tree (not reduced by
// later overwrites/splits).
func (t *Tree) Max() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.max
}
