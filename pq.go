package simworld

import (
	rb "github.com/glycerine/rbtree"
)

// pq is a priority queue of sop, backed by a red-black
// tree so peek/pop of the minimum is cheap and iteration
// is always in sorted order.
//
// Note: must be deterministic iteration order! Don't
// use random tie breakers in here. Otherwise we might
// decide that the sop we wanted to delete on the first
// pass is not there when we look again, or vice-versa.
type pq struct {
	owner   string
	orderby string
	tree    *rb.Tree

	// don't export so user does not
	// accidentally mess with it.
	cmp func(a, b rb.Item) int
}

// newPQdue orders by (sop.due, sop.sn). Every queue in the
// simulation uses this ordering; the sn tie-break is the
// determinism contract for equal instants.
func newPQdue(owner string) *pq {
	cmp := func(a, b rb.Item) int {
		av := a.(*sop)
		bv := b.(*sop)

		if av == bv {
			return 0 // points to same memory (or both nil)
		}
		if av == nil {
			// just a is nil; b is not. sort nils to the front
			// so they get popped and GC-ed sooner.
			return -1
		}
		if bv == nil {
			return 1
		}
		// INVAR: neither av nor bv is nil
		if av.due < bv.due {
			return -1
		}
		if av.due > bv.due {
			return 1
		}
		if av.sn < bv.sn {
			return -1
		}
		if av.sn > bv.sn {
			return 1
		}
		// must be the same if same sn.
		return 0
	}
	return &pq{
		owner:   owner,
		orderby: "due",
		tree:    rb.NewTree(cmp),
		cmp:     cmp,
	}
}

func (s *pq) Len() int {
	return s.tree.Len()
}

func (s *pq) peek() *sop {
	n := s.tree.Len()
	if n == 0 {
		return nil
	}
	it := s.tree.Min()
	if it == s.tree.Limit() {
		panic("n > 0 above, how is this possible?")
	}
	return it.Item().(*sop)
}

func (s *pq) pop() *sop {
	n := s.tree.Len()
	if n == 0 {
		return nil
	}
	it := s.tree.Min()
	if it == s.tree.Limit() {
		panic("n > 0 above, how is this possible?")
	}
	top := it.Item().(*sop)
	s.tree.DeleteWithIterator(it)
	return top
}

func (s *pq) add(op *sop) (added bool, it rb.Iterator) {
	if op == nil {
		panic("do not put nil into pq!")
	}
	added, it = s.tree.InsertGetIt(op)
	return
}

func (s *pq) del(op *sop) (found bool) {
	if op == nil {
		panic("cannot delete nil sop!")
	}
	var it rb.Iterator
	it, found = s.tree.FindGE_isEqual(op)
	if !found {
		return
	}
	s.tree.DeleteWithIterator(it)
	return
}

func (s *pq) deleteAll() {
	s.tree.DeleteAll()
}

// popDue removes and returns all sop with due <= now,
// in (due, sn) order.
func (s *pq) popDue(now SimInstant) (due []*sop) {
	for {
		top := s.peek()
		if top == nil || top.due > now {
			return
		}
		due = append(due, s.pop())
	}
}
