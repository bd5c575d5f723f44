package simworld

import (
	"testing"
	"time"
)

func Test555_pq_deletes_actually_delete(t *testing.T) {

	ms := time.Millisecond
	q := newPQdue("test 555 pq deletes")

	var ops []*sop
	for i := int64(0); i < 9; i++ {
		op := &sop{
			sn:   i + 1,
			kind: TIMER,
			due:  BigBang.Add(time.Duration(9-i) * ms),
		}
		ops = append(ops, op)
		q.add(op)
	}
	if q.Len() != 9 {
		t.Fatalf("expected Len 9, got %v", q.Len())
	}
	// latest-inserted has the earliest due.
	if top := q.peek(); top != ops[8] {
		t.Fatalf("expected ops[8] on top, got %v", top)
	}

	for i, op := range ops {
		found := q.del(op)
		if !found {
			t.Fatalf("could not delete ops[%v] = %v", i, op)
		}
		if q.Len() != 9-i-1 {
			t.Fatalf("expected Len %v, got %v", 9-i-1, q.Len())
		}
		// second delete finds nothing.
		if q.del(op) {
			t.Fatalf("double delete of ops[%v] claimed found", i)
		}
	}
	if q.peek() != nil {
		t.Fatalf("expected empty pq")
	}
}

func Test556_pq_orders_by_due_then_sn(t *testing.T) {

	ms := time.Millisecond
	q := newPQdue("test 556 pq ordering")

	// three at 5ms, two at 2ms, inserted out of order.
	q.add(&sop{sn: 7, kind: TIMER, due: BigBang.Add(5 * ms)})
	q.add(&sop{sn: 3, kind: TIMER, due: BigBang.Add(5 * ms)})
	q.add(&sop{sn: 9, kind: TIMER, due: BigBang.Add(2 * ms)})
	q.add(&sop{sn: 5, kind: TIMER, due: BigBang.Add(5 * ms)})
	q.add(&sop{sn: 2, kind: TIMER, due: BigBang.Add(2 * ms)})

	wantSN := []int64{2, 9, 3, 5, 7}
	for i, want := range wantSN {
		top := q.pop()
		if top == nil {
			t.Fatalf("pop %v: empty early", i)
		}
		if top.sn != want {
			t.Fatalf("pop %v: expected sn %v, got %v", i, want, top.sn)
		}
	}

	// popDue returns only what is due, in order.
	q.add(&sop{sn: 11, kind: TIMER, due: BigBang.Add(1 * ms)})
	q.add(&sop{sn: 12, kind: TIMER, due: BigBang.Add(3 * ms)})
	q.add(&sop{sn: 13, kind: TIMER, due: BigBang.Add(1 * ms)})
	due := q.popDue(BigBang.Add(1 * ms))
	if len(due) != 2 || due[0].sn != 11 || due[1].sn != 13 {
		t.Fatalf("popDue(1ms): expected sn [11 13], got %v", due)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %v", q.Len())
	}
}
