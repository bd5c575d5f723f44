package simworld

import (
	"fmt"
	"time"
)

// simclock is the virtual clock: a monotone SimInstant plus
// the queue of pending timers. Time never advances on its
// own; the orchestrator moves it in advanceTo, and only
// there.
type simclock struct {
	sim *Sim

	// timers ordered by (deadline, creation sn). The sn
	// tie-break is the contract: equal deadlines fire in
	// creation order, never in map or address order.
	timerQ *pq
}

func newSimclock(sim *Sim) *simclock {
	return &simclock{
		sim:    sim,
		timerQ: newPQdue("timerQ"),
	}
}

// schedule arms a timer owned by t. Zero and negative
// delays are valid; they fire at the current instant on the
// next advance/drain boundary.
func (c *simclock) schedule(t *task, delay time.Duration) *sop {
	due := c.sim.now.Add(delay)
	if due < c.sim.now {
		due = c.sim.now
	}
	op := &sop{
		sn:   c.sim.nextSN(),
		kind: TIMER,
		due:  due,
		task: t.tid,
	}
	c.timerQ.add(op)
	t.timers = append(t.timers, op)
	c.sim.traceEvent(EvTimerSet, t.host.name, "", op.sn)
	return op
}

// cancel discards a timer. Reports whether it was still
// armed (not yet fired, not already discarded). Synchronous:
// after cancel returns there is no window where the timer
// can still fire.
func (c *simclock) cancel(op *sop) (wasArmed bool) {
	if op.fired || op.gone {
		return false
	}
	op.gone = true
	c.timerQ.del(op)
	if t := c.sim.taskByID(op.task); t != nil {
		t.dropTimer(op)
	}
	c.sim.traceEvent(EvTimerDiscard, "", "", op.sn)
	return true
}

// nextDeadline reports the earliest armed deadline.
func (c *simclock) nextDeadline() (at SimInstant, ok bool) {
	top := c.timerQ.peek()
	if top == nil {
		return 0, false
	}
	return top.due, true
}

// advanceTo fires every timer with deadline <= now, in
// (deadline, creation) order, waking each owner. Called by
// the orchestrator only; now has already been moved.
func (c *simclock) advanceTo(now SimInstant) (fired int) {
	for _, op := range c.timerQ.popDue(now) {
		if op.gone {
			continue
		}
		op.fired = true
		t := c.sim.taskByID(op.task)
		if t == nil || !t.live() {
			// owner crashed or finished; timer dies quietly.
			continue
		}
		t.dropTimer(op)
		fired++
		c.sim.timersFired++
		c.sim.traceEvent(EvTimerFire, t.host.name, "", op.sn)
		c.sim.wake(op.task)
	}
	return
}

// Timer is the user-facing handle for one armed timer.
type Timer struct {
	sim *Sim
	op  *sop
}

// Fired reports whether the deadline has passed and the
// wake has been delivered.
func (t *Timer) Fired() bool { return t.op.fired }

// When returns the deadline.
func (t *Timer) When() SimInstant { return t.op.due }

// Discard cancels the timer, reporting whether it was still
// armed. Harmless on a fired timer.
func (t *Timer) Discard() (wasArmed bool) {
	return t.sim.clock.cancel(t.op)
}

func (t *Timer) String() string {
	return fmt.Sprintf("Timer{due:%v fired:%v}", t.op.due, t.op.fired)
}
