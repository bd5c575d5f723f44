package simworld

import (
	"time"
)

// Ctx is the explicit context bundle handed to every Step
// call: the task's window onto the virtual clock, the
// simulated network, and the entropy manager. There are no
// globals and no thread-locals anywhere, so independent
// Sims can run side by side in one process (across
// different seeds) without touching each other.
type Ctx struct {
	sim  *Sim
	task *task
}

// Now is this host's view of simulated time: the global
// instant plus any clock-skew fault in effect. Event
// ordering always uses the global instant; skew only warps
// what the host believes.
func (c *Ctx) Now() SimInstant {
	return c.sim.now.Add(c.task.host.skew)
}

// Host returns the owning host's handle.
func (c *Ctx) Host() HostID { return c.task.host.hid }

// HostName returns the owning host's registered name.
func (c *Ctx) HostName() string { return c.task.host.name }

// Rand returns this host's entropy stream for the given
// purpose. Any decision that would otherwise use ambient
// randomness must come from here; bypassing the manager is
// the classic way to lose reproducibility.
func (c *Ctx) Rand(purpose string) *EntropyStream {
	return c.sim.ent.StreamFor(c.task.host.hid, purpose)
}

// NewTimer arms a timer owned by this task. When it fires
// the task is readied; the task checks Fired() on re-entry.
func (c *Ctx) NewTimer(d time.Duration) *Timer {
	return &Timer{
		sim: c.sim,
		op:  c.sim.clock.schedule(c.task, d),
	}
}

// Sleep is the state-machine idiom for a blocking sleep.
// The caller keeps a *Timer slot in its Runner state:
//
//	if !ctx.Sleep(&r.nap, 10*time.Millisecond) {
//		return StepBlocked, nil
//	}
//	// 10ms of simulated time have passed
//
// Sleep arms the timer on first entry, and reports true
// (clearing the slot) once it has fired.
func (c *Ctx) Sleep(slot **Timer, d time.Duration) bool {
	if *slot == nil {
		*slot = c.NewTimer(d)
	}
	if (*slot).Fired() {
		*slot = nil
		return true
	}
	return false
}

// Bind claims addr for this host, returning a listener.
// Fails ErrAddrInUse if the address is already bound.
func (c *Ctx) Bind(addr string) (*Listener, error) {
	return c.sim.net.bind(c.task.host, addr)
}

// Connect opens a connection to whoever is bound at addr.
// Fails ErrConnRefused if nothing is bound there,
// ErrUnreachable if the hosts are currently partitioned.
func (c *Ctx) Connect(addr string) (*Conn, error) {
	return c.sim.net.connect(c.task.host, addr)
}

// Accept yields the oldest pending connection on lis, in
// arrival order. Suspends (ErrPending) until one exists.
func (c *Ctx) Accept(lis *Listener) (*Conn, error) {
	return c.sim.net.accept(c.task, lis)
}

// Spawn creates a sibling task on this host. The new task
// is ready immediately and will run in this drain, after
// everything already queued.
func (c *Ctx) Spawn(name string, r Runner) TaskID {
	return c.sim.spawn(c.task.host, name, r)
}

// Close unbinds the listener. Tasks suspended in Accept on
// it observe ErrConnClosed; the address is free to rebind.
func (lis *Listener) Close(c *Ctx) error {
	c.sim.net.closeListener(lis)
	return nil
}

// Send transmits p on the connection. A lost message is
// still a successful send; see simnetwork.send.
func (conn *Conn) Send(c *Ctx, p []byte) error {
	return c.sim.net.send(c.task, conn, p)
}

// Recv reads available bytes into buf, suspending
// (ErrPending) while the buffer is empty and the
// connection is open.
func (conn *Conn) Recv(c *Ctx, buf []byte) (int, error) {
	return c.sim.net.recv(c.task, conn, buf)
}

// Close closes the connection; the peer's pending and
// future Recv calls observe ErrConnClosed once drained.
func (conn *Conn) Close(c *Ctx) error {
	c.sim.net.closeConn(conn)
	return nil
}
