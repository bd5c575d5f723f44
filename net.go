package simworld

import (
	"errors"
	"fmt"
	"time"
)

// Network errors are returned to the calling task as
// values, the way real network errors would be; none of
// them ever panics or terminates the run.
var (
	ErrAddrInUse   = errors.New("simworld: address in use")
	ErrConnRefused = errors.New("simworld: connection refused")
	ErrConnClosed  = errors.New("simworld: connection closed")
	ErrUnreachable = errors.New("simworld: network unreachable")
)

// HostID is an opaque handle for a simulated participant.
// Never reused within a run.
type HostID int

// WorldHost names the simulation itself as an entropy-stream
// owner, for draws that belong to no registered host (the
// chaos schedule generator, for one).
const WorldHost HostID = 0

// simhost is one simulated participant: a process/node with
// its own tasks, clock-skew view, listeners and connections.
type simhost struct {
	hid  HostID
	name string

	// ClockSkew offset, applied to this host's view of
	// now() and nothing else; event ordering always uses
	// the global SimInstant.
	skew time.Duration

	crashed bool

	// epoch counts power cycles. Tasks and connections
	// remember the epoch they were created in; a stale
	// epoch means the crash already destroyed them.
	epoch int

	// factory for the host's entry task, re-invoked by a
	// Restart fault so the fresh task set starts with zero
	// in-memory state.
	factory   func() Runner
	entryName string
}

func (h *simhost) id() string { return h.name }

func (h *simhost) String() string {
	return fmt.Sprintf("simhost{%v %q epoch:%v crashed:%v skew:%v}",
		h.hid, h.name, h.epoch, h.crashed, h.skew)
}

// link is the configuration of one unordered host pair:
// latency range, loss probability, partition flag. The
// partition relation is symmetric by construction because
// there is exactly one link per pair.
type link struct {
	key         string
	minLat      time.Duration
	maxLat      time.Duration
	lossProb    float64
	partitioned bool
}

func (l *link) id() string { return l.key }

func (l *link) String() string {
	return fmt.Sprintf("link{%v lat:[%v,%v] loss:%v partitioned:%v}",
		l.key, l.minLat, l.maxLat, l.lossProb, l.partitioned)
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

type connState int

const (
	CONNECTING  connState = 1
	ESTABLISHED connState = 2
	CLOSED      connState = 3
)

func (cs connState) String() string {
	switch cs {
	case CONNECTING:
		return "CONNECTING"
	case ESTABLISHED:
		return "ESTABLISHED"
	case CLOSED:
		return "CLOSED"
	}
	return fmt.Sprintf("connState(%v)", int(cs))
}

// Listener is a bound address waiting for connections.
type Listener struct {
	host  *simhost
	addr  string
	epoch int

	// pending server-side halves, FIFO arrival order.
	backlog []*Conn

	// tasks suspended in Accept, FIFO.
	waiters []TaskID

	closed bool
}

func (l *Listener) Addr() string { return l.addr }

func (l *Listener) String() string {
	return fmt.Sprintf("Listener{%q on %v backlog:%v closed:%v}",
		l.addr, l.host.name, len(l.backlog), l.closed)
}

// Conn is one half of a virtual stream connection. Bytes
// appear in rbuf only when the orchestrator delivers them,
// never directly at send time.
type Conn struct {
	sn    int64
	local *simhost
	// remote may outlive its host's crash; checks go
	// through epoch, not this pointer.
	remote     *simhost
	localAddr  string
	remoteAddr string
	peer       *Conn
	state      connState
	epoch      int

	rbuf []byte

	// tasks suspended in Recv on this half, FIFO.
	waiters []TaskID
}

func (c *Conn) LocalAddr() string  { return c.localAddr }
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

func (c *Conn) String() string {
	return fmt.Sprintf("Conn{sn:%v %v(%v)->%v(%v) %v buf:%v}",
		c.sn, c.local.name, c.localAddr, c.remote.name, c.remoteAddr,
		c.state, len(c.rbuf))
}

// inflight is a message between send and delivery.
type inflight struct {
	from    *simhost
	to      *simhost
	conn    *Conn // destination half
	payload []byte
	sentAt  SimInstant
}

func (f *inflight) String() string {
	return fmt.Sprintf("inflight{%v->%v %v bytes sent:%v}",
		f.from.name, f.to.name, len(f.payload), f.sentAt)
}

// simnetwork is the in-memory transport between hosts. All
// of its state is owned by the Sim and mutated only on the
// orchestrator thread, from primitive calls during a drain
// or from fault/delivery application during an advance.
type simnetwork struct {
	sim *Sim

	// address registry; the moral equivalent of dns.
	listeners *dmap[skey, *Listener]

	// per-pair configuration and partition state.
	links *dmap[*link, *link]

	// in-flight messages, ordered by (deliverAt, send sn).
	deliveryQ *pq

	// every conn half ever created, in creation order, so a
	// crash can find a host's connections deterministically.
	conns []*Conn
}

func newSimnetwork(sim *Sim) *simnetwork {
	return &simnetwork{
		sim:       sim,
		listeners: newDmap[skey, *Listener](),
		links:     newDmap[*link, *link](),
		deliveryQ: newPQdue("deliveryQ"),
	}
}

// linkFor returns the pair's link, creating it with the
// configured defaults on first use.
func (n *simnetwork) linkFor(a, b *simhost) *link {
	key := pairKey(a.name, b.name)
	if lk, ok := n.links.getid(key); ok {
		return lk
	}
	cfg := n.sim.cfg
	lk := &link{
		key:      key,
		minLat:   cfg.MinLatency,
		maxLat:   cfg.MaxLatency,
		lossProb: cfg.LossProb,
	}
	n.links.upsert(lk, lk)
	return lk
}

func (n *simnetwork) partitioned(a, b *simhost) bool {
	key := pairKey(a.name, b.name)
	lk, ok := n.links.getid(key)
	return ok && lk.partitioned
}

func (n *simnetwork) partition(a, b *simhost) {
	lk := n.linkFor(a, b)
	if !lk.partitioned {
		lk.partitioned = true
		n.sim.traceEvent(EvPartition, "", lk.key, 0)
	}
}

func (n *simnetwork) repair(a, b *simhost) {
	lk := n.linkFor(a, b)
	if lk.partitioned {
		lk.partitioned = false
		n.sim.traceEvent(EvHeal, "", lk.key, 0)
	}
}

func (n *simnetwork) bind(h *simhost, addr string) (*Listener, error) {
	if _, already := n.listeners.getid(addr); already {
		return nil, fmt.Errorf("%w: %q", ErrAddrInUse, addr)
	}
	lis := &Listener{
		host:  h,
		addr:  addr,
		epoch: h.epoch,
	}
	n.listeners.upsert(skey(addr), lis)
	n.sim.traceEvent(EvBind, h.name, addr, 0)
	return lis, nil
}

func (n *simnetwork) connect(h *simhost, addr string) (*Conn, error) {
	lis, ok := n.listeners.getid(addr)
	if !ok || lis.closed || lis.epoch != lis.host.epoch {
		return nil, fmt.Errorf("%w: %q", ErrConnRefused, addr)
	}
	if lis.host.crashed {
		return nil, fmt.Errorf("%w: %q", ErrConnRefused, addr)
	}
	if n.partitioned(h, lis.host) {
		return nil, fmt.Errorf("%w: %v <-> %v", ErrUnreachable, h.name, lis.host.name)
	}

	// the client half is usable immediately; the server
	// half waits in the backlog until an Accept claims it.
	clisn := n.sim.nextSN()
	cli := &Conn{
		sn:         clisn,
		local:      h,
		remote:     lis.host,
		localAddr:  fmt.Sprintf("%v:conn-%v", h.name, clisn),
		remoteAddr: addr,
		state:      CONNECTING,
		epoch:      h.epoch,
	}
	srv := &Conn{
		sn:         n.sim.nextSN(),
		local:      lis.host,
		remote:     h,
		localAddr:  addr,
		remoteAddr: cli.localAddr,
		state:      CONNECTING,
		epoch:      lis.host.epoch,
	}
	cli.peer = srv
	srv.peer = cli
	n.conns = append(n.conns, cli, srv)

	lis.backlog = append(lis.backlog, srv)
	n.sim.traceEvent(EvConnect, h.name, addr, cli.sn)

	// wake one accept waiter, FIFO.
	n.wakeOne(&lis.waiters)
	return cli, nil
}

// accept yields the oldest pending connection, or registers
// the task for a wake and reports ErrPending.
func (n *simnetwork) accept(t *task, lis *Listener) (*Conn, error) {
	if lis.closed || lis.epoch != lis.host.epoch {
		return nil, fmt.Errorf("%w: listener %q", ErrConnClosed, lis.addr)
	}
	for len(lis.backlog) > 0 {
		srv := lis.backlog[0]
		lis.backlog = lis.backlog[1:]
		if srv.state == CLOSED {
			// peer gave up before we got here.
			continue
		}
		srv.state = ESTABLISHED
		if srv.peer.state == CONNECTING {
			srv.peer.state = ESTABLISHED
		}
		n.sim.traceEvent(EvAccept, lis.host.name, srv.remoteAddr, srv.sn)
		return srv, nil
	}
	lis.waiters = append(lis.waiters, t.tid)
	return nil, ErrPending
}

// send draws latency, then (independently) a loss decision,
// both from the sending host's entropy streams. A lost
// message is success to the caller: real networks do not
// tell you.
func (n *simnetwork) send(t *task, c *Conn, p []byte) error {
	if c.state == CLOSED || c.epoch != c.local.epoch {
		return fmt.Errorf("%w: send on %v", ErrConnClosed, c)
	}
	if c.peer.state == CLOSED {
		return fmt.Errorf("%w: peer closed %v", ErrConnClosed, c)
	}
	if n.partitioned(c.local, c.remote) {
		// never enqueued; the payload dies here.
		return fmt.Errorf("%w: %v <-> %v", ErrUnreachable, c.local.name, c.remote.name)
	}

	lk := n.linkFor(c.local, c.remote)
	hop := n.sim.ent.StreamFor(c.local.hid, "net.latency").Duration(lk.minLat, lk.maxLat)

	lost := false
	switch {
	case lk.lossProb >= 1:
		lost = true
	case lk.lossProb > 0:
		lost = n.sim.ent.StreamFor(c.local.hid, "net.loss").Float64() < lk.lossProb
	}

	payload := append([]byte(nil), p...) // caller may reuse p

	if lost {
		n.sim.dropped++
		n.sim.traceEvent(EvDropLoss, c.local.name, c.remote.name, int64(len(p)))
		return nil
	}

	op := &sop{
		sn:   n.sim.nextSN(),
		kind: DELIVERY,
		due:  n.sim.now.Add(hop),
		flight: &inflight{
			from:    c.local,
			to:      c.remote,
			conn:    c.peer,
			payload: payload,
			sentAt:  n.sim.now,
		},
	}
	n.deliveryQ.add(op)
	n.sim.sends++
	n.sim.traceEvent(EvSend, c.local.name, c.remote.name, op.sn)
	return nil
}

// deliver lands one due message, unless the link is
// partitioned at delivery time or the destination is gone;
// faults affect in-flight traffic.
func (n *simnetwork) deliver(op *sop) {
	f := op.flight
	if n.partitioned(f.from, f.to) {
		n.sim.dropped++
		n.sim.traceEvent(EvDropPartition, f.from.name, f.to.name, op.sn)
		return
	}
	c := f.conn
	if c.state == CLOSED || c.epoch != c.local.epoch || c.local.crashed {
		n.sim.dropped++
		n.sim.traceEvent(EvDropClosed, f.from.name, f.to.name, op.sn)
		return
	}
	//vv("deliver %v at %v", f, op.due)
	c.rbuf = append(c.rbuf, f.payload...)
	n.sim.delivered++
	n.sim.observeLatency(op.due.Sub(f.sentAt))
	n.sim.traceEvent(EvDeliver, f.from.name, f.to.name, op.sn)
	n.wakeAll(&c.waiters)
}

// recv drains up to len(buf) bytes, or registers a wake and
// reports ErrPending. A closed connection with an empty
// buffer yields ErrConnClosed; buffered bytes are still
// readable after close.
func (n *simnetwork) recv(t *task, c *Conn, buf []byte) (int, error) {
	if len(c.rbuf) > 0 {
		nr := copy(buf, c.rbuf)
		c.rbuf = c.rbuf[nr:]
		return nr, nil
	}
	if c.state == CLOSED || c.peer.state == CLOSED || c.epoch != c.local.epoch {
		return 0, fmt.Errorf("%w: recv on %v", ErrConnClosed, c)
	}
	c.waiters = append(c.waiters, t.tid)
	return 0, ErrPending
}

// closeConn closes both halves and wakes any blocked
// readers so they can observe the close.
func (n *simnetwork) closeConn(c *Conn) {
	if c.state == CLOSED {
		return
	}
	c.state = CLOSED
	c.peer.state = CLOSED
	n.sim.traceEvent(EvClose, c.local.name, c.remote.name, c.sn)
	n.wakeAll(&c.waiters)
	n.wakeAll(&c.peer.waiters)
}

func (n *simnetwork) closeListener(lis *Listener) {
	if lis.closed {
		return
	}
	lis.closed = true
	n.listeners.delkey(skey(lis.addr))
	n.wakeAll(&lis.waiters)
}

// crashHost non-gracefully tears down everything terminated
// at h: listeners unbind, connections close without
// shutdown, and any peer blocked in Recv observes
// ConnectionClosed. Link faults are left alone; a reboot
// does not heal the network.
func (n *simnetwork) crashHost(h *simhost) {
	var doomed []*Listener
	for _, lis := range all(n.listeners) {
		if lis.host == h {
			doomed = append(doomed, lis)
		}
	}
	for _, lis := range doomed {
		n.closeListener(lis)
	}
	for _, c := range n.conns {
		if c.local == h && c.state != CLOSED {
			n.closeConn(c)
		}
	}
}

func (n *simnetwork) wakeOne(waiters *[]TaskID) {
	w := *waiters
	for len(w) > 0 {
		tid := w[0]
		w = w[1:]
		if n.sim.wake(tid) {
			break
		}
	}
	*waiters = w
}

func (n *simnetwork) wakeAll(waiters *[]TaskID) {
	for _, tid := range *waiters {
		n.sim.wake(tid)
	}
	*waiters = nil
}

// nextEvent reports the earliest pending delivery instant.
func (n *simnetwork) nextEvent() (at SimInstant, ok bool) {
	top := n.deliveryQ.peek()
	if top == nil {
		return 0, false
	}
	return top.due, true
}
