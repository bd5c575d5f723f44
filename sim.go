package simworld

import (
	"errors"
	"fmt"
	"time"

	tdigest "github.com/caio/go-tdigest"
	"github.com/glycerine/idem"
	"github.com/glycerine/loquet"
)

// Scheduling errors terminate the run and are reported to
// the harness, never to individual tasks.
var (
	ErrDeadlock   = errors.New("simworld: deadlock: tasks blocked and no event pending")
	ErrRunTimeout = errors.New("simworld: simulated run ceiling exceeded")
	ErrHalted     = errors.New("simworld: halted by request")
	ErrTaskFailed = errors.New("simworld: task failed under fail-fast")
)

// Sim is one simulated universe: virtual clock, simulated
// network, entropy manager, fault schedule, and the task
// arena, all driven by a single-threaded run loop. Nothing
// in here is a global or a singleton; build several Sims
// with different seeds and run them in parallel goroutines
// if you like, each universe is sealed.
type Sim struct {
	cfg *SimConfig

	halt     *idem.Halter
	whenDone *loquet.Chan[RunReport]

	now    SimInstant
	lastSN int64

	// hostArena is registration order (HostID-1 indexed);
	// hosts is name-ordered for deterministic iteration.
	hostArena []*simhost
	hosts     *dmap[*simhost, *simhost]

	tasks  []*task // arena; TaskID is index+1
	readyQ []TaskID

	clock  *simclock
	net    *simnetwork
	faultQ *pq
	ent    *EntropyManager
	trace  *Trace

	applied  []AppliedFault
	failures []TaskFailure
	failfast *TaskFailure

	latDigest *tdigest.TDigest

	sends       int64
	delivered   int64
	dropped     int64
	timersFired int64

	report *RunReport
}

// NewSim builds a universe from cfg (nil gets defaults). The
// seed in cfg determines every entropy stream and,
// transitively, every latency and loss decision of the run.
func NewSim(cfg *SimConfig) *Sim {
	if cfg == nil {
		cfg = NewSimConfig()
	}
	td, err := tdigest.New(tdigest.Compression(100))
	panicOn(err)

	s := &Sim{
		cfg:       cfg,
		halt:      idem.NewHalter(),
		whenDone:  loquet.NewChan[RunReport](nil),
		hosts:     newDmap[*simhost, *simhost](),
		faultQ:    newPQdue("faultQ"),
		ent:       newEntropyManager(cfg.Seed),
		latDigest: td,
	}
	s.clock = newSimclock(s)
	s.net = newSimnetwork(s)
	if cfg.Trace {
		s.trace = &Trace{Seed: s.ent.SeedString()}
	}
	if !cfg.QuietTestMode {
		alwaysPrintf("simworld.NewSim: seed = %v", s.ent.SeedString())
	}
	return s
}

// nextSN hands out creation serials. Plain increment: all
// callers are on the orchestrator thread.
func (s *Sim) nextSN() int64 {
	s.lastSN++
	return s.lastSN
}

// Now is the global simulated instant (no skew).
func (s *Sim) Now() SimInstant { return s.now }

// Seed returns the master seed in printable form.
func (s *Sim) Seed() string { return s.ent.SeedString() }

// NewHost registers a named host. The factory builds the
// host's entry task; it runs now and again after each
// Restart fault, each time from a fresh zero-state Runner.
// Host names must be unique; HostIDs are never reused.
func (s *Sim) NewHost(name string, factory func() Runner) HostID {
	if _, taken := s.hosts.getid(name); taken {
		panic(fmt.Sprintf("host name already taken: %q", name))
	}
	h := &simhost{
		hid:       HostID(len(s.hostArena) + 1),
		name:      name,
		factory:   factory,
		entryName: name + "/main",
	}
	s.hostArena = append(s.hostArena, h)
	s.hosts.upsert(h, h)
	if factory != nil {
		s.spawn(h, h.entryName, factory())
	}
	return h.hid
}

func (s *Sim) hostByName(name string) *simhost {
	h, ok := s.hosts.getid(name)
	if !ok {
		panic(fmt.Sprintf("unknown host %q", name))
	}
	return h
}

func (s *Sim) taskByID(tid TaskID) *task {
	if tid < 1 || int(tid) > len(s.tasks) {
		return nil
	}
	return s.tasks[tid-1]
}

// spawn creates a task and makes it ready.
func (s *Sim) spawn(h *simhost, name string, r Runner) TaskID {
	t := &task{
		tid:    TaskID(len(s.tasks) + 1),
		name:   name,
		host:   h,
		runner: r,
		state:  tREADY,
		epoch:  h.epoch,
		queued: true,
	}
	s.tasks = append(s.tasks, t)
	s.readyQ = append(s.readyQ, t.tid)
	s.traceEvent(EvSpawn, h.name, name, int64(t.tid))
	return t.tid
}

// wake moves a suspended task to the back of the ready
// queue. Reports whether a state transition happened.
func (s *Sim) wake(tid TaskID) bool {
	t := s.taskByID(tid)
	if t == nil || !t.live() {
		return false
	}
	if t.state != tSUSPENDED || t.queued {
		return false
	}
	t.state = tREADY
	t.queued = true
	s.readyQ = append(s.readyQ, tid)
	return true
}

// Partition severs the link between two hosts in both
// directions, effective immediately (including for traffic
// already in flight).
func (s *Sim) Partition(a, b string) {
	s.net.partition(s.hostByName(a), s.hostByName(b))
}

// Repair heals a partition in both directions.
func (s *Sim) Repair(a, b string) {
	s.net.repair(s.hostByName(a), s.hostByName(b))
}

// SetLink configures one pair's latency range and loss
// probability, replacing the defaults from SimConfig.
func (s *Sim) SetLink(a, b string, min, max time.Duration, lossProb float64) {
	lk := s.net.linkFor(s.hostByName(a), s.hostByName(b))
	lk.minLat = min
	lk.maxLat = max
	lk.lossProb = lossProb
}

// crash kills a host: every task terminated, every
// connection closed without shutdown, listeners unbound.
// In-memory state is gone; link faults survive, because a
// reboot does not repair the network.
func (s *Sim) crash(h *simhost) {
	if h.crashed {
		return
	}
	h.crashed = true
	h.epoch++
	for _, t := range s.tasks {
		if t.host == h && t.epoch < h.epoch {
			switch t.state {
			case tREADY, tRUNNING, tSUSPENDED:
				t.state = tTERMINATED
				for _, op := range t.timers {
					op.gone = true
					s.clock.timerQ.del(op)
				}
				t.timers = nil
			}
		}
	}
	s.net.crashHost(h)
	s.traceEvent(EvCrash, h.name, "", int64(h.hid))
}

// restart boots a crashed host with a fresh entry task from
// its factory. A no-op on a host that is up.
func (s *Sim) restart(h *simhost) {
	if !h.crashed {
		return
	}
	h.crashed = false
	s.traceEvent(EvRestart, h.name, "", int64(h.hid))
	if h.factory != nil {
		s.spawn(h, h.entryName, h.factory())
	}
}

// Stop asks a running simulation to halt. Safe from other
// goroutines; the run loop notices between iterations.
func (s *Sim) Stop() {
	s.halt.ReqStop.Close()
}

// WhenDone is closed once Run has finished and the report
// is available.
func (s *Sim) WhenDone() <-chan struct{} {
	return s.whenDone.WhenClosed()
}

// Report returns the final run report, or nil before the
// run completes.
func (s *Sim) Report() *RunReport { return s.report }

// EventTrace returns the diagnostic event trail, or nil if
// tracing is off.
func (s *Sim) EventTrace() *Trace { return s.trace }

// observeLatency records one delivered message's latency in
// nanoseconds.
func (s *Sim) observeLatency(d time.Duration) {
	err := s.latDigest.Add(float64(d)) // nanoseconds
	_ = err                            // only fails on NaN
}

func (s *Sim) traceEvent(kind EvKind, a, b string, n int64) {
	if s.trace == nil {
		return
	}
	s.trace.add(RunEvent{
		Seq:  int64(len(s.trace.Events) + 1),
		At:   s.now,
		Kind: kind,
		A:    a,
		B:    b,
		N:    n,
	})
}

// step runs one Step call with panic capture; a panicking
// task is a failed task, not a dead simulation.
func (s *Sim) step(t *task) (st StepStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			st = StepDone
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return t.runner.Step(&Ctx{sim: s, task: t})
}

func (s *Sim) fail(t *task, err error) {
	t.state = tFAILED
	t.err = err
	for _, op := range t.timers {
		op.gone = true
		s.clock.timerQ.del(op)
	}
	t.timers = nil
	f := TaskFailure{
		Task: t.tid,
		Name: t.name,
		Host: t.host.name,
		At:   s.now,
		Err:  err.Error(),
	}
	s.failures = append(s.failures, f)
	s.traceEvent(EvTaskFail, t.host.name, t.name, int64(t.tid))
	if s.cfg.FailFast && s.failfast == nil {
		s.failfast = &f
	}
}

// drain runs the ready queue to quiescence: pop FIFO, run
// each task until it completes, fails, or suspends. This is
// the zero-time portion of execution; it fully settles
// before the orchestrator ever advances simulated time, so
// no task can miss a message that arrived before it had a
// chance to look.
func (s *Sim) drain() {
	for len(s.readyQ) > 0 {
		tid := s.readyQ[0]
		s.readyQ = s.readyQ[1:]
		t := s.taskByID(tid)
		t.queued = false
		if !t.live() || t.state != tREADY {
			continue
		}
		t.state = tRUNNING
		//vv("drain: step %v", t)
		st, err := s.step(t)
		if !t.live() {
			// crashed out from under itself (a fault it
			// requested, or a sibling's doing).
			continue
		}
		if err != nil && !IsPending(err) {
			s.fail(t, err)
			if s.failfast != nil {
				return
			}
			continue
		}
		if IsPending(err) {
			st = StepBlocked
		}
		switch st {
		case StepDone:
			t.state = tCOMPLETED
			s.traceEvent(EvTaskDone, t.host.name, t.name, int64(t.tid))
		case StepYield:
			t.state = tREADY
			t.queued = true
			s.readyQ = append(s.readyQ, tid)
		case StepBlocked:
			t.state = tSUSPENDED
		default:
			panic(fmt.Sprintf("bad StepStatus %v from %v", st, t))
		}
	}
}

// anyLive reports whether any task can still run or wake.
// Pending faults and in-flight deliveries are remaining work
// too: a scheduled Restart can respawn a host after every
// task has terminated, and an in-flight message bound for a
// dead host still needs its drop accounted. The run loop
// checks those queues alongside this.
func (s *Sim) anyLive() bool {
	for _, t := range s.tasks {
		if t.live() {
			return true
		}
	}
	return false
}

// nextEventInstant is the minimum of the next timer
// deadline, the next message delivery instant, and the next
// fault instant.
func (s *Sim) nextEventInstant() (at SimInstant, ok bool) {
	if top := s.faultQ.peek(); top != nil {
		at, ok = top.due, true
	}
	if d, dok := s.net.nextEvent(); dok && (!ok || d < at) {
		at, ok = d, true
	}
	if td, tok := s.clock.nextDeadline(); tok && (!ok || td < at) {
		at, ok = td, true
	}
	return
}

// Run drives the universe to completion: drain to
// quiescence, advance the clock to the next event, apply
// due faults, deliver due messages, fire due timers,
// repeat. Returns the report plus ErrDeadlock, ErrRunTimeout,
// ErrHalted or ErrTaskFailed when the run did not complete
// cleanly.
func (s *Sim) Run() (*RunReport, error) {
	var runErr error
	outcome := "completed"

loop:
	for {
		s.drain()

		if s.failfast != nil {
			outcome = "failfast"
			runErr = fmt.Errorf("%w: %v", ErrTaskFailed, s.failfast)
			break
		}
		if !s.anyLive() && s.faultQ.Len() == 0 && s.net.deliveryQ.Len() == 0 {
			break // all work done
		}
		select {
		case <-s.halt.ReqStop.Chan:
			outcome = "halted"
			runErr = ErrHalted
			break loop
		default:
		}

		next, ok := s.nextEventInstant()
		if !ok {
			outcome = "deadlock"
			runErr = ErrDeadlock
			break
		}
		if next < s.now {
			panic(fmt.Sprintf("time went backwards: next %v < now %v", next, s.now))
		}
		if s.cfg.RunCeiling > 0 && next > BigBang.Add(s.cfg.RunCeiling) {
			s.now = BigBang.Add(s.cfg.RunCeiling)
			outcome = "timeout"
			runErr = ErrRunTimeout
			break
		}
		// the only place simulated time moves.
		//vv("advance %v -> %v", s.now, next)
		s.now = next

		for _, op := range s.faultQ.popDue(s.now) {
			s.applyFault(*op.fault)
		}
		for _, op := range s.net.deliveryQ.popDue(s.now) {
			s.net.deliver(op)
		}
		s.clock.advanceTo(s.now)
	}

	s.report = s.buildReport(outcome, runErr)
	s.halt.ReqStop.Close()
	s.halt.Done.Close()
	s.whenDone.CloseWith(s.report)
	if !s.cfg.QuietTestMode {
		alwaysPrintf("simworld.Run done: %v", s.report.Brief())
	}
	return s.report, runErr
}

func (s *Sim) buildReport(outcome string, runErr error) *RunReport {
	r := &RunReport{
		Seed:          s.ent.SeedString(),
		Outcome:       outcome,
		Final:         s.now,
		Sends:         s.sends,
		Delivered:     s.delivered,
		Dropped:       s.dropped,
		TimersFired:   s.timersFired,
		Failures:      s.failures,
		FaultsApplied: s.applied,
		lat:           s.latDigest,
	}
	if runErr != nil {
		r.Err = runErr.Error()
	}
	for _, t := range s.tasks {
		switch t.state {
		case tCOMPLETED:
			r.TasksCompleted++
		case tFAILED:
			r.TasksFailed++
		}
	}
	return r
}

// RunReport is everything the harness needs to understand
// and exactly reproduce a run: the seed, the applied fault
// schedule, and the instant things went wrong.
type RunReport struct {
	Seed    string     `json:"seed"`
	Outcome string     `json:"outcome"`
	Err     string     `json:"err,omitempty"`
	Final   SimInstant `json:"final"`

	Sends       int64 `json:"sends"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
	TimersFired int64 `json:"timersFired"`

	TasksCompleted int `json:"tasksCompleted"`
	TasksFailed    int `json:"tasksFailed"`

	Failures      []TaskFailure  `json:"failures,omitempty"`
	FaultsApplied []AppliedFault `json:"faultsApplied,omitempty"`

	lat *tdigest.TDigest
}

// LatencyQuantile reports the q-th quantile of observed
// delivery latencies. NaN-free only after at least one
// delivery.
func (r *RunReport) LatencyQuantile(q float64) time.Duration {
	return time.Duration(r.lat.Quantile(q))
}

// DeliveryCount reports how many latency observations the
// digest holds.
func (r *RunReport) DeliveryCount() uint64 {
	return r.lat.Count()
}

func (r *RunReport) Brief() string {
	return fmt.Sprintf("outcome=%v final=%v sends=%v delivered=%v dropped=%v timers=%v failed=%v",
		r.Outcome, r.Final, r.Sends, r.Delivered, r.Dropped, r.TimersFired, r.TasksFailed)
}

func (r *RunReport) String() string {
	return fmt.Sprintf("RunReport{seed:%v %v faults:%v failures:%v}",
		r.Seed, r.Brief(), len(r.FaultsApplied), len(r.Failures))
}

// SimSnapshot is a point-in-time view of the universe, for
// harness inspection between (or after) runs.
type SimSnapshot struct {
	Now    SimInstant     `json:"now"`
	Hosts  []HostStatus   `json:"hosts"`
	Links  []LinkStatus   `json:"links"`
	Depths QueueDepths    `json:"depths"`
	Faults []AppliedFault `json:"faultsApplied,omitempty"`
}

type HostStatus struct {
	Host    HostID        `json:"host"`
	Name    string        `json:"name"`
	Crashed bool          `json:"crashed"`
	Epoch   int           `json:"epoch"`
	Skew    time.Duration `json:"skew,omitempty"`
}

type LinkStatus struct {
	Key         string        `json:"key"`
	MinLat      time.Duration `json:"minLat"`
	MaxLat      time.Duration `json:"maxLat"`
	LossProb    float64       `json:"lossProb,omitempty"`
	Partitioned bool          `json:"partitioned,omitempty"`
}

type QueueDepths struct {
	Ready      int `json:"ready"`
	Timers     int `json:"timers"`
	Deliveries int `json:"deliveries"`
	Faults     int `json:"faults"`
}

// Snapshot reports current universe state. Host and link
// listings iterate dmaps, so the ordering is stable.
func (s *Sim) Snapshot() *SimSnapshot {
	snap := &SimSnapshot{
		Now: s.now,
		Depths: QueueDepths{
			Ready:      len(s.readyQ),
			Timers:     s.clock.timerQ.Len(),
			Deliveries: s.net.deliveryQ.Len(),
			Faults:     s.faultQ.Len(),
		},
		Faults: s.applied,
	}
	for _, h := range all(s.hosts) {
		snap.Hosts = append(snap.Hosts, HostStatus{
			Host:    h.hid,
			Name:    h.name,
			Crashed: h.crashed,
			Epoch:   h.epoch,
			Skew:    h.skew,
		})
	}
	for _, lk := range all(s.net.links) {
		snap.Links = append(snap.Links, LinkStatus{
			Key:         lk.key,
			MinLat:      lk.minLat,
			MaxLat:      lk.maxLat,
			LossProb:    lk.lossProb,
			Partitioned: lk.partitioned,
		})
	}
	return snap
}
