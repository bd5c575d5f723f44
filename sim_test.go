package simworld

import (
	"errors"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

// jitterPinger sends pings with seeded jitter between them,
// racing each reply against a deadline. It tolerates every
// kind of network trouble, so a chaos run still terminates.
type jitterPinger struct {
	addr  string
	pings int

	phase    int
	conn     *Conn
	nap      *Timer
	deadline *Timer
	sent     int
	acked    int
	timeouts int
	buf      [256]byte
}

func (p *jitterPinger) Step(ctx *Ctx) (StepStatus, error) {
	switch p.phase {
	case 0:
		// jittered start, from this host's own stream.
		j := time.Duration(ctx.Rand("start.jitter").Int63Range(int64(5 * time.Millisecond)))
		if !ctx.Sleep(&p.nap, j) {
			return StepBlocked, nil
		}
		p.phase = 1
		fallthrough
	case 1:
		conn, err := ctx.Connect(p.addr)
		if err != nil {
			// server down or unreachable; nothing to do.
			return StepDone, nil
		}
		p.conn = conn
		p.phase = 2
		fallthrough
	case 2:
		if p.sent == p.pings {
			p.conn.Close(ctx)
			return StepDone, nil
		}
		if err := p.conn.Send(ctx, []byte("ping")); err != nil {
			return StepDone, nil
		}
		p.sent++
		p.deadline = ctx.NewTimer(200 * time.Millisecond)
		p.phase = 3
		fallthrough
	default:
		_, err := p.conn.Recv(ctx, p.buf[:])
		if IsPending(err) {
			if p.deadline.Fired() {
				p.timeouts++
				p.phase = 2
				return StepYield, nil
			}
			return StepBlocked, nil
		}
		if err != nil {
			return StepDone, nil
		}
		p.acked++
		p.deadline.Discard()
		p.phase = 2
		return StepYield, nil
	}
}

// chaosPairSim is the determinism-test universe: an echo
// server, a jittery client, a bystander, variable-latency
// links, and a seeded chaos schedule.
func chaosPairSim(seedByte byte) *Sim {
	cfg := quietCfg()
	cfg.Seed[0] = seedByte
	cfg.MinLatency = 2 * time.Millisecond
	cfg.MaxLatency = 20 * time.Millisecond
	s := NewSim(cfg)
	s.NewHost("srv", func() Runner { return &echoServer{addr: "srv:9000"} })
	s.NewHost("cli", func() Runner { return &jitterPinger{addr: "srv:9000", pings: 5} })
	s.NewHost("bystander", func() Runner { return &napper{d: 50 * time.Millisecond} })
	s.ScheduleChaos(6, 300*time.Millisecond)
	return s
}

func Test500_same_seed_same_universe(t *testing.T) {

	cv.Convey("two runs from one seed produce identical event traces, identical reports, identical everything; a different seed produces a different history", t, func() {

		s1 := chaosPairSim(3)
		rep1, err1 := s1.Run()

		s2 := chaosPairSim(3)
		rep2, err2 := s2.Run()

		cv.So(err2 == nil, cv.ShouldEqual, err1 == nil)
		cv.So(rep2.Outcome, cv.ShouldEqual, rep1.Outcome)
		cv.So(rep2.Brief(), cv.ShouldEqual, rep1.Brief())

		equal, diff := TraceEqual(s1.EventTrace(), s2.EventTrace())
		cv.So(diff, cv.ShouldEqual, "")
		cv.So(equal, cv.ShouldBeTrue)
		cv.So(s2.EventTrace().Blake3sum(), cv.ShouldEqual, s1.EventTrace().Blake3sum())

		s3 := chaosPairSim(4)
		s3.Run()
		equal, _ = TraceEqual(s1.EventTrace(), s3.EventTrace())
		cv.So(equal, cv.ShouldBeFalse)
	})
}

// stuckAcceptor binds and accepts forever; with no clients
// it can never wake.
type stuckAcceptor struct {
	addr  string
	phase int
	lis   *Listener
}

func (a *stuckAcceptor) Step(ctx *Ctx) (StepStatus, error) {
	if a.phase == 0 {
		lis, err := ctx.Bind(a.addr)
		if err != nil {
			return StepDone, err
		}
		a.lis = lis
		a.phase = 1
	}
	if _, err := ctx.Accept(a.lis); IsPending(err) {
		return StepBlocked, nil
	}
	return StepDone, nil
}

// muteServer accepts one conn and then reads a message that
// will never come.
type muteServer struct {
	addr  string
	phase int
	lis   *Listener
	conn  *Conn
	buf   [16]byte
}

func (m *muteServer) Step(ctx *Ctx) (StepStatus, error) {
	switch m.phase {
	case 0:
		lis, err := ctx.Bind(m.addr)
		if err != nil {
			return StepDone, err
		}
		m.lis = lis
		m.phase = 1
		fallthrough
	case 1:
		conn, err := ctx.Accept(m.lis)
		if IsPending(err) {
			return StepBlocked, nil
		}
		if err != nil {
			return StepDone, err
		}
		m.conn = conn
		m.phase = 2
		fallthrough
	default:
		if _, err := m.conn.Recv(ctx, m.buf[:]); IsPending(err) {
			return StepBlocked, nil
		}
		return StepDone, nil
	}
}

// muteClient connects and also reads first; with a
// muteServer on the other side, nobody ever speaks.
type muteClient struct {
	addr  string
	phase int
	conn  *Conn
	buf   [16]byte
}

func (m *muteClient) Step(ctx *Ctx) (StepStatus, error) {
	if m.phase == 0 {
		conn, err := ctx.Connect(m.addr)
		if err != nil {
			return StepDone, err
		}
		m.conn = conn
		m.phase = 1
	}
	if _, err := m.conn.Recv(ctx, m.buf[:]); IsPending(err) {
		return StepBlocked, nil
	}
	return StepDone, nil
}

func Test501_deadlock_is_detected_not_hung(t *testing.T) {

	cv.Convey("a task blocked forever with no pending event ends the run with ErrDeadlock instead of hanging", t, func() {

		s := NewSim(quietCfg())
		s.NewHost("srv", func() Runner { return &stuckAcceptor{addr: "srv:1"} })

		rep, err := s.Run()
		cv.So(errors.Is(err, ErrDeadlock), cv.ShouldBeTrue)
		cv.So(rep.Outcome, cv.ShouldEqual, "deadlock")
	})

	cv.Convey("two connected tasks both waiting in Recv with no timer anywhere is the classic mutual-recv deadlock, and is detected the moment the ready queue and event queues are both empty", t, func() {

		s := NewSim(quietCfg())
		s.NewHost("a", func() Runner { return &muteServer{addr: "a:1"} })
		s.NewHost("b", func() Runner { return &muteClient{addr: "a:1"} })

		rep, err := s.Run()
		cv.So(errors.Is(err, ErrDeadlock), cv.ShouldBeTrue)
		cv.So(rep.Outcome, cv.ShouldEqual, "deadlock")
		cv.So(rep.Final, cv.ShouldEqual, BigBang)
	})
}

func Test502_run_ceiling_caps_simulated_time(t *testing.T) {

	cv.Convey("a run that would advance past the ceiling stops with ErrRunTimeout at the ceiling", t, func() {

		cfg := quietCfg()
		cfg.RunCeiling = time.Second
		s := NewSim(cfg)
		s.NewHost("node0", func() Runner { return &napper{d: 10 * time.Second} })

		rep, err := s.Run()
		cv.So(errors.Is(err, ErrRunTimeout), cv.ShouldBeTrue)
		cv.So(rep.Outcome, cv.ShouldEqual, "timeout")
		cv.So(rep.Final, cv.ShouldEqual, BigBang.Add(time.Second))
		cv.So(rep.TimersFired, cv.ShouldEqual, 0)
	})
}

// panicker dies on its first step.
type panicker struct{}

func (p *panicker) Step(ctx *Ctx) (StepStatus, error) {
	panic("boom at " + ctx.Now().String())
}

func Test503_task_failures_are_contained(t *testing.T) {

	cv.Convey("a panicking task becomes a recorded failure; without FailFast the rest of the universe finishes, with FailFast the run stops", t, func() {

		s := NewSim(quietCfg())
		r := &napper{d: 30 * time.Millisecond}
		s.NewHost("bad", func() Runner { return &panicker{} })
		s.NewHost("good", func() Runner { return r })

		rep, err := s.Run()
		cv.So(err, cv.ShouldBeNil)
		cv.So(rep.Outcome, cv.ShouldEqual, "completed")
		cv.So(rep.TasksFailed, cv.ShouldEqual, 1)
		cv.So(rep.TasksCompleted, cv.ShouldEqual, 1)
		cv.So(len(rep.Failures), cv.ShouldEqual, 1)
		cv.So(rep.Failures[0].Host, cv.ShouldEqual, "bad")
		cv.So(rep.Failures[0].Err, cv.ShouldContainSubstring, "boom")
		cv.So(r.woke, cv.ShouldBeTrue)

		cfg := quietCfg()
		cfg.FailFast = true
		s2 := NewSim(cfg)
		r2 := &napper{d: 30 * time.Millisecond}
		s2.NewHost("bad", func() Runner { return &panicker{} })
		s2.NewHost("good", func() Runner { return r2 })

		rep2, err2 := s2.Run()
		cv.So(errors.Is(err2, ErrTaskFailed), cv.ShouldBeTrue)
		cv.So(rep2.Outcome, cv.ShouldEqual, "failfast")
		cv.So(r2.woke, cv.ShouldBeFalse)
	})
}

func Test504_stop_halts_a_run(t *testing.T) {

	cv.Convey("Stop requested before/while running halts the run with ErrHalted, and WhenDone observes completion", t, func() {

		s := NewSim(quietCfg())
		s.NewHost("node0", func() Runner { return &napper{d: time.Hour} })
		s.Stop()

		rep, err := s.Run()
		cv.So(errors.Is(err, ErrHalted), cv.ShouldBeTrue)
		cv.So(rep.Outcome, cv.ShouldEqual, "halted")

		<-s.WhenDone()
		cv.So(s.Report(), cv.ShouldEqual, rep)
	})
}

func Test505_snapshot_reflects_universe_state(t *testing.T) {

	cv.Convey("Snapshot lists hosts and links in name order with partition and queue state", t, func() {

		s := NewSim(quietCfg())
		s.NewHost("zeta", nil)
		s.NewHost("alpha", nil)
		s.Partition("zeta", "alpha")

		snap := s.Snapshot()
		cv.So(snap.Now, cv.ShouldEqual, BigBang)
		cv.So(len(snap.Hosts), cv.ShouldEqual, 2)
		cv.So(snap.Hosts[0].Name, cv.ShouldEqual, "alpha")
		cv.So(snap.Hosts[1].Name, cv.ShouldEqual, "zeta")
		cv.So(len(snap.Links), cv.ShouldEqual, 1)
		cv.So(snap.Links[0].Key, cv.ShouldEqual, "alpha|zeta")
		cv.So(snap.Links[0].Partitioned, cv.ShouldBeTrue)
		cv.So(snap.Links[0].MinLat, cv.ShouldEqual, 10*time.Millisecond)
		cv.So(snap.Depths.Ready, cv.ShouldEqual, 0)
	})
}

func Test506_spawned_siblings_share_the_host(t *testing.T) {

	cv.Convey("a task can Spawn siblings; they run in the same drain and the run waits for all of them", t, func() {

		s := NewSim(quietCfg())
		kids := []*napper{
			{d: 5 * time.Millisecond},
			{d: 15 * time.Millisecond},
		}
		s.NewHost("node0", func() Runner {
			return RunnerFunc(func(ctx *Ctx) (StepStatus, error) {
				for _, k := range kids {
					ctx.Spawn(ctx.HostName()+"/kid", k)
				}
				return StepDone, nil
			})
		})

		rep, err := s.Run()
		cv.So(err, cv.ShouldBeNil)
		cv.So(rep.TasksCompleted, cv.ShouldEqual, 3)
		cv.So(kids[0].wokeAt, cv.ShouldEqual, BigBang.Add(5*time.Millisecond))
		cv.So(kids[1].wokeAt, cv.ShouldEqual, BigBang.Add(15*time.Millisecond))
		cv.So(rep.Final, cv.ShouldEqual, BigBang.Add(15*time.Millisecond))
	})
}
