package simworld

import (
	"fmt"
	"time"
)

// FaultKind selects the adversarial event variant.
type FaultKind int

const (
	FaultPartition FaultKind = 1
	FaultHeal      FaultKind = 2
	FaultLatency   FaultKind = 3
	FaultLoss      FaultKind = 4
	FaultCrash     FaultKind = 5
	FaultRestart   FaultKind = 6
	FaultClockSkew FaultKind = 7
)

func (k FaultKind) String() string {
	switch k {
	case FaultPartition:
		return "Partition"
	case FaultHeal:
		return "Heal"
	case FaultLatency:
		return "Latency"
	case FaultLoss:
		return "Loss"
	case FaultCrash:
		return "Crash"
	case FaultRestart:
		return "Restart"
	case FaultClockSkew:
		return "ClockSkew"
	}
	return fmt.Sprintf("FaultKind(%v)", int(k))
}

// Fault is one scheduled adversarial event. A and B are
// host names; B is empty for single-host variants (Crash,
// Restart, ClockSkew). The parameter fields are read per
// Kind and ignored otherwise.
type Fault struct {
	Kind FaultKind `json:"kind"`
	A    string    `json:"a"`
	B    string    `json:"b,omitempty"`

	// FaultLatency
	MinLat time.Duration `json:"minLat,omitempty"`
	MaxLat time.Duration `json:"maxLat,omitempty"`

	// FaultLoss
	LossProb float64 `json:"lossProb,omitempty"`

	// FaultClockSkew
	Skew time.Duration `json:"skew,omitempty"`
}

func (f Fault) String() string {
	switch f.Kind {
	case FaultPartition, FaultHeal:
		return fmt.Sprintf("Fault{%v %v<->%v}", f.Kind, f.A, f.B)
	case FaultLatency:
		return fmt.Sprintf("Fault{Latency %v<->%v [%v,%v]}", f.A, f.B, f.MinLat, f.MaxLat)
	case FaultLoss:
		return fmt.Sprintf("Fault{Loss %v<->%v p=%v}", f.A, f.B, f.LossProb)
	case FaultClockSkew:
		return fmt.Sprintf("Fault{ClockSkew %v %v}", f.A, f.Skew)
	}
	return fmt.Sprintf("Fault{%v %v}", f.Kind, f.A)
}

// AppliedFault is one fault plus the instant it actually
// took effect; the run report carries the full list so a
// failed run can be reproduced exactly.
type AppliedFault struct {
	At    SimInstant `json:"at"`
	Fault Fault      `json:"fault"`
}

// ScheduleFaultAt queues f for application when simulated
// time reaches at. Already-due instants (at <= now) apply on
// the next advance. Faults with equal instants apply in
// scheduling order.
func (s *Sim) ScheduleFaultAt(at SimInstant, f Fault) {
	op := &sop{
		sn:    s.nextSN(),
		kind:  FAULT,
		due:   at,
		fault: &f,
	}
	s.faultQ.add(op)
}

// ScheduleFaultAfter queues f at now + delay.
func (s *Sim) ScheduleFaultAfter(delay time.Duration, f Fault) {
	s.ScheduleFaultAt(s.now.Add(delay), f)
}

// applyFault mutates network/host state for one due fault.
// Unknown host names are a harness bug and panic; the
// schedule is built against registered hosts.
func (s *Sim) applyFault(f Fault) {
	switch f.Kind {
	case FaultPartition:
		s.net.partition(s.hostByName(f.A), s.hostByName(f.B))

	case FaultHeal:
		s.net.repair(s.hostByName(f.A), s.hostByName(f.B))

	case FaultLatency:
		lk := s.net.linkFor(s.hostByName(f.A), s.hostByName(f.B))
		lk.minLat = f.MinLat
		lk.maxLat = f.MaxLat

	case FaultLoss:
		lk := s.net.linkFor(s.hostByName(f.A), s.hostByName(f.B))
		lk.lossProb = f.LossProb

	case FaultCrash:
		s.crash(s.hostByName(f.A))

	case FaultRestart:
		s.restart(s.hostByName(f.A))

	case FaultClockSkew:
		s.hostByName(f.A).skew = f.Skew

	default:
		panic(fmt.Sprintf("unknown FaultKind %v", f.Kind))
	}
	s.applied = append(s.applied, AppliedFault{At: s.now, Fault: f})
	s.traceEvent(EvFault, f.A, f.String(), int64(f.Kind))
}

// ChaosSchedule generates a randomized fault schedule drawn
// exclusively from the entropy manager, so (seed, nFaults,
// within) fully determines the result. Partitions come
// paired with a later heal; crashes with a later restart.
// The schedule is returned, not installed; pass entries to
// ScheduleFaultAt (or use ScheduleChaos) to arm them.
func (s *Sim) ChaosSchedule(nFaults int, within time.Duration) (plan []AppliedFault) {
	if s.hosts.Len() < 2 {
		panic("ChaosSchedule needs at least two hosts")
	}
	rng := s.ent.StreamFor(WorldHost, "chaos")

	var names []string
	for _, h := range all(s.hosts) {
		names = append(names, h.name)
	}

	for i := 0; i < nFaults; i++ {
		at := BigBang.Add(rng.Duration(0, within))
		ia := rng.Choice(len(names))
		ib := rng.Choice(len(names) - 1)
		if ib >= ia {
			ib++
		}
		a, b := names[ia], names[ib]

		switch rng.Choice(4) {
		case 0:
			plan = append(plan, AppliedFault{At: at,
				Fault: Fault{Kind: FaultPartition, A: a, B: b}})
			heal := at.Add(rng.Duration(0, within/4))
			plan = append(plan, AppliedFault{At: heal,
				Fault: Fault{Kind: FaultHeal, A: a, B: b}})
		case 1:
			plan = append(plan, AppliedFault{At: at,
				Fault: Fault{Kind: FaultCrash, A: a}})
			back := at.Add(rng.Duration(0, within/4))
			plan = append(plan, AppliedFault{At: back,
				Fault: Fault{Kind: FaultRestart, A: a}})
		case 2:
			lo := rng.Duration(0, 50*time.Millisecond)
			hi := lo + rng.Duration(0, 200*time.Millisecond)
			plan = append(plan, AppliedFault{At: at,
				Fault: Fault{Kind: FaultLatency, A: a, B: b, MinLat: lo, MaxLat: hi}})
		default:
			plan = append(plan, AppliedFault{At: at,
				Fault: Fault{Kind: FaultLoss, A: a, B: b,
					LossProb: float64(rng.Choice(50)) / 100}})
		}
	}
	return
}

// ScheduleChaos generates and installs a chaos schedule,
// returning it for the record.
func (s *Sim) ScheduleChaos(nFaults int, within time.Duration) []AppliedFault {
	plan := s.ChaosSchedule(nFaults, within)
	for _, pf := range plan {
		s.ScheduleFaultAt(pf.At, pf.Fault)
	}
	return plan
}
