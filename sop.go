package simworld

import (
	"fmt"
)

// sopkind tells the scheduler what a sop is for.
type sopkind int

const (
	TIMER    sopkind = 1
	DELIVERY sopkind = 2
	FAULT    sopkind = 3
)

func (k sopkind) String() string {
	switch k {
	case TIMER:
		return "TIMER"
	case DELIVERY:
		return "DELIVERY"
	case FAULT:
		return "FAULT"
	}
	return fmt.Sprintf("sopkind(%v)", int(k))
}

// sop is a scheduled operation: anything the orchestrator
// will act on when simulated time reaches sop.due. Timers,
// message deliveries, and fault applications all ride in
// the same record so every queue orders the same way:
// by (due, sn). The sn serial is assigned at creation on
// the single orchestrator thread, so equal-due ties always
// resolve in creation order and never depend on memory
// addresses or map iteration.
type sop struct {
	sn   int64
	kind sopkind
	due  SimInstant

	// TIMER
	task  TaskID
	fired bool
	gone  bool // discarded before firing

	// DELIVERY
	flight *inflight

	// FAULT
	fault *Fault
}

func (op *sop) String() string {
	switch op.kind {
	case TIMER:
		return fmt.Sprintf("sop{TIMER sn:%v due:%v task:%v fired:%v gone:%v}",
			op.sn, op.due, op.task, op.fired, op.gone)
	case DELIVERY:
		return fmt.Sprintf("sop{DELIVERY sn:%v due:%v flight:%v}",
			op.sn, op.due, op.flight)
	case FAULT:
		return fmt.Sprintf("sop{FAULT sn:%v due:%v fault:%v}",
			op.sn, op.due, op.fault)
	}
	return fmt.Sprintf("sop{kind:%v sn:%v due:%v}", op.kind, op.sn, op.due)
}
