package simworld

import (
	"errors"
	"fmt"
)

// ErrPending is returned by a suspending primitive (Recv,
// Accept, timer waits) when the operation cannot complete
// yet. The primitive has already registered a wake
// condition for the calling task; the task should return
// StepBlocked and will be re-entered once the condition is
// satisfied.
var ErrPending = errors.New("simworld: operation pending")

// IsPending reports whether err is the ErrPending sentinel.
func IsPending(err error) bool {
	return errors.Is(err, ErrPending)
}

// TaskID is an integer handle into the Sim's task arena.
// Tasks and their wake registrations refer to each other
// only through handles, never pointers, so there are no
// ownership cycles between the arena and the queues.
type TaskID int

// StepStatus is what a Runner's Step reports back to the
// scheduler.
type StepStatus int

const (
	// StepDone: the task completed.
	StepDone StepStatus = 0

	// StepBlocked: a primitive returned ErrPending and the
	// task is suspended until its wake condition fires.
	StepBlocked StepStatus = 1

	// StepYield: the task voluntarily gives up the thread
	// and goes to the back of the ready queue.
	StepYield StepStatus = 2
)

func (st StepStatus) String() string {
	switch st {
	case StepDone:
		return "StepDone"
	case StepBlocked:
		return "StepBlocked"
	case StepYield:
		return "StepYield"
	}
	return fmt.Sprintf("StepStatus(%v)", int(st))
}

// Runner is a suspendable unit of host logic: an explicit,
// resumable state machine. The scheduler calls Step
// whenever the task is runnable; Step runs atomically with
// respect to every other task until it returns. Any state
// the task needs across suspensions lives in the Runner
// value itself.
type Runner interface {
	Step(ctx *Ctx) (StepStatus, error)
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx *Ctx) (StepStatus, error)

func (f RunnerFunc) Step(ctx *Ctx) (StepStatus, error) { return f(ctx) }

type taskState int

const (
	tREADY     taskState = 0
	tRUNNING   taskState = 1
	tSUSPENDED taskState = 2
	tCOMPLETED taskState = 3
	tFAILED    taskState = 4

	// killed by Crash or cancellation, not by its own doing.
	tTERMINATED taskState = 5
)

func (ts taskState) String() string {
	switch ts {
	case tREADY:
		return "READY"
	case tRUNNING:
		return "RUNNING"
	case tSUSPENDED:
		return "SUSPENDED"
	case tCOMPLETED:
		return "COMPLETED"
	case tFAILED:
		return "FAILED"
	case tTERMINATED:
		return "TERMINATED"
	}
	return fmt.Sprintf("taskState(%v)", int(ts))
}

// task is an arena entry. The Sim owns the arena; nothing
// else holds a *task.
type task struct {
	tid    TaskID
	name   string
	host   *simhost
	runner Runner
	state  taskState
	err    error

	// epoch of the owning host when spawned. A Crash bumps
	// the host epoch; stale-epoch tasks are dead even if a
	// queue still mentions their TaskID.
	epoch int

	// outstanding timers owned by this task, for
	// synchronous cancellation.
	timers []*sop

	// in the readyQ already? avoids double-queueing when two
	// wake conditions land at the same instant.
	queued bool
}

func (t *task) String() string {
	return fmt.Sprintf("task{%v %q host:%v state:%v}",
		t.tid, t.name, t.host.name, t.state)
}

// live reports whether the task can still run or wake.
func (t *task) live() bool {
	switch t.state {
	case tREADY, tRUNNING, tSUSPENDED:
		return t.epoch == t.host.epoch
	}
	return false
}

// dropTimer forgets one timer registration.
func (t *task) dropTimer(op *sop) {
	for i, x := range t.timers {
		if x == op {
			t.timers = append(t.timers[:i], t.timers[i+1:]...)
			return
		}
	}
}

// TaskFailure is one captured task error, surfaced in the
// run report. Failures do not propagate between tasks.
type TaskFailure struct {
	Task TaskID     `json:"task"`
	Name string     `json:"name"`
	Host string     `json:"host"`
	At   SimInstant `json:"at"`
	Err  string     `json:"err"`
}

func (f TaskFailure) String() string {
	return fmt.Sprintf("TaskFailure{%v %q on %v at %v: %v}",
		f.Task, f.Name, f.Host, f.At, f.Err)
}
