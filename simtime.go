package simworld

import (
	"fmt"
	"time"
)

// SimInstant is a point in simulated time, in nanoseconds
// since the start of the run. It is not wall-clock time;
// the orchestrator is the only thing that moves it forward.
type SimInstant int64

// BigBang is the start of simulated time.
const BigBang SimInstant = 0

// Add returns the instant d after t.
func (t SimInstant) Add(d time.Duration) SimInstant {
	return t + SimInstant(d)
}

// Sub returns the duration t - t2.
func (t SimInstant) Sub(t2 SimInstant) time.Duration {
	return time.Duration(t - t2)
}

func (t SimInstant) Before(t2 SimInstant) bool {
	return t < t2
}

func (t SimInstant) After(t2 SimInstant) bool {
	return t > t2
}

func (t SimInstant) String() string {
	return fmt.Sprintf("t+%v", time.Duration(t))
}
