package simworld

import (
	"time"
)

// SimConfig is everything that shapes a universe before it
// starts. Copy it per-Sim; a shared config mutated between
// runs is a determinism bug waiting to happen.
type SimConfig struct {

	// Seed is the master seed: the single input that, with
	// the harness code, determines the whole run.
	Seed [32]byte

	// Default per-link one-way latency range, used until
	// SetLink or a latency fault overrides a pair.
	// MinLatency == MaxLatency gives fixed-latency links
	// with no entropy draw per send.
	MinLatency time.Duration
	MaxLatency time.Duration

	// Default per-link loss probability in [0,1].
	LossProb float64

	// RunCeiling bounds simulated (not wall) time; a run
	// about to advance past it stops with ErrRunTimeout.
	// Zero means no ceiling.
	RunCeiling time.Duration

	// FailFast stops the run at the first task failure
	// instead of letting the rest of the universe run on.
	FailFast bool

	// Trace keeps the in-memory RunEvent trail. On by
	// default; the trail is the determinism check.
	Trace bool

	// QuietTestMode suppresses the seed/report log lines.
	QuietTestMode bool
}

// NewSimConfig provides defaults: 10ms fixed latency,
// lossless links, tracing on, no ceiling. The zero Seed is
// perfectly valid and perfectly reproducible; set a real
// one with SeedFromString or crypto/rand when you want
// variety.
func NewSimConfig() *SimConfig {
	return &SimConfig{
		MinLatency: 10 * time.Millisecond,
		MaxLatency: 10 * time.Millisecond,
		Trace:      true,
	}
}
