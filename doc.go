// Package simworld is a deterministic simulation testing
// runtime: a sealed universe of virtual time, a simulated
// network, seeded entropy, and scheduled faults, driven by
// one single-threaded orchestrator.
//
// The contract is bit-for-bit reproducibility: two runs of
// the same harness code with the same master seed make the
// same decisions in the same order at the same simulated
// instants. A distributed-systems bug that shows up once in
// ten thousand runs becomes a seed you can replay forever.
//
// How we get determinism:
//
//  1. Application code runs as explicit state-machine tasks
//     (the Runner interface), never as free goroutines. The
//     orchestrator calls Step; a blocked primitive returns
//     ErrPending after registering a wake, and the task is
//     re-entered later. The ready queue is FIFO; there is
//     exactly one runnable task at a time.
//
//  2. Virtual time only moves in the run loop, jumping to
//     the earliest pending event. Nothing ever sleeps on
//     the wall clock.
//
//  3. Every queue orders by (due instant, creation serial).
//     The serial is assigned on the orchestrator thread, so
//     ties break the same way every run.
//
//  4. All randomness flows from one seed through named
//     per-host entropy streams (blake3 XOF), so adding a
//     draw in one component never shifts the draws of
//     another.
//
//  5. Iterated collections are dmaps (sorted), never plain
//     Go maps.
//
// Faults are data: partitions, crashes, restarts, latency
// and loss changes, clock skew, scheduled at instants or
// generated as a chaos schedule from the same seed. The
// run's event trail (Trace) is the determinism check; see
// TraceEqual.
//
// Start with NewSim, register hosts with NewHost, schedule
// faults, call Run, inspect the RunReport.
package simworld
