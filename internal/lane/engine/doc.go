// Package engine is the weighted multi-lane task execution engine.
//
// Work is submitted onto one of four lanes (High, Normal, Low, IO). A fixed
// pool of workers pops tasks following a weighted round-robin schedule built
// at Start: each lane appears in the cycle as many times as its weight, so
// under saturation lanes are served in exact proportion to their weights while
// a low-weight lane is never starved. Within a lane tasks run in FIFO order.
//
// One mutex guards the queues, the schedule cursor and all counters; one
// condition variable wakes workers and Flush callers. Task bodies always run
// with no lock held. A task that returns an error or panics is reported to the
// fault sink and counted, never propagated to the submitter.
package engine
