// Package coord drives one aggregation job: it dispatches the ideal task and
// the stochastic tasks through a Transport, collects results in whatever
// order they arrive, and merges them into an Accumulator.
//
// A Coordinator is single-threaded with respect to its Accumulator and is not
// safe for concurrent use.
//
// State machine:
//
//	IDLE -> DISPATCHED -> COLLECTING -> {COMPLETE, PARTIAL, FAILED}
//
// DISPATCHED may also fail directly when a send fails.
package coord
