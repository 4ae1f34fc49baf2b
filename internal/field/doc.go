// Package field defines the value types exchanged between workers and the
// coordinator: grids of field samples, the task descriptor a worker runs from,
// and the samples and results it produces.
//
// All types in this package are immutable once constructed:
//   - Grid copies its values on construction and on every read of the slice.
//   - TaskDescriptor is a plain value; WithWorker returns a fresh copy.
//   - Sample and WorkerResult wrap a Grid and add no mutable state.
//
// Compatibility between grids is decided by Shape.Compatible: the point
// counts, the plane and the translation must match exactly. Width is carried
// for position reconstruction but does not take part in compatibility.
package field
