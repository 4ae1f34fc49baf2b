// Package accum merges weighted field grids into one composite.
//
// Contributions arrive in arbitrary order, often thousands of them with small
// weights (about 1/worker-count each). Naive sequential float addition
// accumulates rounding error that can rival the statistical noise the merge
// is meant to average out, and its result depends on arrival order. The
// Accumulator instead uses Neumaier's variant of Kahan summation per grid
// point, and for the total weight:
//
//	naive:    |S_hat - S| <= (n-1) u Σ|x_i|
//	Neumaier: |S_hat - S| <= 2u|S| + O(n u²) Σ|x_i|
//
// where u = 2⁻⁵³. For any permutation of the same merges, Finalize results
// agree to within that bound, which for non-cancelling inputs is a couple of
// ulps of the result regardless of n.
//
// The Accumulator is not safe for concurrent use. A single coordinator
// goroutine owns it; callers sharing one across goroutines must serialize
// every SetIdeal and Merge themselves.
package accum
