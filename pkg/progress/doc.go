// Package progress prints the dispatcher's percentage readout.
//
// The dispatcher hands each polled core.Progress to a Reporter, which
// rewrites a single terminal line:
//
//	Progress: 42.00% (420/1000 chunks complete)
//
// Finish prints the final line and a short summary.
package progress
