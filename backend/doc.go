// Package backend implements the jit.Backend handoff contract.
//
// This package contains:
//   - a Runner that "compiles" a trace by resolving its boxes to slots
//   - an executor loop over the compiled operations
//   - guard exits into bridges or through DeadFrames
//   - per-activation force tokens for virtualizables
package backend
