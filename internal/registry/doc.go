// Package registry persists job records in SQLite and provides the atomic
// create-if-absent and compare-and-set lease primitives the worker pool and
// sweeper rely on. It is the source of truth for job state.
package registry
