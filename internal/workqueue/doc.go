// Package workqueue provides the at-least-once delivery channel between
// admission and the worker pool. Claims carry a visibility timeout: a
// crashed worker's entry becomes re-deliverable once its claim lapses, and
// an entry is removed permanently only when acknowledged.
package workqueue
