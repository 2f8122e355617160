// Package watcher turns fsnotify notifications for a directory tree into a
// stream of RawEvent values and coalesces bursts of them into Batch values.
//
// The Watcher owns its own goroutines and never blocks callers beyond the
// channel hand-off. Errors reported by the operating system after the initial
// watch is established are logged and counted; only New can fail.
package watcher
