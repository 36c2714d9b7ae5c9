// Package sched provides the small scheduling helpers shared by the
// tracker, the config watcher and the command: a debouncer that coalesces
// bursts of stop notifications or file events into one call, and a
// backoff retry for connecting to a debug adapter that is still starting.
package sched
