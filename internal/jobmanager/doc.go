// Package jobmanager runs shell pipelines as jobs and provides job control
// over them.
//
// A Job is one pipeline. Each stage is either an external program, started in
// the job's own process group, or a Builtin running on a goroutine inside the
// shell with its streams bound to the stage's pipe ends. Jobs are kept in a
// Table, identified by small integers that are never reused.
//
// A Manager spawns pipelines, waits for foreground jobs, attaches a watcher
// to background jobs, and implements fg, bg, stop and kill. Child state
// changes are collected asynchronously by a signal router that reacts to
// SIGCHLD and updates the Table.
package jobmanager
