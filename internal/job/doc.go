// Package job holds the data model shared by the scheduler, its sinks and the
// admin surface: job specs, runtime state and per-attempt results.
package job
