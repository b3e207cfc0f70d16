// Package scheduler runs polling jobs against remote scoring endpoints.
//
// # Overview
//
// A Scheduler owns one runner per live job id. Each runner loops
// render -> invoke -> record -> publish -> sleep until its iteration cap is
// reached, it is stopped, or its own control logic fails.
//
// # Lifecycle
//
// Runner states move Idle -> Running -> Stopping -> Stopped, or end in Failed
// when the runner itself misbehaves. A failed HTTP call never fails a job; it
// is recorded as an unsuccessful attempt and the loop continues.
//
// Start and Stop return immediately. Stop only signals; callers that need to
// observe the terminal state poll Status or use Wait.
//
// # Cancellation
//
// A stop is observed at the top of each iteration and during the inter-iteration
// sleep. An in-flight call is never aborted by a stop; it completes or hits its
// own timeout, and its result is still recorded and published.
package scheduler
