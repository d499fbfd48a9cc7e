// Package engine provides the job dispatcher: the public entry point that
// ties the job store, lease manager, retry policy and worker pool together.
//
// An Engine persists submissions, drives a fixed pool of execution units
// that lease ready jobs, records each attempt's outcome through the store
// and periodically reclaims leases abandoned by crashed or hung workers.
// Shutdown is cooperative: in-flight executions get a grace period, after
// which their contexts are cancelled and any unreported job is left leased
// for lease expiry to recover on the next start.
package engine
