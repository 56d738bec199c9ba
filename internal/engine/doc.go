// Package engine provides the asynchronous execution engine. It gates
// submissions through the safety validator, acquires a pooled VM, dispatches
// the workload to the executor, and updates the store with results in real
// time, always releasing the VM back to the pool regardless of outcome.
package engine
