// Package engine implements the core mission execution engine
//
// This package contains the continuation logic that advances missions one
// step at a time, starts agent steps on their executors, polls in-flight
// runs, and publishes lifecycle events
package engine
