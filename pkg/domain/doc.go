// Package domain holds the core vocabulary of the engine: conversation states,
// branches, effects, error sentinels and the storage envelope.
//
// Everything here is plain data. Behavior (how states advance, how effects are
// dispatched) lives in pkg/engine, pkg/executor and pkg/scheduler; persistence
// lives behind pkg/ports.
package domain
