// Package ports defines the driven-side interfaces of the engine: the
// interaction stack, queues, fences, dedup windows, and the external
// collaborators (model client, tools, evaluator, publishers).
//
// Adapters live under internal/adapters; contract test suites in this package
// verify that every adapter family implements the same observable behavior.
package ports
