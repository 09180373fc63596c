// Package metrics defines the Prometheus collectors of the sandbox:
// binds, resets, invocations, logical threads, dynamic loads, memory
// growth and the sandbox cache. All of them live in Registry.
package metrics
