// Package health provides composable health check probes and HTTP handlers
// for liveness and readiness endpoints.
//
// Probes can be combined with [All] (AND), [Any] (OR), and [Fixed] (static).
// [CheckFunc] adapts a plain function into a [Probe], and [Dependency] wraps
// a remote check such as the build bucket with a timeout.
//
// [ShutdownGate] coordinates graceful shutdown: once closed, readiness probes
// fail immediately so load balancers stop sending traffic
// before in-flight reviews are drained.
package health
