// Package health provides composable health check probes and HTTP handlers
// for liveness and readiness endpoints.
//
// Probes combine with [All], which evaluates every member and joins the
// failing reasons. [Fixed] gives a static result and [CheckFunc] adapts a
// plain function into a [Probe].
//
// [ShutdownGate] coordinates graceful shutdown: once closed, readiness
// probes fail so load balancers stop sending traffic before in-flight
// requests are drained.
package health
