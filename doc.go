// Package coordd is the coordination and resilience layer shared by the
// site's data-refresh paths: a cross-process lock built on an object store's
// conditional-create primitive, a per-identity rate limiter wrapped in a
// circuit breaker, and a tiered cache that keeps serving stale-but-valid data
// when the origin or the store itself is unreachable.
//
// The Layer type is the composition root. Refresh jobs and read paths consume
// it through narrow calls (AcquireLock, IsOperationAllowed, GetWithFallback)
// and never see the backend directly.
package coordd
