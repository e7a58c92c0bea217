// Package handlers contains health checks and reusable HTTP middleware.
//
// # Health Checks
//
// Checks are either critical or optional. A failing critical check (the
// primary store) makes /health and /ready answer 503; a failing optional
// check (a redis cache, an open circuit breaker) only marks the status
// as degraded, because every optional dependency falls back to the store:
//
//	checker := handlers.NewCompositeHealthChecker("v1")
//	checker.AddCheck("postgres", conn.Ready)
//	checker.AddOptionalCheck("redis", handlers.NewPingCheck(cache))
//	checker.AddOptionalCheck("rule_cache_breaker", handlers.NewBreakerCheck(cb))
//
// # Middleware
//
//	api := handlers.Chain(
//	    handlers.SecurityHeadersMiddleware,
//	    handlers.NoCacheMiddleware,
//	    handlers.RequestSizeLimitMiddleware(1<<20),
//	    handlers.TimeoutMiddleware(10*time.Second),
//	)
//	mux.Handle("GET /api/v1/kids/{kidId}/energy", api(energyHandler))
package handlers
