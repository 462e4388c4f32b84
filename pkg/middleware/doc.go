// Package middleware provides request gating for the broker's HTTP surface.
//
// # Session Authentication
//
// SessionAuth validates broker-issued access tokens and attaches the session
// to the request:
//
//	router.Handle("/auth/session", middleware.NewSessionAuth(sessions, false).Handler(h))
//	sess := middleware.GetSession(r)
//
// # Rate Limiting
//
// Callback routes are throttled per client address. With Redis configured the
// counter is shared across instances:
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, cfg, "")
//	router.Use(middleware.NewRateLimitMiddleware(limiter, "callback", metrics).Handler)
//
// Without Redis the in-memory token bucket is used instead:
//
//	limiter := middleware.NewRateLimiter(cfg)
//	limiter.StartCleanup(ctx)
//
// Limiter errors fail open.
package middleware
