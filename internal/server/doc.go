// Package server hosts the vodforge HTTP API behind a chi router.
//
// The server builds one middleware chain (panic recovery, request IDs,
// request logging, metrics, security headers, CORS and a global rate limit)
// so every handler shares the same protections and instrumentation. Routes
// come from api.Handler; the server adds the /metrics scrape endpoint and
// JSON not-found and method-not-allowed responses.
//
// Listening and graceful shutdown are left to serverutil.Run.
package server
