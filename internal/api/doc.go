// Package api hosts the HTTP handlers that front the vodforge ingest service.
//
// Handler translates requests into calls on the ingest orchestrator, the
// live viewer tracker and the health probes it is constructed with. It does
// not reach for globals; callers supply fully configured dependencies and
// mount the routes on a chi router with Routes.
//
// Uploaders identify themselves with the X-Uploader-Id header. There is no
// session layer: the identity is an opaque string recorded as the owner of
// merged and fast-uploaded files.
//
// Errors are rendered as {"error": "..."} bodies. Sentinel errors from the
// ingest, chunk store, job and viewer packages are mapped to status codes in
// one place (statusForError) so every route reports the same condition the
// same way.
//
// Handlers assume upstream middleware from internal/server has already
// applied request IDs, rate limiting, CORS, metrics and request logging.
package api
