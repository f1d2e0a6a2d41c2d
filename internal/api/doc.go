// Package api hosts the HTTP handlers of the failover service.
//
// Handler exposes three entry points that internal/server mounts on its mux:
// Streams for the registry listing, StreamByAlias for registration, removal
// and resolution under /stream/, and Health for readiness checks. Handlers
// only translate between HTTP and the registry and failover packages; the
// failover decision itself lives in internal/failover.
//
// Middleware from internal/server has already assigned a request id, logged
// and counted the request, enforced rate limits, and checked the admin token
// on mutating routes before a handler runs.
package api
