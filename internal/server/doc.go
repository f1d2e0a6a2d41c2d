// Package server exposes the stream registry and failover resolution over
// HTTP.
//
// Every request passes through one middleware chain: request IDs, request
// logging, metrics, security headers, CORS, rate limiting, and admin-token
// checks on registry writes. Handlers themselves live in package api.
package server
