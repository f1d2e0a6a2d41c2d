// Package failover decides which of two redundant upstream feeds a viewer is
// sent to and returns a delivery endpoint for it.
//
// # Overview
//
// An alias names a StreamPair held by the registry: a required primary feed
// and an optional secondary feed. Resolve turns an alias and a transport
// format into an endpoint with at most three sequential collaborator calls:
//
//  1. LivenessChecker.CheckLiveness(primary)
//  2. LivenessChecker.CheckLiveness(secondary), only when the primary is not
//     live and a secondary is configured
//  3. EndpointAllocator.AllocateEndpoint(chosen, format)
//
// # Decision Policy
//
//   - Primary live: use the primary.
//   - Primary not live, secondary configured and live: use the secondary.
//   - Otherwise: use the primary anyway. A possibly dead primary is still
//     handed to the allocator so the viewer always receives an endpoint.
//
// # Failure Semantics
//
// An unknown alias fails with ErrNotFound before any collaborator is called.
// A liveness query that errors is treated exactly like a feed reported as not
// live; it is logged and counted but never aborts resolution. An allocation
// failure is returned as an *AllocationError and is not retried against the
// other feed: only liveness feeds into failover.
//
// Every resolution is recomputed from fresh liveness queries. Nothing about
// the previously chosen feed is remembered, so Resolve needs no locking and
// concurrent calls for the same alias proceed independently. Each collaborator
// call is bounded by Config.CallTimeout.
package failover
