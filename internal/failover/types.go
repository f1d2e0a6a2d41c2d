package failover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"stream-failover/internal/registry"
)

// ErrNotFound is returned when the alias is not registered.
var ErrNotFound = registry.ErrNotFound

// ErrAllocation matches every *AllocationError via errors.Is.
var ErrAllocation = errors.New("endpoint allocation failed")

// Endpoint is the allocation service's response, forwarded without
// interpretation.
type Endpoint = json.RawMessage

// LivenessChecker reports whether a feed is actively ingesting.
type LivenessChecker interface {
	CheckLiveness(ctx context.Context, feedID string) (bool, error)
}

// EndpointAllocator returns a delivery endpoint for a feed in a format.
type EndpointAllocator interface {
	AllocateEndpoint(ctx context.Context, feedID, format string) (Endpoint, error)
}

// PairLookup is the read side of the registry used by the resolver.
type PairLookup interface {
	Get(ctx context.Context, alias string) (registry.StreamPair, error)
}

// Choice records why a feed was selected.
type Choice string

const (
	ChoicePrimary   Choice = "primary"
	ChoiceSecondary Choice = "secondary"
	// ChoiceFallback selects the primary although neither feed was proven live.
	ChoiceFallback Choice = "fallback"
)

// Resolution is the outcome of a successful Resolve.
type Resolution struct {
	Alias    string
	Format   string
	FeedID   string
	Choice   Choice
	Endpoint Endpoint
}

// AllocationError wraps a failure of the allocation collaborator.
type AllocationError struct {
	FeedID string
	Format string
	Err    error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocate %s endpoint for %s: %v", e.Format, e.FeedID, e.Err)
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}

func (e *AllocationError) Is(target error) bool {
	return target == ErrAllocation
}
