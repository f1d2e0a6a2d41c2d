package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"stream-failover/internal/observability/logging"
	"stream-failover/internal/observability/metrics"
)

// DefaultCallTimeout bounds each collaborator call when Config.CallTimeout is
// unset.
const DefaultCallTimeout = 5 * time.Second

// Config wires the resolver to its collaborators.
type Config struct {
	Registry    PairLookup
	Liveness    LivenessChecker
	Allocator   EndpointAllocator
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	CallTimeout time.Duration
}

// Resolver chooses between the primary and secondary feed of an alias and
// obtains an endpoint for the chosen feed. It holds no per-alias state.
type Resolver struct {
	registry    PairLookup
	liveness    LivenessChecker
	allocator   EndpointAllocator
	logger      *slog.Logger
	metrics     *metrics.Recorder
	callTimeout time.Duration
}

// NewResolver validates cfg and returns a Resolver.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Registry == nil {
		return nil, errors.New("failover: registry is required")
	}
	if cfg.Liveness == nil {
		return nil, errors.New("failover: liveness checker is required")
	}
	if cfg.Allocator == nil {
		return nil, errors.New("failover: endpoint allocator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Resolver{
		registry:    cfg.Registry,
		liveness:    cfg.Liveness,
		allocator:   cfg.Allocator,
		logger:      logging.WithComponent(logger, "failover"),
		metrics:     recorder,
		callTimeout: timeout,
	}, nil
}

// Decide applies the failover policy to observed liveness. secondaryLive is
// ignored when hasSecondary is false.
func Decide(primaryLive, hasSecondary, secondaryLive bool) Choice {
	switch {
	case primaryLive:
		return ChoicePrimary
	case hasSecondary && secondaryLive:
		return ChoiceSecondary
	default:
		return ChoiceFallback
	}
}

// Resolve returns an endpoint in format for the currently preferred feed of
// alias. Unknown aliases fail with ErrNotFound before any collaborator call;
// allocation failures are returned as *AllocationError.
func (r *Resolver) Resolve(ctx context.Context, alias, format string) (Resolution, error) {
	alias = strings.TrimSpace(alias)
	ctx = logging.ContextWithAlias(ctx, alias)
	logger := logging.WithContext(ctx, r.logger)

	pair, err := r.registry.Get(ctx, alias)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.metrics.ObserveResolution("not_found")
			return Resolution{}, ErrNotFound
		}
		return Resolution{}, fmt.Errorf("lookup alias %q: %w", alias, err)
	}

	primaryLive := r.checkLiveness(ctx, logger, pair.Primary)
	secondaryLive := false
	if !primaryLive && pair.HasSecondary() {
		secondaryLive = r.checkLiveness(ctx, logger, pair.Secondary)
	}
	if err := ctx.Err(); err != nil {
		return Resolution{}, fmt.Errorf("resolve %q: %w", alias, err)
	}

	choice := Decide(primaryLive, pair.HasSecondary(), secondaryLive)
	feedID := pair.Primary
	if choice == ChoiceSecondary {
		feedID = pair.Secondary
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	endpoint, err := r.allocator.AllocateEndpoint(callCtx, feedID, format)
	cancel()
	if err != nil {
		r.metrics.ObserveResolution("allocation_error")
		logger.Error("endpoint allocation failed", "feed", feedID, "format", format, "choice", string(choice), "error", err)
		return Resolution{}, &AllocationError{FeedID: feedID, Format: format, Err: err}
	}

	r.metrics.ObserveResolution(string(choice))
	level := slog.LevelInfo
	if choice == ChoiceFallback {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "stream resolved",
		"choice", string(choice),
		"feed", feedID,
		"primary", pair.Primary,
		"has_secondary", pair.HasSecondary(),
		"format", format,
	)

	return Resolution{
		Alias:    alias,
		Format:   format,
		FeedID:   feedID,
		Choice:   choice,
		Endpoint: endpoint,
	}, nil
}

// checkLiveness folds query errors into "not live".
func (r *Resolver) checkLiveness(ctx context.Context, logger *slog.Logger, feedID string) bool {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	live, err := r.liveness.CheckLiveness(callCtx, feedID)
	switch {
	case err != nil:
		r.metrics.ObserveLivenessCheck("error")
		logger.Warn("liveness query failed, treating feed as not live", "feed", feedID, "error", err)
		return false
	case live:
		r.metrics.ObserveLivenessCheck("live")
	default:
		r.metrics.ObserveLivenessCheck("not_live")
	}
	return live
}
