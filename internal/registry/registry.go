// Package registry stores the alias → stream pair mappings consulted by the
// failover resolver.
//
// Every backend applies the same validation and error contract: an empty
// alias or primary is rejected with ErrInvalidInput, registering an alias twice
// returns ErrConflict, and reading or deleting an unknown alias returns
// ErrNotFound. Mutations are serialised per store so concurrent resolutions
// never observe a half-written record.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when an alias is not registered.
	ErrNotFound = errors.New("stream not found")
	// ErrConflict is returned when an alias is already registered.
	ErrConflict = errors.New("stream already exists")
	// ErrInvalidInput is returned for malformed registrations.
	ErrInvalidInput = errors.New("invalid stream registration")
)

// StreamPair names the redundant upstream feeds behind an alias. Secondary is
// optional and empty when absent.
type StreamPair struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary,omitempty"`
}

// HasSecondary reports whether a backup feed is configured.
func (p StreamPair) HasSecondary() bool {
	return p.Secondary != ""
}

// Entry is a registered alias together with its pair, as returned by List.
type Entry struct {
	Alias  string     `json:"alias"`
	Stream StreamPair `json:"stream"`
}

// Store is implemented by every registry backend.
type Store interface {
	Create(ctx context.Context, alias string, pair StreamPair) error
	Get(ctx context.Context, alias string) (StreamPair, error)
	Delete(ctx context.Context, alias string) error
	// List returns entries in registration order. The order is meant for
	// display only.
	List(ctx context.Context) ([]Entry, error)
	Close(ctx context.Context) error
}

// Validate normalises and checks a registration request.
func Validate(alias string, pair StreamPair) (string, StreamPair, error) {
	alias, pair, err := normalize(alias, pair)
	if err != nil {
		return "", StreamPair{}, err
	}
	if err := checkPrimary(pair); err != nil {
		return "", StreamPair{}, err
	}
	return alias, pair, nil
}

// normalize trims a registration and checks only the alias. Backends report
// an existing alias as ErrConflict before looking at the primary.
func normalize(alias string, pair StreamPair) (string, StreamPair, error) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return "", StreamPair{}, fmt.Errorf("%w: alias is required", ErrInvalidInput)
	}
	pair.Primary = strings.TrimSpace(pair.Primary)
	pair.Secondary = strings.TrimSpace(pair.Secondary)
	return alias, pair, nil
}

func checkPrimary(pair StreamPair) error {
	if pair.Primary == "" {
		return fmt.Errorf("%w: missing primary stream", ErrInvalidInput)
	}
	return nil
}
