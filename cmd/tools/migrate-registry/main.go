// Command migrate-registry copies stream registrations from a JSON registry
// file into a Postgres or Redis registry. Aliases already present in the
// target are left untouched.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"stream-failover/internal/observability/logging"
	"stream-failover/internal/registry"
)

func main() {
	jsonPath := flag.String("json", "data/streams.json", "path to the JSON registry to migrate")
	target := flag.String("target", "postgres", "target registry (postgres or redis)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	redisAddr := flag.String("redis-addr", "", "Redis address")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisPrefix := flag.String("redis-prefix", "", "Redis key prefix")
	flag.Parse()

	logger := logging.WithComponent(logging.New(logging.Config{Format: logging.FormatText}), "migrate-registry")
	ctx := context.Background()

	source, err := registry.NewJSONStore(*jsonPath)
	if err != nil {
		logger.Error("failed to open JSON registry", "path", *jsonPath, "error", err)
		os.Exit(1)
	}
	defer source.Close(ctx)

	dest, err := openTarget(ctx, *target, *postgresDSN, *redisAddr, *redisPassword, *redisPrefix)
	if err != nil {
		logger.Error("failed to open target registry", "target", *target, "error", err)
		os.Exit(1)
	}
	defer dest.Close(ctx)

	result, err := migrate(ctx, source, dest, logger)
	if err != nil {
		logger.Error("migration failed", "migrated", result.Migrated, "error", err)
		os.Exit(1)
	}
	logger.Info("migration completed", "migrated", result.Migrated, "skipped", result.Skipped)
}

func openTarget(ctx context.Context, target, postgresDSN, redisAddr, redisPassword, redisPrefix string) (registry.Store, error) {
	switch strings.ToLower(strings.TrimSpace(target)) {
	case "postgres":
		dsn := firstNonEmpty(postgresDSN, os.Getenv("FAILOVER_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
		if dsn == "" {
			return nil, errors.New("postgres DSN required: set -postgres-dsn, FAILOVER_POSTGRES_DSN, or DATABASE_URL")
		}
		return registry.NewPostgresStore(ctx, dsn, registry.WithPostgresApplicationName("migrate-registry"))
	case "redis":
		return registry.NewRedisStore(ctx, registry.RedisConfig{
			Addr:     firstNonEmpty(redisAddr, os.Getenv("FAILOVER_REDIS_ADDR")),
			Password: firstNonEmpty(redisPassword, os.Getenv("FAILOVER_REDIS_PASSWORD")),
			Prefix:   firstNonEmpty(redisPrefix, os.Getenv("FAILOVER_REDIS_PREFIX")),
		})
	default:
		return nil, fmt.Errorf("unsupported target %q", target)
	}
}

type migrationResult struct {
	Migrated int
	Skipped  int
}

// migrate copies every entry of src into dst in registration order.
func migrate(ctx context.Context, src, dst registry.Store, logger *slog.Logger) (migrationResult, error) {
	var result migrationResult
	entries, err := src.List(ctx)
	if err != nil {
		return result, fmt.Errorf("list source: %w", err)
	}
	for _, entry := range entries {
		err := dst.Create(ctx, entry.Alias, entry.Stream)
		switch {
		case err == nil:
			result.Migrated++
		case errors.Is(err, registry.ErrConflict):
			result.Skipped++
			logger.Warn("alias already registered in target", "alias", entry.Alias)
		default:
			return result, fmt.Errorf("create %q: %w", entry.Alias, err)
		}
	}
	return result, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
