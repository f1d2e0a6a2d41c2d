package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"stream-failover/internal/failover"
	"stream-failover/internal/registry"
	"stream-failover/internal/server"
)

const defaultHTTPPort = "3000"

type registryConfig struct {
	Driver   string
	Path     string
	Postgres postgresConfig
	Redis    registry.RedisConfig
}

type postgresConfig struct {
	DSN             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdle     time.Duration
	AcquireTimeout  time.Duration
	AppName         string
}

type serviceConfig struct {
	Addr            string
	LogLevel        string
	LogFormat       string
	TLSCert         string
	TLSKey          string
	AdminTokenHash  string
	CORSOrigins     []string
	ResolveTimeout  time.Duration
	ShutdownTimeout time.Duration
	RateLimit       server.RateLimitConfig
	Registry        registryConfig
}

// parseConfig reads flags from args and falls back to the environment for
// anything left unset.
func parseConfig(args []string, getenv func(string) string) (serviceConfig, error) {
	fs := flag.NewFlagSet("failover-service", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	addr := fs.String("addr", "", "HTTP listen address (defaults to :$HTTP_PORT)")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (json or text)")
	tlsCert := fs.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := fs.String("tls-key", "", "path to TLS private key file")
	adminTokenHash := fs.String("admin-token-hash", "", "pbkdf2 hash of the admin token guarding registry writes")
	corsOrigins := fs.String("cors-origins", "", "comma separated browser origins allowed to call the API")
	resolveTimeout := fs.Duration("resolve-timeout", 0, "timeout for each liveness or allocation call")
	shutdownTimeout := fs.Duration("shutdown-timeout", 0, "graceful shutdown timeout")

	registryDriver := fs.String("registry-driver", "", "registry driver (memory, json, postgres, redis)")
	registryPath := fs.String("registry-path", "", "path to the JSON registry file")
	postgresDSN := fs.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := fs.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := fs.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := fs.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := fs.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresAcquireTimeout := fs.Duration("postgres-acquire-timeout", 0, "timeout for each registry statement")
	postgresAppName := fs.String("postgres-app-name", "", "application_name reported to Postgres")
	redisAddr := fs.String("redis-addr", "", "Redis address for the registry")
	redisAddrs := fs.String("redis-addrs", "", "comma separated Redis addresses for the registry")
	redisUsername := fs.String("redis-username", "", "Redis username for the registry")
	redisPassword := fs.String("redis-password", "", "Redis password for the registry")
	redisMasterName := fs.String("redis-master-name", "", "Redis sentinel master name for the registry")
	redisPrefix := fs.String("redis-prefix", "", "key prefix for registry data")
	redisPoolSize := fs.Int("redis-pool-size", 0, "maximum Redis connections for the registry")
	redisTLSCA := fs.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := fs.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := fs.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := fs.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := fs.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")

	globalRPS := fs.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := fs.Int("rate-global-burst", 0, "global rate limit burst allowance")
	mutationLimit := fs.Int("rate-mutation-limit", 0, "registry writes allowed per client IP per window")
	mutationWindow := fs.Duration("rate-mutation-window", 0, "window for counting registry writes")
	trustForwarded := fs.Bool("rate-trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	trustedProxies := fs.String("rate-trusted-proxies", "", "comma separated CIDR blocks or IPs of trusted proxies")
	rateRedisAddr := fs.String("rate-redis-addr", "", "Redis address for shared mutation counters")
	rateRedisPassword := fs.String("rate-redis-password", "", "Redis password for shared mutation counters")
	rateRedisTimeout := fs.Duration("rate-redis-timeout", 0, "timeout for Redis rate limit operations")

	if err := fs.Parse(args); err != nil {
		return serviceConfig{}, err
	}
	env := envLookup(getenv)

	cfg := serviceConfig{
		Addr:            resolveListenAddr(*addr, env("HTTP_PORT")),
		LogLevel:        firstNonEmpty(*logLevel, env("FAILOVER_LOG_LEVEL"), "info"),
		LogFormat:       firstNonEmpty(*logFormat, env("FAILOVER_LOG_FORMAT"), "json"),
		TLSCert:         firstNonEmpty(*tlsCert, env("FAILOVER_TLS_CERT")),
		TLSKey:          firstNonEmpty(*tlsKey, env("FAILOVER_TLS_KEY")),
		AdminTokenHash:  firstNonEmpty(*adminTokenHash, env("FAILOVER_ADMIN_TOKEN_HASH")),
		CORSOrigins:     splitAndTrim(firstNonEmpty(*corsOrigins, env("FAILOVER_CORS_ORIGINS"))),
		ResolveTimeout:  failover.DefaultCallTimeout,
		ShutdownTimeout: 10 * time.Second,
	}
	var err error
	if cfg.ResolveTimeout, err = resolveDuration(*resolveTimeout, env("FAILOVER_RESOLVE_TIMEOUT"), failover.DefaultCallTimeout); err != nil {
		return serviceConfig{}, fmt.Errorf("FAILOVER_RESOLVE_TIMEOUT: %w", err)
	}
	if cfg.ShutdownTimeout, err = resolveDuration(*shutdownTimeout, env("FAILOVER_SHUTDOWN_TIMEOUT"), 10*time.Second); err != nil {
		return serviceConfig{}, fmt.Errorf("FAILOVER_SHUTDOWN_TIMEOUT: %w", err)
	}

	rate := server.RateLimitConfig{
		TrustForwardedHeaders: *trustForwarded || parseBool(env("FAILOVER_RATE_TRUST_FORWARDED_HEADERS")),
		TrustedProxies:        splitAndTrim(firstNonEmpty(*trustedProxies, env("FAILOVER_RATE_TRUSTED_PROXIES"))),
		RedisAddr:             firstNonEmpty(*rateRedisAddr, env("FAILOVER_RATE_REDIS_ADDR")),
		RedisPassword:         firstNonEmpty(*rateRedisPassword, env("FAILOVER_RATE_REDIS_PASSWORD")),
	}
	if rate.GlobalRPS, err = resolveFloat(*globalRPS, env("FAILOVER_RATE_GLOBAL_RPS")); err != nil {
		return serviceConfig{}, fmt.Errorf("FAILOVER_RATE_GLOBAL_RPS: %w", err)
	}
	if rate.GlobalBurst, err = resolveInt(*globalBurst, env("FAILOVER_RATE_GLOBAL_BURST")); err != nil {
		return serviceConfig{}, fmt.Errorf("FAILOVER_RATE_GLOBAL_BURST: %w", err)
	}
	if rate.MutationLimit, err = resolveInt(*mutationLimit, env("FAILOVER_RATE_MUTATION_LIMIT")); err != nil {
		return serviceConfig{}, fmt.Errorf("FAILOVER_RATE_MUTATION_LIMIT: %w", err)
	}
	if rate.MutationWindow, err = resolveDuration(*mutationWindow, env("FAILOVER_RATE_MUTATION_WINDOW"), time.Minute); err != nil {
		return serviceConfig{}, fmt.Errorf("FAILOVER_RATE_MUTATION_WINDOW: %w", err)
	}
	if rate.RedisTimeout, err = resolveDuration(*rateRedisTimeout, env("FAILOVER_RATE_REDIS_TIMEOUT"), 2*time.Second); err != nil {
		return serviceConfig{}, fmt.Errorf("FAILOVER_RATE_REDIS_TIMEOUT: %w", err)
	}
	cfg.RateLimit = rate

	pg := postgresConfig{
		DSN:     firstNonEmpty(*postgresDSN, env("FAILOVER_POSTGRES_DSN"), env("DATABASE_URL")),
		AppName: firstNonEmpty(*postgresAppName, env("FAILOVER_POSTGRES_APP_NAME"), "stream-failover"),
	}
	if pg.MaxConns, err = resolveInt(*postgresMaxConns, env("FAILOVER_POSTGRES_MAX_CONNS")); err != nil {
		return serviceConfig{}, fmt.Errorf("FAILOVER_POSTGRES_MAX_CONNS: %w", err)
	}
	if pg.MinConns, err = resolveInt(*postgresMinConns, env("FAILOVER_POSTGRES_MIN_CONNS")); err != nil {
		return serviceConfig{}, fmt.Errorf("FAILOVER_POSTGRES_MIN_CONNS: %w", err)
	}
	if pg.MaxConnLifetime, err = resolveDuration(*postgresMaxConnLifetime, env("FAILOVER_POSTGRES_MAX_CONN_LIFETIME"), 0); err != nil {
		return serviceConfig{}, fmt.Errorf("FAILOVER_POSTGRES_MAX_CONN_LIFETIME: %w", err)
	}
	if pg.MaxConnIdle, err = resolveDuration(*postgresMaxConnIdle, env("FAILOVER_POSTGRES_MAX_CONN_IDLE"), 0); err != nil {
		return serviceConfig{}, fmt.Errorf("FAILOVER_POSTGRES_MAX_CONN_IDLE: %w", err)
	}
	if pg.AcquireTimeout, err = resolveDuration(*postgresAcquireTimeout, env("FAILOVER_POSTGRES_ACQUIRE_TIMEOUT"), 0); err != nil {
		return serviceConfig{}, fmt.Errorf("FAILOVER_POSTGRES_ACQUIRE_TIMEOUT: %w", err)
	}

	redisCfg := registry.RedisConfig{
		Addr:       firstNonEmpty(*redisAddr, env("FAILOVER_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, env("FAILOVER_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*redisUsername, env("FAILOVER_REDIS_USERNAME")),
		Password:   firstNonEmpty(*redisPassword, env("FAILOVER_REDIS_PASSWORD")),
		MasterName: firstNonEmpty(*redisMasterName, env("FAILOVER_REDIS_MASTER_NAME")),
		Prefix:     firstNonEmpty(*redisPrefix, env("FAILOVER_REDIS_PREFIX")),
		TLS: registry.RedisTLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, env("FAILOVER_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, env("FAILOVER_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, env("FAILOVER_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, env("FAILOVER_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: *redisTLSSkipVerify || parseBool(env("FAILOVER_REDIS_TLS_SKIP_VERIFY")),
		},
	}
	if redisCfg.PoolSize, err = resolveInt(*redisPoolSize, env("FAILOVER_REDIS_POOL_SIZE")); err != nil {
		return serviceConfig{}, fmt.Errorf("FAILOVER_REDIS_POOL_SIZE: %w", err)
	}

	driver, err := resolveRegistryDriver(*registryDriver, env("FAILOVER_REGISTRY_DRIVER"), pg.DSN)
	if err != nil {
		return serviceConfig{}, err
	}
	cfg.Registry = registryConfig{
		Driver:   driver,
		Path:     firstNonEmpty(*registryPath, env("FAILOVER_REGISTRY_PATH"), "data/streams.json"),
		Postgres: pg,
		Redis:    redisCfg,
	}
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return serviceConfig{}, fmt.Errorf("both TLS cert file and key file must be provided")
	}
	return cfg, nil
}

func openRegistry(ctx context.Context, cfg registryConfig) (registry.Store, error) {
	switch cfg.Driver {
	case "memory":
		return registry.NewMemoryStore(), nil
	case "json":
		return registry.NewJSONStore(cfg.Path)
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return nil, fmt.Errorf("postgres registry selected without DSN")
		}
		return registry.NewPostgresStore(ctx, cfg.Postgres.DSN,
			registry.WithPostgresPoolLimits(int32(cfg.Postgres.MaxConns), int32(cfg.Postgres.MinConns)),
			registry.WithPostgresPoolDurations(cfg.Postgres.MaxConnLifetime, cfg.Postgres.MaxConnIdle),
			registry.WithPostgresAcquireTimeout(cfg.Postgres.AcquireTimeout),
			registry.WithPostgresApplicationName(cfg.Postgres.AppName),
		)
	case "redis":
		return registry.NewRedisStore(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported registry driver %q", cfg.Driver)
	}
}

func resolveRegistryDriver(flagValue, envValue, postgresDSN string) (string, error) {
	driver := strings.ToLower(firstNonEmpty(flagValue, envValue))
	if driver == "" {
		if postgresDSN != "" {
			return "postgres", nil
		}
		return "memory", nil
	}
	switch driver {
	case "memory", "json", "postgres", "redis":
		return driver, nil
	default:
		return "", fmt.Errorf("unsupported registry driver %q", driver)
	}
}

func resolveListenAddr(flagValue, port string) string {
	if addr := strings.TrimSpace(flagValue); addr != "" {
		return addr
	}
	return ":" + firstNonEmpty(port, defaultHTTPPort)
}

func envLookup(getenv func(string) string) func(string) string {
	return func(key string) string {
		if getenv == nil {
			return ""
		}
		return strings.TrimSpace(getenv(key))
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envValue string) (float64, error) {
	if flagValue > 0 || envValue == "" {
		return flagValue, nil
	}
	return strconv.ParseFloat(envValue, 64)
}

func resolveInt(flagValue int, envValue string) (int, error) {
	if flagValue > 0 || envValue == "" {
		return flagValue, nil
	}
	return strconv.Atoi(envValue)
}

func resolveDuration(flagValue time.Duration, envValue string, fallback time.Duration) (time.Duration, error) {
	if flagValue > 0 {
		return flagValue, nil
	}
	if envValue != "" {
		return time.ParseDuration(envValue)
	}
	return fallback, nil
}

func parseBool(value string) bool {
	parsed, err := strconv.ParseBool(value)
	return err == nil && parsed
}
