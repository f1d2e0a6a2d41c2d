package registry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis-backed registry.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	Prefix       string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
}

// RedisStore keeps pairs in a hash keyed by alias and the registration order
// in a list, both under a configurable key prefix.
type RedisStore struct {
	client   redis.UniversalClient
	hashKey  string
	orderKey string

	// mu serialises mutations issued by this process; HSETNX keeps
	// registrations unique across processes.
	mu sync.Mutex
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "failover"
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS, addrs[0])
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	store := &RedisStore{
		client:   client,
		hashKey:  prefix + ":streams",
		orderKey: prefix + ":order",
	}
	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis registry: %w", err)
	}
	return store, nil
}

func (s *RedisStore) Create(ctx context.Context, alias string, pair StreamPair) error {
	alias, pair, err := normalize(alias, pair)
	if err != nil {
		return err
	}
	if invalid := checkPrimary(pair); invalid != nil {
		exists, err := s.client.HExists(ctx, s.hashKey, alias).Result()
		if err != nil {
			return fmt.Errorf("check stream alias: %w", err)
		}
		if exists {
			return ErrConflict
		}
		return invalid
	}
	payload, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("marshal stream pair: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	created, err := s.client.HSetNX(ctx, s.hashKey, alias, string(payload)).Result()
	if err != nil {
		return fmt.Errorf("store stream alias: %w", err)
	}
	if !created {
		return ErrConflict
	}
	// A delete from another replica may have run since HSETNX; the order list
	// keeps at most one entry per alias.
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, s.orderKey, 0, alias)
		pipe.RPush(ctx, s.orderKey, alias)
		return nil
	})
	if err != nil {
		_ = s.client.HDel(ctx, s.hashKey, alias).Err()
		return fmt.Errorf("record stream order: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, alias string) (StreamPair, error) {
	raw, err := s.client.HGet(ctx, s.hashKey, strings.TrimSpace(alias)).Result()
	if errors.Is(err, redis.Nil) {
		return StreamPair{}, ErrNotFound
	}
	if err != nil {
		return StreamPair{}, fmt.Errorf("load stream alias: %w", err)
	}
	return decodePair(raw)
}

func (s *RedisStore) Delete(ctx context.Context, alias string) error {
	alias = strings.TrimSpace(alias)
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, s.hashKey, alias)
		pipe.LRem(ctx, s.orderKey, 0, alias)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete stream alias: %w", err)
	}
	if removed.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]Entry, error) {
	aliases, err := s.client.LRange(ctx, s.orderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list stream order: %w", err)
	}
	entries := make([]Entry, 0, len(aliases))
	if len(aliases) == 0 {
		return entries, nil
	}
	values, err := s.client.HMGet(ctx, s.hashKey, aliases...).Result()
	if err != nil {
		return nil, fmt.Errorf("list stream aliases: %w", err)
	}
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Deleted between LRANGE and HMGET.
			continue
		}
		pair, err := decodePair(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Alias: aliases[i], Stream: pair})
	}
	return entries, nil
}

// Ping reports whether Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close(context.Context) error {
	return s.client.Close()
}

func decodePair(raw string) (StreamPair, error) {
	var pair StreamPair
	if err := json.Unmarshal([]byte(raw), &pair); err != nil {
		return StreamPair{}, fmt.Errorf("decode stream pair: %w", err)
	}
	return pair, nil
}

func buildTLSConfig(cfg RedisTLSConfig, addr string) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify, MinVersion: tls.VersionTLS12}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	} else if host, _, err := net.SplitHostPort(addr); err == nil {
		tlsCfg.ServerName = host
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
