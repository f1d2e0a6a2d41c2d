package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"stream-failover/internal/registry"
	"stream-failover/internal/testsupport/redisstub"
)

func seedJSON(t *testing.T) *registry.JSONStore {
	t.Helper()
	store, err := registry.NewJSONStore(filepath.Join(t.TempDir(), "streams.json"))
	if err != nil {
		t.Fatalf("NewJSONStore: %v", err)
	}
	ctx := context.Background()
	for alias, pair := range map[string]registry.StreamPair{
		"studioA": {Primary: "P1", Secondary: "S1"},
		"studioB": {Primary: "P2"},
	} {
		if err := store.Create(ctx, alias, pair); err != nil {
			t.Fatalf("seed %s: %v", alias, err)
		}
	}
	return store
}

func TestMigrateCopiesAndSkipsExisting(t *testing.T) {
	ctx := context.Background()
	src := seedJSON(t)
	dst := registry.NewMemoryStore()
	if err := dst.Create(ctx, "studioB", registry.StreamPair{Primary: "other"}); err != nil {
		t.Fatalf("seed target: %v", err)
	}

	result, err := migrate(ctx, src, dst, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if result.Migrated != 1 || result.Skipped != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	pair, err := dst.Get(ctx, "studioA")
	if err != nil || pair.Secondary != "S1" {
		t.Fatalf("studioA not migrated: %+v %v", pair, err)
	}
	if pair, _ := dst.Get(ctx, "studioB"); pair.Primary != "other" {
		t.Fatalf("existing alias overwritten: %+v", pair)
	}
}

func TestMigrateIntoRedis(t *testing.T) {
	stub, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })

	ctx := context.Background()
	dst, err := openTarget(ctx, "redis", "", stub.Addr(), "", "migrate")
	if err != nil {
		t.Fatalf("openTarget: %v", err)
	}
	t.Cleanup(func() { _ = dst.Close(ctx) })

	result, err := migrate(ctx, seedJSON(t), dst, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if result.Migrated != 2 {
		t.Fatalf("expected two migrated entries, got %+v", result)
	}
	entries, err := dst.List(ctx)
	if err != nil || len(entries) != 2 {
		t.Fatalf("unexpected redis entries %+v %v", entries, err)
	}
}

func TestOpenTargetValidation(t *testing.T) {
	t.Setenv("FAILOVER_POSTGRES_DSN", "")
	t.Setenv("DATABASE_URL", "")
	if _, err := openTarget(context.Background(), "postgres", "", "", "", ""); err == nil {
		t.Fatal("expected error without DSN")
	}
	if _, err := openTarget(context.Background(), "sqlite", "", "", "", ""); err == nil {
		t.Fatal("expected error for unsupported target")
	}
}
