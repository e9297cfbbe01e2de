package cache

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/lora-ai-tgbot-go/internal/config"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestNewServiceDisabled(t *testing.T) {
	service, err := NewService(&config.CacheConfig{Enabled: false}, testLogger())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	ctx := context.Background()
	if err := service.Set(ctx, "q", "m", "a"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, found := service.Get(ctx, "q", "m"); found {
		t.Error("disabled cache must never hit")
	}
}

func TestNewServiceUnknownBackend(t *testing.T) {
	if _, err := NewService(&config.CacheConfig{Enabled: true, Backend: "memcached"}, testLogger()); err == nil {
		t.Fatal("expected error for unsupported backend")
	}
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	service, err := NewService(&config.CacheConfig{
		Enabled: true,
		Backend: "memory",
		TTL:     time.Minute,
		MaxSize: 10,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	ctx := context.Background()
	if _, found := service.Get(ctx, "soru", "gemini-2.5-pro"); found {
		t.Fatal("empty cache should miss")
	}

	if err := service.Set(ctx, "soru", "gemini-2.5-pro", "yanıt"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	answer, found := service.Get(ctx, "soru", "gemini-2.5-pro")
	if !found || answer != "yanıt" {
		t.Errorf("expected hit with %q, got %q found=%v", "yanıt", answer, found)
	}

	// The model is part of the key.
	if _, found := service.Get(ctx, "soru", "other-model"); found {
		t.Error("different model must miss")
	}
}

func TestMemoryCacheClear(t *testing.T) {
	service, err := NewService(&config.CacheConfig{
		Enabled: true,
		Backend: "memory",
		TTL:     time.Minute,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	ctx := context.Background()
	service.Set(ctx, "soru", "m", "yanıt")
	if err := service.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, found := service.Get(ctx, "soru", "m"); found {
		t.Error("cleared cache should miss")
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	service, err := NewService(&config.CacheConfig{
		Enabled: true,
		Backend: "memory",
		TTL:     10 * time.Millisecond,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	ctx := context.Background()
	service.Set(ctx, "soru", "m", "yanıt")
	time.Sleep(20 * time.Millisecond)

	if _, found := service.Get(ctx, "soru", "m"); found {
		t.Error("entry should expire after its TTL")
	}
}

func TestCacheKeyDistinguishesInputs(t *testing.T) {
	if cacheKey("a", "m") == cacheKey("b", "m") {
		t.Error("different questions must map to different keys")
	}
	if cacheKey("a", "m1") == cacheKey("a", "m2") {
		t.Error("different models must map to different keys")
	}
	if cacheKey("a", "m") != cacheKey("a", "m") {
		t.Error("keys must be deterministic")
	}
}
