package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrMiss signals that a key was not found.
var ErrMiss = errors.New("cache miss")

// Default TTLs per data class.
const (
	DefaultTTL = 300 * time.Second
	MetricsTTL = 60 * time.Second
	AlertsTTL  = 120 * time.Second
)

// Store is the raw cache backend. Redis and Memory implement it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPattern(ctx context.Context, pattern string) error
	Close() error
}

// Service wraps a Store with best-effort semantics: every failure degrades
// to a miss or a no-op and is never surfaced to the caller.
type Service struct {
	store  Store
	logger *slog.Logger
}

func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Get unmarshals the cached value into v and reports whether it was found.
func (s *Service) Get(ctx context.Context, key string, v any) bool {
	if s == nil || s.store == nil {
		return false
	}
	data, err := s.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			s.logger.Debug("cache get failed", slog.String("key", key), slog.String("error", err.Error()))
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Debug("cache decode failed", slog.String("key", key), slog.String("error", err.Error()))
		return false
	}
	return true
}

func (s *Service) Set(ctx context.Context, key string, v any, ttl time.Duration) {
	if s == nil || s.store == nil {
		return
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Debug("cache encode failed", slog.String("key", key), slog.String("error", err.Error()))
		return
	}
	if err := s.store.Set(ctx, key, data, ttl); err != nil {
		s.logger.Debug("cache set failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

func (s *Service) Delete(ctx context.Context, key string) {
	if s == nil || s.store == nil {
		return
	}
	if err := s.store.Delete(ctx, key); err != nil {
		s.logger.Debug("cache delete failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

func (s *Service) DeleteByPattern(ctx context.Context, pattern string) {
	if s == nil || s.store == nil {
		return
	}
	if err := s.store.DeleteByPattern(ctx, pattern); err != nil {
		s.logger.Debug("cache pattern delete failed", slog.String("pattern", pattern), slog.String("error", err.Error()))
	}
}

// Key builds a cache key from an operation name and its identifying parts,
// e.g. Key("queries", 42, "slow") -> "queries:42:slow". Keys sharing an
// operation prefix are pattern-deletable as op + ":*".
func Key(op string, parts ...any) string {
	sb := strings.Builder{}
	sb.WriteString(op)
	for _, part := range parts {
		sb.WriteString(":")
		fmt.Fprint(&sb, part)
	}
	return sb.String()
}
