package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/drfirst/go-rxverify/internal/domain/prescription"
	"github.com/drfirst/go-rxverify/pkg/circuitbreaker"
)

// CachedConfig tunes the resilient directory wrapper.
type CachedConfig struct {
	Timeout  time.Duration
	CacheTTL time.Duration
	Breaker  circuitbreaker.Config
}

// DefaultCachedConfig returns the defaults used by the API service.
func DefaultCachedConfig() CachedConfig {
	return CachedConfig{
		Timeout:  2 * time.Second,
		CacheTTL: 5 * time.Minute,
		Breaker:  circuitbreaker.DefaultConfig("user-directory"),
	}
}

// Cached bounds every lookup on next with a timeout and a circuit breaker,
// collapses concurrent lookups of the same key and caches hits. Any failure
// other than not-found surfaces as prescription.ErrUpstreamUnavailable.
type Cached struct {
	next    Directory
	timeout time.Duration
	cache   *gocache.Cache
	group   singleflight.Group
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewCached wraps next.
func NewCached(next Directory, cfg CachedConfig, logger *zap.Logger) (*Cached, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultCachedConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker = def.Breaker
	}
	cfg.Breaker.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, prescription.ErrNotFound)
	}

	breaker, err := circuitbreaker.New(cfg.Breaker, logger)
	if err != nil {
		return nil, fmt.Errorf("create directory breaker: %w", err)
	}

	return &Cached{
		next:    next,
		timeout: cfg.Timeout,
		cache:   gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Breaker exposes the wrapper's breaker for readiness reporting.
func (c *Cached) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }

func (c *Cached) Find(ctx context.Context, identifier string) (UserRef, error) {
	key := "user:" + NormalizeIdentifier(identifier)
	if v, ok := c.cache.Get(key); ok {
		return v.(UserRef), nil
	}

	v, err := c.shared(ctx, key, "find", func(ctx context.Context) (interface{}, error) {
		return c.next.Find(ctx, identifier)
	})
	if err != nil {
		return UserRef{}, err
	}
	return v.(UserRef), nil
}

func (c *Cached) Doctors(ctx context.Context, limit int) ([]UserRef, error) {
	key := "doctors:" + strconv.Itoa(limit)
	if v, ok := c.cache.Get(key); ok {
		return append([]UserRef(nil), v.([]UserRef)...), nil
	}

	v, err := c.shared(ctx, key, "doctors", func(ctx context.Context) (interface{}, error) {
		return c.next.Doctors(ctx, limit)
	})
	if err != nil {
		return nil, err
	}
	return append([]UserRef(nil), v.([]UserRef)...), nil
}

// shared collapses concurrent lookups of key into one backend call and caches
// a success. The call runs detached from ctx under the configured timeout; a
// caller whose ctx ends stops waiting without failing the others.
func (c *Cached) shared(ctx context.Context, key, op string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	ch := c.group.DoChan(key, func() (interface{}, error) {
		v, err := c.call(context.WithoutCancel(ctx), op, fn)
		if err == nil {
			c.cache.SetDefault(key, v)
		}
		return v, err
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cached) call(ctx context.Context, op string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	v, err := c.breaker.Execute(ctx, fn)
	if err == nil {
		return v, nil
	}
	if errors.Is(err, prescription.ErrNotFound) {
		return nil, err
	}
	c.logger.Warn("directory lookup failed",
		zap.String("op", op),
		zap.Bool("circuit_open", circuitbreaker.IsOpen(err)),
		zap.Error(err))
	return nil, fmt.Errorf("%w: directory %s: %v", prescription.ErrUpstreamUnavailable, op, err)
}
