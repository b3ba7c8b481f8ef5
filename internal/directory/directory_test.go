package directory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxverify/internal/domain/prescription"
	"github.com/drfirst/go-rxverify/pkg/circuitbreaker"
)

var (
	alice = UserRef{ID: "pat-1", Role: prescription.RolePatient, Name: "Alice", Email: "Alice@Example.com", Mobile: "+15550001"}
	drBob = UserRef{ID: "doc-1", Role: prescription.RoleDoctor, Name: "Bob"}
	drCy  = UserRef{ID: "doc-2", Role: prescription.RoleDoctor, Name: "Cy"}
)

func TestMemoryFind(t *testing.T) {
	m := NewMemory(alice, drBob)
	ctx := context.Background()

	for _, key := range []string{"pat-1", "alice@example.com", " ALICE@EXAMPLE.COM ", "+15550001"} {
		u, err := m.Find(ctx, key)
		require.NoError(t, err, key)
		assert.Equal(t, "pat-1", u.ID)
	}

	_, err := m.Find(ctx, "nobody")
	assert.ErrorIs(t, err, prescription.ErrNotFound)
}

func TestMemoryDoctorsLimit(t *testing.T) {
	m := NewMemory(alice, drCy, drBob)
	docs, err := m.Doctors(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "doc-1", docs[0].ID)
}

type stubDirectory struct {
	calls atomic.Int32
	delay time.Duration
	err   error
	inner Directory
}

func (s *stubDirectory) Find(ctx context.Context, id string) (UserRef, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return UserRef{}, ctx.Err()
		}
	}
	if s.err != nil {
		return UserRef{}, s.err
	}
	return s.inner.Find(ctx, id)
}

func (s *stubDirectory) Doctors(ctx context.Context, limit int) ([]UserRef, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.inner.Doctors(ctx, limit)
}

func TestCachedCachesHits(t *testing.T) {
	stub := &stubDirectory{inner: NewMemory(alice)}
	c, err := NewCached(stub, CachedConfig{}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		u, err := c.Find(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, "pat-1", u.ID)
	}
	assert.Equal(t, int32(1), stub.calls.Load())
}

func TestCachedCollapsesConcurrentLookups(t *testing.T) {
	stub := &stubDirectory{inner: NewMemory(alice), delay: 20 * time.Millisecond}
	c, err := NewCached(stub, CachedConfig{}, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Find(context.Background(), "pat-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), stub.calls.Load())
}

func TestCachedTimeoutIsUpstreamUnavailable(t *testing.T) {
	stub := &stubDirectory{inner: NewMemory(alice), delay: time.Second}
	c, err := NewCached(stub, CachedConfig{Timeout: 10 * time.Millisecond}, nil)
	require.NoError(t, err)

	_, err = c.Find(context.Background(), "pat-1")
	assert.ErrorIs(t, err, prescription.ErrUpstreamUnavailable)
}

func TestCachedNotFoundDoesNotTripBreaker(t *testing.T) {
	stub := &stubDirectory{inner: NewMemory()}
	cfg := CachedConfig{Breaker: circuitbreaker.DefaultConfig("dir-test")}
	cfg.Breaker.FailureThreshold = 1
	c, err := NewCached(stub, cfg, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.Find(context.Background(), "ghost")
		assert.ErrorIs(t, err, prescription.ErrNotFound)
		assert.NotErrorIs(t, err, prescription.ErrUpstreamUnavailable)
	}
	assert.Equal(t, circuitbreaker.StateClosed, c.Breaker().State())
}

func TestCachedOpenCircuitFailsFast(t *testing.T) {
	stub := &stubDirectory{inner: NewMemory(alice), err: errors.New("connection refused")}
	cfg := CachedConfig{Breaker: circuitbreaker.DefaultConfig("dir-open")}
	cfg.Breaker.FailureThreshold = 1
	cfg.Breaker.Timeout = time.Minute
	c, err := NewCached(stub, cfg, nil)
	require.NoError(t, err)

	_, err = c.Find(context.Background(), "pat-1")
	assert.ErrorIs(t, err, prescription.ErrUpstreamUnavailable)

	_, err = c.Doctors(context.Background(), 5)
	assert.ErrorIs(t, err, prescription.ErrUpstreamUnavailable)
	assert.Equal(t, int32(1), stub.calls.Load(), "open circuit must not reach the backend")
}

func TestCachedFirstCallerCancelDoesNotFailOthers(t *testing.T) {
	stub := &stubDirectory{inner: NewMemory(alice), delay: 200 * time.Millisecond}
	cfg := CachedConfig{Breaker: circuitbreaker.DefaultConfig("dir-cancel")}
	cfg.Breaker.FailureThreshold = 1
	c, err := NewCached(stub, cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.Find(ctx, "pat-1")
		first <- err
	}()
	require.Eventually(t, func() bool { return stub.calls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() {
		u, err := c.Find(context.Background(), "pat-1")
		if err == nil && u.ID != "pat-1" {
			err = errors.New("wrong user " + u.ID)
		}
		second <- err
	}()

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)
	require.NoError(t, <-second)
	assert.Equal(t, int32(1), stub.calls.Load())
	assert.Equal(t, circuitbreaker.StateClosed, c.Breaker().State())
}
