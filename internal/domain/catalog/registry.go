package catalog

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/drfirst/go-rxverify/internal/observability/metrics"
)

const (
	loadKey     = "catalog"
	loadTimeout = 30 * time.Second
)

// Registry owns the process-wide catalog snapshot. Readers get the current
// snapshot without locking; Reload swaps in a new one.
type Registry struct {
	source  Source
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	current  atomic.Pointer[Catalog]
	loadedAt atomic.Int64
	group    singleflight.Group
}

// NewRegistry creates a registry backed by source. Nothing is loaded until
// Init, Current or Reload is called.
func NewRegistry(source Source, m *metrics.Metrics, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Registry{
		source:  source,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("catalog-registry"),
	}
}

// Init loads the catalog once. Later calls return the cached snapshot.
func (r *Registry) Init(ctx context.Context) (*Catalog, error) {
	if c := r.current.Load(); c != nil {
		return c, nil
	}
	return r.load(ctx, false)
}

// Current returns the cached snapshot, loading it on first use.
func (r *Registry) Current(ctx context.Context) (*Catalog, error) {
	return r.Init(ctx)
}

// Reload re-reads the source and swaps the snapshot. On failure the previous
// snapshot stays active.
func (r *Registry) Reload(ctx context.Context) (*Catalog, error) {
	return r.load(ctx, true)
}

// LoadedAt reports when the active snapshot was loaded.
func (r *Registry) LoadedAt() time.Time {
	ns := r.loadedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// load runs the shared read detached from the caller's cancellation, so one
// caller giving up does not fail the others waiting on the same flight.
func (r *Registry) load(ctx context.Context, force bool) (*Catalog, error) {
	ch := r.group.DoChan(loadKey, func() (interface{}, error) {
		if !force {
			if c := r.current.Load(); c != nil {
				return c, nil
			}
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		ctx, span := r.tracer.Start(ctx, "catalog_load",
			trace.WithAttributes(attribute.Bool("force", force)))
		defer span.End()

		entries, err := r.source.Load(ctx)
		if err != nil {
			r.metrics.CatalogReloads.WithLabelValues("error").Inc()
			span.RecordError(err)
			return nil, fmt.Errorf("load catalog: %w", err)
		}

		c := New(entries)
		r.current.Store(c)
		r.loadedAt.Store(time.Now().UnixNano())
		r.metrics.CatalogReloads.WithLabelValues("success").Inc()
		r.metrics.CatalogEntries.Set(float64(c.Len()))
		span.SetAttributes(attribute.Int("entries", c.Len()))

		r.logger.Info("dangerous-drug catalog loaded",
			zap.Int("entries", c.Len()),
			zap.Bool("reload", force))
		return c, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := res.Err; err != nil {
		if prev := r.current.Load(); prev != nil && force {
			r.logger.Warn("catalog reload failed, keeping previous snapshot",
				zap.Int("entries", prev.Len()),
				zap.Error(err))
		}
		return nil, err
	}
	return res.Val.(*Catalog), nil
}
