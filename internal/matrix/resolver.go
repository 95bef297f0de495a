package matrix

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"crewroute/internal/metrics"
	"crewroute/internal/model"
)

// Result is a matrix plus where it came from. Fallback is set when the primary provider
// failed and Err holds that failure.
type Result struct {
	Matrix   model.Matrix
	Source   string
	Fallback bool
	Err      error
}

// Resolver asks the primary provider first and falls back to a provider that cannot fail.
type Resolver struct {
	Primary  Provider // optional
	Fallback Provider
	// Timeout bounds each primary call so a hung provider still leaves time for the fallback.
	Timeout time.Duration
}

func (r *Resolver) Matrices(ctx context.Context, locs []model.Coordinates) (Result, error) {
	if r.Primary != nil {
		pctx, cancel := r.primaryContext(ctx)
		m, err := r.Primary.GetMatrices(pctx, locs)
		cancel()
		if err == nil {
			err = m.Validate(len(locs))
		}
		if err == nil {
			metrics.MatrixRequests.WithLabelValues(r.Primary.Name()).Inc()
			return Result{Matrix: m, Source: r.Primary.Name()}, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		metrics.MatrixFallbacks.Inc()
		log.Warn().Err(err).Str("provider", r.Primary.Name()).Int("locations", len(locs)).Msg("matrix provider failed, using fallback")
		m, ferr := r.Fallback.GetMatrices(ctx, locs)
		if ferr != nil {
			return Result{}, fmt.Errorf("fallback matrix: %w", ferr)
		}
		metrics.MatrixRequests.WithLabelValues(r.Fallback.Name()).Inc()
		return Result{Matrix: m, Source: r.Fallback.Name(), Fallback: true, Err: err}, nil
	}
	m, err := r.Fallback.GetMatrices(ctx, locs)
	if err != nil {
		return Result{}, fmt.Errorf("fallback matrix: %w", err)
	}
	metrics.MatrixRequests.WithLabelValues(r.Fallback.Name()).Inc()
	return Result{Matrix: m, Source: r.Fallback.Name()}, nil
}

// Geometry returns the road polyline, or straight segments when the primary cannot route.
func (r *Resolver) Geometry(ctx context.Context, locs []model.Coordinates) [][2]float64 {
	if r.Primary != nil {
		pctx, cancel := r.primaryContext(ctx)
		line, err := r.Primary.GetRouteGeometry(pctx, locs)
		cancel()
		if err == nil && len(line) > 0 {
			return line
		}
		log.Debug().Err(err).Msg("route geometry unavailable, drawing straight segments")
	}
	line, err := r.Fallback.GetRouteGeometry(ctx, locs)
	if err != nil {
		return nil
	}
	return line
}

func (r *Resolver) primaryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.Timeout > 0 {
		return context.WithTimeout(ctx, r.Timeout)
	}
	return context.WithCancel(ctx)
}
