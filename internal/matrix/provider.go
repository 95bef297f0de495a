// Package matrix supplies travel distance and duration matrices and route geometry.
package matrix

import (
	"context"
	"errors"

	"crewroute/internal/model"
)

var ErrUnavailable = errors.New("matrix provider unavailable")

// Provider returns a square matrix for an ordered location list whose first entry is the depot.
// GetRouteGeometry returns a [lng, lat] polyline passing through locs in order.
type Provider interface {
	Name() string
	GetMatrices(ctx context.Context, locs []model.Coordinates) (model.Matrix, error)
	GetRouteGeometry(ctx context.Context, locs []model.Coordinates) ([][2]float64, error)
}
