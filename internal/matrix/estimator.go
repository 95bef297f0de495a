package matrix

import (
	"context"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"crewroute/internal/model"
)

const (
	DefaultSpeedKph     = 40
	DefaultDetourFactor = 1.3
)

// Estimator derives a matrix from great-circle distance stretched by a road detour factor,
// driven at a constant speed. It never fails.
type Estimator struct {
	SpeedKph     float64
	DetourFactor float64
}

func (e Estimator) Name() string { return "estimate" }

func (e Estimator) GetMatrices(ctx context.Context, locs []model.Coordinates) (model.Matrix, error) {
	speed := e.SpeedKph
	if speed <= 0 {
		speed = DefaultSpeedKph
	}
	factor := e.DetourFactor
	if factor < 1 {
		factor = DefaultDetourFactor
	}
	pts := points(locs)
	m := model.NewMatrix(len(pts))
	for i := range pts {
		for j := range pts {
			if i == j {
				continue
			}
			d := geo.DistanceHaversine(pts[i], pts[j]) * factor
			m.Distances[i][j] = int(math.Round(d))
			m.Durations[i][j] = int(math.Round(d / (speed / 3.6)))
		}
	}
	return m, nil
}

// GetRouteGeometry joins the locations with straight segments.
func (e Estimator) GetRouteGeometry(_ context.Context, locs []model.Coordinates) ([][2]float64, error) {
	return lineCoords(orb.LineString(points(locs))), nil
}

func points(locs []model.Coordinates) []orb.Point {
	out := make([]orb.Point, len(locs))
	for i, c := range locs {
		out[i] = orb.Point{c.Lng, c.Lat}
	}
	return out
}

func lineCoords(ls orb.LineString) [][2]float64 {
	out := make([][2]float64, len(ls))
	for i, p := range ls {
		out[i] = [2]float64{p.Lon(), p.Lat()}
	}
	return out
}
