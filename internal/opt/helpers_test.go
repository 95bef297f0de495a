package opt

import (
	"math"
	"math/rand"

	"crewroute/internal/model"
)

// lineMatrix builds a great-circle matrix at a constant 50 km/h.
func lineMatrix(locs []model.Coordinates) model.Matrix {
	m := model.NewMatrix(len(locs))
	for i := range locs {
		for j := range locs {
			if i == j {
				continue
			}
			d := haversineMeters(locs[i], locs[j])
			m.Distances[i][j] = int(math.Round(d))
			m.Durations[i][j] = int(math.Round(d / (50 / 3.6)))
		}
	}
	return m
}

func haversineMeters(a, b model.Coordinates) float64 {
	const r = 6371000.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * r * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// uniformMatrix has every off-diagonal leg at the same duration and distance.
func uniformMatrix(n, sec, meters int) model.Matrix {
	m := model.NewMatrix(n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j {
				m.Durations[i][j] = sec
				m.Distances[i][j] = meters
			}
		}
	}
	return m
}

func tod(s string) model.TimeOfDay { return model.MustParseTimeOfDay(s) }

func ptr[T any](v T) *T { return &v }

func newTestRand() *rand.Rand { return rand.New(rand.NewSource(11)) }
