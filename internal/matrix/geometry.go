package matrix

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"

	"crewroute/internal/model"
)

// FeatureCollection renders a planned route as GeoJSON: one LineString for the path and one
// Point per visit carrying its order and times.
func FeatureCollection(line [][2]float64, depot model.Coordinates, stops []model.PlanStopDetail) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	if len(line) > 1 {
		ls := make(orb.LineString, len(line))
		for i, c := range line {
			ls[i] = orb.Point{c[0], c[1]}
		}
		f := geojson.NewFeature(ls)
		f.Properties["kind"] = "route"
		f.Properties["lengthMeters"] = int(geo.LengthHaversine(ls))
		fc.Append(f)
	}
	d := geojson.NewFeature(orb.Point{depot.Lng, depot.Lat})
	d.Properties["kind"] = "depot"
	fc.Append(d)
	for _, s := range stops {
		f := geojson.NewFeature(orb.Point{s.Location.Lng, s.Location.Lat})
		f.Properties["kind"] = "stop"
		f.Properties["stopId"] = s.StopID
		f.Properties["name"] = s.Name
		f.Properties["order"] = s.Order
		f.Properties["arrival"] = s.Arrival.String()
		f.Properties["departure"] = s.Departure.String()
		fc.Append(f)
	}
	return fc
}
