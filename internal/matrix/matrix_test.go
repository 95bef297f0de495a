package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewroute/internal/model"
)

func TestEstimator(t *testing.T) {
	locs := []model.Coordinates{{Lat: 50.0, Lng: 14.0}, {Lat: 50.1, Lng: 14.1}, {Lat: 49.9, Lng: 14.2}}
	m, err := Estimator{}.GetMatrices(context.Background(), locs)
	require.NoError(t, err)
	require.NoError(t, m.Validate(3))
	for i := range locs {
		for j := range locs {
			if i == j {
				continue
			}
			assert.Positive(t, m.Distances[i][j])
			assert.Positive(t, m.Durations[i][j])
			assert.Equal(t, m.Distances[i][j], m.Distances[j][i])
		}
	}
	// ~13.2 km great circle, stretched by the detour factor
	assert.InDelta(t, 13200*DefaultDetourFactor, m.Distances[0][1], 300)

	line, err := Estimator{}.GetRouteGeometry(context.Background(), locs)
	require.NoError(t, err)
	assert.Equal(t, [][2]float64{{14.0, 50.0}, {14.1, 50.1}, {14.2, 49.9}}, line)
}

// fakeOSRM answers table requests with |lat_a - lat_b| * 100 seconds and * 1000 meters, and
// reports no route from latitude 4 to latitude 3.
func fakeOSRM(t *testing.T, failFirst int32) (*httptest.Server, *int32) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= failFirst {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		parts := strings.Split(r.URL.Path, "/")
		coords := parseCoords(parts[len(parts)-1])
		switch {
		case strings.HasPrefix(r.URL.Path, "/table/v1/driving/"):
			src := parseIdx(r.URL.Query().Get("sources"))
			dst := parseIdx(r.URL.Query().Get("destinations"))
			resp := tableResponse{Code: "Ok"}
			for _, s := range src {
				var drow, mrow []*float64
				for _, d := range dst {
					if coords[s][1] == 4 && coords[d][1] == 3 {
						drow, mrow = append(drow, nil), append(mrow, nil)
						continue
					}
					diff := math.Abs(coords[s][1] - coords[d][1])
					dur, dist := diff*100, diff*1000
					drow, mrow = append(drow, &dur), append(mrow, &dist)
				}
				resp.Durations = append(resp.Durations, drow)
				resp.Distances = append(resp.Distances, mrow)
			}
			_ = json.NewEncoder(w).Encode(resp)
		case strings.HasPrefix(r.URL.Path, "/route/v1/driving/"):
			_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"geometry":{"type":"LineString","coordinates":[[0,0],[0,0.5],[0,1]]}}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func parseCoords(s string) [][2]float64 {
	var out [][2]float64
	for _, p := range strings.Split(s, ";") {
		ll := strings.Split(p, ",")
		lng, _ := strconv.ParseFloat(ll[0], 64)
		lat, _ := strconv.ParseFloat(ll[1], 64)
		out = append(out, [2]float64{lng, lat})
	}
	return out
}

func parseIdx(s string) []int {
	var out []int
	for _, p := range strings.Split(s, ";") {
		i, _ := strconv.Atoi(p)
		out = append(out, i)
	}
	return out
}

func lineLocs(n int) []model.Coordinates {
	locs := make([]model.Coordinates, n)
	for i := range locs {
		locs[i] = model.Coordinates{Lat: float64(i)}
	}
	return locs
}

func TestOSRMBlockedTable(t *testing.T) {
	srv, calls := fakeOSRM(t, 0)
	o := NewOSRM(OSRMConfig{BaseURL: srv.URL, BlockSize: 2, Concurrency: 3})

	m, err := o.GetMatrices(context.Background(), lineLocs(5))
	require.NoError(t, err)
	require.NoError(t, m.Validate(5))
	// 3 source blocks x 3 destination blocks
	assert.EqualValues(t, 9, atomic.LoadInt32(calls))
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			if i == 4 && j == 3 {
				assert.Equal(t, -1, m.Durations[i][j], "missing route must be unreachable")
				continue
			}
			assert.Equal(t, int(math.Abs(float64(i-j)))*100, m.Durations[i][j], "duration %d->%d", i, j)
			assert.Equal(t, int(math.Abs(float64(i-j)))*1000, m.Distances[i][j], "distance %d->%d", i, j)
		}
	}
}

func TestOSRMRetriesTransientErrors(t *testing.T) {
	srv, calls := fakeOSRM(t, 2)
	o := NewOSRM(OSRMConfig{BaseURL: srv.URL})
	m, err := o.GetMatrices(context.Background(), lineLocs(3))
	require.NoError(t, err)
	assert.Equal(t, 200, m.Durations[0][2])
	assert.EqualValues(t, 3, atomic.LoadInt32(calls))
}

func TestOSRMGivesUp(t *testing.T) {
	srv, _ := fakeOSRM(t, 100)
	o := NewOSRM(OSRMConfig{BaseURL: srv.URL})
	_, err := o.GetMatrices(context.Background(), lineLocs(3))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestOSRMRouteGeometry(t *testing.T) {
	srv, _ := fakeOSRM(t, 0)
	line, err := NewOSRM(OSRMConfig{BaseURL: srv.URL}).GetRouteGeometry(context.Background(), lineLocs(2))
	require.NoError(t, err)
	assert.Len(t, line, 3)
}

type countingProvider struct {
	Estimator
	calls int
	err   error
}

func (c *countingProvider) Name() string { return "counting" }

func (c *countingProvider) GetMatrices(ctx context.Context, locs []model.Coordinates) (model.Matrix, error) {
	c.calls++
	if c.err != nil {
		return model.Matrix{}, c.err
	}
	return c.Estimator.GetMatrices(ctx, locs)
}

func (c *countingProvider) GetRouteGeometry(ctx context.Context, locs []model.Coordinates) ([][2]float64, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.Estimator.GetRouteGeometry(ctx, locs)
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	next := &countingProvider{}
	c := NewRedisCache(next, rdb, time.Hour)
	locs := []model.Coordinates{{Lat: 50, Lng: 14}, {Lat: 50.1, Lng: 14.1}}

	first, err := c.GetMatrices(context.Background(), locs)
	require.NoError(t, err)
	second, err := c.GetMatrices(context.Background(), locs)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, next.calls)
	assert.Len(t, mr.Keys(), 1)

	mr.FastForward(2 * time.Hour)
	_, err = c.GetMatrices(context.Background(), locs)
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
}

func TestRedisCacheSurvivesRedisOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	mr.Close()
	next := &countingProvider{}
	m, err := NewRedisCache(next, rdb, time.Hour).GetMatrices(context.Background(), lineLocs(2))
	require.NoError(t, err)
	assert.NoError(t, m.Validate(2))
}

func TestResolverFallback(t *testing.T) {
	primary := &countingProvider{err: errors.New("connection refused")}
	r := &Resolver{Primary: primary, Fallback: Estimator{}, Timeout: time.Second}
	locs := []model.Coordinates{{Lat: 50, Lng: 14}, {Lat: 50.1, Lng: 14.1}}

	res, err := r.Matrices(context.Background(), locs)
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, "estimate", res.Source)
	assert.EqualError(t, res.Err, "connection refused")
	assert.NoError(t, res.Matrix.Validate(2))

	line := r.Geometry(context.Background(), locs)
	assert.Len(t, line, 2)
}

func TestResolverPrimary(t *testing.T) {
	primary := &countingProvider{}
	r := &Resolver{Primary: primary, Fallback: Estimator{}}
	res, err := r.Matrices(context.Background(), lineLocs(3))
	require.NoError(t, err)
	assert.False(t, res.Fallback)
	assert.Equal(t, "counting", res.Source)
	assert.Equal(t, 1, primary.calls)
}

func TestFeatureCollection(t *testing.T) {
	stops := []model.PlanStopDetail{{PlannedStop: model.PlannedStop{StopID: "a", Order: 1}, Name: "A", Location: model.Coordinates{Lat: 50.1, Lng: 14.1}}}
	fc := FeatureCollection([][2]float64{{14, 50}, {14.1, 50.1}, {14, 50}}, model.Coordinates{Lat: 50, Lng: 14}, stops)
	require.Len(t, fc.Features, 3)
	assert.Equal(t, "route", fc.Features[0].Properties["kind"])
	assert.Equal(t, "a", fc.Features[2].Properties["stopId"])
	raw, err := json.Marshal(fc)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"LineString"`)
}
