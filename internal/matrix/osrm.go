package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"crewroute/internal/model"
)

const (
	defaultBlockSize   = 50
	defaultConcurrency = 4
	defaultAttempts    = 3
)

// OSRM talks to an OSRM-compatible routing server. Large tables are fetched as
// source x destination blocks in parallel.
type OSRM struct {
	BaseURL     string
	Profile     string
	HTTP        *http.Client
	Limiter     *rate.Limiter
	BlockSize   int
	Concurrency int
	MaxAttempts int
}

type OSRMConfig struct {
	BaseURL        string
	Profile        string
	Timeout        time.Duration
	RequestsPerSec float64
	BlockSize      int
	Concurrency    int
}

func NewOSRM(cfg OSRMConfig) *OSRM {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	profile := cfg.Profile
	if profile == "" {
		profile = "driving"
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), max(1, int(math.Ceil(cfg.RequestsPerSec))))
	}
	return &OSRM{
		BaseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		Profile:     profile,
		HTTP:        &http.Client{Timeout: timeout},
		Limiter:     lim,
		BlockSize:   cfg.BlockSize,
		Concurrency: cfg.Concurrency,
	}
}

func (o *OSRM) Name() string { return "osrm" }

type tableResponse struct {
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Durations [][]*float64 `json:"durations"`
	Distances [][]*float64 `json:"distances"`
}

type routeResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Geometry struct {
			Coordinates [][2]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

func (o *OSRM) GetMatrices(ctx context.Context, locs []model.Coordinates) (model.Matrix, error) {
	n := len(locs)
	m := model.NewMatrix(n)
	if n < 2 {
		return m, nil
	}
	block := o.BlockSize
	if block <= 0 {
		block = defaultBlockSize
	}
	conc := o.Concurrency
	if conc <= 0 {
		conc = defaultConcurrency
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(conc)
	for si := 0; si < n; si += block {
		for di := 0; di < n; di += block {
			src := indexRange(si, min(si+block, n))
			dst := indexRange(di, min(di+block, n))
			g.Go(func() error {
				return o.fetchBlock(gctx, locs, src, dst, &m)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return model.Matrix{}, err
	}
	for i := 0; i < n; i++ {
		m.Distances[i][i], m.Durations[i][i] = 0, 0
	}
	return m, nil
}

func indexRange(from, to int) []int {
	out := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

// fetchBlock fills m for one source/destination block. Blocks never overlap so the
// goroutines write disjoint cells.
func (o *OSRM) fetchBlock(ctx context.Context, locs []model.Coordinates, src, dst []int, m *model.Matrix) error {
	// the request carries only the coordinates this block needs
	var coords []model.Coordinates
	pos := map[int]int{}
	add := func(i int) int {
		if p, ok := pos[i]; ok {
			return p
		}
		pos[i] = len(coords)
		coords = append(coords, locs[i])
		return pos[i]
	}
	srcIdx := make([]string, len(src))
	for k, i := range src {
		srcIdx[k] = strconv.Itoa(add(i))
	}
	dstIdx := make([]string, len(dst))
	for k, j := range dst {
		dstIdx[k] = strconv.Itoa(add(j))
	}
	endpoint := fmt.Sprintf("%s/table/v1/%s/%s?annotations=duration,distance&sources=%s&destinations=%s",
		o.BaseURL, o.Profile, coordPath(coords), strings.Join(srcIdx, ";"), strings.Join(dstIdx, ";"))

	var tr tableResponse
	if err := o.getJSON(ctx, endpoint, &tr); err != nil {
		return fmt.Errorf("osrm table: %w", err)
	}
	if tr.Code != "Ok" {
		return fmt.Errorf("osrm table: %w: %s %s", ErrUnavailable, tr.Code, tr.Message)
	}
	if len(tr.Durations) != len(src) || len(tr.Distances) != len(src) {
		return fmt.Errorf("osrm table: expected %d rows, got durations=%d distances=%d", len(src), len(tr.Durations), len(tr.Distances))
	}
	for r, i := range src {
		if len(tr.Durations[r]) != len(dst) || len(tr.Distances[r]) != len(dst) {
			return fmt.Errorf("osrm table: row %d has wrong length", r)
		}
		for c, j := range dst {
			m.Durations[i][j] = roundOrUnreachable(tr.Durations[r][c])
			m.Distances[i][j] = roundOrUnreachable(tr.Distances[r][c])
		}
	}
	return nil
}

func roundOrUnreachable(v *float64) int {
	if v == nil {
		return -1
	}
	return int(math.Round(*v))
}

func (o *OSRM) GetRouteGeometry(ctx context.Context, locs []model.Coordinates) ([][2]float64, error) {
	if len(locs) < 2 {
		return lineCoords(points(locs)), nil
	}
	endpoint := fmt.Sprintf("%s/route/v1/%s/%s?overview=full&geometries=geojson", o.BaseURL, o.Profile, coordPath(locs))
	var rr routeResponse
	if err := o.getJSON(ctx, endpoint, &rr); err != nil {
		return nil, fmt.Errorf("osrm route: %w", err)
	}
	if rr.Code != "Ok" || len(rr.Routes) == 0 {
		return nil, fmt.Errorf("osrm route: %w: %s %s", ErrUnavailable, rr.Code, rr.Message)
	}
	return rr.Routes[0].Geometry.Coordinates, nil
}

func coordPath(locs []model.Coordinates) string {
	parts := make([]string, len(locs))
	for i, c := range locs {
		parts[i] = strconv.FormatFloat(c.Lng, 'f', 6, 64) + "," + strconv.FormatFloat(c.Lat, 'f', 6, 64)
	}
	return strings.Join(parts, ";")
}

type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

func (o *OSRM) getJSON(ctx context.Context, url string, out any) error {
	resp, err := o.doWithRetry(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// doWithRetry retries network errors, 429 and 5xx with exponential backoff. Each attempt waits
// for the shared rate limiter.
func (o *OSRM) doWithRetry(ctx context.Context, url string) (*http.Response, error) {
	attempts := o.MaxAttempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if o.Limiter != nil {
			if err := o.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := o.HTTP.Do(req)
		if err == nil && resp.StatusCode < 400 {
			return resp, nil
		}
		if err == nil {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			err = &httpStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		}
		lastErr = err

		retry := false
		var he *httpStatusError
		if errors.As(err, &he) {
			switch he.Code {
			case 429, 500, 502, 503, 504:
				retry = true
			}
		}
		var netErr net.Error
		if !retry && errors.As(err, &netErr) {
			retry = true
		}
		if !retry || attempt == attempts || ctx.Err() != nil {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}
