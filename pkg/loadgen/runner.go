// Rate-controlled request loop against a running ordertrace server
// The loop sleeps between arrivals; an errgroup bounds requests in flight
package loadgen

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andrewh/ordertrace/pkg/inspect"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	pausePoll      = 10 * time.Millisecond
	maxBodyRead    = 64 * 1024
	traceIDHeader  = "X-Trace-Id"
	contentTypeKey = "Content-Type"
)

// Runner sends generated requests at the rate set by Pattern.
type Runner struct {
	Client      *http.Client
	Target      string
	Pattern     Pattern
	Generator   *Generator
	Rng         *rand.Rand
	Concurrency int
	Duration    time.Duration
	// MaxRequests stops the run after this many requests when positive.
	MaxRequests int
	Logger      logrus.FieldLogger
}

// Stats aggregates the outcome of a run.
type Stats struct {
	Requests        int64            `json:"requests"`
	TransportErrors int64            `json:"transport_errors"`
	Statuses        map[string]int64 `json:"statuses"`
	Kinds           []KindSummary    `json:"kinds"`
	ElapsedMs       int64            `json:"elapsed_ms"`
	RequestsPerSec  float64          `json:"requests_per_second"`
}

// KindSummary is the latency profile of one request kind.
type KindSummary struct {
	Kind         string        `json:"kind"`
	Count        int64         `json:"count"`
	P50          time.Duration `json:"p50_ns"`
	P95          time.Duration `json:"p95_ns"`
	P99          time.Duration `json:"p99_ns"`
	Max          time.Duration `json:"max_ns"`
	SlowestTrace string        `json:"slowest_trace_id,omitempty"`
}

type collector struct {
	mu        sync.Mutex
	stats     Stats
	latencies map[string][]time.Duration
	slowest   map[string]time.Duration
	traces    map[string]string
}

func (c *collector) record(kind string, status int, latency time.Duration, traceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Requests++
	if status == 0 {
		c.stats.TransportErrors++
		return
	}
	c.stats.Statuses[strconv.Itoa(status)]++
	c.latencies[kind] = append(c.latencies[kind], latency)
	if latency >= c.slowest[kind] {
		c.slowest[kind] = latency
		c.traces[kind] = traceID
	}
}

func (c *collector) finish(elapsed time.Duration) *Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.ElapsedMs = elapsed.Milliseconds()
	if secs := elapsed.Seconds(); secs > 0 {
		s.RequestsPerSec = float64(s.Requests) / secs
	}
	for kind, d := range c.latencies {
		slices.Sort(d)
		s.Kinds = append(s.Kinds, KindSummary{
			Kind:         kind,
			Count:        int64(len(d)),
			P50:          inspect.Percentile(d, 50),
			P95:          inspect.Percentile(d, 95),
			P99:          inspect.Percentile(d, 99),
			Max:          d[len(d)-1],
			SlowestTrace: c.traces[kind],
		})
	}
	slices.SortFunc(s.Kinds, func(a, b KindSummary) int { return cmp.Compare(a.Kind, b.Kind) })
	return &s
}

// Run sends requests until Duration elapses, MaxRequests is reached or ctx is
// cancelled, then waits for requests in flight.
func (r *Runner) Run(ctx context.Context) (*Stats, error) {
	if r.Pattern == nil || r.Generator == nil {
		return nil, errors.New("runner requires a pattern and a generator")
	}
	if r.Duration <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %s", r.Duration)
	}
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	log := r.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	rng := r.Rng
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // load shaping, not security-sensitive
	}
	target := strings.TrimRight(r.Target, "/")

	col := &collector{
		stats:     Stats{Statuses: make(map[string]int64)},
		latencies: make(map[string][]time.Duration),
		slowest:   make(map[string]time.Duration),
		traces:    make(map[string]string),
	}

	runCtx, cancel := context.WithTimeout(ctx, r.Duration)
	defer cancel()
	g := new(errgroup.Group)
	g.SetLimit(max(r.Concurrency, 1))

	start := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()
	sent := 0
loop:
	for r.MaxRequests <= 0 || sent < r.MaxRequests {
		select {
		case <-runCtx.Done():
			break loop
		case <-timer.C:
		}

		elapsed := time.Since(start)
		wait := r.Pattern.Interval(elapsed, rng)
		if wait <= 0 {
			timer.Reset(pausePoll)
			continue
		}
		req := r.Generator.Next()
		sent++
		g.Go(func() error {
			status, latency, traceID := r.send(ctx, client, target, req, log)
			col.record(req.Kind, status, latency, traceID)
			return nil
		})
		timer.Reset(wait)
	}
	_ = g.Wait()

	stats := col.finish(time.Since(start))
	log.WithFields(logrus.Fields{
		"requests":        stats.Requests,
		"transportErrors": stats.TransportErrors,
		"elapsedMs":       stats.ElapsedMs,
	}).Info("load run finished")
	return stats, nil
}

// send performs one request and returns its status, or zero on transport failure.
func (r *Runner) send(ctx context.Context, client *http.Client, target string, req Request, log logrus.FieldLogger) (int, time.Duration, string) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target+req.Path, body)
	if err != nil {
		log.WithError(err).WithField("path", req.Path).Warn("building request")
		return 0, 0, ""
	}
	if req.Body != nil {
		httpReq.Header.Set(contentTypeKey, "application/json")
	}

	started := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() == nil {
			log.WithError(err).WithField("kind", req.Kind).Debug("request failed")
		}
		return 0, 0, ""
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyRead))
	latency := time.Since(started)
	traceID := resp.Header.Get(traceIDHeader)

	if req.Kind == KindCreate && resp.StatusCode == http.StatusCreated {
		var created struct {
			OrderID string `json:"orderId"`
		}
		if json.Unmarshal(data, &created) == nil {
			r.Generator.Observe(created.OrderID)
		}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		log.WithFields(logrus.Fields{
			"kind":    req.Kind,
			"status":  resp.StatusCode,
			"traceId": traceID,
		}).Debug("server error")
	}
	return resp.StatusCode, latency, traceID
}
