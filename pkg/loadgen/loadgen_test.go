package loadgen

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andrewh/ordertrace/pkg/catalog"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseRate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    float64
		wantErr string
	}{
		{in: "20/s", want: 20},
		{in: "120/min", want: 2},
		{in: "3600/hour", want: 1},
		{in: "", wantErr: "empty"},
		{in: "20", wantErr: "expected 'N/unit'"},
		{in: "1/s/s", wantErr: "expected 'N/unit'"},
		{in: "x/s", wantErr: "invalid rate count"},
		{in: "0/s", wantErr: "between 1 and"},
		{in: "10001/s", wantErr: "between 1 and"},
		{in: "5/d", wantErr: "unsupported rate unit"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			r, err := ParseRate(tt.in)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, r.PerSecond(), 1e-9)
		})
	}
	r, err := ParseRate("90/m")
	require.NoError(t, err)
	assert.Equal(t, "90/m", r.String())
}

func TestNewPattern(t *testing.T) {
	t.Parallel()

	p, err := NewPattern(TrafficConfig{Rate: "10/s"})
	require.NoError(t, err)
	assert.IsType(t, Uniform{}, p)

	p, err = NewPattern(TrafficConfig{Rate: "10/s", Pattern: PatternPoisson})
	require.NoError(t, err)
	assert.IsType(t, Poisson{}, p)

	p, err = NewPattern(TrafficConfig{Rate: "10/s", Pattern: PatternBursty})
	require.NoError(t, err)
	assert.Equal(t, Bursty{PerSecond: 10, Multiplier: 5, Every: time.Minute, Length: 10 * time.Second}, p)

	p, err = NewPattern(TrafficConfig{Rate: "10/s", Pattern: PatternDiurnal, Period: "1h", TroughMultiplier: 0.25})
	require.NoError(t, err)
	assert.Equal(t, Diurnal{PerSecond: 10, Peak: 1.5, Trough: 0.25, Period: time.Hour}, p)

	_, err = NewPattern(TrafficConfig{Rate: "10/s", Pattern: "sawtooth"})
	assert.ErrorContains(t, err, `unknown traffic pattern "sawtooth"`)

	_, err = NewPattern(TrafficConfig{Rate: "10/s", Pattern: PatternBursty, BurstInterval: "10s", BurstDuration: "10s"})
	assert.ErrorContains(t, err, "must be less than burst_interval")

	_, err = NewPattern(TrafficConfig{Rate: "10/s", Pattern: PatternDiurnal, PeakMultiplier: 0.2, TroughMultiplier: 0.4})
	assert.ErrorContains(t, err, "must be >= trough_multiplier")

	_, err = NewPattern(TrafficConfig{Rate: "10/s", Pattern: PatternDiurnal, Period: "soon"})
	assert.ErrorContains(t, err, "invalid period")
}

func TestPatternRates(t *testing.T) {
	t.Parallel()

	b := Bursty{PerSecond: 10, Multiplier: 4, Every: time.Minute, Length: 5 * time.Second}
	assert.InDelta(t, 40.0, b.Rate(2*time.Second), 1e-9)
	assert.InDelta(t, 10.0, b.Rate(30*time.Second), 1e-9)
	assert.InDelta(t, 40.0, b.Rate(61*time.Second), 1e-9)
	assert.Equal(t, 25*time.Millisecond, b.Interval(time.Second, nil))

	d := Diurnal{PerSecond: 100, Peak: 2, Trough: 0, Period: time.Hour}
	assert.InDelta(t, 0.0, d.Rate(0), 1e-9)
	assert.InDelta(t, 200.0, d.Rate(30*time.Minute), 1e-9)
	assert.InDelta(t, 100.0, d.Rate(15*time.Minute), 1e-9)
	assert.Zero(t, d.Interval(0, nil), "zero rate pauses the run")

	u := Uniform{PerSecond: 50}
	assert.Equal(t, 20*time.Millisecond, u.Interval(time.Hour, nil))
}

func TestPoissonMeanInterval(t *testing.T) {
	t.Parallel()
	p := Poisson{PerSecond: 100}
	rng := rand.New(rand.NewPCG(1, 2))
	const draws = 10000
	var total time.Duration
	for range draws {
		total += p.Interval(0, rng)
	}
	mean := total / draws
	assert.InDelta(t, float64(10*time.Millisecond), float64(mean), float64(500*time.Microsecond))
}

func TestParseProfile(t *testing.T) {
	t.Parallel()

	p, err := ParseProfile([]byte(`
target: http://orders.internal:9000
concurrency: 2
mix:
  create: 1
traffic:
  rate: 5/s
`))
	require.NoError(t, err)
	assert.Equal(t, "http://orders.internal:9000", p.Target)
	assert.Equal(t, 2, p.Concurrency)
	assert.Equal(t, map[string]int{KindCreate: 1}, p.Mix)
	assert.Equal(t, DefaultProfile().Products, p.Products, "unset maps keep defaults")
	assert.Equal(t, "1m", p.Duration)
	assert.Equal(t, "5/s", p.Traffic.Rate)
	require.NoError(t, p.Validate())

	_, err = ParseProfile([]byte("mix: [create]"))
	assert.ErrorContains(t, err, "parsing profile")
}

func TestProfileValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultProfile().Validate())

	p := DefaultProfile()
	p.Target = "orders:8080"
	p.Duration = "forever"
	p.Concurrency = 0
	p.Mix = map[string]int{KindCreate: 1, "delete": 1}
	p.Quantity = QuantityRange{Min: 5, Max: 1}
	p.Customers.VIP = 1000
	err := p.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"target must be an http(s) URL",
		"invalid duration",
		"concurrency must be at least 1",
		`unknown request kind "delete"`,
		"quantity.min (5) must not exceed quantity.max (1)",
		"customers.vip must be between 0 and count",
	} {
		assert.ErrorContains(t, err, want)
	}

	p = DefaultProfile()
	p.Mix = map[string]int{KindList: 1}
	p.Statuses = map[string]int{"CREATED": 0}
	assert.ErrorContains(t, p.Validate(), "statuses: at least one positive weight")
}

func TestUnknownProducts(t *testing.T) {
	t.Parallel()
	cat, err := catalog.Default()
	require.NoError(t, err)

	p := DefaultProfile()
	assert.Empty(t, p.UnknownProducts(cat))
	p.Products["PROD-999"] = 1
	assert.Equal(t, []string{"PROD-999"}, p.UnknownProducts(cat))
}

func TestGeneratorCreateBodies(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		lo := rapid.IntRange(-5, 100).Draw(t, "min")
		hi := rapid.IntRange(lo, 120).Draw(t, "max")
		p := DefaultProfile()
		p.Mix = map[string]int{KindCreate: 1}
		p.Quantity = QuantityRange{Min: lo, Max: hi}
		g := NewGenerator(p, rand.New(rand.NewPCG(rapid.Uint64().Draw(t, "seed"), 0)))

		req := g.Next()
		if req.Kind != KindCreate || req.Method != http.MethodPost || req.Path != "/orders" {
			t.Fatalf("unexpected request %+v", req)
		}
		var body struct {
			CustomerID string `json:"customerId"`
			ProductID  string `json:"productId"`
			Quantity   int    `json:"quantity"`
		}
		if err := json.Unmarshal(req.Body, &body); err != nil {
			t.Fatalf("body is not JSON: %v", err)
		}
		if body.Quantity < lo || body.Quantity > hi {
			t.Fatalf("quantity %d outside [%d,%d]", body.Quantity, lo, hi)
		}
		if _, ok := p.Products[body.ProductID]; !ok {
			t.Fatalf("product %q not in profile", body.ProductID)
		}
		if !strings.HasPrefix(body.CustomerID, "CUST-") && !strings.HasPrefix(body.CustomerID, "VIP-") {
			t.Fatalf("unexpected customer %q", body.CustomerID)
		}
	})
}

func TestGeneratorMix(t *testing.T) {
	t.Parallel()
	p := DefaultProfile()
	p.Mix = map[string]int{KindGet: 1}
	g := NewGenerator(p, rand.New(rand.NewPCG(3, 4)))

	assert.Equal(t, KindCreate, g.Next().Kind, "get needs a known order id")
	g.Observe("order/1")
	req := g.Next()
	assert.Equal(t, KindGet, req.Kind)
	assert.Equal(t, "/orders/order%2F1", req.Path)

	p.Mix = map[string]int{KindList: 1}
	p.Statuses = map[string]int{"OUT_OF_STOCK": 1}
	g = NewGenerator(p, rand.New(rand.NewPCG(3, 4)))
	assert.Equal(t, "/orders?status=OUT_OF_STOCK", g.Next().Path)

	p.Statuses = map[string]int{"": 1}
	g = NewGenerator(p, rand.New(rand.NewPCG(3, 4)))
	assert.Equal(t, "/orders", g.Next().Path)
}

func TestGeneratorWeights(t *testing.T) {
	t.Parallel()
	p := DefaultProfile()
	p.Mix = map[string]int{KindCreate: 1}
	p.Products = map[string]int{"PROD-001": 3, "PROD-004": 1, "PROD-005": 0}
	g := NewGenerator(p, rand.New(rand.NewPCG(5, 6)))

	counts := make(map[string]int)
	for range 4000 {
		var body struct {
			ProductID string `json:"productId"`
		}
		require.NoError(t, json.Unmarshal(g.Next().Body, &body))
		counts[body.ProductID]++
	}
	assert.Zero(t, counts["PROD-005"])
	assert.InDelta(t, 3000, counts["PROD-001"], 150)
	assert.InDelta(t, 1000, counts["PROD-004"], 150)
}

func TestGeneratorObserveIsBounded(t *testing.T) {
	t.Parallel()
	g := NewGenerator(DefaultProfile(), rand.New(rand.NewPCG(1, 1)))
	for i := range maxKnownIDs + 10 {
		g.Observe(fmt.Sprintf("o-%d", i))
	}
	g.Observe("")
	assert.Len(t, g.known, maxKnownIDs)
	assert.Equal(t, "o-1024", g.known[0])
	assert.Equal(t, "o-10", g.known[10])
}

// fakeOrders answers the three order routes and records what it saw.
type fakeOrders struct {
	created atomic.Int64
	mu      sync.Mutex
	gets    []string
}

func (f *fakeOrders) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /orders", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		w.Header().Set(traceIDHeader, "trace-create")
		if body["productId"] == "PROD-004" {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"out of stock"}`))
			return
		}
		n := f.created.Add(1)
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"orderId":"o-%d"}`, n)
	})
	mux.HandleFunc("GET /orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.gets = append(f.gets, r.PathValue("id"))
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("GET /orders", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"count":0,"orders":[]}`))
	})
	return mux
}

func TestRunnerSendsMix(t *testing.T) {
	t.Parallel()
	fake := &fakeOrders{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	p := DefaultProfile()
	p.Products = map[string]int{"PROD-001": 3, "PROD-004": 1}
	logger, _ := test.NewNullLogger()
	r := &Runner{
		Client:      srv.Client(),
		Target:      srv.URL + "/",
		Pattern:     Uniform{PerSecond: 2000},
		Generator:   NewGenerator(p, rand.New(rand.NewPCG(11, 12))),
		Rng:         rand.New(rand.NewPCG(13, 14)),
		Concurrency: 4,
		Duration:    30 * time.Second,
		MaxRequests: 200,
		Logger:      logger,
	}
	stats, err := r.Run(t.Context())
	require.NoError(t, err)

	assert.EqualValues(t, 200, stats.Requests)
	assert.Zero(t, stats.TransportErrors)
	var total int64
	for _, n := range stats.Statuses {
		total += n
	}
	assert.EqualValues(t, 200, total)
	assert.Positive(t, stats.Statuses["201"])
	assert.Positive(t, stats.Statuses["409"])

	var kinds int64
	for _, k := range stats.Kinds {
		kinds += k.Count
		assert.LessOrEqual(t, k.P50, k.Max)
		if k.Kind == KindCreate {
			assert.Equal(t, "trace-create", k.SlowestTrace)
		}
	}
	assert.EqualValues(t, 200, kinds)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	for _, id := range fake.gets {
		assert.True(t, strings.HasPrefix(id, "o-"), "gets reuse created ids, got %q", id)
	}

	var out bytes.Buffer
	RenderSummary(&out, stats)
	assert.Contains(t, out.String(), "200 requests in")
	assert.Contains(t, out.String(), "409")
	assert.Contains(t, out.String(), "create")
}

func TestRunnerCountsTransportErrors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL
	srv.Close()

	logger, hook := test.NewNullLogger()
	r := &Runner{
		Target:      target,
		Pattern:     Uniform{PerSecond: 1000},
		Generator:   NewGenerator(DefaultProfile(), rand.New(rand.NewPCG(1, 2))),
		Concurrency: 2,
		Duration:    10 * time.Second,
		MaxRequests: 5,
		Logger:      logger,
	}
	stats, err := r.Run(t.Context())
	require.NoError(t, err)
	assert.EqualValues(t, 5, stats.Requests)
	assert.EqualValues(t, 5, stats.TransportErrors)
	assert.Empty(t, stats.Kinds)
	assert.Equal(t, "load run finished", hook.LastEntry().Message)
}

func TestRunnerStopsAtDuration(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer((&fakeOrders{}).handler())
	t.Cleanup(srv.Close)

	logger, _ := test.NewNullLogger()
	r := &Runner{
		Client:    srv.Client(),
		Target:    srv.URL,
		Pattern:   Uniform{PerSecond: 20},
		Generator: NewGenerator(DefaultProfile(), rand.New(rand.NewPCG(1, 2))),
		Duration:  200 * time.Millisecond,
		Logger:    logger,
	}
	start := time.Now()
	stats, err := r.Run(t.Context())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Positive(t, stats.Requests)
	assert.LessOrEqual(t, stats.Requests, int64(10))

	_, err = (&Runner{Pattern: Uniform{PerSecond: 1}, Generator: r.Generator}).Run(t.Context())
	assert.ErrorContains(t, err, "duration must be positive")
	_, err = (&Runner{Duration: time.Second}).Run(t.Context())
	assert.ErrorContains(t, err, "requires a pattern")
}
