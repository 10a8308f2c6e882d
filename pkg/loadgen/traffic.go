// Arrival rate models for the load generator
// Uniform and poisson hold a steady mean, bursty and diurnal vary it over time
package loadgen

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Traffic pattern names.
const (
	PatternUniform = "uniform"
	PatternPoisson = "poisson"
	PatternBursty  = "bursty"
	PatternDiurnal = "diurnal"
)

const (
	defaultBurstMultiplier  = 5.0
	defaultBurstInterval    = time.Minute
	defaultBurstDuration    = 10 * time.Second
	defaultPeakMultiplier   = 1.5
	defaultTroughMultiplier = 0.5
	defaultDiurnalPeriod    = 10 * time.Minute
)

// Pattern decides when the next request is due.
type Pattern interface {
	// Rate is the mean requests per second at elapsed.
	Rate(elapsed time.Duration) float64
	// Interval is the wait before the next request at elapsed.
	Interval(elapsed time.Duration, rng *rand.Rand) time.Duration
}

// TrafficConfig is the traffic section of a load profile.
type TrafficConfig struct {
	Rate             string  `yaml:"rate"`
	Pattern          string  `yaml:"pattern,omitempty"`
	BurstMultiplier  float64 `yaml:"burst_multiplier,omitempty"`
	BurstInterval    string  `yaml:"burst_interval,omitempty"`
	BurstDuration    string  `yaml:"burst_duration,omitempty"`
	PeakMultiplier   float64 `yaml:"peak_multiplier,omitempty"`
	TroughMultiplier float64 `yaml:"trough_multiplier,omitempty"`
	Period           string  `yaml:"period,omitempty"`
}

// NewPattern builds the Pattern described by cfg.
func NewPattern(cfg TrafficConfig) (Pattern, error) {
	rate, err := ParseRate(cfg.Rate)
	if err != nil {
		return nil, fmt.Errorf("traffic: %w", err)
	}
	base := rate.PerSecond()

	switch cfg.Pattern {
	case "", PatternUniform:
		return Uniform{PerSecond: base}, nil
	case PatternPoisson:
		return Poisson{PerSecond: base}, nil
	case PatternBursty:
		return newBursty(base, cfg)
	case PatternDiurnal:
		return newDiurnal(base, cfg)
	default:
		return nil, fmt.Errorf("unknown traffic pattern %q, supported: uniform, poisson, bursty, diurnal", cfg.Pattern)
	}
}

func durationOr(s string, def time.Duration, field string) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, d)
	}
	return d, nil
}

func newBursty(base float64, cfg TrafficConfig) (Bursty, error) {
	p := Bursty{PerSecond: base, Multiplier: defaultBurstMultiplier}
	if cfg.BurstMultiplier < 0 {
		return Bursty{}, fmt.Errorf("burst_multiplier must be positive, got %g", cfg.BurstMultiplier)
	}
	if cfg.BurstMultiplier > 0 {
		p.Multiplier = cfg.BurstMultiplier
	}
	var err error
	if p.Every, err = durationOr(cfg.BurstInterval, defaultBurstInterval, "burst_interval"); err != nil {
		return Bursty{}, err
	}
	if p.Length, err = durationOr(cfg.BurstDuration, defaultBurstDuration, "burst_duration"); err != nil {
		return Bursty{}, err
	}
	if p.Length >= p.Every {
		return Bursty{}, fmt.Errorf("burst_duration (%s) must be less than burst_interval (%s)", p.Length, p.Every)
	}
	return p, nil
}

func newDiurnal(base float64, cfg TrafficConfig) (Diurnal, error) {
	p := Diurnal{PerSecond: base, Peak: defaultPeakMultiplier, Trough: defaultTroughMultiplier}
	if cfg.PeakMultiplier < 0 || cfg.TroughMultiplier < 0 {
		return Diurnal{}, fmt.Errorf("peak_multiplier and trough_multiplier must not be negative")
	}
	if cfg.PeakMultiplier > 0 {
		p.Peak = cfg.PeakMultiplier
	}
	if cfg.TroughMultiplier > 0 {
		p.Trough = cfg.TroughMultiplier
	}
	if p.Peak < p.Trough {
		return Diurnal{}, fmt.Errorf("peak_multiplier (%g) must be >= trough_multiplier (%g)", p.Peak, p.Trough)
	}
	var err error
	if p.Period, err = durationOr(cfg.Period, defaultDiurnalPeriod, "period"); err != nil {
		return Diurnal{}, err
	}
	return p, nil
}

// steady converts a rate to a fixed interval, or zero when paused.
func steady(rate float64) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / rate)
}

// Uniform sends at evenly spaced intervals.
type Uniform struct {
	PerSecond float64
}

func (p Uniform) Rate(time.Duration) float64 { return p.PerSecond }

func (p Uniform) Interval(elapsed time.Duration, _ *rand.Rand) time.Duration {
	return steady(p.Rate(elapsed))
}

// Poisson draws exponential inter-arrival gaps around a constant mean.
type Poisson struct {
	PerSecond float64
}

func (p Poisson) Rate(time.Duration) float64 { return p.PerSecond }

func (p Poisson) Interval(_ time.Duration, rng *rand.Rand) time.Duration {
	if p.PerSecond <= 0 {
		return 0
	}
	return time.Duration(rng.ExpFloat64() / p.PerSecond * float64(time.Second))
}

// Bursty multiplies the rate for Length at the start of every Every window.
type Bursty struct {
	PerSecond  float64
	Multiplier float64
	Every      time.Duration
	Length     time.Duration
}

func (p Bursty) Rate(elapsed time.Duration) float64 {
	if elapsed%p.Every < p.Length {
		return p.PerSecond * p.Multiplier
	}
	return p.PerSecond
}

func (p Bursty) Interval(elapsed time.Duration, _ *rand.Rand) time.Duration {
	return steady(p.Rate(elapsed))
}

// Diurnal follows a sine wave between Trough and Peak over Period, starting at
// the trough.
type Diurnal struct {
	PerSecond float64
	Peak      float64
	Trough    float64
	Period    time.Duration
}

func (p Diurnal) Rate(elapsed time.Duration) float64 {
	mid := (p.Peak + p.Trough) / 2
	amplitude := (p.Peak - p.Trough) / 2
	phase := float64(elapsed%p.Period) / float64(p.Period)
	return p.PerSecond * (mid - amplitude*math.Cos(2*math.Pi*phase))
}

func (p Diurnal) Interval(elapsed time.Duration, _ *rand.Rand) time.Duration {
	return steady(p.Rate(elapsed))
}
