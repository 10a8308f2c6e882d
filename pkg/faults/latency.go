// Latency range and probability parsing for fault policies
// Supports "50ms..150ms" ranges and "8%" / "0.08" probabilities
package faults

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LatencyRange is a closed interval of simulated delay, sampled uniformly.
type LatencyRange struct {
	Min time.Duration
	Max time.Duration
}

// ParseLatencyRange parses a latency range string.
// Supported formats:
//   - "50ms..150ms" (uniform between min and max)
//   - "50ms-150ms"  (same, dash separator)
//   - "80ms"        (fixed delay)
func ParseLatencyRange(s string) (LatencyRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return LatencyRange{}, fmt.Errorf("latency is required (e.g. '80ms', '50ms..150ms')")
	}

	var minStr, maxStr string
	if parts := strings.SplitN(s, "..", 2); len(parts) == 2 {
		minStr, maxStr = strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	} else if parts := strings.SplitN(s, "-", 2); len(parts) == 2 && parts[0] != "" {
		minStr, maxStr = strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	} else {
		d, err := time.ParseDuration(s)
		if err != nil {
			return LatencyRange{}, fmt.Errorf("invalid latency: %w", err)
		}
		if d < 0 {
			return LatencyRange{}, fmt.Errorf("latency must not be negative")
		}
		return LatencyRange{Min: d, Max: d}, nil
	}

	lo, err := time.ParseDuration(minStr)
	if err != nil {
		return LatencyRange{}, fmt.Errorf("invalid minimum latency: %w", err)
	}
	hi, err := time.ParseDuration(maxStr)
	if err != nil {
		return LatencyRange{}, fmt.Errorf("invalid maximum latency: %w", err)
	}
	if lo < 0 {
		return LatencyRange{}, fmt.Errorf("minimum latency must not be negative")
	}
	if hi < lo {
		return LatencyRange{}, fmt.Errorf("maximum latency %s is below minimum %s", hi, lo)
	}
	return LatencyRange{Min: lo, Max: hi}, nil
}

// Sample returns a delay drawn uniformly from [Min, Max].
func (r LatencyRange) Sample(src Source) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	span := float64(r.Max - r.Min)
	return r.Min + time.Duration(src.Float64()*span)
}

// String returns the range in DSL format.
func (r LatencyRange) String() string {
	if r.Min == r.Max {
		return r.Min.String()
	}
	return r.Min.String() + ".." + r.Max.String()
}

// ParseProbability parses a percentage string like "8%" or "0.5%", or a bare
// fraction like "0.08", into a float64 between 0.0 and 1.0.
func ParseProbability(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if pct, ok := strings.CutSuffix(s, "%"); ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid probability %q: %w", pct, err)
		}
		if v < 0 || v > 100 {
			return 0, fmt.Errorf("probability must be between 0%% and 100%%")
		}
		return v / 100, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid probability %q: %w", s, err)
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("probability without %% must be between 0.0 and 1.0")
	}
	return v, nil
}
