// Request rate parsing for load profiles
// Accepts "N/unit" strings such as "20/s", "300/m" or "5000/h"
package loadgen

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const maxRateCount = 10000

// Rate is a number of requests per period.
type Rate struct {
	Count  int
	Period time.Duration
}

// PerSecond returns the rate as requests per second.
func (r Rate) PerSecond() float64 {
	if r.Period <= 0 {
		return 0
	}
	return float64(r.Count) / r.Period.Seconds()
}

func (r Rate) String() string {
	unit := "s"
	switch r.Period {
	case time.Minute:
		unit = "m"
	case time.Hour:
		unit = "h"
	}
	return fmt.Sprintf("%d/%s", r.Count, unit)
}

// ParseRate parses "N/unit" where unit is s, m or h (or their long forms).
func ParseRate(s string) (Rate, error) {
	if s == "" {
		return Rate{}, errors.New("rate cannot be empty")
	}
	countText, unit, ok := strings.Cut(s, "/")
	if !ok || strings.Contains(unit, "/") {
		return Rate{}, fmt.Errorf("invalid rate %q (expected 'N/unit')", s)
	}
	count, err := strconv.Atoi(strings.TrimSpace(countText))
	if err != nil {
		return Rate{}, fmt.Errorf("invalid rate count in %q: %w", s, err)
	}
	if count <= 0 || count > maxRateCount {
		return Rate{}, fmt.Errorf("rate count must be between 1 and %d, got %d", maxRateCount, count)
	}

	var period time.Duration
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "s", "sec", "second", "seconds":
		period = time.Second
	case "m", "min", "minute", "minutes":
		period = time.Minute
	case "h", "hour", "hours":
		period = time.Hour
	default:
		return Rate{}, fmt.Errorf("unsupported rate unit %q, supported units: s, m, h", unit)
	}
	return Rate{Count: count, Period: period}, nil
}
