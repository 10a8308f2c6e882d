// Per-key fault and latency simulation with an injected randomness source
// Policies carry a latency range, a base stock level and probability-weighted fault branches
package faults

import (
	"context"
	"math/rand/v2"
	"slices"
	"sync"
	"time"
)

// Source is the randomness the simulator draws from. *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

// LockedSource serialises access to a Source so concurrent requests can share it.
type LockedSource struct {
	mu  sync.Mutex
	src Source
}

// NewLockedSource wraps src for concurrent use.
func NewLockedSource(src Source) *LockedSource {
	return &LockedSource{src: src}
}

// NewSeededSource returns a goroutine-safe PCG source.
func NewSeededSource(seed1, seed2 uint64) *LockedSource {
	return NewLockedSource(rand.New(rand.NewPCG(seed1, seed2))) //nolint:gosec // simulated faults, not security-sensitive
}

// Float64 returns the next draw from the wrapped source.
func (l *LockedSource) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Float64()
}

// Branch is one probability-weighted fault.
type Branch struct {
	Name        string
	Probability float64
}

// Policy describes simulated behaviour for one lookup key.
// When Exclusive is set, branches are evaluated in order and the first that
// fires stops evaluation; otherwise every branch draws independently.
type Policy struct {
	Latency   LatencyRange
	Stock     int
	Branches  []Branch
	Exclusive bool
}

// Table maps lookup keys to policies, with a fallback for unknown keys.
type Table struct {
	Policies map[string]Policy
	Default  Policy
}

// Lookup returns the policy for key and whether it was found.
// Unknown keys resolve to the default policy.
func (t Table) Lookup(key string) (Policy, bool) {
	if p, ok := t.Policies[key]; ok {
		return p, true
	}
	return t.Default, false
}

// Outcome is the result of one simulation draw.
type Outcome struct {
	Key   string
	Known bool
	Delay time.Duration
	Stock int
	Fired []string
}

// Has reports whether the named branch fired.
func (o Outcome) Has(name string) bool {
	return slices.Contains(o.Fired, name)
}

// Scenario names the first fired branch, or "normal" when none fired.
func (o Outcome) Scenario() string {
	if len(o.Fired) == 0 {
		return ScenarioNormal
	}
	return o.Fired[0]
}

// ScenarioNormal is reported when no fault branch fired.
const ScenarioNormal = "normal"

// SleepFunc suspends for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep waits on a timer, returning early with ctx.Err() on cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NoSleep returns immediately. Tests use it to skip simulated latency.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// Simulator draws outcomes from a Table.
type Simulator struct {
	Table  Table
	Source Source
	Sleep  SleepFunc
}

// New creates a Simulator over table drawing from src. Latency is real unless
// sleep is overridden.
func New(table Table, src Source) *Simulator {
	return &Simulator{Table: table, Source: src, Sleep: Sleep}
}

// Simulate resolves key and draws a delay and the fired fault branches.
func (s *Simulator) Simulate(key string) Outcome {
	policy, known := s.Table.Lookup(key)
	return s.Draw(key, known, policy)
}

// Draw evaluates policy directly. Each branch consumes one independent draw;
// exclusive policies stop drawing at the first fired branch.
func (s *Simulator) Draw(key string, known bool, policy Policy) Outcome {
	out := Outcome{
		Key:   key,
		Known: known,
		Delay: policy.Latency.Sample(s.Source),
		Stock: policy.Stock,
	}
	for _, b := range policy.Branches {
		if s.Source.Float64() >= b.Probability {
			continue
		}
		out.Fired = append(out.Fired, b.Name)
		if policy.Exclusive {
			break
		}
	}
	return out
}

// Wait suspends for d using the simulator's sleep function.
func (s *Simulator) Wait(ctx context.Context, d time.Duration) error {
	sleep := s.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	return sleep(ctx, d)
}
