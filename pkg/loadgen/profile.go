// Load profile: request mix, product and customer weights, traffic shape
package loadgen

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/andrewh/ordertrace/pkg/catalog"
	"github.com/andrewh/ordertrace/pkg/orders"
	"gopkg.in/yaml.v3"
)

// Request kinds.
const (
	KindCreate = "create"
	KindGet    = "get"
	KindList   = "list"
)

// Profile describes the requests a Runner sends.
type Profile struct {
	Target      string         `yaml:"target"`
	Duration    string         `yaml:"duration"`
	Concurrency int            `yaml:"concurrency"`
	Traffic     TrafficConfig  `yaml:"traffic"`
	Mix         map[string]int `yaml:"mix"`
	Products    map[string]int `yaml:"products"`
	Customers   CustomerConfig `yaml:"customers"`
	Quantity    QuantityRange  `yaml:"quantity"`
	// Statuses weights the status filter used by list requests. The empty
	// key lists without a filter.
	Statuses map[string]int `yaml:"statuses,omitempty"`
}

// CustomerConfig generates customer ids: Count ids with Prefix, of which
// VIP share the VIP prefix.
type CustomerConfig struct {
	Prefix    string `yaml:"prefix"`
	Count     int    `yaml:"count"`
	VIPPrefix string `yaml:"vip_prefix,omitempty"`
	VIP       int    `yaml:"vip,omitempty"`
}

// QuantityRange bounds the quantity of create requests. Values outside
// 1..100 are allowed so profiles can exercise validation failures.
type QuantityRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// DefaultProfile returns a mix that touches every outcome of the default catalog.
func DefaultProfile() Profile {
	return Profile{
		Target:      "http://localhost:8080",
		Duration:    "1m",
		Concurrency: 8,
		Traffic:     TrafficConfig{Rate: "20/s", Pattern: PatternPoisson},
		Mix:         map[string]int{KindCreate: 8, KindGet: 1, KindList: 1},
		Products: map[string]int{
			"PROD-001": 4, "PROD-002": 3, "PROD-003": 2, "PROD-004": 1, "PROD-005": 2,
		},
		Customers: CustomerConfig{Prefix: "CUST-", Count: 200, VIPPrefix: "VIP-", VIP: 10},
		Quantity:  QuantityRange{Min: 1, Max: 5},
		Statuses:  map[string]int{"": 2, string(orders.StatusCreated): 2, string(orders.StatusOutOfStock): 1},
	}
}

// LoadProfile reads a YAML profile, filling unset fields from DefaultProfile.
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user-supplied profile path is expected
	if err != nil {
		return Profile{}, fmt.Errorf("reading profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile parses a YAML profile, filling unset fields from DefaultProfile.
func ParseProfile(data []byte) (Profile, error) {
	p := DefaultProfile()
	// maps are replaced wholesale when present in the document
	p.Mix, p.Products, p.Statuses = nil, nil, nil
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parsing profile: %w", err)
	}
	def := DefaultProfile()
	if p.Mix == nil {
		p.Mix = def.Mix
	}
	if p.Products == nil {
		p.Products = def.Products
	}
	if p.Statuses == nil {
		p.Statuses = def.Statuses
	}
	return p, nil
}

// RunDuration parses Duration.
func (p Profile) RunDuration() (time.Duration, error) {
	d, err := time.ParseDuration(p.Duration)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", p.Duration, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", d)
	}
	return d, nil
}

// Validate reports every problem with the profile.
func (p Profile) Validate() error {
	var errs []error
	if !strings.HasPrefix(p.Target, "http://") && !strings.HasPrefix(p.Target, "https://") {
		errs = append(errs, fmt.Errorf("target must be an http(s) URL, got %q", p.Target))
	}
	if _, err := p.RunDuration(); err != nil {
		errs = append(errs, err)
	}
	if p.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", p.Concurrency))
	}
	if _, err := NewPattern(p.Traffic); err != nil {
		errs = append(errs, err)
	}
	for kind := range p.Mix {
		if kind != KindCreate && kind != KindGet && kind != KindList {
			errs = append(errs, fmt.Errorf("mix: unknown request kind %q", kind))
		}
	}
	if err := checkWeights("mix", p.Mix); err != nil {
		errs = append(errs, err)
	}
	if p.Mix[KindCreate] > 0 {
		if err := checkWeights("products", p.Products); err != nil {
			errs = append(errs, err)
		}
		if p.Customers.Count < 1 {
			errs = append(errs, fmt.Errorf("customers.count must be at least 1, got %d", p.Customers.Count))
		}
		if p.Customers.VIP < 0 || p.Customers.VIP > p.Customers.Count {
			errs = append(errs, fmt.Errorf("customers.vip must be between 0 and count, got %d", p.Customers.VIP))
		}
		if p.Quantity.Min > p.Quantity.Max {
			errs = append(errs, fmt.Errorf("quantity.min (%d) must not exceed quantity.max (%d)", p.Quantity.Min, p.Quantity.Max))
		}
	}
	if p.Mix[KindList] > 0 {
		if err := checkWeights("statuses", p.Statuses); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func checkWeights(field string, weights map[string]int) error {
	total := 0
	for k, w := range weights {
		if w < 0 {
			return fmt.Errorf("%s: weight for %q must not be negative", field, k)
		}
		total += w
	}
	if total == 0 {
		return fmt.Errorf("%s: at least one positive weight is required", field)
	}
	return nil
}

// UnknownProducts returns product ids in the profile that cat does not list.
// Such products are served by the catalog default entry.
func (p Profile) UnknownProducts(cat *catalog.Catalog) []string {
	var out []string
	for _, id := range sortedKeys(p.Products) {
		if _, ok := cat.Lookup(id); !ok {
			out = append(out, id)
		}
	}
	return out
}
