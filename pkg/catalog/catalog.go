// YAML product catalog and notification fault policy, loading and validation
// Converts the document into fault tables consumed by the inventory and notification services
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"slices"

	"github.com/andrewh/ordertrace/pkg/faults"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Fault branch names understood by the services.
const (
	BranchStockOut     = "stock_out"
	BranchTotalFailure = "total_failure"
	BranchTimeout      = "timeout"
	BranchFailure      = "failure"
)

// Notification fault table keys.
const (
	KeyPrimary        = "primary"
	KeyPrimaryTimeout = "primary_timeout"
	KeySecondary      = "secondary"
)

// ProductIDPattern is the accepted product identifier format.
var ProductIDPattern = regexp.MustCompile(`^PROD-\d{3}$`)

// Catalog is the immutable reference data for the order workflow.
type Catalog struct {
	Products     []Product
	Default      Product
	Notification NotificationPolicy
}

// Product is one catalog entry with its simulated behaviour.
type Product struct {
	ID        string
	Name      string
	UnitPrice decimal.Decimal
	Stock     int
	Latency   faults.LatencyRange
	Faults    []faults.Branch
}

// NotificationPolicy configures the notification channels.
type NotificationPolicy struct {
	VIPPrefix      string
	PrimaryLatency faults.LatencyRange
	TotalFailure   float64
	Timeout        float64
	TimeoutLatency faults.LatencyRange

	SecondaryLatency faults.LatencyRange
	SecondaryFailure float64
}

type rawCatalog struct {
	Products     map[string]rawProduct `yaml:"products"`
	Default      rawProduct            `yaml:"default"`
	Notification rawNotification       `yaml:"notification"`
}

type rawProduct struct {
	Name    string            `yaml:"name"`
	Price   string            `yaml:"price"`
	Stock   int               `yaml:"stock"`
	Latency string            `yaml:"latency"`
	Faults  map[string]string `yaml:"faults,omitempty"`
}

type rawNotification struct {
	VIPPrefix string `yaml:"vip_prefix"`
	Primary   struct {
		Latency        string `yaml:"latency"`
		TotalFailure   string `yaml:"total_failure,omitempty"`
		Timeout        string `yaml:"timeout,omitempty"`
		TimeoutLatency string `yaml:"timeout_latency"`
	} `yaml:"primary"`
	Secondary struct {
		Latency string `yaml:"latency"`
		Failure string `yaml:"failure,omitempty"`
	} `yaml:"secondary"`
}

// Default returns the built-in catalog.
func Default() (*Catalog, error) {
	return ParseCatalog(defaultYAML)
}

// DefaultYAML returns the built-in catalog document.
func DefaultYAML() []byte {
	return slices.Clone(defaultYAML)
}

// LoadCatalog reads and parses a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user-supplied catalog path is expected
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses a YAML catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var raw rawCatalog
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	cat := &Catalog{}

	// Map keys are sorted so lookups and output are deterministic
	ids := make([]string, 0, len(raw.Products))
	for id := range raw.Products {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		p, err := convertProduct(id, raw.Products[id])
		if err != nil {
			return nil, fmt.Errorf("product %q: %w", id, err)
		}
		cat.Products = append(cat.Products, p)
	}

	def, err := convertProduct("", raw.Default)
	if err != nil {
		return nil, fmt.Errorf("default product: %w", err)
	}
	cat.Default = def

	n, err := convertNotification(raw.Notification)
	if err != nil {
		return nil, fmt.Errorf("notification: %w", err)
	}
	cat.Notification = n

	return cat, nil
}

func convertProduct(id string, raw rawProduct) (Product, error) {
	p := Product{ID: id, Name: raw.Name, Stock: raw.Stock}

	price, err := decimal.NewFromString(raw.Price)
	if err != nil {
		return Product{}, fmt.Errorf("invalid price %q: %w", raw.Price, err)
	}
	p.UnitPrice = price

	if p.Latency, err = faults.ParseLatencyRange(raw.Latency); err != nil {
		return Product{}, err
	}

	names := make([]string, 0, len(raw.Faults))
	for name := range raw.Faults {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		prob, err := faults.ParseProbability(raw.Faults[name])
		if err != nil {
			return Product{}, fmt.Errorf("fault %q: %w", name, err)
		}
		p.Faults = append(p.Faults, faults.Branch{Name: name, Probability: prob})
	}
	return p, nil
}

func convertNotification(raw rawNotification) (NotificationPolicy, error) {
	n := NotificationPolicy{VIPPrefix: raw.VIPPrefix}
	var err error

	if n.PrimaryLatency, err = faults.ParseLatencyRange(raw.Primary.Latency); err != nil {
		return n, fmt.Errorf("primary: %w", err)
	}
	if n.TimeoutLatency, err = faults.ParseLatencyRange(raw.Primary.TimeoutLatency); err != nil {
		return n, fmt.Errorf("primary timeout_latency: %w", err)
	}
	if n.SecondaryLatency, err = faults.ParseLatencyRange(raw.Secondary.Latency); err != nil {
		return n, fmt.Errorf("secondary: %w", err)
	}
	if n.TotalFailure, err = optionalProbability(raw.Primary.TotalFailure); err != nil {
		return n, fmt.Errorf("primary total_failure: %w", err)
	}
	if n.Timeout, err = optionalProbability(raw.Primary.Timeout); err != nil {
		return n, fmt.Errorf("primary timeout: %w", err)
	}
	if n.SecondaryFailure, err = optionalProbability(raw.Secondary.Failure); err != nil {
		return n, fmt.Errorf("secondary failure: %w", err)
	}
	return n, nil
}

func optionalProbability(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return faults.ParseProbability(s)
}

// ValidateCatalog checks a parsed catalog for semantic correctness.
func ValidateCatalog(cat *Catalog) error {
	if len(cat.Products) == 0 {
		return fmt.Errorf("at least one product is required")
	}
	for _, p := range cat.Products {
		if !ProductIDPattern.MatchString(p.ID) {
			return fmt.Errorf("product %q: id must match %s", p.ID, ProductIDPattern)
		}
		if err := validateProduct(p); err != nil {
			return fmt.Errorf("product %q: %w", p.ID, err)
		}
	}
	if err := validateProduct(cat.Default); err != nil {
		return fmt.Errorf("default product: %w", err)
	}

	n := cat.Notification
	if n.VIPPrefix == "" {
		return fmt.Errorf("notification: vip_prefix is required")
	}
	if n.TotalFailure+n.Timeout > 1 {
		return fmt.Errorf("notification: total_failure and timeout together exceed 100%%")
	}
	return nil
}

func validateProduct(p Product) error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !p.UnitPrice.IsPositive() {
		return fmt.Errorf("price must be positive, got %s", p.UnitPrice)
	}
	if p.Stock < 0 {
		return fmt.Errorf("stock must not be negative, got %d", p.Stock)
	}
	for _, b := range p.Faults {
		if b.Name != BranchStockOut {
			return fmt.Errorf("unknown fault %q (supported: %s)", b.Name, BranchStockOut)
		}
	}
	return nil
}

// Lookup returns the product with id, or the default entry and false.
func (c *Catalog) Lookup(id string) (Product, bool) {
	i := slices.IndexFunc(c.Products, func(p Product) bool { return p.ID == id })
	if i < 0 {
		def := c.Default
		def.ID = id
		return def, false
	}
	return c.Products[i], true
}

// InventoryTable returns the per-product fault table keyed by product id.
func (c *Catalog) InventoryTable() faults.Table {
	t := faults.Table{
		Policies: make(map[string]faults.Policy, len(c.Products)),
		Default:  productPolicy(c.Default),
	}
	for _, p := range c.Products {
		t.Policies[p.ID] = productPolicy(p)
	}
	return t
}

func productPolicy(p Product) faults.Policy {
	return faults.Policy{
		Latency:  p.Latency,
		Stock:    p.Stock,
		Branches: p.Faults,
	}
}

// NotificationTable returns the channel fault table. Total failure is checked
// before the primary timeout and short-circuits it.
func (c *Catalog) NotificationTable() faults.Table {
	n := c.Notification
	return faults.Table{
		Policies: map[string]faults.Policy{
			KeyPrimary: {
				Latency: n.PrimaryLatency,
				Branches: []faults.Branch{
					{Name: BranchTotalFailure, Probability: n.TotalFailure},
					{Name: BranchTimeout, Probability: n.Timeout},
				},
				Exclusive: true,
			},
			KeyPrimaryTimeout: {Latency: n.TimeoutLatency},
			KeySecondary: {
				Latency:  n.SecondaryLatency,
				Branches: []faults.Branch{{Name: BranchFailure, Probability: n.SecondaryFailure}},
			},
		},
	}
}
