// Weighted request selection for load profiles
package loadgen

import (
	"encoding/json"
	"fmt"
	"maps"
	"math/rand/v2"
	"net/url"
	"slices"
	"sync"
)

// maxKnownIDs bounds the ring of created order ids reused by get requests.
const maxKnownIDs = 1024

// Request is one HTTP call chosen by a Generator.
type Request struct {
	Kind   string
	Method string
	Path   string
	Body   []byte
}

type choice struct {
	keys    []string
	weights []int
	total   int
}

func newChoice(weights map[string]int) choice {
	c := choice{keys: sortedKeys(weights)}
	c.weights = make([]int, len(c.keys))
	for i, k := range c.keys {
		c.weights[i] = max(weights[k], 0)
		c.total += c.weights[i]
	}
	return c
}

func (c choice) pick(rng *rand.Rand) string {
	if c.total == 0 {
		return ""
	}
	n := rng.IntN(c.total)
	for i, w := range c.weights {
		if n < w {
			return c.keys[i]
		}
		n -= w
	}
	return c.keys[len(c.keys)-1]
}

func sortedKeys(m map[string]int) []string {
	return slices.Sorted(maps.Keys(m))
}

// Generator draws requests from a profile. It is safe for concurrent use.
type Generator struct {
	mix       choice
	products  choice
	statuses  choice
	customers CustomerConfig
	quantity  QuantityRange

	mu    sync.Mutex
	rng   *rand.Rand
	known []string
	next  int
}

// NewGenerator builds a Generator for p using rng for every draw.
func NewGenerator(p Profile, rng *rand.Rand) *Generator {
	return &Generator{
		mix:       newChoice(p.Mix),
		products:  newChoice(p.Products),
		statuses:  newChoice(p.Statuses),
		customers: p.Customers,
		quantity:  p.Quantity,
		rng:       rng,
	}
}

// Next returns the next request. A get is sent as a create until an order id
// has been observed.
func (g *Generator) Next() Request {
	g.mu.Lock()
	defer g.mu.Unlock()

	kind := g.mix.pick(g.rng)
	if kind == KindGet && len(g.known) == 0 {
		kind = KindCreate
	}
	switch kind {
	case KindGet:
		id := g.known[g.rng.IntN(len(g.known))]
		return Request{Kind: KindGet, Method: "GET", Path: "/orders/" + url.PathEscape(id)}
	case KindList:
		path := "/orders"
		if st := g.statuses.pick(g.rng); st != "" {
			path += "?status=" + url.QueryEscape(st)
		}
		return Request{Kind: KindList, Method: "GET", Path: path}
	default:
		return Request{Kind: KindCreate, Method: "POST", Path: "/orders", Body: g.createBody()}
	}
}

func (g *Generator) createBody() []byte {
	body := map[string]any{
		"customerId": g.customer(),
		"productId":  g.products.pick(g.rng),
		"quantity":   g.quantity.Min + g.rng.IntN(g.quantity.Max-g.quantity.Min+1),
	}
	data, _ := json.Marshal(body)
	return data
}

func (g *Generator) customer() string {
	n := g.rng.IntN(max(g.customers.Count, 1))
	if n < g.customers.VIP {
		return fmt.Sprintf("%s%04d", g.customers.VIPPrefix, n+1)
	}
	return fmt.Sprintf("%s%04d", g.customers.Prefix, n+1)
}

// Observe records a created order id for later get requests.
func (g *Generator) Observe(orderID string) {
	if orderID == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.known) < maxKnownIDs {
		g.known = append(g.known, orderID)
		return
	}
	g.known[g.next] = orderID
	g.next = (g.next + 1) % maxKnownIDs
}
