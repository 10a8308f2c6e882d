package orders_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/andrewh/ordertrace/pkg/catalog"
	"github.com/andrewh/ordertrace/pkg/faults"
	"github.com/andrewh/ordertrace/pkg/inventory"
	"github.com/andrewh/ordertrace/pkg/invoke"
	"github.com/andrewh/ordertrace/pkg/notification"
	"github.com/andrewh/ordertrace/pkg/orders"
	"github.com/andrewh/ordertrace/pkg/store"
	"github.com/andrewh/ordertrace/pkg/tracing"
	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"pgregory.net/rapid"
)

type harness struct {
	orch       *orders.Orchestrator
	query      *orders.Query
	store      *store.Memory
	registry   *invoke.Registry
	dispatcher *invoke.Dispatcher
	recorder   *tracing.Recorder
	spans      *tracetest.SpanRecorder
	logs       *logtest.Hook
	api        *tracing.Tracer
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	src        faults.Source
	queueSize  int
	workers    int
	skipNotify bool
}

func withSource(src faults.Source) harnessOption {
	return func(c *harnessConfig) { c.src = src }
}

func withoutNotification() harnessOption {
	return func(c *harnessConfig) { c.skipNotify = true }
}

func withQueue(workers, size int) harnessOption {
	return func(c *harnessConfig) { c.workers, c.queueSize = workers, size }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{src: faults.NewSeededSource(42, 0), queueSize: 64, workers: 2}
	for _, opt := range opts {
		opt(&cfg)
	}

	cat, err := catalog.Default()
	require.NoError(t, err)

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	rec := tracing.NewRecorder(tracing.DefaultRecorderCapacity)

	logger, hook := logtest.NewNullLogger()
	d := invoke.NewDispatcher(cfg.workers, cfg.queueSize, logger)
	t.Cleanup(func() { _ = d.Close(context.Background()) })

	reg := invoke.NewRegistry()
	inv := inventory.New(tracing.NewTracer(tp, "inventory", tracing.WithObservers(rec)), cat, cfg.src)
	inv.Simulator.Sleep = faults.NoSleep
	reg.Register(inventory.FunctionName, inv.Handle)
	if !cfg.skipNotify {
		notif := notification.New(tracing.NewTracer(tp, "notification", tracing.WithObservers(rec)), cat, cfg.src)
		notif.Simulator.Sleep = faults.NoSleep
		reg.Register(notification.FunctionName, notif.Handle)
	}

	mem := store.NewMemory()
	api := tracing.NewTracer(tp, "orders-api", tracing.WithObservers(rec))
	orch := orders.NewOrchestrator(api, invoke.NewLocalInvoker(reg, d), mem, logger)
	orch.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	q, err := orders.NewQuery(tracing.NewTracer(tp, "order-query", tracing.WithObservers(rec)), mem, 100)
	require.NoError(t, err)
	t.Cleanup(q.Close)

	return &harness{
		orch: orch, query: q, store: mem, registry: reg, dispatcher: d,
		recorder: rec, spans: sr, logs: hook, api: api,
	}
}

func (h *harness) create(t *testing.T, body string) (orders.Order, tracing.SpanRecord, error) {
	t.Helper()
	root := h.api.Start("CreateOrder", nil, trace.WithSpanKind(trace.SpanKindServer))
	order, err := h.orch.Create(context.Background(), root, []byte(body))
	root.Classify(err)
	require.NoError(t, root.End())
	return order, root.Record(), err
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, h.dispatcher.Close(context.Background()))
}

func (h *harness) span(name string) (tracing.SpanRecord, bool) {
	for _, r := range h.recorder.Records() {
		if r.Name == name {
			return r, true
		}
	}
	return tracing.SpanRecord{}, false
}

func annotation(t *testing.T, rec tracing.SpanRecord, key string) any {
	t.Helper()
	v, ok := rec.Annotation(key)
	require.True(t, ok, "%s has no %q annotation", rec.Name, key)
	return v
}

func TestCreateOrderEndToEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	order, root, err := h.create(t, `{"customerId":"CUST-0042","productId":"PROD-001","quantity":2}`)
	require.NoError(t, err)
	h.drain(t)

	assert.Equal(t, orders.StatusCreated, order.Status)
	assert.Equal(t, "159.98", order.TotalAmount.StringFixed(2))
	assert.NotEmpty(t, order.OrderID)

	body, err := json.Marshal(order)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.InDelta(t, 159.98, decoded["totalAmount"], 1e-9)
	assert.Equal(t, "CREATED", decoded["status"])

	stored, err := h.store.Get(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.OrderID, stored.OrderID)

	assert.Equal(t, order.OrderID, annotation(t, root, "orderId"))
	assert.Equal(t, "CUST-0042", annotation(t, root, "customerId"))
	assert.Equal(t, "PROD-001", annotation(t, root, "productId"))
	assert.Equal(t, "CREATED", annotation(t, root, "orderStatus"))
	assert.False(t, root.Error || root.Fault || root.Throttle)

	// inventory spans join the order trace; notification is linked, not nested
	check, ok := h.span("inventory.CheckStock")
	require.True(t, ok)
	assert.Equal(t, root.TraceID, check.TraceID)
	send, ok := h.span("notification.Send")
	require.True(t, ok)
	assert.NotEqual(t, root.TraceID, send.TraceID)
	assert.Equal(t, root.TraceID, send.LinkedTraceID)
}

func TestEverySpanClosedExactlyOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	bodies := []string{
		`{"customerId":"VIP-0001","productId":"PROD-002","quantity":1}`,
		`{"productId":"PROD-004"}`,
		`{"quantity":0}`,
		`not json`,
		`{"productId":"PROD-003","quantity":5}`,
		``,
	}
	for _, b := range bodies {
		_, _, _ = h.create(t, b)
	}
	h.drain(t)

	assert.Equal(t, len(h.spans.Started()), len(h.spans.Ended()))
	ids := make(map[string]tracing.SpanRecord)
	for _, r := range h.recorder.Records() {
		_, dup := ids[r.SpanID]
		assert.False(t, dup, "span %s observed twice", r.Name)
		ids[r.SpanID] = r
		assert.False(t, r.End.Before(r.Start), r.Name)
	}
	for _, r := range ids {
		if r.ParentSpanID == "" {
			continue
		}
		parent, ok := ids[r.ParentSpanID]
		require.True(t, ok, "%s has unknown parent", r.Name)
		assert.Equal(t, parent.TraceID, r.TraceID)
	}
}

func TestCreateOutOfStockIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, root, err := h.create(t, `{"productId":"PROD-004","quantity":1}`)
	h.drain(t)

	var oe *orders.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, orders.KindRejected, oe.Kind)
	assert.Equal(t, 409, oe.HTTPStatus())
	assert.Equal(t, "PROD-004", oe.Details["productId"])
	assert.Equal(t, 1, oe.Details["requestedQty"])
	assert.Equal(t, 0, oe.Details["availableQty"])

	assert.Zero(t, h.store.Writes())
	assert.Equal(t, "OUT_OF_STOCK", annotation(t, root, "orderStatus"))
	assert.False(t, root.Error || root.Fault, "rejections are expected outcomes")

	check, ok := h.span("CheckInventory")
	require.True(t, ok)
	assert.False(t, check.Error || check.Fault)
	_, persisted := h.span("PersistOrder")
	assert.False(t, persisted)
}

func TestCreateInvalidInputMakesNoCalls(t *testing.T) {
	t.Parallel()

	cases := []string{
		`{"quantity":0}`,
		`{"quantity":101}`,
		`{"quantity":2.5}`,
		`{"quantity":"two"}`,
		`{"quantity":"5"}`,
		`null`,
		`{"productId":"SKU-1"}`,
		`{"productId":"PROD-1234"}`,
		`{"customerId":""}`,
		`[1,2]`,
		`{`,
	}
	for _, body := range cases {
		t.Run(body, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			_, root, err := h.create(t, body)
			h.drain(t)

			var oe *orders.Error
			require.ErrorAs(t, err, &oe)
			assert.Equal(t, orders.KindClient, oe.Kind)
			assert.Equal(t, 400, oe.HTTPStatus())
			assert.Zero(t, h.store.Writes())
			assert.True(t, root.Error)
			assert.False(t, root.Fault)

			_, called := h.span("CheckInventory")
			assert.False(t, called)
			validate, ok := h.span("ValidateInput")
			require.True(t, ok)
			assert.True(t, validate.Error)
		})
	}
}

func TestCreateQuantityOutOfRangeProperty(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rapid.Check(t, func(rt *rapid.T) {
		q := rapid.OneOf(rapid.IntRange(-1000, 0), rapid.IntRange(101, 100000)).Draw(rt, "quantity")
		_, _, err := h.create(t, fmt.Sprintf(`{"quantity":%d}`, q))
		if orders.AsError(err).Kind != orders.KindClient {
			rt.Fatalf("quantity %d accepted: %v", q, err)
		}
	})
	h.drain(t)
	assert.Zero(t, h.store.Writes())
}

func TestCreateTotalIsRoundedProduct(t *testing.T) {
	t.Parallel()

	cat, err := catalog.Default()
	require.NoError(t, err)
	h := newHarness(t)

	rapid.Check(t, func(rt *rapid.T) {
		product := rapid.SampledFrom([]string{"PROD-001", "PROD-002", "PROD-005"}).Draw(rt, "product")
		qty := rapid.IntRange(1, 50).Draw(rt, "quantity")

		order, _, err := h.create(t, fmt.Sprintf(`{"productId":%q,"quantity":%d}`, product, qty))
		if err != nil {
			rt.Fatalf("create failed: %v", err)
		}
		p, _ := cat.Lookup(product)
		want := p.UnitPrice.Mul(decimal.NewFromInt(int64(qty))).Round(2)
		if !order.TotalAmount.Equal(want) {
			rt.Fatalf("total %s, want %s", order.TotalAmount, want)
		}
	})
}

func TestCreateDefaultsApply(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	order, _, err := h.create(t, ``)
	require.NoError(t, err)
	assert.Equal(t, orders.DefaultCustomerID, order.CustomerID)
	assert.Equal(t, orders.DefaultProductID, order.ProductID)
	assert.Equal(t, orders.DefaultQuantity, order.Quantity)
}

func TestCreateDuplicateIDNeverOverwrites(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.orch.NewID = func() string { return "fixed-id" }

	first, _, err := h.create(t, `{"customerId":"CUST-0001","quantity":1}`)
	require.NoError(t, err)

	_, root, err := h.create(t, `{"customerId":"CUST-0002","quantity":3}`)
	var oe *orders.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, orders.KindPersistence, oe.Kind)
	assert.Equal(t, 500, oe.HTTPStatus())
	assert.ErrorIs(t, err, orders.ErrOrderExists)
	assert.True(t, root.Fault)

	stored, err := h.store.Get(context.Background(), "fixed-id")
	require.NoError(t, err)
	assert.Equal(t, first.CustomerID, stored.CustomerID)
	assert.Equal(t, 1, stored.Quantity)
	assert.Equal(t, 1, h.store.Writes())
}

func TestCreateInventoryUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.registry.Register(inventory.FunctionName, func(context.Context, invoke.Invocation) ([]byte, error) {
		return nil, errors.New("connection reset")
	})

	_, root, err := h.create(t, `{"quantity":1}`)
	var oe *orders.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, orders.KindUnavailable, oe.Kind)
	assert.Equal(t, 503, oe.HTTPStatus())
	assert.NotContains(t, oe.Message, "connection reset")
	assert.Zero(t, h.store.Writes())
	assert.True(t, root.Fault)

	check, ok := h.span("CheckInventory")
	require.True(t, ok)
	assert.True(t, check.Fault)
}

func TestCreateDispatchFailureIsNotSurfaced(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withoutNotification())
	order, root, err := h.create(t, `{"quantity":1}`)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCreated, order.Status)
	assert.Equal(t, 1, h.store.Writes())
	assert.False(t, root.Error || root.Fault)

	dispatch, ok := h.span("DispatchNotification")
	require.True(t, ok)
	assert.Equal(t, "dispatch_failed", annotation(t, dispatch, "result"))
	assert.Equal(t, "producer", dispatch.Kind)

	entry := h.logs.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "notification not dispatched", entry.Message)
	assert.Equal(t, order.OrderID, entry.Data["orderId"])
}

func TestCreateDispatchQueueFullThrottles(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withQueue(1, 1))
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, h.dispatcher.Submit(invoke.Job{Name: "block", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	// the single worker is busy, so one more job fills the queue
	require.NoError(t, h.dispatcher.Submit(invoke.Job{Name: "filler", Run: func(context.Context) error { return nil }}))

	order, _, err := h.create(t, `{"quantity":1}`)
	require.NoError(t, err)
	close(release)
	h.drain(t)

	dispatch, ok := h.span("DispatchNotification")
	require.True(t, ok)
	assert.True(t, dispatch.Throttle)
	assert.False(t, dispatch.Fault)
	assert.Equal(t, true, h.logs.LastEntry().Data["throttle"])
	_, err = h.store.Get(context.Background(), order.OrderID)
	assert.NoError(t, err)
}

func TestQueryGetCachesAndMisses(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	order, _, err := h.create(t, `{"quantity":1}`)
	require.NoError(t, err)
	h.drain(t)

	for _, want := range []string{"miss", "hit"} {
		root := h.api.Start("GetOrder-root", nil)
		got, err := h.query.Get(context.Background(), root, order.OrderID)
		require.NoError(t, err)
		require.NoError(t, root.End())
		assert.Equal(t, order.OrderID, got.OrderID)

		recent := h.recorder.Recent(2)
		require.Equal(t, "GetOrder", recent[1].Name)
		assert.Equal(t, want, annotation(t, recent[1], "result"))
	}
}

func TestQueryGetNotFound(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	root := h.api.Start("root", nil)
	_, err := h.query.Get(context.Background(), root, "no-such-order")
	require.NoError(t, root.End())

	var oe *orders.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, orders.KindNotFound, oe.Kind)
	assert.Equal(t, 404, oe.HTTPStatus())

	get, ok := h.span("GetOrder")
	require.True(t, ok)
	assert.Equal(t, "not_found", annotation(t, get, "result"))
	assert.False(t, get.Error || get.Fault)
}

func seed(t *testing.T, s *store.Memory, n int, status orders.Status) {
	t.Helper()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range n {
		require.NoError(t, s.Create(context.Background(), orders.Order{
			OrderID:   fmt.Sprintf("%s-%03d", status, i),
			ProductID: "PROD-001",
			Quantity:  1,
			Status:    status,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
}

func TestQueryListFilteredNewestFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	seed(t, h.store, 5, orders.StatusCreated)
	seed(t, h.store, 3, orders.StatusFailed)

	root := h.api.Start("root", nil)
	got, err := h.query.List(context.Background(), root, "FAILED", 0)
	require.NoError(t, err)
	require.NoError(t, root.End())

	require.Len(t, got, 3)
	for i, o := range got {
		assert.Equal(t, orders.StatusFailed, o.Status)
		if i > 0 {
			assert.False(t, o.CreatedAt.After(got[i-1].CreatedAt))
		}
	}
	list, ok := h.span("ListOrders")
	require.True(t, ok)
	assert.Equal(t, 3, annotation(t, list, "result"))
	assert.Equal(t, "index", annotation(t, list, "accessPath"))
}

func TestQueryListUnfilteredSortsScan(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	seed(t, h.store, 10, orders.StatusCreated)
	seed(t, h.store, 10, orders.StatusPending)

	root := h.api.Start("root", nil)
	got, err := h.query.List(context.Background(), root, "", 50)
	require.NoError(t, err)
	require.NoError(t, root.End())

	require.Len(t, got, 20)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].CreatedAt.After(got[i-1].CreatedAt), "position %d out of order", i)
	}
	list, _ := h.span("ListOrders")
	assert.Equal(t, "scan", annotation(t, list, "accessPath"))
}

func TestQueryListClampsLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	seed(t, h.store, 60, orders.StatusCreated)

	root := h.api.Start("root", nil)
	defer func() { _ = root.End() }()

	got, err := h.query.List(context.Background(), root, "CREATED", 500)
	require.NoError(t, err)
	assert.Len(t, got, orders.MaxListLimit)

	got, err = h.query.List(context.Background(), root, "", 500)
	require.NoError(t, err)
	assert.Len(t, got, orders.MaxListLimit)

	got, err = h.query.List(context.Background(), root, "", 0)
	require.NoError(t, err)
	assert.Len(t, got, orders.DefaultListLimit)
}

func TestQueryListUnknownStatusIsEmpty(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	root := h.api.Start("root", nil)
	defer func() { _ = root.End() }()

	seed(t, h.store, 3, orders.StatusCreated)

	for _, status := range []string{"SHIPPED", "created", "PENDING"} {
		got, err := h.query.List(context.Background(), root, status, 10)
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got, status)
	}
}
