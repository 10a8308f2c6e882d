// Notification service: simulated email and VIP SMS delivery for created orders
// Invoked asynchronously; its trace is linked to the order trace rather than nested in it
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/andrewh/ordertrace/pkg/catalog"
	"github.com/andrewh/ordertrace/pkg/faults"
	"github.com/andrewh/ordertrace/pkg/invoke"
	"github.com/andrewh/ordertrace/pkg/tracing"
	"go.opentelemetry.io/otel/trace"
)

// FunctionName is the name the service is registered under.
const FunctionName = "notification"

// ErrTotalFailure is returned when the whole service fails before any channel is tried.
var ErrTotalFailure = errors.New("notification service failure")

// Request identifies the order to notify about.
type Request struct {
	OrderID    string          `json:"orderId"`
	CustomerID string          `json:"customerId"`
	Order      json.RawMessage `json:"order,omitempty"`
}

// Status summarises delivery across channels.
type Status string

// Delivery statuses.
const (
	StatusOK      Status = "OK"
	StatusPartial Status = "PARTIAL"
)

// Result reports which channels delivered.
type Result struct {
	Status    Status `json:"status"`
	EmailSent bool   `json:"emailSent"`
	SMSSent   bool   `json:"smsSent"`
}

// channelFailure marks a channel span as errored without failing the invocation.
type channelFailure struct {
	channel string
	reason  string
}

func (c channelFailure) Error() string          { return c.channel + " " + c.reason }
func (channelFailure) Outcome() tracing.Outcome { return tracing.OutcomeError }

// Service delivers order notifications.
type Service struct {
	Tracer    *tracing.Tracer
	Simulator *faults.Simulator
	VIPPrefix string
}

// New creates a Service using the catalog's notification policy.
func New(tr *tracing.Tracer, cat *catalog.Catalog, src faults.Source) *Service {
	return &Service{
		Tracer:    tr,
		Simulator: faults.New(cat.NotificationTable(), src),
		VIPPrefix: cat.Notification.VIPPrefix,
	}
}

// IsVIP reports whether customerID qualifies for the secondary channel.
func (s *Service) IsVIP(customerID string) bool {
	return s.VIPPrefix != "" && strings.HasPrefix(customerID, s.VIPPrefix)
}

// Handle is the function entry point. It roots a new trace linked to the
// dispatching span carried by inv.
func (s *Service) Handle(ctx context.Context, inv invoke.Invocation) ([]byte, error) {
	var res Result
	err := s.Tracer.DoLinked("notification.Send", inv.Carrier, func(span *tracing.Span) error {
		var req Request
		if err := json.Unmarshal(inv.Payload, &req); err != nil {
			return fmt.Errorf("decoding notification request: %w", err)
		}
		var err error
		res, err = s.Send(ctx, span, req)
		return err
	}, trace.WithSpanKind(trace.SpanKindConsumer))
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

// Send attempts the primary channel and, for VIP customers, the secondary one.
// Only a total failure or an interrupted wait is returned as an error.
func (s *Service) Send(ctx context.Context, span *tracing.Span, req Request) (Result, error) {
	span.Annotate("orderId", req.OrderID)
	span.Annotate("customerId", req.CustomerID)
	vip := s.IsVIP(req.CustomerID)
	span.Annotate("vip", vip)
	if len(req.Order) > 0 {
		span.AddMetadata("order", req.Order)
	}

	primary := s.Simulator.Simulate(catalog.KeyPrimary)
	if primary.Has(catalog.BranchTotalFailure) {
		span.Annotate("scenario", catalog.BranchTotalFailure)
		return Result{}, fmt.Errorf("order %s: %w", req.OrderID, ErrTotalFailure)
	}

	var res Result
	err := s.Tracer.Do("Channel.Email", span, func(ch *tracing.Span) error {
		ch.Annotate("channel", "email")
		if primary.Has(catalog.BranchTimeout) {
			delay := s.Simulator.Simulate(catalog.KeyPrimaryTimeout).Delay
			ch.Annotate("scenario", catalog.BranchTimeout)
			if err := s.Simulator.Wait(ctx, delay); err != nil {
				return err
			}
			ch.Annotate("result", "timeout")
			return channelFailure{channel: "email", reason: "timed out"}
		}
		if err := s.Simulator.Wait(ctx, primary.Delay); err != nil {
			return err
		}
		ch.Annotate("result", "sent")
		res.EmailSent = true
		return nil
	})
	if err := unlessChannelFailure(err); err != nil {
		return Result{}, err
	}

	if vip {
		err := s.Tracer.Do("Channel.SMS", span, func(ch *tracing.Span) error {
			ch.Annotate("channel", "sms")
			out := s.Simulator.Simulate(catalog.KeySecondary)
			if err := s.Simulator.Wait(ctx, out.Delay); err != nil {
				return err
			}
			if out.Has(catalog.BranchFailure) {
				ch.Annotate("result", "failed")
				return channelFailure{channel: "sms", reason: "delivery failed"}
			}
			ch.Annotate("result", "sent")
			res.SMSSent = true
			return nil
		})
		if err := unlessChannelFailure(err); err != nil {
			return Result{}, err
		}
	}

	res.Status = StatusOK
	if !res.EmailSent {
		res.Status = StatusPartial
	}
	span.Annotate("result", string(res.Status))
	span.Annotate("emailSent", res.EmailSent)
	span.Annotate("smsSent", res.SMSSent)
	span.Annotate("scenario", primary.Scenario())
	return res, nil
}

func unlessChannelFailure(err error) error {
	var cf channelFailure
	if errors.As(err, &cf) {
		return nil
	}
	return err
}
