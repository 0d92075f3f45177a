// Package events fans claim and payment lifecycle events out to
// realtime clients and downstream notification services.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/mbd888/stableflow/internal/expense"
	"github.com/mbd888/stableflow/internal/idgen"
	"github.com/mbd888/stableflow/internal/payment"
)

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stableflow",
		Subsystem: "events",
		Name:      "emit_total",
		Help:      "Total events emitted by type.",
	}, []string{"event_type"})

	publishErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stableflow",
		Subsystem: "events",
		Name:      "publish_errors_total",
		Help:      "Total sink publish failures by event type and sink.",
	}, []string{"event_type", "sink"})

	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stableflow",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped because the emit queue was full.",
	})
)

func init() {
	prometheus.MustRegister(emitTotal, publishErrors, droppedTotal)
}

// Type names an event. It doubles as the AMQP routing key.
type Type string

const (
	ClaimSubmitted    Type = "claim.submitted"
	ClaimTransitioned Type = "claim.transitioned"
	PaymentSettled    Type = "payment.settled"
	PaymentFailed     Type = "payment.failed"
)

// Event is one lifecycle change.
type Event struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	ClaimID    string          `json:"claimId"`
	EmployeeID string          `json:"employeeId"`
	Status     expense.Status  `json:"status,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Data       map[string]any  `json:"data,omitempty"`
}

// Sink receives emitted events.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e *Event) error
}

const (
	queueSize      = 1024
	publishTimeout = 10 * time.Second
)

// Emitter turns lifecycle callbacks into events and hands them to every
// sink from a single goroutine. Callbacks never block: when the queue is
// full the event is dropped and counted.
type Emitter struct {
	sinks  []Sink
	queue  chan *Event
	logger *slog.Logger
	now    func() time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// NewEmitter creates an emitter. Call Run to start delivery.
func NewEmitter(logger *slog.Logger, sinks ...Sink) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		sinks:  sinks,
		queue:  make(chan *Event, queueSize),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		closed: make(chan struct{}),
	}
}

// AddSink registers another sink. Call before Run.
func (e *Emitter) AddSink(s Sink) {
	e.sinks = append(e.sinks, s)
}

// Run delivers queued events until ctx is done or Close is called.
// Events still queued at that point are delivered before returning.
func (e *Emitter) Run(ctx context.Context) {
	for {
		select {
		case ev := <-e.queue:
			e.deliver(ev)
		case <-ctx.Done():
			e.drain()
			return
		case <-e.closed:
			e.drain()
			return
		}
	}
}

// Close stops Run.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() { close(e.closed) })
}

func (e *Emitter) drain() {
	for {
		select {
		case ev := <-e.queue:
			e.deliver(ev)
		default:
			return
		}
	}
}

func (e *Emitter) deliver(ev *Event) {
	for _, s := range e.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := s.Publish(ctx, ev)
		cancel()
		if err != nil {
			publishErrors.WithLabelValues(string(ev.Type), s.Name()).Inc()
			e.logger.Warn("event publish failed",
				"event", ev.Type, "event_id", ev.ID, "sink", s.Name(), "error", err)
		}
	}
}

func (e *Emitter) emit(ev *Event) {
	if e == nil {
		return
	}
	ev.ID = idgen.WithPrefix("evt_")
	ev.Timestamp = e.now()
	emitTotal.WithLabelValues(string(ev.Type)).Inc()
	select {
	case e.queue <- ev:
	default:
		droppedTotal.Inc()
		e.logger.Warn("event queue full, dropping event", "event", ev.Type, "claim_id", ev.ClaimID)
	}
}

// ClaimSubmitted implements expense.Notifier.
func (e *Emitter) ClaimSubmitted(c *expense.Claim) {
	e.emit(&Event{
		Type:       ClaimSubmitted,
		ClaimID:    c.ID,
		EmployeeID: c.OwnerID,
		Status:     c.Status,
		Amount:     c.Amount,
		Data: map[string]any{
			"title":    c.Title,
			"category": c.Category,
		},
	})
}

// ClaimTransitioned implements expense.Notifier.
func (e *Emitter) ClaimTransitioned(c *expense.Claim, from expense.Status) {
	data := map[string]any{
		"from":        from,
		"processedBy": c.ProcessedBy,
	}
	if c.RejectionReason != "" {
		data["reason"] = c.RejectionReason
	}
	if c.PaymentRef != "" {
		data["paymentRef"] = c.PaymentRef
	}
	e.emit(&Event{
		Type:       ClaimTransitioned,
		ClaimID:    c.ID,
		EmployeeID: c.OwnerID,
		Status:     c.Status,
		Amount:     c.Amount,
		Data:       data,
	})
}

// PaymentSettled implements payment.Notifier.
func (e *Emitter) PaymentSettled(r *payment.Record) {
	e.emit(paymentEvent(PaymentSettled, r))
}

// PaymentFailed implements payment.Notifier.
func (e *Emitter) PaymentFailed(r *payment.Record) {
	ev := paymentEvent(PaymentFailed, r)
	ev.Data["error"] = r.Error
	e.emit(ev)
}

func paymentEvent(t Type, r *payment.Record) *Event {
	data := map[string]any{
		"paymentId":     r.ID,
		"walletAddress": r.WalletAddress,
		"outcome":       r.Outcome,
	}
	if r.TransferRef != "" {
		data["transferRef"] = r.TransferRef
		data["explorerUrl"] = r.ExplorerURL
	}
	return &Event{
		Type:       t,
		ClaimID:    r.ClaimID,
		EmployeeID: r.EmployeeID,
		Amount:     r.Amount,
		Data:       data,
	}
}

var (
	_ expense.Notifier = (*Emitter)(nil)
	_ payment.Notifier = (*Emitter)(nil)
)
