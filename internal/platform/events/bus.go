// Package events carries the domain events emitted by the lab workflow.
// Events are dispatched asynchronously so that slow listeners (notification
// delivery, downstream webhooks) never block a state transition.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types emitted by the lab workflow.
const (
	TypeOrderStatusChanged     = "order.status_changed"
	TypeReportVerified         = "report.verified"
	TypeAbnormalResultDetected = "result.abnormal_detected"
)

// Event describes a single lab workflow occurrence. Payload fields are set
// according to Type; unused fields stay zero.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       string    `json:"type"`
	Tenant     string    `json:"tenant"`
	OccurredAt time.Time `json:"occurred_at"`

	// Order and report context
	OrderID    uuid.UUID  `json:"order_id,omitempty"`
	ReportID   *uuid.UUID `json:"report_id,omitempty"`
	PatientRef string     `json:"patient_ref,omitempty"`

	// order.status_changed
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status,omitempty"`
	Reason     string `json:"reason,omitempty"`

	// report.verified
	VerifiedByRef string `json:"verified_by_ref,omitempty"`

	// result.abnormal_detected
	TestCode     string `json:"test_code,omitempty"`
	Result       string `json:"result,omitempty"`
	AbnormalFlag string `json:"abnormal_flag,omitempty"`

	ActorRef string `json:"actor_ref,omitempty"`
}

// Listener receives dispatched events. Implementations must be safe for
// concurrent use; the bus calls each listener from its dispatch goroutine.
type Listener interface {
	OnEvent(ctx context.Context, event Event)
}

// ListenerFunc is a function adapter for Listener.
type ListenerFunc func(ctx context.Context, event Event)

func (f ListenerFunc) OnEvent(ctx context.Context, event Event) {
	f(ctx, event)
}

// Bus fans events out to registered listeners from a background goroutine.
// Publish never blocks the caller: if the buffer is full the event is dropped
// and logged, which keeps verification and state transitions responsive under
// listener backpressure.
type Bus struct {
	logger zerolog.Logger
	ch     chan Event

	mu        sync.RWMutex
	listeners []Listener
}

const defaultBufferSize = 256

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		logger: logger,
		ch:     make(chan Event, defaultBufferSize),
	}
}

// Subscribe registers a listener. Safe to call after Start.
func (b *Bus) Subscribe(l Listener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// Publish enqueues an event for asynchronous dispatch. Missing ID and
// OccurredAt fields are filled in.
func (b *Bus) Publish(event Event) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	select {
	case b.ch <- event:
	default:
		b.logger.Warn().
			Str("event_type", event.Type).
			Str("order_id", event.OrderID.String()).
			Msg("event buffer full, dropping event")
	}
}

// Start runs the dispatch loop. It blocks until ctx is cancelled, draining
// any events already buffered before returning.
func (b *Bus) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case event := <-b.ch:
					b.dispatch(ctx, event)
				default:
					return
				}
			}
		case event := <-b.ch:
			b.dispatch(ctx, event)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, event Event) {
	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error().
						Str("event_type", event.Type).
						Interface("panic", r).
						Msg("event listener panicked")
				}
			}()
			l.OnEvent(ctx, event)
		}()
	}
}
