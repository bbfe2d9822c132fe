// Package notification delivers booking notifications after the booking
// transaction has committed. Delivery is asynchronous: Notify only enqueues,
// and a failed or dropped message never reaches the caller.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event names a notification trigger.
type Event string

const (
	EventConfirmationRequested Event = "confirmation_requested"
	EventBookingCancelled      Event = "booking_cancelled"
	EventCheckedIn             Event = "checked_in"
)

// Message is one rendered notification handed to a Sink.
type Message struct {
	ID        string            `json:"id"`
	Event     Event             `json:"event"`
	Recipient string            `json:"recipient"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	Attempts  int               `json:"attempts"`
	CreatedAt time.Time         `json:"created_at"`
}

// Sink delivers a rendered message to the outside world.
type Sink interface {
	Deliver(ctx context.Context, m *Message) error
}

// Notifier is the fire-and-forget entry point used by domain services.
type Notifier interface {
	Notify(ctx context.Context, event Event, data map[string]string)
}

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

// Template renders {{key}} placeholders from the message data.
type Template struct {
	Event   Event
	Subject string
	Body    string
}

// TemplateEngine holds one template per event.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[Event]Template
}

// NewTemplateEngine returns an engine with the booking templates registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[Event]Template)}
	for _, t := range []Template{
		{
			Event:   EventConfirmationRequested,
			Subject: "Please confirm your appointment on {{date}}",
			Body:    "Your appointment on {{date}} at {{time}} is on hold. Confirm it with code {{token}} within {{hold_minutes}} minutes or it will be released.",
		},
		{
			Event:   EventBookingCancelled,
			Subject: "Appointment on {{date}} cancelled",
			Body:    "Your appointment on {{date}} at {{time}} has been cancelled. Reason: {{reason}}.",
		},
		{
			Event:   EventCheckedIn,
			Subject: "Checked in",
			Body:    "Patient {{patient_id}} checked in for the {{time}} appointment on {{date}}.",
		},
	} {
		e.templates[t.Event] = t
	}
	return e
}

// Register adds or replaces the template for t.Event.
func (e *TemplateEngine) Register(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.Event] = t
}

// Render fills the event's template. Placeholders without data stay as-is.
func (e *TemplateEngine) Render(event Event, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[event]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("no template for event %q", event)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// Stats counts dispatcher outcomes since start.
type Stats struct {
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

// Dispatcher queues notifications and delivers them from a background
// worker with bounded retries.
type Dispatcher struct {
	sink        Sink
	templates   *TemplateEngine
	logger      zerolog.Logger
	queue       chan *Message
	maxAttempts int
	backoff     time.Duration

	sent, failed, dropped atomic.Int64
	wg                    sync.WaitGroup
	closeOnce             sync.Once
}

type Option func(*Dispatcher)

func WithQueueSize(n int) Option { return func(d *Dispatcher) { d.queue = make(chan *Message, n) } }

func WithMaxAttempts(n int) Option { return func(d *Dispatcher) { d.maxAttempts = n } }

func WithBackoff(b time.Duration) Option { return func(d *Dispatcher) { d.backoff = b } }

func NewDispatcher(sink Sink, tpl *TemplateEngine, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sink:        sink,
		templates:   tpl,
		logger:      logger.With().Str("component", "notification").Logger(),
		queue:       make(chan *Message, 256),
		maxAttempts: 3,
		backoff:     500 * time.Millisecond,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Notify renders and enqueues a message. It never blocks: when the queue is
// full the message is dropped and logged.
func (d *Dispatcher) Notify(_ context.Context, event Event, data map[string]string) {
	subject, body, err := d.templates.Render(event, data)
	if err != nil {
		d.failed.Add(1)
		d.logger.Error().Err(err).Str("event", string(event)).Msg("render notification")
		return
	}
	m := &Message{
		ID:        uuid.New().String(),
		Event:     event,
		Recipient: data["patient_id"],
		Subject:   subject,
		Body:      body,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	select {
	case d.queue <- m:
	default:
		d.dropped.Add(1)
		d.logger.Warn().Str("event", string(event)).Str("message_id", m.ID).Msg("notification queue full, dropping")
	}
}

// Start runs the delivery worker until ctx is cancelled or Close is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-d.queue:
				if !ok {
					return
				}
				d.deliver(ctx, m)
			}
		}
	}()
}

// Close stops accepting work, drains what is queued and waits for the
// worker. Notify must not be called after Close.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.queue) })
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, m *Message) {
	for m.Attempts < d.maxAttempts {
		m.Attempts++
		err := d.sink.Deliver(ctx, m)
		if err == nil {
			d.sent.Add(1)
			d.logger.Debug().Str("event", string(m.Event)).Str("message_id", m.ID).Msg("notification delivered")
			return
		}
		d.logger.Warn().Err(err).Str("event", string(m.Event)).Int("attempt", m.Attempts).Msg("notification delivery failed")
		if m.Attempts < d.maxAttempts {
			select {
			case <-ctx.Done():
				d.failed.Add(1)
				return
			case <-time.After(time.Duration(m.Attempts) * d.backoff):
			}
		}
	}
	d.failed.Add(1)
	d.logger.Error().Str("event", string(m.Event)).Str("message_id", m.ID).Msg("notification abandoned")
}

func (d *Dispatcher) Stats() Stats {
	return Stats{Sent: d.sent.Load(), Failed: d.failed.Load(), Dropped: d.dropped.Load()}
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Event, map[string]string) {}
