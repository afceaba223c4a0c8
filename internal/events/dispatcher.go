package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transition is one published job-state change. Delivery to subscribers is
// at-least-once; consumers must tolerate duplicates. Ordering is guaranteed
// per receipt, not across receipts.
type Transition struct {
	ReceiptID    uuid.UUID `json:"receiptId"`
	UserID       uuid.UUID `json:"userId"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	At           time.Time `json:"at"`
}

type subscriber struct {
	id     uint64
	userID uuid.UUID // uuid.Nil subscribes to every user
	ch     chan Transition
}

// Dispatcher fans transitions out to subscribers from a single goroutine,
// which is what preserves per-receipt ordering: everything published for one
// receipt passes through the same loop in publish order.
type Dispatcher struct {
	log *slog.Logger

	in chan Transition

	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	done chan struct{}
}

func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		log:  log,
		in:   make(chan Transition, 256),
		subs: make(map[uint64]*subscriber),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for t := range d.in {
		d.mu.Lock()
		for _, sub := range d.subs {
			if sub.userID != uuid.Nil && sub.userID != t.UserID {
				continue
			}
			select {
			case sub.ch <- t:
			default:
				// Subscriber buffer full. Dropping here keeps the pipeline
				// decoupled from slow consumers; they resynchronize from the
				// receipt's stored status.
				d.log.Warn("events.subscriber.dropped", "receipt_id", t.ReceiptID, "status", t.Status)
			}
		}
		d.mu.Unlock()
	}
}

// Publish enqueues a transition for fan-out. It never blocks the publisher
// longer than the internal buffer allows.
func (d *Dispatcher) Publish(t Transition) {
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}

	// The send stays under the mutex so Shutdown can never close the channel
	// while a publish is in flight. This cannot deadlock against the fan-out
	// loop: run() receives without the mutex, so a full buffer still drains.
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.in <- t
}

// Subscribe registers a consumer for one user's transitions (uuid.Nil for
// all users). The returned cancel func must be called when done.
func (d *Dispatcher) Subscribe(userID uuid.UUID) (<-chan Transition, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	sub := &subscriber{
		id:     d.nextID,
		userID: userID,
		ch:     make(chan Transition, 32),
	}
	d.subs[sub.id] = sub

	cancel := func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if _, ok := d.subs[sub.id]; ok {
			delete(d.subs, sub.id)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// Shutdown stops the fan-out loop after draining queued transitions.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.in)
	d.mu.Unlock()

	select {
	case <-d.done:
	case <-ctx.Done():
		d.log.Warn("events.shutdown.interrupted")
	}

	d.mu.Lock()
	for id, sub := range d.subs {
		delete(d.subs, id)
		close(sub.ch)
	}
	d.mu.Unlock()
}
