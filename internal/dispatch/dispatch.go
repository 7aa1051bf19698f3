// Package dispatch fans released events out to subscriptions, each with its
// own bounded outbox. Metrics follow the package-level promauto.NewGaugeVec
// idiom used throughout beacon-chain/cache in the corpus this project draws
// its ambient stack from.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/timewave-computer/almanac/internal/chainstate"
	"github.com/timewave-computer/almanac/internal/event"
)

// DefaultOutboxCapacity is the bounded-outbox size New uses when it is
// given a capacity of zero or less.
const DefaultOutboxCapacity = 1024

var (
	outboxDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "almanac",
		Subsystem: "dispatch",
		Name:      "outbox_depth",
		Help:      "Current number of buffered events in a subscription's outbox.",
	}, []string{"subscription_id"})

	outboxDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "almanac",
		Subsystem: "dispatch",
		Name:      "outbox_dropped_total",
		Help:      "Events dropped from a subscription's outbox due to overflow (drop-oldest).",
	}, []string{"subscription_id"})

	subscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "almanac",
		Subsystem: "dispatch",
		Name:      "subscriptions_active",
		Help:      "Currently open subscriptions.",
	})
)

// Filter narrows a subscription to a subset of chains, event types, and a
// minimum finality gate.
type Filter struct {
	Chains      map[string]struct{} // empty matches every chain
	EventTypes  map[string]struct{} // empty matches every type
	MinFinality chainstate.Status
	ReorgNotices bool // if true, also receive ReorgNotice pseudo-events
}

// Matches reports whether ev, observed at blockStatus, passes filter.
func (f Filter) Matches(chain string, eventType string, blockStatus chainstate.Status) bool {
	if len(f.Chains) > 0 {
		if _, ok := f.Chains[chain]; !ok {
			return false
		}
	}
	if len(f.EventTypes) > 0 {
		if _, ok := f.EventTypes[eventType]; !ok {
			return false
		}
	}
	return blockStatus.GE(f.MinFinality)
}

// ReorgNotice is pushed to opted-in subscriptions when a chain rolls back.
type ReorgNotice struct {
	Chain        string
	ForkHeight   uint64
	NewCanonical string
}

// Delivery is what a subscription's outbox carries: exactly one of Event or
// Reorg is set.
type Delivery struct {
	Event *event.Event
	Reorg *ReorgNotice
}

// Subscription is a single outbox plus the filter that feeds it.
type Subscription struct {
	ID     string
	Filter Filter

	mu      sync.Mutex
	outbox  []Delivery
	closed  bool
	notify  chan struct{}
	dropped uint64
}

func newSubscription(id string, filter Filter) *Subscription {
	return &Subscription{ID: id, Filter: filter, notify: make(chan struct{}, 1)}
}

// push appends d to the outbox, dropping the oldest entry on overflow.
func (s *Subscription) push(d Delivery, capacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.outbox) >= capacity {
		s.outbox = s.outbox[1:]
		s.dropped++
		outboxDropped.WithLabelValues(s.ID).Inc()
	}
	s.outbox = append(s.outbox, d)
	outboxDepth.WithLabelValues(s.ID).Set(float64(len(s.outbox)))
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a delivery is available or the subscription closes, in
// which case ok is false.
func (s *Subscription) Next() (Delivery, bool) {
	for {
		s.mu.Lock()
		if len(s.outbox) > 0 {
			d := s.outbox[0]
			s.outbox = s.outbox[1:]
			outboxDepth.WithLabelValues(s.ID).Set(float64(len(s.outbox)))
			s.mu.Unlock()
			return d, true
		}
		if s.closed {
			s.mu.Unlock()
			return Delivery{}, false
		}
		s.mu.Unlock()
		<-s.notify
	}
}

// Dropped returns the overflow-drop counter for this subscription.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Depth returns the current outbox length.
func (s *Subscription) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox)
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.notify)
}

// Dispatcher maintains the subscription-id -> handle mapping and fans
// released events out to matching subscriptions.
type Dispatcher struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	capacity      int
}

// New creates a dispatcher whose subscriptions use capacity-sized bounded
// outboxes (DefaultOutboxCapacity if capacity <= 0).
func New(capacity int) *Dispatcher {
	if capacity <= 0 {
		capacity = DefaultOutboxCapacity
	}
	return &Dispatcher{subscriptions: make(map[string]*Subscription), capacity: capacity}
}

// Subscribe creates and registers a new subscription, returning its handle.
func (d *Dispatcher) Subscribe(filter Filter) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub := newSubscription(uuid.NewString(), filter)
	d.subscriptions[sub.ID] = sub
	subscriptionsActive.Inc()
	return sub
}

// Close removes a subscription atomically, waking any blocked Next call.
func (d *Dispatcher) Close(id string) error {
	d.mu.Lock()
	sub, ok := d.subscriptions[id]
	if ok {
		delete(d.subscriptions, id)
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("no subscription %s", id)
	}
	sub.close()
	subscriptionsActive.Dec()
	return nil
}

// Dispatch pushes ev onto every subscription whose filter matches.
func (d *Dispatcher) Dispatch(chain string, ev *event.Event, blockStatus chainstate.Status) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subscriptions {
		if sub.Filter.Matches(chain, ev.EventType, blockStatus) {
			sub.push(Delivery{Event: ev}, d.capacity)
		}
	}
}

// DispatchReorg pushes a ReorgNotice to every subscription opted into them
// for chain.
func (d *Dispatcher) DispatchReorg(notice ReorgNotice) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subscriptions {
		if !sub.Filter.ReorgNotices {
			continue
		}
		if len(sub.Filter.Chains) > 0 {
			if _, ok := sub.Filter.Chains[notice.Chain]; !ok {
				continue
			}
		}
		sub.push(Delivery{Reorg: &notice}, d.capacity)
	}
}

// Stats is the per-subscription snapshot exposed by the stats() query.
type Stats struct {
	SubscriptionID string
	OutboxDepth    int
	Dropped        uint64
}

// Stats returns a point-in-time snapshot of every open subscription.
func (d *Dispatcher) Stats() []Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Stats, 0, len(d.subscriptions))
	for _, sub := range d.subscriptions {
		out = append(out, Stats{SubscriptionID: sub.ID, OutboxDepth: sub.Depth(), Dropped: sub.Dropped()})
	}
	return out
}
