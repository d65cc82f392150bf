// Package ipc exposes the service to companion processes: an in-memory
// event broker, the command set, a WebSocket endpoint on a unix socket,
// and a D-Bus object.
package ipc

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"kdeconnect-service/models"
)

const (
	brokerInputSize        = 256
	defaultSubscriberQueue = 64
)

// Filter narrows a subscription. Empty fields match everything.
type Filter struct {
	Kinds       []models.EventKind `json:"kinds,omitempty"`
	PacketTypes []string           `json:"packet_types,omitempty"`
	DeviceID    string             `json:"device_id,omitempty"`
}

// Match reports whether event passes the filter.
func (f Filter) Match(event models.Event) bool {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, event.Kind) {
		return false
	}
	if len(f.PacketTypes) > 0 && event.PacketType != "" && !slices.Contains(f.PacketTypes, event.PacketType) {
		return false
	}
	if f.DeviceID != "" && event.DeviceID != "" && event.DeviceID != f.DeviceID {
		return false
	}
	return true
}

// Subscription receives matching events on C until Close.
type Subscription struct {
	C <-chan models.Event

	ch      chan models.Event
	broker  *Broker
	dropped atomic.Int64

	mu     sync.Mutex
	filter Filter
	closed bool
}

// SetFilter replaces the subscription's filter.
func (s *Subscription) SetFilter(filter Filter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = filter
}

// Dropped counts events discarded because the subscriber fell behind.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.broker.remove(s)
}

func (s *Subscription) deliver(event models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.filter.Match(event) {
		return
	}
	select {
	case s.ch <- event:
	default:
		s.dropped.Add(1)
	}
}

// Broker fans events out to subscribers. Publish never blocks; events that
// arrive while the input queue is full are counted and discarded.
type Broker struct {
	log   zerolog.Logger
	input chan models.Event
	done  chan struct{}
	wg    sync.WaitGroup

	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	dropped   atomic.Int64
	closeOnce sync.Once
}

// NewBroker starts the fan-out goroutine.
func NewBroker(log zerolog.Logger) *Broker {
	b := &Broker{
		log:   log.With().Str("component", "ipc_broker").Logger(),
		input: make(chan models.Event, brokerInputSize),
		done:  make(chan struct{}),
		subs:  make(map[*Subscription]struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Publish queues event for every subscriber.
func (b *Broker) Publish(event models.Event) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.input <- event:
	default:
		if b.dropped.Add(1)%100 == 1 {
			b.log.Warn().Str("kind", string(event.Kind)).Int64("dropped", b.dropped.Load()).Msg("broker input full, dropping events")
		}
	}
}

// Subscribe registers a subscriber with its own bounded queue.
func (b *Broker) Subscribe(filter Filter) *Subscription {
	ch := make(chan models.Event, defaultSubscriberQueue)
	sub := &Subscription{C: ch, ch: ch, broker: b, filter: filter}

	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.done:
		sub.closed = true
		close(ch)
	default:
		b.subs[sub] = struct{}{}
	}
	return sub
}

// Dropped counts events discarded at the broker input.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops fan-out and closes every subscription.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()

		b.mu.Lock()
		subs := b.subs
		b.subs = make(map[*Subscription]struct{})
		b.mu.Unlock()
		for sub := range subs {
			sub.close()
		}
	})
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (b *Broker) run() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.input:
			b.mu.RLock()
			for sub := range b.subs {
				sub.deliver(event)
			}
			b.mu.RUnlock()
		case <-b.done:
			return
		}
	}
}
