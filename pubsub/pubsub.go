package pubsub

import (
	"sync"

	"pvp-match-server/match"
)

// Handler receives a match snapshot, or nil once the match is gone.
type Handler func(m *match.Match)

// Subscription is one observer of one match. Each subscription has its own
// delivery goroutine and a single-slot mailbox: a slow observer skips
// intermediate snapshots but always ends up with the latest one.
type Subscription struct {
	topic string
	fn    Handler

	mu      sync.Mutex
	pending *match.Match
	queued  bool
	closed  bool
	// gone is set once an absent notification was queued; ids are never
	// reused, so later snapshots for the topic are stale.
	gone bool
	// seen is the updatedAt of the newest snapshot queued so far.
	seen int64

	wake chan struct{}
	done chan struct{}
}

// Topic returns the match id observed by s.
func (s *Subscription) Topic() string {
	return s.topic
}

// offer queues m unless it is older than what s already holds.
func (s *Subscription) offer(m *match.Match) {
	s.mu.Lock()
	if s.closed || s.gone {
		s.mu.Unlock()
		return
	}
	if m == nil {
		s.gone = true
	} else {
		v := m.UpdatedAt.UnixNano()
		if v < s.seen {
			s.mu.Unlock()
			return
		}
		s.seen = v
		m = m.Clone()
	}
	s.pending = m
	s.queued = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if !s.queued {
			s.mu.Unlock()
			continue
		}
		snap := s.pending
		s.pending, s.queued = nil, false
		s.mu.Unlock()

		s.fn(snap)
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.pending, s.queued = nil, false
	close(s.done)
}

// Broker fans match snapshots out to subscriptions keyed by match id.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	closed bool
}

// NewBroker creates a new Broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers fn for snapshots of the match with the given id.
func (b *Broker) Subscribe(topic string, fn Handler) *Subscription {
	sub := &Subscription{
		topic: topic,
		fn:    fn,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*Subscription]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	b.mu.Unlock()

	go sub.run()
	return sub
}

// Unsubscribe removes sub and drops anything still queued for it. A snapshot
// the delivery goroutine had already dequeued may still be handed to the
// callback; nothing published later is. Unsubscribe does not wait for that
// callback, so it is safe to call from inside one.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if subs := b.topics[sub.topic]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.topics, sub.topic)
		}
	}
	b.mu.Unlock()
	sub.close()
}

// Publish queues snapshot m for every subscriber of topic without blocking
// the caller. A nil m announces that the match was deleted.
func (b *Broker) Publish(topic string, m *match.Match) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.topics[topic] {
		sub.offer(m)
	}
}

// Deliver queues m for a single subscription. Used to hand a new observer
// the current state without disturbing the others.
func (b *Broker) Deliver(sub *Subscription, m *match.Match) {
	sub.offer(m)
}

// HasSubscribers reports whether anyone observes topic.
func (b *Broker) HasSubscribers(topic string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic]) > 0
}

// Topics returns the ids that currently have observers.
func (b *Broker) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.topics))
	for t := range b.topics {
		out = append(out, t)
	}
	return out
}

// Close stops every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	topics := b.topics
	b.topics = make(map[string]map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for _, subs := range topics {
		for sub := range subs {
			sub.close()
		}
	}
}
