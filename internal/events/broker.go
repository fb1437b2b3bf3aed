package events

import (
	"context"
	"errors"
	"sync"
)

// ErrBrokerClosed is returned when subscribing to a closed broker.
var ErrBrokerClosed = errors.New("event broker closed")

// DefaultHistorySize is the number of events kept per stream for replay.
const DefaultHistorySize = 256

// Stream is an ordered feed of events for one subject.
type Stream interface {
	Events() <-chan Event
	Close()
}

// Source opens streams. afterSeq skips events a reconnecting subscriber
// has already seen.
type Source interface {
	Subscribe(ctx context.Context, subject string, afterSeq uint64) (Stream, error)
}

// Broker is an in-process Publisher and Source. It keeps a bounded
// history per subject and delivers to each subscriber through an
// unbounded queue, so a slow reader never blocks emission or loses events.
type Broker struct {
	mu          sync.Mutex
	historySize int
	history     map[string][]Event
	subs        map[string]map[*Subscription]struct{}
	closed      bool
}

// NewBroker creates a broker keeping historySize events per subject.
func NewBroker(historySize int) *Broker {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Broker{
		historySize: historySize,
		history:     make(map[string][]Event),
		subs:        make(map[string]map[*Subscription]struct{}),
	}
}

// Publish records e and queues it for every subscriber of its subject.
func (b *Broker) Publish(ctx context.Context, e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}

	subject := e.Subject()
	h := append(b.history[subject], e)
	if len(h) > b.historySize {
		h = h[len(h)-b.historySize:]
	}
	b.history[subject] = h

	for s := range b.subs[subject] {
		s.push(e)
	}
	return nil
}

// Subscribe opens a stream on subject, first replaying retained events
// with a sequence above afterSeq. The stream closes when ctx is done.
func (b *Broker) Subscribe(ctx context.Context, subject string, afterSeq uint64) (Stream, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}

	s := newSubscription(subject)
	for _, e := range b.history[subject] {
		if e.Sequence > afterSeq {
			s.push(e)
		}
	}
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[*Subscription]struct{})
	}
	b.subs[subject][s] = struct{}{}
	s.unsubscribe = func() { b.remove(s) }
	b.mu.Unlock()

	go s.pump()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// History returns the retained events for subject.
func (b *Broker) History(subject string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.history[subject]...)
}

// Close stops every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	var all []*Subscription
	for _, subs := range b.subs {
		for s := range subs {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[s.subject]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.subs, s.subject)
		}
	}
}

// Subscription is a queued stream. Broker and NATSSource hand them out.
type Subscription struct {
	subject     string
	out         chan Event
	notify      chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	unsubscribe func()

	mu    sync.Mutex
	queue []Event
}

func newSubscription(subject string) *Subscription {
	return &Subscription{
		subject: subject,
		out:     make(chan Event),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Events returns the ordered event channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Close detaches the subscription from the broker.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		close(s.done)
	})
}

func (s *Subscription) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}

		for _, e := range batch {
			select {
			case s.out <- e:
			case <-s.done:
				return
			}
		}
	}
}
