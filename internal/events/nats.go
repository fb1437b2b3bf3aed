package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSPublisher publishes each event as JSON on its stream subject.
//
// Subjects:
//   - conversation.{conversation_id}
//   - execution.{plan_id}
type NATSPublisher struct {
	nc *nats.Conn
}

// NewNATSPublisher creates a publisher over an established connection.
func NewNATSPublisher(nc *nats.Conn) (*NATSPublisher, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	return &NATSPublisher{nc: nc}, nil
}

// Publish sends e on its subject.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := p.nc.Publish(e.Subject(), data); err != nil {
		return fmt.Errorf("publishing to %s: %w", e.Subject(), err)
	}
	return nil
}

// History returns the events retained for a subject. Broker implements it.
type History interface {
	History(subject string) []Event
}

// NATSSource streams events from NATS subjects. Retained events from an
// optional History are replayed before live messages, so a subscriber that
// reconnects with afterSeq does not miss what was published meanwhile.
// Core NATS keeps nothing, so replay only covers events this process
// emitted.
type NATSSource struct {
	nc      *nats.Conn
	history History
	logger  *zap.Logger
}

// NewNATSSource creates a Source over an established connection. history
// may be nil.
func NewNATSSource(nc *nats.Conn, history History, logger *zap.Logger) (*NATSSource, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSource{nc: nc, history: history, logger: logger}, nil
}

// Subscribe opens a stream on subject with events above afterSeq. Messages
// are queued without bound as they arrive, so a slow reader never turns
// the subscription into a slow consumer.
func (s *NATSSource) Subscribe(ctx context.Context, subject string, afterSeq uint64) (Stream, error) {
	st := newSubscription(subject)

	var mu sync.Mutex
	last := afterSeq
	deliver := func(e Event) {
		if e.Sequence <= last {
			return
		}
		last = e.Sequence
		st.push(e)
	}

	// Live messages wait until the replay below has been queued.
	mu.Lock()
	sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			s.logger.Warn("dropping malformed event",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			return
		}
		mu.Lock()
		deliver(e)
		mu.Unlock()
	})
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	if err := sub.SetPendingLimits(-1, -1); err != nil {
		mu.Unlock()
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("setting pending limits on %s: %w", subject, err)
	}
	if err := s.nc.Flush(); err != nil {
		mu.Unlock()
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flushing subscription: %w", err)
	}
	if s.history != nil {
		for _, e := range s.history.History(subject) {
			deliver(e)
		}
	}
	mu.Unlock()

	st.unsubscribe = func() { _ = sub.Unsubscribe() }
	go st.pump()
	go func() {
		select {
		case <-ctx.Done():
			st.Close()
		case <-st.done:
		}
	}()
	return st, nil
}
