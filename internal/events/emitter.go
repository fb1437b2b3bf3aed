package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Publisher delivers events to a transport.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Emitter stamps events with an id, timestamp and per-stream sequence and
// hands them to every publisher. Emission is serialized so publishers see
// each stream in sequence order.
type Emitter struct {
	mu         sync.Mutex
	sequences  map[string]uint64
	publishers []Publisher
	logger     *zap.Logger
	now        func() time.Time
}

// NewEmitter creates an emitter fanning out to publishers.
func NewEmitter(logger *zap.Logger, publishers ...Publisher) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		sequences:  make(map[string]uint64),
		publishers: publishers,
		logger:     logger,
		now:        time.Now,
	}
}

// AddPublisher registers another publisher.
func (em *Emitter) AddPublisher(p Publisher) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.publishers = append(em.publishers, p)
}

// Emit builds an event carrying payload and publishes it. Publisher errors
// are logged and never returned: events are observability, not state.
func Emit[P any](ctx context.Context, em *Emitter, scope Scope, key string, typ Type, payload P) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		em.logger.Error("marshaling event payload",
			zap.String("type", string(typ)),
			zap.String("key", key),
			zap.Error(err),
		)
		data = nil
	}
	return em.emit(ctx, Event{
		ID:      uuid.New().String(),
		Type:    typ,
		Scope:   scope,
		Key:     key,
		Payload: data,
	})
}

func (em *Emitter) emit(ctx context.Context, e Event) Event {
	em.mu.Lock()
	defer em.mu.Unlock()

	subject := e.Subject()
	em.sequences[subject]++
	e.Sequence = em.sequences[subject]
	e.Timestamp = em.now().UTC()

	for _, p := range em.publishers {
		if err := p.Publish(ctx, e); err != nil {
			em.logger.Warn("publishing event",
				zap.String("subject", subject),
				zap.String("type", string(e.Type)),
				zap.Uint64("sequence", e.Sequence),
				zap.Error(err),
			)
		}
	}

	em.logger.Debug("event emitted",
		zap.String("subject", subject),
		zap.String("type", string(e.Type)),
		zap.Uint64("sequence", e.Sequence),
	)
	return e
}
