package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/driftsync/driftsync/cfg"
)

// Event kinds published on the lifecycle topic.
const (
	KindSchemaApplied     = "schema.applied"
	KindApprovalRequested = "schema.approval_requested"
	KindSchemaRejected    = "schema.rejected"
	KindDeadLettered      = "record.dead_lettered"
	KindRunCompleted      = "run.completed"
	KindRunFailed         = "run.failed"
)

// Event is one lifecycle notification. Detail carries kind-specific
// fields such as change type, run id, or record key.
type Event struct {
	Kind       string            `msgpack:"kind"`
	SchemaName string            `msgpack:"schema"`
	TableName  string            `msgpack:"table,omitempty"`
	Detail     map[string]string `msgpack:"detail,omitempty"`
	At         time.Time         `msgpack:"at"`
}

// Sink delivers serialized events to an external system.
// key routes messages with the same key to the same partition/subject.
type Sink interface {
	Publish(topic, key string, value []byte) error
	Close() error
}

// SinkFactory builds a Sink from the events configuration.
type SinkFactory func(cfg.EventsConfiguration) (Sink, error)

var (
	factoryMu     sync.RWMutex
	sinkFactories = make(map[string]SinkFactory)
)

// RegisterSink registers a sink factory for a type.
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// NewSink builds the configured sink. An empty sink type disables
// publishing.
func NewSink(c cfg.EventsConfiguration) (Sink, error) {
	if c.Sink == "" {
		return nopSink{}, nil
	}
	factoryMu.RLock()
	factory, ok := sinkFactories[c.Sink]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown events sink type: %s", c.Sink)
	}
	return factory(c)
}

type nopSink struct{}

func (nopSink) Publish(string, string, []byte) error { return nil }
func (nopSink) Close() error                         { return nil }

// Publisher serializes events and routes them to topics of the form
// <prefix>.<schema>.<kind>.
type Publisher struct {
	sink   Sink
	prefix string
}

func NewPublisher(sink Sink, topicPrefix string) *Publisher {
	if topicPrefix == "" {
		topicPrefix = "driftsync"
	}
	return &Publisher{sink: sink, prefix: topicPrefix}
}

// Emit publishes one event. Failures are logged and returned; callers
// treat event delivery as best effort.
func (p *Publisher) Emit(e Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	payload, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	topic := fmt.Sprintf("%s.%s.%s", p.prefix, e.SchemaName, e.Kind)
	key := e.SchemaName
	if e.TableName != "" {
		key += "." + e.TableName
	}
	if err := p.sink.Publish(topic, key, payload); err != nil {
		log.Warn().Err(err).
			Str("topic", topic).
			Str("kind", e.Kind).
			Msg("Failed to publish event")
		return err
	}
	return nil
}

// Close releases the underlying sink.
func (p *Publisher) Close() error {
	return p.sink.Close()
}
