package events

import (
	"sync"

	"github.com/driftsync/driftsync/cfg"
)

func init() {
	RegisterSink("mock", func(cfg.EventsConfiguration) (Sink, error) {
		return &MockSink{}, nil
	})
}

// MockSink records published messages for inspection in tests.
type MockSink struct {
	mu         sync.Mutex
	messages   []MockMessage
	PublishErr error
}

type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

func (m *MockSink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.messages = append(m.messages, MockMessage{Topic: topic, Key: key, Value: value})
	return nil
}

func (m *MockSink) Close() error { return nil }

// Messages returns a copy of everything published so far.
func (m *MockSink) Messages() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

// Reset clears recorded messages.
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}
