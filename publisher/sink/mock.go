package sink

import (
	"context"
	"sync"

	"github.com/maxpert/floodgate/publisher"
)

// MockSink is a mock implementation of Sink for testing
type MockSink struct {
	Messages []publisher.Message
	// FailCount makes the next N Publish calls fail before succeeding
	FailCount  int
	PublishErr error
	mu         sync.Mutex
}

// Publish records messages for later inspection in tests
func (m *MockSink) Publish(ctx context.Context, msgs []publisher.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCount > 0 {
		m.FailCount--
		if m.PublishErr != nil {
			return m.PublishErr
		}
		return errMockUnavailable
	}
	if m.PublishErr != nil {
		return m.PublishErr
	}

	m.Messages = append(m.Messages, msgs...)
	return nil
}

// Close is a no-op for MockSink
func (m *MockSink) Close() error {
	return nil
}

// Recorded returns a copy of all accepted messages
func (m *MockSink) Recorded() []publisher.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]publisher.Message, len(m.Messages))
	copy(out, m.Messages)
	return out
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}

type mockError string

func (e mockError) Error() string { return string(e) }

const errMockUnavailable = mockError("mock broker unavailable")
