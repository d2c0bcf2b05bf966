package exchange

import (
	"errors"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

// testMessage is a minimal Message for tests
type testMessage struct {
	id      uint64
	kind    string
	payload string
}

func (m *testMessage) RequestID() uint64      { return m.id }
func (m *testMessage) SetRequestID(id uint64) { m.id = id }
func (m *testMessage) Type() string           { return m.kind }

func newMsg(kind string) *testMessage {
	return &testMessage{kind: kind}
}

func reply(id uint64, payload string) *testMessage {
	return &testMessage{id: id, kind: "reply", payload: payload}
}

// recordingTransport records sent messages in order
type recordingTransport struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (t *recordingTransport) Send(msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *recordingTransport) Protocol() string { return "test" }

func (t *recordingTransport) Sent() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *recordingTransport) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

// mockTransport is a testify mock of Transport
type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Send(msg Message) error {
	args := m.Called(msg)
	return args.Error(0)
}

func (m *mockTransport) Protocol() string {
	return "mock"
}

var errBoom = errors.New("boom")

func fixedTimeout(d time.Duration) TimeoutSource {
	return TimeoutFunc(func() time.Duration { return d })
}
