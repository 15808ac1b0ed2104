package tele

import (
	"context"
	"sync"
	"testing"

	"github.com/juju/errors"
)

// MockTransport is in-memory Transporter for tests of packages using tele.
// Zero value is disconnected; Connect succeeds unless ConnectErr is set.
type MockTransport struct {
	sync.Mutex
	t          testing.TB
	connected  bool
	inbox      []Message
	published  []Message
	Connects   int
	ConnectErr error
	PublishErr error
	// OnPublish may inject replies with Deliver, like a broker would.
	OnPublish func(m *MockTransport, topic string, payload []byte)
}

func NewMockTransport(t testing.TB) *MockTransport {
	return &MockTransport{t: t}
}

func (self *MockTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	self.Lock()
	defer self.Unlock()
	self.Connects++
	if self.ConnectErr != nil {
		return self.ConnectErr
	}
	self.connected = true
	return nil
}

func (self *MockTransport) IsConnected() bool {
	self.Lock()
	defer self.Unlock()
	return self.connected
}

// Disconnect simulates connection loss.
func (self *MockTransport) Disconnect() {
	self.Lock()
	self.connected = false
	self.Unlock()
}

func (self *MockTransport) Publish(topic string, payload []byte) error {
	self.Lock()
	if !self.connected {
		self.Unlock()
		return errors.Annotatef(ErrDisconnected, "publish topic=%s", topic)
	}
	if self.PublishErr != nil {
		err := self.PublishErr
		self.Unlock()
		return err
	}
	self.published = append(self.published, Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	fun := self.OnPublish
	self.Unlock()
	if self.t != nil {
		self.t.Logf("mock publish topic=%s payload=%s", topic, payload)
	}
	if fun != nil {
		fun(self, topic, payload)
	}
	return nil
}

func (self *MockTransport) Poll(fun MessageFunc) int {
	self.Lock()
	batch := self.inbox
	self.inbox = nil
	self.Unlock()
	for _, m := range batch {
		ok := fun(m.Topic, m.Payload)
		if self.t != nil {
			self.t.Logf("mock deliver topic=%s payload=%s accepted=%t", m.Topic, m.Payload, ok)
		}
	}
	return len(batch)
}

func (self *MockTransport) Close() { self.Disconnect() }

// Deliver queues inbound message for next Poll.
func (self *MockTransport) Deliver(topic string, payload []byte) {
	self.Lock()
	self.inbox = append(self.inbox, Message{Topic: topic, Payload: payload})
	self.Unlock()
}

func (self *MockTransport) Published() []Message {
	self.Lock()
	defer self.Unlock()
	return append([]Message(nil), self.published...)
}
var _ Transporter = &MockTransport{}
