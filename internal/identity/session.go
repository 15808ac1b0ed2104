// Package identity keeps the node's server assigned identity.
//
// Unbound -> Requesting -> Bound. A request is published at most once per
// process; a response is accepted only while Requesting and only when its
// client_id equals our correlation id byte for byte. Accepted identity is
// persisted and a process restart is requested.
package identity

import (
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/metercam/log2"
)

type State uint8

const (
	StateUnbound State = iota
	StateRequesting
	StateBound
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateRequesting:
		return "requesting"
	case StateBound:
		return "bound"
	}
	return "invalid"
}

type Publisher interface {
	Publish(topic string, payload []byte) error
}

type Persister interface {
	PersistIdentity(identity string) error
}

type RestartFunc func(reason string)

type Options struct {
	Log           *log2.Log
	CorrelationID string
	Description   string
	Identity      string // loaded from storage, may be empty
	Topic         string // request topic
	Publisher     Publisher
	Store         Persister
	Restart       RestartFunc
}

type Session struct {
	mu       sync.Mutex
	log      *log2.Log
	opt      Options
	state    State
	identity string
}

func NewSession(opt Options) *Session {
	self := &Session{log: opt.Log, opt: opt, identity: opt.Identity}
	if opt.Identity != "" {
		self.state = StateBound
	}
	return self
}

func (self *Session) State() State {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.state
}

// Identity is empty unless Bound.
func (self *Session) Identity() string {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.state != StateBound {
		return ""
	}
	return self.identity
}

// Request publishes identity request if Unbound, no-op otherwise.
// State is Requesting before publish, so failed publish is never repeated
// in this process.
func (self *Session) Request() error {
	self.mu.Lock()
	if self.state != StateUnbound {
		state := self.state
		self.mu.Unlock()
		self.log.Debugf("identity request skip state=%s", state)
		return nil
	}
	self.state = StateRequesting
	self.mu.Unlock()

	b, err := NewRequest(self.opt.CorrelationID, self.opt.Description).Marshal()
	if err != nil {
		return errors.Annotate(err, "identity request")
	}
	if err = self.opt.Publisher.Publish(self.opt.Topic, b); err != nil {
		err = errors.Annotate(err, "identity request")
		self.log.Error(err)
		return err
	}
	self.log.Infof("identity requested topic=%s client_id=%s", self.opt.Topic, self.opt.CorrelationID)
	return nil
}

// HandleMessage returns true if message was accepted as our identity.
// Everything else on subscribed topics is logged and dropped.
func (self *Session) HandleMessage(topic string, payload []byte) bool {
	resp, ok := ParseResponse(payload)
	if !ok {
		self.log.Debugf("identity ignore topic=%s payload=%s", topic, payload)
		return false
	}
	if resp.ClientID != self.opt.CorrelationID {
		self.log.Infof("identity ignore response for client_id=%s (ours=%s)", resp.ClientID, self.opt.CorrelationID)
		return false
	}

	self.mu.Lock()
	if self.state != StateRequesting {
		state := self.state
		self.mu.Unlock()
		self.log.Infof("identity ignore response state=%s", state)
		return false
	}
	if err := self.opt.Store.PersistIdentity(resp.UUID); err != nil {
		self.mu.Unlock()
		self.log.Errorf("identity persist uuid=%s err=%v", resp.UUID, errors.ErrorStack(err))
		return false
	}
	self.identity = resp.UUID
	self.state = StateBound
	self.mu.Unlock()

	// Bound is terminal, so this runs once per process
	self.log.Infof("identity assigned uuid=%s", resp.UUID)
	if self.opt.Restart != nil {
		self.opt.Restart("identity assigned")
	}
	return true
}
