// Package assign is the server side of identity exchange, for bench and
// development setups without the real backend.
package assign

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/metercam/helpers"
	"github.com/temoto/metercam/internal/identity"
	"github.com/temoto/metercam/internal/tele"
	"github.com/temoto/metercam/log2"
)

const DefaultPollInterval = 100 * time.Millisecond

type Assigner struct {
	log   *log2.Log
	tr    tele.Transporter
	topic string
	alive *alive.Alive

	mu       sync.Mutex
	assigned map[string]string // client_id -> uuid

	NewID        func() string
	PollInterval time.Duration
}

func New(log *log2.Log, tr tele.Transporter, topic string) *Assigner {
	return &Assigner{
		log:          log,
		tr:           tr,
		topic:        topic,
		alive:        alive.NewAlive(),
		assigned:     make(map[string]string),
		NewID:        func() string { return uuid.New().String() },
		PollInterval: DefaultPollInterval,
	}
}

func (self *Assigner) Stop() { self.alive.Stop() }

// Run answers requests until Stop or ctx done.
func (self *Assigner) Run(ctx context.Context) error {
	ctx, cancel := helpers.AliveContext(ctx, self.alive)
	defer cancel()
	defer self.tr.Close()
	for {
		if !self.tr.IsConnected() {
			if err := self.tr.Connect(ctx); err != nil {
				return err
			}
		}
		self.tr.Poll(self.HandleMessage)
		if !helpers.Sleep(ctx, self.PollInterval) {
			return ctx.Err()
		}
	}
}

// HandleMessage answers identity request, same client_id gets same uuid.
func (self *Assigner) HandleMessage(topic string, payload []byte) bool {
	if topic != self.topic {
		return false
	}
	req, ok := identity.ParseRequest(payload)
	if !ok {
		return false
	}
	id := self.Lookup(req.ClientID)
	if id == "" {
		id = self.NewID()
		self.mu.Lock()
		self.assigned[req.ClientID] = id
		self.mu.Unlock()
	}
	b, err := identity.Response{Type: identity.KindResponse, ClientID: req.ClientID, UUID: id}.Marshal()
	if err != nil {
		self.log.Error(errors.Annotate(err, "assign"))
		return false
	}
	if err = self.tr.Publish(self.topic, b); err != nil {
		self.log.Errorf("assign client_id=%s uuid=%s err=%v", req.ClientID, id, err)
		return false
	}
	self.log.Infof("assign client_id=%s description=%q uuid=%s", req.ClientID, req.Description, id)
	return true
}

func (self *Assigner) Lookup(clientID string) string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.assigned[clientID]
}
