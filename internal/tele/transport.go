// Package tele is the node's publish/subscribe link to the broker.
package tele

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/metercam/log2"
)

const (
	DefaultKeepalive      = 60 * time.Second
	DefaultNetworkTimeout = 30 * time.Second
	DefaultRetryDelay     = 5 * time.Second
	DefaultInboxSize      = 32
)

var ErrDisconnected = errors.New("transport disconnected")

type Message struct {
	Topic   string
	Payload []byte
}

// MessageFunc returns true if message was accepted, only used for logs.
type MessageFunc func(topic string, payload []byte) bool

// Transport contract:
// - Connect blocks until connected and subscribed, retrying every RetryDelay
//   without limit; returns only ctx error
// - Publish never blocks longer than NetworkTimeout, fails with ErrDisconnected when offline
// - inbound messages are queued by the transport and handed to the caller
//   inside Poll, on the caller goroutine
// - bounded inbox, overflow drops newest message
type Transporter interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Publish(topic string, payload []byte) error
	Poll(fun MessageFunc) int
	Close()
}

type Options struct {
	Log            *log2.Log
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string // secret
	Subscribe      string
	Keepalive      time.Duration
	NetworkTimeout time.Duration
	RetryDelay     time.Duration
	InboxSize      int
}

func (opt *Options) setDefaults() {
	if opt.Keepalive == 0 {
		opt.Keepalive = DefaultKeepalive
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.RetryDelay == 0 {
		opt.RetryDelay = DefaultRetryDelay
	}
	if opt.InboxSize == 0 {
		opt.InboxSize = DefaultInboxSize
	}
}
