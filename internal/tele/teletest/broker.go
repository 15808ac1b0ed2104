// Package teletest runs in-process MQTT broker for tests of real transports.
// QoS 0 only, no retain, no will.
package teletest

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/temoto/alive/v2"
)

const eventBuffer = 64

type Broker struct {
	t     testing.TB
	ln    net.Listener
	alive *alive.Alive

	mu     sync.Mutex
	subs   *topic.Tree
	conns  map[*conn]struct{}
	reject int // subscribe requests left to refuse

	// every publish from clients, in arrival order
	Published chan *packet.Message
	// every subscription filter
	Subscribed chan string
	// client ids of accepted connections
	Connected chan string
}

type conn struct {
	nc *transport.NetConn
	id string
}

type subscription struct {
	c       *conn
	pattern string
}

func NewBroker(t testing.TB) *Broker {
	ln, err := net.Listen("tcp", "127.0.0.1:")
	if err != nil {
		t.Fatalf("teletest listen err=%v", err)
	}
	b := &Broker{
		t:          t,
		ln:         ln,
		alive:      alive.NewAlive(),
		subs:       topic.NewStandardTree(),
		conns:      make(map[*conn]struct{}),
		Published:  make(chan *packet.Message, eventBuffer),
		Subscribed: make(chan string, eventBuffer),
		Connected:  make(chan string, eventBuffer),
	}
	b.alive.Add(1)
	go b.acceptLoop()
	return b
}

func (b *Broker) URL() string { return fmt.Sprintf("tcp://%s", b.ln.Addr().String()) }

func (b *Broker) Stop() {
	b.alive.Stop()
	_ = b.ln.Close()
	b.mu.Lock()
	for c := range b.conns {
		_ = c.nc.Close()
	}
	b.mu.Unlock()
	b.alive.Wait()
}

// RejectSubscribes makes broker refuse next n SUBSCRIBE requests with failure return code.
func (b *Broker) RejectSubscribes(n int) {
	b.mu.Lock()
	b.reject = n
	b.mu.Unlock()
}

// Push routes message to subscribers as if published by another client.
func (b *Broker) Push(msg *packet.Message) int { return b.route(msg) }

// WaitPublished returns next client publish to topic, skipping others.
func (b *Broker) WaitPublished(topicName string, timeout time.Duration) *packet.Message {
	tmr := time.NewTimer(timeout)
	defer tmr.Stop()
	for {
		select {
		case m := <-b.Published:
			if m.Topic == topicName {
				return m
			}
		case <-tmr.C:
			b.t.Errorf("teletest timeout waiting publish topic=%s", topicName)
			return nil
		}
	}
}

// WaitSubscribed blocks until n subscriptions were made.
func (b *Broker) WaitSubscribed(n int, timeout time.Duration) []string {
	tmr := time.NewTimer(timeout)
	defer tmr.Stop()
	patterns := make([]string, 0, n)
	for len(patterns) < n {
		select {
		case p := <-b.Subscribed:
			patterns = append(patterns, p)
		case <-tmr.C:
			b.t.Errorf("teletest timeout waiting subscribe got=%v", patterns)
			return patterns
		}
	}
	return patterns
}

func (b *Broker) acceptLoop() {
	defer b.alive.Done()
	for {
		nc, err := b.ln.Accept()
		if err != nil {
			return
		}
		if !b.alive.Add(1) {
			_ = nc.Close()
			return
		}
		c := &conn{nc: transport.NewNetConn(nc)}
		b.mu.Lock()
		b.conns[c] = struct{}{}
		b.mu.Unlock()
		go b.serve(c)
	}
}

func (b *Broker) serve(c *conn) {
	defer b.alive.Done()
	defer b.drop(c)
	for {
		pkt, err := c.nc.Receive()
		if err != nil {
			return
		}
		switch p := pkt.(type) {
		case *packet.Connect:
			c.id = p.ClientID
			connack := packet.NewConnack()
			connack.ReturnCode = packet.ConnectionAccepted
			err = c.nc.Send(connack, false)
			b.event(b.Connected, p.ClientID)
		case *packet.Subscribe:
			suback := packet.NewSuback()
			suback.ID = p.ID
			b.mu.Lock()
			refuse := b.reject > 0
			if refuse {
				b.reject--
			}
			for _, s := range p.Subscriptions {
				if refuse {
					suback.ReturnCodes = append(suback.ReturnCodes, packet.QOSFailure)
					continue
				}
				b.subs.Add(s.Topic, &subscription{c: c, pattern: s.Topic})
				suback.ReturnCodes = append(suback.ReturnCodes, packet.QOSAtMostOnce)
			}
			b.mu.Unlock()
			err = c.nc.Send(suback, false)
			if !refuse {
				for _, s := range p.Subscriptions {
					b.event(b.Subscribed, s.Topic)
				}
			}
		case *packet.Publish:
			msg := p.Message
			// route first, so waiters see subscribers already served
			b.route(&msg)
			select {
			case b.Published <- &msg:
			default:
				b.t.Logf("teletest Published channel full, dropped topic=%s", msg.Topic)
			}
		case *packet.Pingreq:
			err = c.nc.Send(packet.NewPingresp(), false)
		case *packet.Disconnect:
			return
		}
		if err != nil {
			return
		}
	}
}

func (b *Broker) route(msg *packet.Message) int {
	b.mu.Lock()
	targets := make(map[*conn]struct{})
	for _, x := range b.subs.Match(msg.Topic) {
		targets[x.(*subscription).c] = struct{}{}
	}
	b.mu.Unlock()
	for c := range targets {
		pub := packet.NewPublish()
		pub.Message = packet.Message{Topic: msg.Topic, Payload: msg.Payload, QOS: packet.QOSAtMostOnce}
		if err := c.nc.Send(pub, false); err != nil {
			b.t.Logf("teletest send client=%s err=%v", c.id, err)
		}
	}
	return len(targets)
}

func (b *Broker) drop(c *conn) {
	_ = c.nc.Close()
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, c)
	for _, value := range b.subs.All() {
		if sub := value.(*subscription); sub.c == c {
			b.subs.Remove(sub.pattern, value)
		}
	}
}

func (b *Broker) event(ch chan string, s string) {
	select {
	case ch <- s:
	default:
	}
}
