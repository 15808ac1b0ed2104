// Package node is the capture loop: boot from config document, obtain
// identity over MQTT, then capture and upload a frame every interval.
//
// Single goroutine does everything: transport callbacks only enqueue,
// messages are handled inside Poll on the loop goroutine.
package node

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/metercam/helpers"
	"github.com/temoto/metercam/internal/camera"
	"github.com/temoto/metercam/internal/config"
	"github.com/temoto/metercam/internal/identity"
	"github.com/temoto/metercam/internal/tele"
	"github.com/temoto/metercam/internal/upload"
	"github.com/temoto/metercam/log2"
)

var ErrHalted = errors.New("node halted")

type Store interface {
	Load() (*config.Document, error)
	PersistIdentity(identity string) error
}

type Uploader interface {
	Upload(ctx context.Context, frame upload.Frame, target upload.Target, identity string) (*upload.Response, error)
}

type TransportFactory func(doc *config.Document, clientID string) (tele.Transporter, error)

type Options struct {
	Log           *log2.Log
	Store         Store
	CorrelationID string
	NewTransport  TransportFactory
	Camera        camera.Camera
	Uploader      Uploader
	Restarter     Restarter
	// Notify receives systemd style state strings, may be nil.
	Notify func(state string)
}

type Node struct {
	log   *log2.Log
	opt   Options
	alive *alive.Alive

	doc     *config.Document
	tr      tele.Transporter
	session *identity.Session
	restart string // pending restart reason
	ticks   uint64
}

func New(opt Options) *Node {
	return &Node{
		log:   opt.Log,
		opt:   opt,
		alive: alive.NewAlive(),
	}
}

// Stop makes Run return at next wait point.
func (self *Node) Stop() { self.alive.Stop() }

// Run returns after Stop or ctx cancel, or when restart was handed over.
// Config errors are fatal for this process: Run stays inert until stopped
// and returns ErrHalted.
func (self *Node) Run(ctx context.Context) error {
	ctx, cancel := helpers.AliveContext(ctx, self.alive)
	defer cancel()

	doc, err := self.boot()
	if err != nil {
		return self.halt(ctx, err)
	}
	self.doc = doc

	clientID := identity.TransportClientID(self.opt.CorrelationID)
	self.tr, err = self.opt.NewTransport(doc, clientID)
	if err != nil {
		return self.halt(ctx, errors.Annotate(err, "transport"))
	}
	defer self.tr.Close()

	self.session = identity.NewSession(identity.Options{
		Log:           self.log,
		CorrelationID: self.opt.CorrelationID,
		Description:   doc.Description,
		Identity:      doc.UUID,
		Topic:         doc.TopicExchange(),
		Publisher:     self.tr,
		Store:         self.opt.Store,
		Restart:       self.requestRestart,
	})

	if err = self.tr.Connect(ctx); err != nil {
		return err
	}
	self.notify("READY=1")
	self.notify(fmt.Sprintf("STATUS=identity=%s", self.session.State()))

	interval := doc.PollInterval()
	if !helpers.Sleep(ctx, interval) {
		return ctx.Err()
	}
	_ = self.session.Request() // logged inside

	for {
		if self.restart != "" {
			return self.doRestart(ctx)
		}
		if !helpers.Sleep(ctx, interval) {
			return ctx.Err()
		}
		if err = self.Tick(ctx); err != nil {
			return err
		}
	}
}

// Tick is one loop iteration after the interval wait: upload if identity
// is known, then reconnect if needed and handle inbound messages.
func (self *Node) Tick(ctx context.Context) error {
	self.ticks++
	if self.session.State() == identity.StateBound {
		self.captureUpload(ctx)
	}
	if self.restart != "" {
		return nil
	}
	if !self.tr.IsConnected() {
		if err := self.tr.Connect(ctx); err != nil {
			return err
		}
	}
	n := self.tr.Poll(self.session.HandleMessage)
	self.log.Debugf("tick=%d messages=%d identity=%s", self.ticks, n, self.session.State())
	return nil
}

func (self *Node) Session() *identity.Session { return self.session }

func (self *Node) captureUpload(ctx context.Context) {
	target := upload.Target{Host: self.doc.ServerName, Port: self.doc.ServerPort, Path: self.doc.ServerPath}
	if target.Host == "" {
		self.log.Errorf("upload skip server_name empty")
		return
	}
	if self.opt.Camera == nil || self.opt.Uploader == nil {
		self.log.Errorf("upload skip camera or uploader not configured")
		return
	}
	frame, err := self.opt.Camera.Capture(ctx)
	if err != nil {
		self.log.Errorf("capture err=%v", errors.ErrorStack(err))
		if errors.Cause(err) == camera.ErrCaptureFailed {
			self.requestRestart("camera capture failed")
		}
		return
	}
	resp, err := self.opt.Uploader.Upload(ctx, frame, target, self.session.Identity())
	if err != nil {
		// skipped until next interval
		self.log.Errorf("upload err=%v", err)
		return
	}
	self.log.Infof("upload status=%d body=%s", resp.StatusCode, resp.Body)
}

func (self *Node) boot() (*config.Document, error) {
	doc, err := self.opt.Store.Load()
	if err != nil {
		return nil, err
	}
	self.log.Infof("config %s", doc.String())
	if err = doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func (self *Node) halt(ctx context.Context, err error) error {
	self.log.Errorf("halt, no network activity until restart: %v", err)
	self.notify("READY=1")
	self.notify("STATUS=halted: " + err.Error())
	<-ctx.Done()
	return errors.Wrapf(err, ErrHalted, "%v", err)
}

// requestRestart is called on loop goroutine, restart happens at loop top.
func (self *Node) requestRestart(reason string) {
	if self.restart == "" {
		self.restart = reason
	}
}

func (self *Node) doRestart(ctx context.Context) error {
	self.notify("STOPPING=1")
	self.tr.Close()
	return self.opt.Restarter.Restart(ctx, self.restart)
}

func (self *Node) notify(state string) {
	if self.opt.Notify != nil {
		self.opt.Notify(state)
	}
}
