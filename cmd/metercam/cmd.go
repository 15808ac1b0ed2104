package main

import (
	"context"
	"fmt"
	"os"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/metercam/internal/assign"
	"github.com/temoto/metercam/internal/camera"
	"github.com/temoto/metercam/internal/identity"
	"github.com/temoto/metercam/internal/node"
	"github.com/temoto/metercam/internal/tele"
	"github.com/temoto/metercam/internal/upload"
	"github.com/urfave/cli"
)

const defaultRestartDelay = node.DefaultRestartDelay

func cmdRun(c *cli.Context) error {
	log, err := newLog(c)
	if err != nil {
		return err
	}
	log.Infof("metercam version=%s", BuildVersion)
	store, err := newStore(c, log)
	if err != nil {
		return err
	}
	clientID, err := identity.HardwareAddr(c.String("interface"))
	if err != nil {
		return errors.Annotate(err, "client_id")
	}
	cam, err := newCamera(c, log)
	if err != nil {
		return err
	}
	defer cam.Close()

	var restarter node.Restarter
	switch kind := c.String("restart"); kind {
	case "exec":
		restarter = &node.ExecRestarter{Log: log, Delay: c.Duration("restart-delay")}
	case "exit":
		restarter = &node.ExitRestarter{Log: log, Delay: c.Duration("restart-delay")}
	default:
		return cli.NewExitError(fmt.Sprintf("unknown restart=%s", kind), 2)
	}

	n := node.New(node.Options{
		Log:           log,
		Store:         store,
		CorrelationID: clientID,
		NewTransport:  node.MqttTransport(log),
		Camera:        cam,
		Uploader:      upload.NewClient(log, nil),
		Restarter:     restarter,
		Notify:        func(s string) { sdnotify(s) },
	})
	ctx, cancel := signalContext()
	defer cancel()
	err = n.Run(ctx)
	if err == context.Canceled {
		log.Infof("stopped")
		return nil
	}
	return err
}

func cmdUpload(c *cli.Context) error {
	log, err := newLog(c)
	if err != nil {
		return err
	}
	store, err := newStore(c, log)
	if err != nil {
		return err
	}
	doc, err := store.Load()
	if err != nil {
		return err
	}
	if doc.ServerName == "" {
		return cli.NewExitError("config server_name empty", 2)
	}
	if doc.UUID == "" {
		log.Errorf("uploading without identity, config uuid empty")
	}

	ctx, cancel := signalContext()
	defer cancel()
	var frame *camera.Frame
	if path := c.String("file"); path != "" {
		b, err := readFile(path)
		if err != nil {
			return err
		}
		frame = camera.NewFrame(b, nil)
	} else {
		cam, err := newCamera(c, log)
		if err != nil {
			return err
		}
		defer cam.Close()
		if frame, err = cam.Capture(ctx); err != nil {
			return err
		}
	}

	target := upload.Target{Host: doc.ServerName, Port: doc.ServerPort, Path: doc.ServerPath}
	resp, err := upload.NewClient(log, nil).Upload(ctx, frame, target, doc.UUID)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%s\n%s\n", resp.Status, resp.Body)
	return nil
}

func cmdAssign(c *cli.Context) error {
	log, err := newLog(c)
	if err != nil {
		return err
	}
	broker, topic := c.String("broker"), c.String("topic")
	var username, password string
	if broker == "" || topic == "" {
		store, err := newStore(c, log)
		if err != nil {
			return err
		}
		doc, err := store.Load()
		if err != nil {
			return errors.Annotate(err, "broker or topic not given, config")
		}
		if broker == "" {
			broker = doc.BrokerURL()
		}
		if topic == "" {
			topic = doc.TopicExchange()
		}
		username, password = doc.MqttUsername, doc.MqttPassword
	}

	tr, err := tele.NewMqtt(tele.Options{
		Log:       log,
		BrokerURL: broker,
		ClientID:  fmt.Sprintf("metercam-assign-%d", os.Getpid()),
		Username:  username,
		Password:  password,
		Subscribe: topic,
	})
	if err != nil {
		return err
	}
	a := assign.New(log, tr, topic)
	ctx, cancel := signalContext()
	defer cancel()
	sdnotify(daemon.SdNotifyReady)
	log.Infof("assign broker=%s topic=%s", broker, topic)
	err = a.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func cmdConfigImport(c *cli.Context) error {
	log, err := newLog(c)
	if err != nil {
		return err
	}
	src := c.Args().First()
	if src == "" {
		return cli.NewExitError("usage: metercam config import SOURCE", 2)
	}
	b, err := readFile(src)
	if err != nil {
		return err
	}
	store, err := newStore(c, log)
	if err != nil {
		return err
	}
	doc, err := store.Import(b)
	if err != nil {
		return err
	}
	if err = doc.Validate(); err != nil {
		log.Errorf("imported document is incomplete, node will halt at boot: %v", err)
	}
	fmt.Fprintln(os.Stdout, doc.String())
	return nil
}
