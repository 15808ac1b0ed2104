package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"strings"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/metercam/internal/camera"
	"github.com/temoto/metercam/internal/config"
	"github.com/temoto/metercam/internal/tele"
	"github.com/temoto/metercam/log2"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"
)

var BuildVersion string = "unknown" // set by ldflags -X

func main() {
	doMain(os.Args)
}

func doMain(args []string) {
	app := cli.NewApp()
	app.Name = "metercam"
	app.Usage = "camera meter reader node"
	app.Version = BuildVersion
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config",
			Usage:  "config document `PATH`, directory for extremofile storage",
			Value:  "/etc/metercam/config.json",
			EnvVar: "METERCAM_CONFIG",
		},
		cli.StringFlag{
			Name:   "storage",
			Usage:  "config storage: file | extremofile",
			Value:  "file",
			EnvVar: "METERCAM_STORAGE",
		},
		cli.StringFlag{
			Name:   "log-level",
			Usage:  "error | info | debug | all",
			Value:  "info",
			EnvVar: "METERCAM_LOG_LEVEL",
		},
	}
	cameraFlags := []cli.Flag{
		cli.StringFlag{
			Name:   "camera-file",
			Usage:  "JPEG file refreshed by external capture daemon",
			Value:  "/run/metercam/frame.jpg",
			EnvVar: "METERCAM_CAMERA_FILE",
		},
		cli.StringFlag{
			Name:   "camera-command",
			Usage:  "command printing JPEG to stdout, overrides camera-file",
			EnvVar: "METERCAM_CAMERA_COMMAND",
		},
		cli.StringFlag{
			Name:  "flash-chip",
			Usage: "GPIO chip of flash LED, empty to disable, example /dev/gpiochip0",
		},
		cli.UintFlag{
			Name:  "flash-line",
			Usage: "GPIO line offset of flash LED",
			Value: 4,
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "obtain identity and upload frames every interval",
			Action: cmdRun,
			Flags: append([]cli.Flag{
				cli.StringFlag{
					Name:   "interface",
					Usage:  "network interface for client_id, empty = first with hardware address",
					EnvVar: "METERCAM_INTERFACE",
				},
				cli.StringFlag{
					Name:  "restart",
					Usage: "restart method after identity assignment: exec | exit",
					Value: "exec",
				},
				cli.DurationFlag{
					Name:  "restart-delay",
					Value: defaultRestartDelay,
				},
			}, cameraFlags...),
		},
		{
			Name:   "upload",
			Usage:  "capture once and upload with stored identity",
			Action: cmdUpload,
			Flags: append([]cli.Flag{
				cli.StringFlag{
					Name:  "file",
					Usage: "upload this JPEG instead of capture",
				},
			}, cameraFlags...),
		},
		{
			Name:   "assign",
			Usage:  "answer identity requests, bench replacement of the backend",
			Action: cmdAssign,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "broker",
					Usage: "broker URL, default from config document",
				},
				cli.StringFlag{
					Name:  "topic",
					Usage: "exchange topic, default from config document",
				},
			},
		},
		{
			Name:  "config",
			Usage: "config document tools",
			Subcommands: []cli.Command{
				{
					Name:      "import",
					Usage:     "write SOURCE document (JSON or HCL) into configured storage",
					ArgsUsage: "SOURCE",
					Action:    cmdConfigImport,
				},
			},
		},
	}

	if err := app.Run(args); err != nil {
		fmt.Fprintln(os.Stderr, errors.ErrorStack(err))
		os.Exit(1)
	}
}

func newLog(c *cli.Context) (*log2.Log, error) {
	level, err := log2.ParseLevel(c.GlobalString("log-level"))
	if err != nil {
		return nil, cli.NewExitError(err.Error(), 2)
	}
	log := log2.NewStderr(level)
	if underSystemd() || !isatty.IsTerminal(os.Stderr.Fd()) {
		// journal or pipe, they have own timestamps
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}
	if underSystemd() {
		log.SetErrorFunc(statusOnError(sdnotify))
	}
	tele.SetLibraryLog(log, level >= log2.LDebug)
	return log, nil
}

// statusOnError shows last error record as systemd unit status.
func statusOnError(notify func(string) bool) log2.ErrorFunc {
	return func(err error) {
		msg := strings.Replace(err.Error(), "\n", " ", -1)
		notify("STATUS=error: " + msg)
	}
}

func newStore(c *cli.Context, log *log2.Log) (*config.Store, error) {
	path := c.GlobalString("config")
	switch kind := c.GlobalString("storage"); kind {
	case "file":
		s, err := config.NewOsStorage(path)
		if err != nil {
			return nil, err
		}
		return config.NewStore(log, s), nil
	case "extremofile":
		return config.NewStore(log, config.NewExtremoStorage(path, log)), nil
	default:
		return nil, cli.NewExitError(fmt.Sprintf("unknown storage=%s", kind), 2)
	}
}

func newCamera(c *cli.Context, log *log2.Log) (camera.Camera, error) {
	var cam camera.Camera
	if s := c.String("camera-command"); s != "" {
		cc, err := camera.NewCommandCamera(log, strings.Fields(s))
		if err != nil {
			return nil, err
		}
		cam = cc
	} else {
		cam = camera.NewFileCamera(log, c.String("camera-file"))
	}
	if chip := c.String("flash-chip"); chip != "" {
		flash, err := camera.OpenFlash(log, chip, uint32(c.Uint("flash-line")))
		if err != nil {
			return nil, err
		}
		cam = camera.WithFlash(cam, flash)
	}
	return cam, nil
}

// signalContext is canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGINT, unix.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel
}

func readFile(path string) ([]byte, error) {
	b, err := ioutil.ReadFile(path)
	return b, errors.Annotatef(err, "read %s", path)
}

func underSystemd() bool { return os.Getenv("NOTIFY_SOCKET") != "" }

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
