package node

import (
	"context"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/metercam/helpers"
	"github.com/temoto/metercam/log2"
	"golang.org/x/sys/unix"
)

const (
	DefaultRestartDelay = 10 * time.Second
	// EX_TEMPFAIL, supervisor is expected to start process again
	RestartExitCode = 75
)

type Restarter interface {
	Restart(ctx context.Context, reason string) error
}

// ExecRestarter replaces current process image with a fresh copy of itself.
type ExecRestarter struct {
	Log   *log2.Log
	Delay time.Duration
	Argv  []string // default os.Args
}

func (self *ExecRestarter) Restart(ctx context.Context, reason string) error {
	self.Log.Infof("restart reason=%s in %s", reason, self.Delay)
	if !helpers.Sleep(ctx, self.Delay) {
		return ctx.Err()
	}
	exe, err := os.Executable()
	if err != nil {
		return errors.Annotate(err, "restart")
	}
	argv := self.Argv
	if len(argv) == 0 {
		argv = os.Args
	}
	// returns only on error
	err = unix.Exec(exe, argv, os.Environ())
	return errors.Annotatef(err, "restart exec=%s", exe)
}

// ExitRestarter exits with RestartExitCode, for systemd Restart=on-failure.
type ExitRestarter struct {
	Log   *log2.Log
	Delay time.Duration
	Exit  func(code int) // default os.Exit
}

func (self *ExitRestarter) Restart(ctx context.Context, reason string) error {
	self.Log.Infof("restart reason=%s exit=%d in %s", reason, RestartExitCode, self.Delay)
	if !helpers.Sleep(ctx, self.Delay) {
		return ctx.Err()
	}
	exit := self.Exit
	if exit == nil {
		exit = os.Exit
	}
	exit(RestartExitCode)
	return nil
}
