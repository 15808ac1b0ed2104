package camera

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/gpio-cdev-go"
	"github.com/temoto/metercam/helpers"
	"github.com/temoto/metercam/log2"
)

const (
	DefaultFlashWarmup = 250 * time.Millisecond
	flashConsumer      = "metercam-flash"
)

// Flash is LED on a GPIO output line, lit for Warmup before capture.
type Flash struct {
	log    *log2.Log
	chip   gpio.Chiper
	lines  gpio.Lineser
	set    gpio.LineSetFunc
	line   uint32
	Warmup time.Duration
}

func OpenFlash(log *log2.Log, chipPath string, line uint32) (*Flash, error) {
	chip, err := gpio.Open(chipPath, flashConsumer)
	if err != nil {
		return nil, errors.Annotatef(err, "flash chip=%s", chipPath)
	}
	f, err := NewFlash(log, chip, line)
	if err != nil {
		_ = chip.Close()
		return nil, err
	}
	return f, nil
}

// NewFlash takes ownership of chip.
func NewFlash(log *log2.Log, chip gpio.Chiper, line uint32) (*Flash, error) {
	lines, err := chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, flashConsumer, line)
	if err != nil {
		return nil, errors.Annotatef(err, "flash line=%d", line)
	}
	f := &Flash{
		log:    log,
		chip:   chip,
		lines:  lines,
		set:    lines.SetFunc(line),
		line:   line,
		Warmup: DefaultFlashWarmup,
	}
	if err = f.write(0); err != nil {
		_ = lines.Close()
		return nil, err
	}
	return f, nil
}

// On lights LED and waits Warmup.
func (f *Flash) On(ctx context.Context) error {
	if err := f.write(1); err != nil {
		return err
	}
	if !helpers.Sleep(ctx, f.Warmup) {
		return ctx.Err()
	}
	return nil
}

func (f *Flash) Off() error { return f.write(0) }

func (f *Flash) Close() error {
	return helpers.CloseAll(f.lines, f.chip)
}

func (f *Flash) write(v byte) error {
	f.set(v)
	if err := f.lines.Flush(); err != nil {
		return errors.Annotatef(err, "flash line=%d value=%d", f.line, v)
	}
	return nil
}

type flashCamera struct {
	Camera
	flash *Flash
}

// WithFlash lights flash around every capture of cam.
// Close closes both.
func WithFlash(cam Camera, flash *Flash) Camera {
	if flash == nil {
		return cam
	}
	return &flashCamera{Camera: cam, flash: flash}
}

func (self *flashCamera) Capture(ctx context.Context) (*Frame, error) {
	if err := self.flash.On(ctx); err != nil {
		self.flash.log.Errorf("flash on err=%v", err)
	}
	frame, err := self.Camera.Capture(ctx)
	if offErr := self.flash.Off(); offErr != nil {
		self.flash.log.Errorf("flash off err=%v", offErr)
	}
	return frame, err
}

func (self *flashCamera) Close() error {
	return helpers.CloseAll(self.Camera, self.flash)
}
