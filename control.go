package nicd

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicd/config"
	"github.com/slackhq/nicd/e1000"
	"github.com/slackhq/nicd/egress"
	"github.com/slackhq/nicd/ingress"
	"github.com/slackhq/nicd/sim"
	"golang.org/x/sync/errgroup"
)

// ErrNotRunning is returned by [Control.Send] when the driver is not running.
var ErrNotRunning = errors.New("driver is not running")

// Control runs the driver and its tasks.
type Control struct {
	l *logrus.Logger
	c *config.C

	device      *e1000.Device
	sim         *sim.Device
	simInterval time.Duration
	egress      *egress.Task
	ingress     *ingress.Task

	mailbox chan egress.Request
	frames  chan []byte
	sender  uint32

	statsStart func()
	closers    []io.Closer

	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	stopOnce sync.Once
}

// Start attaches the device and starts the tasks, this is a nonblocking call.
// To block use Control.ShutdownBlock()
func (c *Control) Start() error {
	if err := c.device.Attach(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.c.CatchHUP(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.egress.Run(gctx) })
	g.Go(func() error { return c.ingress.Run(gctx) })
	if c.sim != nil {
		g.Go(func() error { return c.sim.Run(gctx, c.simInterval) })
	}

	go func() {
		err := g.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			c.l.WithError(err).Error("Driver task failed")
			c.err = err
		}
		close(c.done)
	}()

	if c.statsStart != nil {
		go c.statsStart()
	}

	return nil
}

// Stop stops the tasks and the device, returns after the shutdown is complete.
// It returns the error that ended a task early, if any.
func (c *Control) Stop() error {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}

		if err := c.device.Close(); err != nil {
			c.l.WithError(err).Error("Close device failed")
		}
		closeAll(c.l, c.closers)
		c.l.Info("Goodbye")
	})
	return c.err
}

// ShutdownBlock will listen for and block on term and interrupt signals, or
// the failure of a task, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case rawSig := <-sigChan:
		c.l.WithField("signal", rawSig.String()).Info("Caught signal, shutting down")
	case <-c.done:
		c.l.Info("Driver tasks ended, shutting down")
	}
	return c.Stop()
}

// Device returns the driven device.
func (c *Control) Device() *e1000.Device {
	return c.device
}

// Send asks the egress task to send payload, split into frames as needed,
// and waits for the outcome.
func (c *Control) Send(ctx context.Context, payload []byte) error {
	if c.done == nil {
		return ErrNotRunning
	}

	reply := make(chan error, 1)
	req := egress.Request{
		Type:    egress.RequestOutput,
		Sender:  c.sender,
		Present: true,
		Payload: payload,
		Reply:   reply,
	}

	select {
	case c.mailbox <- req:
	case <-c.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Mailbox returns the egress task's mailbox for callers that build their own
// requests.
func (c *Control) Mailbox() chan<- egress.Request {
	return c.mailbox
}

// Frames returns the frames received by the ingress task.
func (c *Control) Frames() <-chan []byte {
	return c.frames
}

// Inject hands a frame to the software device as if it arrived on the wire.
// It is only available with the sim backend.
func (c *Control) Inject(frame []byte) error {
	if c.sim == nil {
		return errors.New("frames can only be injected into the sim backend")
	}
	return c.sim.Deliver(frame)
}
