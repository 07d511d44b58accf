// Package egress implements the outbound packet task. It takes output
// requests from a mailbox, splits their payload into frames the driver can
// send and pushes them into the transmit ring, yielding while the ring is
// full.
package egress

import (
	"context"
	"errors"
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicd/e1000"
)

// RequestType identifies what a mailbox request asks for.
type RequestType uint32

// RequestOutput asks the task to send the request payload.
const RequestOutput RequestType = 11

func (t RequestType) String() string {
	if t == RequestOutput {
		return "output"
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// Request is a message in the task's mailbox.
type Request struct {
	Type RequestType
	// Sender is the id of the requesting task.
	Sender uint32
	// Present reports whether a payload was mapped with the request.
	Present bool
	Payload []byte
	// Reply, when not nil, receives the outcome of the request. It should be
	// buffered, the task does not wait for a reader.
	Reply chan<- error
}

// ErrInvalidRequest is replied to requests that are not output requests from
// the network server or that carry no payload.
var ErrInvalidRequest = errors.New("invalid request")

// FatalError ends the task. Err is the cause.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "egress: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Transmitter queues one frame without blocking. It returns [e1000.ErrBusy]
// while it has no room. [e1000.Device] implements it.
type Transmitter interface {
	Transmit(frame []byte) error
}

type taskMetrics struct {
	frames   metrics.Counter
	segments metrics.Counter
	busy     metrics.Counter
	invalid  metrics.Counter
}

func newTaskMetrics(r metrics.Registry) taskMetrics {
	return taskMetrics{
		frames:   metrics.GetOrRegisterCounter("egress.frames", r),
		segments: metrics.GetOrRegisterCounter("egress.segments", r),
		busy:     metrics.GetOrRegisterCounter("egress.busy", r),
		invalid:  metrics.GetOrRegisterCounter("egress.invalid", r),
	}
}

// Task is the packet egress task.
type Task struct {
	l       *logrus.Entry
	tx      Transmitter
	mailbox <-chan Request
	server  uint32
	yield   func()
	metrics taskMetrics
}

// New returns a task that serves output requests sent by the network server
// with id server through mailbox.
//
// There are options that can be passed to this constructor:
//   - [WithYielder]
//   - [WithRegistry]
func New(l *logrus.Logger, tx Transmitter, mailbox <-chan Request, server uint32, options ...Option) *Task {
	opts := optionDefaults
	opts.apply(options)

	return &Task{
		l:       l.WithField("subsystem", "egress"),
		tx:      tx,
		mailbox: mailbox,
		server:  server,
		yield:   opts.yield,
		metrics: newTaskMetrics(opts.registry),
	}
}

// Run serves requests until ctx is done, the mailbox is closed or the
// transmitter fails with anything but [e1000.ErrBusy]. The last two end the
// task with a [FatalError].
func (t *Task) Run(ctx context.Context) error {
	t.l.WithField("server", t.server).Info("Egress task started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case req, ok := <-t.mailbox:
			if !ok {
				return &FatalError{Err: errors.New("mailbox closed")}
			}
			if err := t.handle(ctx, req); err != nil {
				return err
			}
		}
	}
}

func (t *Task) handle(ctx context.Context, req Request) error {
	if req.Type != RequestOutput || req.Sender != t.server || !req.Present {
		t.metrics.invalid.Inc(1)
		t.l.WithFields(logrus.Fields{
			"type":    req.Type,
			"sender":  req.Sender,
			"present": req.Present,
		}).Warn("Ignoring invalid request")
		t.reply(req, ErrInvalidRequest)
		return nil
	}

	if err := t.send(ctx, req.Payload); err != nil {
		t.reply(req, err)
		return err
	}

	t.metrics.frames.Inc(1)
	t.reply(req, nil)
	return nil
}

// send pushes payload into the transmitter in consecutive segments of at most
// [e1000.MaxFrameSize] bytes. An empty payload sends nothing.
func (t *Task) send(ctx context.Context, payload []byte) error {
	for off := 0; off < len(payload); off += e1000.MaxFrameSize {
		segment := payload[off:min(off+e1000.MaxFrameSize, len(payload))]

		for {
			err := t.tx.Transmit(segment)
			if err == nil {
				break
			}
			if !errors.Is(err, e1000.ErrBusy) {
				return &FatalError{Err: fmt.Errorf("transmit %d byte segment at offset %d: %w", len(segment), off, err)}
			}

			t.metrics.busy.Inc(1)
			t.yield()
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		t.metrics.segments.Inc(1)
		if t.l.Logger.IsLevelEnabled(logrus.TraceLevel) {
			t.l.WithFields(logrus.Fields{"offset": off, "length": len(segment)}).Trace("Segment queued")
		}
	}
	return nil
}

func (t *Task) reply(req Request, err error) {
	if req.Reply == nil {
		return
	}
	select {
	case req.Reply <- err:
	default:
		t.l.WithField("sender", req.Sender).Debug("Dropped reply, nobody is waiting")
	}
}
