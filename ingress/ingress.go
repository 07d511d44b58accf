// Package ingress implements the inbound packet task. It polls the receive
// ring and hands every frame to a consumer channel.
package ingress

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicd/e1000"
)

// FatalError ends the task. Err is the cause.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "ingress: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Receiver copies one pending frame into buf without blocking. It returns
// [e1000.ErrEmpty] when nothing is pending. [e1000.Device] implements it.
type Receiver interface {
	Receive(buf []byte) (int, error)
}

// Task is the packet ingress task.
type Task struct {
	l      *logrus.Entry
	rx     Receiver
	out    chan<- []byte
	yield  func()
	frames metrics.Counter
	bytes  metrics.Counter
}

// New returns a task that delivers received frames on out. Every frame is a
// fresh slice owned by the reader.
//
// There are options that can be passed to this constructor:
//   - [WithYielder]
//   - [WithRegistry]
func New(l *logrus.Logger, rx Receiver, out chan<- []byte, options ...Option) *Task {
	opts := optionDefaults
	opts.apply(options)

	return &Task{
		l:      l.WithField("subsystem", "ingress"),
		rx:     rx,
		out:    out,
		yield:  opts.yield,
		frames: metrics.GetOrRegisterCounter("ingress.frames", opts.registry),
		bytes:  metrics.GetOrRegisterCounter("ingress.bytes", opts.registry),
	}
}

// Run polls for frames until ctx is done or the receiver fails with anything
// but [e1000.ErrEmpty], which ends the task with a [FatalError].
func (t *Task) Run(ctx context.Context) error {
	buf := make([]byte, e1000.MaxFrameSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := t.rx.Receive(buf)
		if errors.Is(err, e1000.ErrEmpty) {
			t.yield()
			continue
		}
		if err != nil {
			return &FatalError{Err: fmt.Errorf("receive: %w", err)}
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		t.frames.Inc(1)
		t.bytes.Inc(int64(n))

		if t.l.Logger.IsLevelEnabled(logrus.DebugLevel) {
			t.l.WithFields(describe(frame)).Debug("Frame received")
		}

		select {
		case t.out <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// describe decodes the link and network headers of frame for logging.
func describe(frame []byte) logrus.Fields {
	f := logrus.Fields{"length": len(frame)}

	p := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	eth, ok := p.LinkLayer().(*layers.Ethernet)
	if !ok {
		if e := p.ErrorLayer(); e != nil {
			f["decodeError"] = e.Error()
		}
		return f
	}

	f["src"] = eth.SrcMAC.String()
	f["dst"] = eth.DstMAC.String()
	f["ethertype"] = eth.EthernetType.String()

	if nl := p.NetworkLayer(); nl != nil {
		src, dst := nl.NetworkFlow().Endpoints()
		f["networkSrc"] = src.String()
		f["networkDst"] = dst.String()
	}
	return f
}
