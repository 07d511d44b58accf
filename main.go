package nicd

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicd/config"
	"github.com/slackhq/nicd/dma"
	"github.com/slackhq/nicd/e1000"
	"github.com/slackhq/nicd/egress"
	"github.com/slackhq/nicd/ingress"
	"github.com/slackhq/nicd/pci"
	"github.com/slackhq/nicd/sim"
	"github.com/slackhq/nicd/util"
	"go.yaml.in/yaml/v3"
)

// Main builds the driver and its tasks from the config. Nothing touches the
// device until [Control.Start] is called. With configTest set the config is
// printed and validated and no listener is started.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (*Control, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		reloadLogger(l, c)
	})

	mac, err := c.GetHardwareAddr("device.mac", e1000.DefaultMAC)
	if err != nil {
		return nil, util.NewContextualError("Invalid station address", nil, err)
	}

	var (
		fn      e1000.Function
		hw      *sim.Device
		pool    *dma.Pool
		closers []io.Closer
	)

	backend := strings.ToLower(c.GetString("device.backend", "sim"))
	switch backend {
	case "sim":
		pool = dma.NewPool(dma.Identity{}, c.GetBool("device.lock_memory", false))

		var opts []sim.Option
		if c.GetBool("device.sim.loopback", true) {
			opts = append(opts, sim.WithLoopback())
		}
		hw = sim.New(l, pool, opts...)
		fn = hw

	case "pci":
		f, err := findFunction(l, c)
		if err != nil {
			return nil, err
		}
		fn = f

		pm, err := dma.OpenPagemap()
		if err != nil {
			return nil, util.NewContextualError("Failed to open the pagemap", nil, err)
		}
		closers = append(closers, pm)
		pool = dma.NewPool(pm, c.GetBool("device.lock_memory", true))

	default:
		return nil, util.NewContextualError("Unknown device backend", logrus.Fields{"backend": backend}, nil)
	}

	d, err := e1000.NewDevice(l, fn, pool, e1000.WithMAC(mac))
	if err != nil {
		closeAll(l, closers)
		return nil, util.NewContextualError("Failed to create the device", nil, err)
	}

	yield := runtime.Gosched
	if sleep := c.GetDuration("device.poll_sleep", 0); sleep > 0 {
		yield = func() { time.Sleep(sleep) }
	}

	mailbox := make(chan egress.Request, c.GetInt("egress.mailbox", 64))
	frames := make(chan []byte, c.GetInt("ingress.buffer", 64))
	sender := c.GetUint32("egress.sender", 0)

	statsStart, statsCloser, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		closeAll(l, closers)
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}
	if statsCloser != nil {
		closers = append(closers, statsCloser)
	}

	l.WithFields(logrus.Fields{
		"backend": backend,
		"mac":     mac.String(),
		"sender":  sender,
		"version": buildVersion,
		"files":   c.Files(),
	}).Info("Driver configured")

	return &Control{
		l:           l,
		c:           c,
		device:      d,
		sim:         hw,
		simInterval: c.GetDuration("device.sim.interval", time.Millisecond),
		egress:      egress.New(l, d, mailbox, sender, egress.WithYielder(yield)),
		ingress:     ingress.New(l, d, frames, ingress.WithYielder(yield)),
		mailbox:     mailbox,
		frames:      frames,
		sender:      sender,
		statsStart:  statsStart,
		closers:     closers,
	}, nil
}

func findFunction(l *logrus.Logger, c *config.C) (*pci.Function, error) {
	root := c.GetString("device.pci.root", "/sys")
	if c.IsSet("device.pci.address") {
		address := c.GetString("device.pci.address", "")
		f, err := pci.Open(l, root, address)
		if err != nil {
			return nil, util.NewContextualError("Failed to open pci function", logrus.Fields{"root": root, "address": address}, err)
		}
		for _, id := range pci.E1000 {
			if f.ID == id {
				return f, nil
			}
		}
		return nil, util.NewContextualError("Unsupported pci function", logrus.Fields{"address": address, "id": f.ID.String()}, nil)
	}

	f, err := pci.Find(l, root, pci.E1000...)
	if err != nil {
		return nil, util.NewContextualError("Failed to find an e1000", logrus.Fields{"root": root}, err)
	}
	return f, nil
}

func closeAll(l *logrus.Logger, closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			l.WithError(err).WithField("resource", fmt.Sprintf("%T", c)).Error("Failed to close")
		}
	}
}
