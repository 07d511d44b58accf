package egress

import (
	"runtime"

	"github.com/rcrowley/go-metrics"
)

type optionValues struct {
	yield    func()
	registry metrics.Registry
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

var optionDefaults = optionValues{
	yield:    runtime.Gosched,
	registry: metrics.DefaultRegistry,
}

// Option can be passed to [New] to influence the task.
type Option func(*optionValues)

// WithYielder returns an [Option] that replaces the function called while the
// transmitter is busy. The default is [runtime.Gosched].
func WithYielder(yield func()) Option {
	return func(o *optionValues) { o.yield = yield }
}

// WithRegistry returns an [Option] that registers the task's counters in r
// instead of the default registry.
func WithRegistry(r metrics.Registry) Option {
	return func(o *optionValues) { o.registry = r }
}
