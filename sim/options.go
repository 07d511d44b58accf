package sim

type optionValues struct {
	wire     func(frame []byte)
	loopback bool
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

var optionDefaults = optionValues{}

// Option can be passed to [New] to influence the device model.
type Option func(*optionValues)

// WithLoopback returns an [Option] that feeds every sent frame back into the
// receive ring, as if the port was cabled to itself.
func WithLoopback() Option {
	return func(o *optionValues) { o.loopback = true }
}

// WithWire returns an [Option] that hands every sent frame to fn. fn is called
// while the device model is busy and must not call back into it.
func WithWire(fn func(frame []byte)) Option {
	return func(o *optionValues) { o.wire = fn }
}
