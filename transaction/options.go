package transaction

// Option is a functional option configuring an Engine.
type Option func(*config)

type config struct {
	maxRetransmissions int
	firstRetransmit    int // ms
	maxRetransmitTimer int // ms
	keepAfterResponse  bool
}

func defaultConfig() config {
	return config{
		maxRetransmissions: 6,
		firstRetransmit:    100,
		maxRetransmitTimer: 1600,
	}
}

// WithMaxRetransmissions overrides the default of 6.
func WithMaxRetransmissions(n int) Option {
	return func(c *config) { c.maxRetransmissions = n }
}

// WithFirstRetransmitAfter overrides the default 100ms first retransmit
// delay.
func WithFirstRetransmitAfter(ms int) Option {
	return func(c *config) { c.firstRetransmit = ms }
}

// WithMaxRetransmitTimer overrides the default 1600ms retransmit cap
//.
func WithMaxRetransmitTimer(ms int) Option {
	return func(c *config) { c.maxRetransmitTimer = ms }
}

// WithKeepTransactionsAfterResponse defers the deregistration of a finished
// ClientTransaction by one retransmit-cap interval, so duplicate responses
// arriving in that window are absorbed without a second callback.
func WithKeepTransactionsAfterResponse(keep bool) Option {
	return func(c *config) { c.keepAfterResponse = keep }
}
