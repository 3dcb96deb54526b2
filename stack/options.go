package stack

import "github.com/kanzi-net/stuncore/transaction"

// Option is a functional option configuring a Stack.
type Option func(*config)

type config struct {
	requireIntegrity     bool
	propagateRetransmits bool
	transactionOpts      []transaction.Option
}

func defaultConfig() config {
	return config{}
}

// WithRequireMessageIntegrity makes requests without MESSAGE-INTEGRITY fail
// validation with 401 Unauthorized.
func WithRequireMessageIntegrity(require bool) Option {
	return func(c *config) { c.requireIntegrity = require }
}

// WithPropagateRetransmissions delivers retransmitted requests to listeners
// even after the initial response was recorded. The stored response is still
// re-emitted first.
func WithPropagateRetransmissions(propagate bool) Option {
	return func(c *config) { c.propagateRetransmits = propagate }
}

// WithTransactionOptions forwards options to the embedded transaction
// Engine (retransmission counts and timers, keep-after-response).
func WithTransactionOptions(opts ...transaction.Option) Option {
	return func(c *config) { c.transactionOpts = append(c.transactionOpts, opts...) }
}
