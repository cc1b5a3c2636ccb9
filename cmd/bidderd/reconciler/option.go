package reconciler

import (
	"fmt"
	"time"
)

type config struct {
	pollFreq              time.Duration
	requestTimeout        time.Duration
	postEndBufferBlocks   uint64
	optimisticMatchWindow time.Duration
	optimisticExpiry      time.Duration
	graduated             func() bool
}

var defaultConfig = config{
	pollFreq:              time.Second * 10,
	requestTimeout:        time.Second * 30,
	postEndBufferBlocks:   30,
	optimisticMatchWindow: time.Second * 20,
	optimisticExpiry:      time.Second * 30,
	graduated:             func() bool { return false },
}

// Option applies a configuration change.
type Option func(*config) error

// WithPollFreq indicates the frequency of periodic reconcile passes.
func WithPollFreq(f time.Duration) Option {
	return func(c *config) error {
		if f <= 0 {
			return fmt.Errorf("poll frequency must be positive")
		}
		c.pollFreq = f
		return nil
	}
}

// WithRequestTimeout indicates the timeout applied to a single
// reconcile pass.
func WithRequestTimeout(t time.Duration) Option {
	return func(c *config) error {
		if t <= 0 {
			return fmt.Errorf("request timeout must be positive")
		}
		c.requestTimeout = t
		return nil
	}
}

// WithPostEndBufferBlocks indicates for how many blocks after the
// auction end polling continues unconditionally, absorbing backend
// indexer lag.
func WithPostEndBufferBlocks(n uint64) Option {
	return func(c *config) error {
		c.postEndBufferBlocks = n
		return nil
	}
}

// WithOptimisticMatchWindow indicates the maximum distance between a
// backend bid's creation time and the local broadcast time for the two
// to be considered the same bid.
func WithOptimisticMatchWindow(w time.Duration) Option {
	return func(c *config) error {
		if w <= 0 {
			return fmt.Errorf("match window must be positive")
		}
		c.optimisticMatchWindow = w
		return nil
	}
}

// WithOptimisticExpiry indicates how long an unconfirmed optimistic bid
// is displayed before being discarded.
func WithOptimisticExpiry(e time.Duration) Option {
	return func(c *config) error {
		if e <= 0 {
			return fmt.Errorf("expiry must be positive")
		}
		c.optimisticExpiry = e
		return nil
	}
}

// WithGraduationSource indicates the predicate deciding whether the
// token has graduated, which changes the terminal status for withdrawn
// bids.
func WithGraduationSource(f func() bool) Option {
	return func(c *config) error {
		if f == nil {
			return fmt.Errorf("graduation source is nil")
		}
		c.graduated = f
		return nil
	}
}
