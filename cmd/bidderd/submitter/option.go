package submitter

import "errors"

type config struct {
	memoSize int
	refetch  func()
}

var defaultConfig = config{
	memoSize: 64,
}

// Option applies a configuration change.
type Option func(*config) error

// WithMemoSize configures how many prepared transactions are kept in
// the memoization cache.
func WithMemoSize(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return errors.New("memo size must be greater than zero")
		}
		c.memoSize = n
		return nil
	}
}

// WithRefetchTrigger configures a callback fired right after a
// broadcast, used to request an immediate reconcile poll.
func WithRefetchTrigger(f func()) Option {
	return func(c *config) error {
		if f == nil {
			return errors.New("trigger is nil")
		}
		c.refetch = f
		return nil
	}
}
