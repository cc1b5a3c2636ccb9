package chain

import (
	"errors"
	"time"
)

type config struct {
	receiptPollFreq time.Duration
	confirmations   uint64
}

var defaultConfig = config{
	receiptPollFreq: time.Second * 2,
	confirmations:   1,
}

// Option applies a configuration change.
type Option func(*config) error

// WithReceiptPollFreq configures how often transaction receipts are
// polled while waiting for finalization.
func WithReceiptPollFreq(f time.Duration) Option {
	return func(c *config) error {
		if f == 0 {
			return errors.New("frequency is zero")
		}
		c.receiptPollFreq = f
		return nil
	}
}

// WithConfirmations configures how many blocks must bury a receipt
// before it is considered final.
func WithConfirmations(n uint64) Option {
	return func(c *config) error {
		if n == 0 {
			return errors.New("confirmations is zero")
		}
		c.confirmations = n
		return nil
	}
}
