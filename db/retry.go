package db

import (
	"errors"
	"time"

	"github.com/bnb-chain/eth-gateway/logging"
)

const (
	RetryAttempts = 3
	RetryInterval = 100 * time.Millisecond
)

// Retry runs fn until it succeeds, returns a permanent error, or the attempts
// are exhausted. ErrNotFound and ErrCorrupted are never retried.
func Retry(name string, fn func() error) error {
	var err error
	interval := RetryInterval
	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrCorrupted) {
			return err
		}
		if attempt < RetryAttempts {
			logging.Logger.Warningf("%s failed, attempt=%d, err=%s", name, attempt, err.Error())
			time.Sleep(interval)
			interval *= 2
		}
	}
	return err
}
