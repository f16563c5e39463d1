// Package asyncutil has helpers for waiting on slow external services.
package asyncutil

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Await attempts the given condition the specified amount of times,
// doubling the wait between attempts. When the condition never holds it
// returns an error naming the attempts and total time waited.
func Await(attempts int, sleep time.Duration, fn func() bool, msgs ...string) error {
	waited := time.Duration(0)
	wait := sleep
	for attempt := 0; attempt < attempts; attempt++ {
		if fn() {
			return nil
		}
		if attempt < attempts-1 {
			time.Sleep(wait)
			waited += wait
			wait *= 2
		}
	}

	msg := fmt.Sprintf("condition was not true after %d attempts and %s total waiting time",
		attempts, waited)
	for _, m := range msgs {
		msg += ": " + m
	}
	return errors.New(msg)
}

// Retry retries the given function until it doesn't fail, doubling the
// wait between attempts. Returns the last error when all attempts fail.
func Retry(attempts int, sleep time.Duration, fn func() error) error {
	var err error
	wait := sleep
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < attempts-1 {
			time.Sleep(wait)
			wait *= 2
		}
	}
	return err
}
