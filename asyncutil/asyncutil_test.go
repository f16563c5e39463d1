package asyncutil_test

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"gitlab.com/permagate/payward/asyncutil"
	"gitlab.com/permagate/payward/testutil"
)

func TestAwait(t *testing.T) {
	t.Parallel()

	t.Run("returns once the condition holds", func(t *testing.T) {
		calls := 0
		err := asyncutil.Await(5, time.Millisecond, func() bool {
			calls++
			return calls == 3
		})
		require.NoError(t, err)
		testutil.AssertEqual(t, 3, calls)
	})

	t.Run("fails when the condition never holds", func(t *testing.T) {
		err := asyncutil.Await(3, time.Millisecond, func() bool {
			return false
		}, "still down")
		require.Error(t, err)
		require.Contains(t, err.Error(), "still down")
	})
}

func TestRetry(t *testing.T) {
	t.Parallel()

	t.Run("stops at the first success", func(t *testing.T) {
		calls := 0
		err := asyncutil.Retry(5, time.Millisecond, func() error {
			calls++
			if calls < 2 {
				return errors.New("not yet")
			}
			return nil
		})
		require.NoError(t, err)
		testutil.AssertEqual(t, 2, calls)
	})

	t.Run("returns the last error when all attempts fail", func(t *testing.T) {
		boom := errors.New("boom")
		err := asyncutil.Retry(3, time.Millisecond, func() error {
			return boom
		})
		require.ErrorIs(t, err, boom)
	})
}
