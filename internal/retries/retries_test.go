package retries

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	}, func(err error) bool { return errors.Is(err, errTransient) })

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnNonRetriable(t *testing.T) {
	final := errors.New("final")
	calls := 0
	err := Retry(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return final
	}, func(err error) bool { return errors.Is(err, errTransient) })

	assert.ErrorIs(t, err, final)
	assert.Equal(t, 1, calls)
}

func TestRetryReturnsLastErrorWhenAttemptsExhausted(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return errTransient
	}, nil)

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 2, calls)
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, 3, time.Second, func() error { return errTransient }, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsRetriableDbError(t *testing.T) {
	assert.True(t, IsRetriableDbError(&types.ProvisionedThroughputExceededException{}))
	assert.True(t, IsRetriableDbError(&types.InternalServerError{}))
	assert.False(t, IsRetriableDbError(&types.ConditionalCheckFailedException{}))
	assert.False(t, IsRetriableDbError(context.DeadlineExceeded))
	assert.False(t, IsRetriableDbError(nil))
}

type timeoutErr struct{ timeout bool }

func (e timeoutErr) Error() string { return "dial tcp: i/o timeout" }
func (e timeoutErr) Timeout() bool { return e.timeout }

func TestIsRetriableSqlError(t *testing.T) {
	assert.True(t, IsRetriableSqlError(fmt.Errorf("ping: %w", timeoutErr{timeout: true})))
	assert.False(t, IsRetriableSqlError(timeoutErr{}))
	assert.False(t, IsRetriableSqlError(errors.New("syntax error at or near")))
	assert.False(t, IsRetriableSqlError(context.Canceled))
	assert.False(t, IsRetriableSqlError(nil))
}
