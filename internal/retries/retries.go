package retries

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 50 * time.Millisecond

	HealthAttempts  = 2
	HealthBaseDelay = 100 * time.Millisecond
)

// Retry calls fn until it succeeds, returns a non-retriable error, or
// attempts run out. The delay doubles after each failed attempt.
func Retry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error, isRetriable func(error) bool) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	delay := baseDelay
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if isRetriable != nil && !isRetriable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func IsRetriableDbError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var throughput *types.ProvisionedThroughputExceededException
	if errors.As(err, &throughput) {
		return true
	}
	var limit *types.RequestLimitExceeded
	if errors.As(err, &limit) {
		return true
	}
	var internal *types.InternalServerError
	if errors.As(err, &internal) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailable", "InternalFailure":
			return true
		}
		return false
	}

	return false
}

// IsRetriableSqlError retries only driver-level connection hiccups; query
// errors and conditional misses are final.
func IsRetriableSqlError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
