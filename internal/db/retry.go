package db

import (
	"context"
	"errors"
	"net"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
)

// Operation is a function that performs an action and returns an error if it fails.
type Operation func() error

// RetryableError is a function that decides whether an error is worth retrying.
type RetryableError func(err error) bool

const DefaultMaxRetries = 3

// Try executes an operation with default retry settings for duplicate key
// errors. Used for inserts whose random IDs can, rarely, collide.
func Try(op Operation) error {
	return WithRetries(op, DefaultMaxRetries, IsMongoDuplicateKeyError)
}

// TryTransient executes an operation retrying transient store failures
// (timeouts, network errors) with the same incremental backoff.
func TryTransient(op Operation) error {
	return WithRetries(op, DefaultMaxRetries, IsMongoTransientError)
}

// WithRetries executes an operation with a retry mechanism.
// It attempts the operation up to maxRetries times beyond the initial attempt.
func WithRetries(op Operation, maxRetries int, retryable RetryableError) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = op()
		if err == nil {
			return nil // Success
		}

		// If this was the last attempt (either initial if maxRetries = 0, or
		// the last retry) and it failed, break out to return the error.
		if attempt == maxRetries {
			break
		}

		if retryable(err) {
			time.Sleep(time.Duration(50*(attempt+1)) * time.Millisecond) // Simple incremental backoff
		} else {
			return err // Not retryable, return immediately
		}
	}
	return err // All attempts failed or last attempt failed
}

// IsMongoDuplicateKeyError checks if an error from MongoDB is a duplicate key error (code 11000).
func IsMongoDuplicateKeyError(err error) bool {
	var e mongo.WriteException
	if errors.As(err, &e) {
		for _, we := range e.WriteErrors {
			if we.Code == 11000 {
				return true
			}
		}
	}
	// Also check for BulkWriteException, which can contain duplicate key errors
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) {
		for _, writeError := range bwe.WriteErrors {
			if writeError.Code == 11000 {
				return true
			}
		}
	}
	// CommandError with code 11000 shows up on upserts inside transactions
	var ce mongo.CommandError
	if errors.As(err, &ce) && ce.Code == 11000 {
		return true
	}
	return false
}

// IsMongoTransientError reports whether an error looks like a temporary
// store failure the caller should retry with backoff rather than surface
// as a hard failure.
func IsMongoTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) && ce.HasErrorLabel("TransientTransactionError") {
		return true
	}
	return false
}
