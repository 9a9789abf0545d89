package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
)

// Operation is one attempt of a write that may collide on a unique index.
type Operation func() error

// RetryPredicate decides whether a failed attempt is worth repeating.
type RetryPredicate func(err error) bool

const DefaultMaxRetries = 3

// Try runs op with DefaultMaxRetries, retrying on any duplicate key error.
func Try(ctx context.Context, op Operation) error {
	return WithRetries(ctx, op, DefaultMaxRetries, IsMongoDuplicateKeyError)
}

// WithRetries runs op up to maxRetries+1 times. Only errors accepted by
// retryable cause another attempt; anything else is returned at once. The
// pause between attempts grows by 50ms each time and is cut short when ctx
// is done.
func WithRetries(ctx context.Context, op Operation, maxRetries int, retryable RetryPredicate) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt == maxRetries || !retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(time.Duration(50*(attempt+1)) * time.Millisecond):
		}
	}
	return err
}

// IsMongoDuplicateKeyError reports whether err carries server code 11000.
func IsMongoDuplicateKeyError(err error) bool {
	return err != nil && mongo.IsDuplicateKeyError(err)
}

// DuplicateKeyIndex returns the name of the unique index a duplicate key
// error tripped on. Collections with several unique indexes use it to tell
// a real duplicate from a generated-value collision.
func DuplicateKeyIndex(err error) (string, bool) {
	if !IsMongoDuplicateKeyError(err) {
		return "", false
	}
	var messages []string
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			messages = append(messages, e.Message)
		}
	}
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) {
		for _, e := range bwe.WriteErrors {
			messages = append(messages, e.Message)
		}
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) {
		messages = append(messages, ce.Message)
	}
	for _, msg := range messages {
		// E11000 duplicate key error collection: db.coll index: <name> dup key: {...}
		_, rest, ok := strings.Cut(msg, " index: ")
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(rest, " ")
		return name, true
	}
	return "", true
}

// IsTransient reports errors worth surfacing as "try again later": network
// failures, server selection and operation timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return mongo.IsNetworkError(err) ||
		mongo.IsTimeout(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, mongo.ErrClientDisconnected)
}
