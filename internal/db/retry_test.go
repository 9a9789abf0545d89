package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"

	"tourmarket/settlement/internal/utils"
)

func duplicateKeyError(index, key string) error {
	return mongo.WriteException{WriteErrors: []mongo.WriteError{{
		Code:    11000,
		Message: fmt.Sprintf("E11000 duplicate key error collection: test.invoices index: %s dup key: { : \"%s\" }", index, key),
	}}}
}

func TestWithRetries_SuccessfulFirstAttempt(t *testing.T) {
	calls := 0
	err := WithRetries(context.Background(), func() error {
		calls++
		return nil
	}, 3, IsMongoDuplicateKeyError)

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetries_NonRetryableReturnsImmediately(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := WithRetries(context.Background(), func() error {
		calls++
		return boom
	}, 3, IsMongoDuplicateKeyError)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestWithRetries_ExhaustsRetries(t *testing.T) {
	calls := 0
	err := WithRetries(context.Background(), func() error {
		calls++
		return duplicateKeyError("invoice_number_1", "CI-0000000001")
	}, 2, IsMongoDuplicateKeyError)

	require.Error(t, err)
	assert.True(t, IsMongoDuplicateKeyError(err))
	assert.Equal(t, 3, calls)
}

func TestWithRetries_CollisionResolves(t *testing.T) {
	originalHook := utils.NewSixIDHook
	defer func() { utils.NewSixIDHook = originalHook }()

	taken := utils.SixID{1, 2, 3, 4, 5, 1}
	fresh := utils.SixID{1, 2, 3, 4, 5, 2}
	queue := []utils.SixID{taken, taken, fresh}
	utils.NewSixIDHook = func() (utils.SixID, bool) {
		if len(queue) == 0 {
			return utils.SixID{}, false
		}
		id := queue[0]
		queue = queue[1:]
		return id, true
	}

	inserted := map[utils.SixID]bool{taken: true}
	calls := 0
	err := WithRetries(context.Background(), func() error {
		calls++
		id := utils.NewSixID()
		if inserted[id] {
			return duplicateKeyError("invoice_number_1", id.String())
		}
		inserted[id] = true
		return nil
	}, 3, IsMongoDuplicateKeyError)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, inserted[fresh])
	assert.Len(t, inserted, 2)
}

func TestWithRetries_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	start := time.Now()
	err := WithRetries(ctx, func() error {
		calls++
		return duplicateKeyError("invoice_number_1", "x")
	}, 5, IsMongoDuplicateKeyError)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestDuplicateKeyIndex(t *testing.T) {
	name, ok := DuplicateKeyIndex(duplicateKeyError("uniq_invoice_booking", "bk-1"))
	assert.True(t, ok)
	assert.Equal(t, "uniq_invoice_booking", name)

	_, ok = DuplicateKeyIndex(errors.New("not mongo"))
	assert.False(t, ok)

	wrapped := fmt.Errorf("insert invoice: %w", duplicateKeyError("invoice_number_1", "x"))
	name, ok = DuplicateKeyIndex(wrapped)
	assert.True(t, ok)
	assert.Equal(t, "invoice_number_1", name)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("validation failed")))
	assert.True(t, IsTransient(fmt.Errorf("find: %w", context.DeadlineExceeded)))
	assert.True(t, IsTransient(mongo.ErrClientDisconnected))
}
