package exchange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetry_RetryableSucceedsEventually(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Factor: 0.001}
	calls := 0
	err := p.Do(context.Background(), "op", func() error {
		calls++
		if calls < 3 {
			return Classify("op", apiErr(-1003, "throttled"))
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_NonRetryableFailsFast(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Factor: 0.001}
	calls := 0
	err := p.Do(context.Background(), "op", func() error {
		calls++
		return Classify("op", apiErr(-2019, "margin insufficient"))
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, KindInsufficientBalance, KindOf(err))
}

func TestRetry_BudgetExhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Factor: 0.001}
	calls := 0
	err := p.Do(context.Background(), "op", func() error {
		calls++
		return Classify("op", apiErr(-1001, "down"))
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, KindExchangeDown, KindOf(err))
}
