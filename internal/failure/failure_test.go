package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("load listing: %w", New(KindCallReverted, "energyListings", "", errors.New("execution reverted")))

	assert.True(t, errors.Is(err, ErrCallReverted))
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, KindCallReverted, KindOf(err))
}

func TestKindOfRawErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTimeout},
		{"revert", errors.New("execution reverted: insufficient balance"), KindCallReverted},
		{"refused", errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"), KindConnection},
		{"other", errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestClassifyKeepsExistingKind(t *testing.T) {
	original := New(KindPartialFetch, "scan", "2 ids failed", nil)
	assert.Same(t, original, Classify("outer", original))

	wrapped := Classify("balanceOf", context.DeadlineExceeded)
	assert.True(t, errors.Is(wrapped, ErrTimeout))
	assert.True(t, errors.Is(wrapped, context.DeadlineExceeded))
}

func TestUserMessage(t *testing.T) {
	assert.Contains(t, UserMessage(ErrConnection), "No wallet")
	assert.Equal(t, "amount below minimum", UserMessage(Invalid("purchase", "amount below minimum")))
	assert.Empty(t, UserMessage(nil))
}
