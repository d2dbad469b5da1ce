package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	t.Run("op, message and cause", func(t *testing.T) {
		err := NewExternal("registry.Probe", "health check failed", ErrConnectionFailed)
		assert.Equal(t, "registry.Probe: health check failed: connection failed", err.Error())
	})

	t.Run("op and message only", func(t *testing.T) {
		err := NewValidation("triggers.Create", "predicate path is required")
		assert.Equal(t, "triggers.Create: predicate path is required", err.Error())
	})

	t.Run("message only", func(t *testing.T) {
		err := NewConfiguration("redis URL is required", nil)
		assert.Equal(t, "redis URL is required", err.Error())
	})
}

func TestErrorUnwrap(t *testing.T) {
	err := NewNotFound("workflows.Get", ErrWorkflowNotFound)
	assert.True(t, errors.Is(err, ErrWorkflowNotFound))

	wrapped := fmt.Errorf("loading definition: %w", err)
	assert.True(t, errors.Is(wrapped, ErrWorkflowNotFound))

	var structured *Error
	require.True(t, errors.As(wrapped, &structured))
	assert.Equal(t, KindNotFound, structured.Kind)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"structured validation", NewValidation("op", "bad"), KindValidation},
		{"structured conflict", NewConflict("op", "dup", nil), KindConflict},
		{"structured timeout", NewTimeout("op", "deadline", nil), KindTimeout},
		{"bare sentinel not found", ErrTriggerNotFound, KindNotFound},
		{"bare sentinel timeout", ErrTimeout, KindTimeout},
		{"bare sentinel connection", ErrConnectionFailed, KindExternalUnavailable},
		{"bare sentinel run key", ErrRunKeyConflict, KindConflict},
		{"wrapped sentinel", fmt.Errorf("outer: %w", ErrServiceNotFound), KindNotFound},
		{"unknown error", errors.New("mystery"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsRetriable(t *testing.T) {
	assert.False(t, IsRetriable(nil))
	assert.True(t, IsRetriable(NewExternal("op", "down", nil)))
	assert.True(t, IsRetriable(NewTimeout("op", "slow", nil)))
	assert.True(t, IsRetriable(fmt.Errorf("dial: %w", ErrConnectionFailed)))
	assert.True(t, IsRetriable(ErrTimeout))

	assert.False(t, IsRetriable(NewValidation("op", "bad input")))
	assert.False(t, IsRetriable(NewConflict("op", "dup", nil)))
	assert.False(t, IsRetriable(NewInternal("op", "broken invariant", nil)))
	assert.False(t, IsRetriable(ErrRunKeyConflict))
}

func TestIsNotFound(t *testing.T) {
	sentinels := []error{
		ErrWorkflowNotFound, ErrRunNotFound, ErrTriggerNotFound,
		ErrDeliveryNotFound, ErrScheduleNotFound, ErrServiceNotFound,
		ErrModuleNotFound, ErrEventNotFound, ErrJobNotFound, ErrMountNotFound,
	}
	for _, s := range sentinels {
		assert.True(t, IsNotFound(s), s.Error())
		assert.True(t, IsNotFound(fmt.Errorf("wrap: %w", s)), s.Error())
	}
	assert.False(t, IsNotFound(ErrTimeout))
	assert.False(t, IsNotFound(nil))
}
