package errkind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapAndOf(t *testing.T) {
	base := errors.New("connection reset")
	err := Wrap(base, TransientIO, "dial failed")

	kind, ok := Of(err)
	require.True(t, ok)
	assert.Equal(t, TransientIO, kind)
	assert.True(t, errors.Is(err, err))
	assert.ErrorIs(t, err, base)
}

func TestOfUnclassifiedError(t *testing.T) {
	_, ok := Of(errors.New("plain error"))
	assert.False(t, ok)
}

func TestOfSurvivesFmtWrap(t *testing.T) {
	base := Wrap(errors.New("boom"), Auth, "register")
	outer := fmt.Errorf("connect: %w", base)

	kind, ok := Of(outer)
	require.True(t, ok)
	assert.Equal(t, Auth, kind)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(TransientIO))
	assert.True(t, Retryable(Timeout))
	assert.True(t, Retryable(ResourceExhausted))
	assert.False(t, Retryable(Auth))
	assert.False(t, Retryable(MalformedInput))
	assert.False(t, Retryable(Cancelled))
}
