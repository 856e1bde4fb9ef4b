package fault

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfThroughWrapping(t *testing.T) {
	base := New(StorageTransient, "store", "connection reset")
	wrapped := fmt.Errorf("saving turn: %w", base)

	assert.Equal(t, StorageTransient, KindOf(wrapped))
	assert.True(t, Is(wrapped, StorageTransient))
	assert.False(t, Is(wrapped, StorageFatal))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(StorageTransient, "store", "deadlock")))
	assert.True(t, Retryable(New(Provider5xx, "embedder", "bad gateway")))
	assert.True(t, Retryable(New(ProviderTimeout, "embedder", "deadline")))

	assert.False(t, Retryable(New(InputInvalid, "server", "too long")))
	assert.False(t, Retryable(New(StorageFatal, "store", "missing table")))
	assert.False(t, Retryable(New(Provider4xx, "embedder", "unauthorized")))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestErrorRendering(t *testing.T) {
	cause := errors.New("broken pipe")

	assert.Equal(t, "store: broken pipe", Wrap(StorageTransient, "store", cause).Error())
	assert.Equal(t, "store: save failed: broken pipe",
		Wrapf(StorageTransient, "store", cause, "save failed").Error())
	assert.Equal(t, "server: n must be in 1..20",
		New(InputInvalid, "server", "n must be in 1..20").Error())

	wrapped := Wrap(Provider5xx, "embedder", cause)
	require.ErrorIs(t, wrapped, cause)
}

func TestUserMessageTruncates(t *testing.T) {
	long := New(InputInvalid, "server", strings.Repeat("x", 500))
	msg := UserMessage(long)
	assert.Len(t, msg, 303)
	assert.True(t, strings.HasSuffix(msg, "..."))

	assert.Equal(t, "server: short", UserMessage(New(InputInvalid, "server", "short")))
}
