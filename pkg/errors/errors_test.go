package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCodeMapping(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want int
	}{
		{CodeClientMalformed, 400},
		{CodeConfigMissing, 500},
		{CodeMiddlewareInternal, 500},
	}
	for _, c := range cases {
		e := New(c.code, "msg", "")
		assert.Equal(t, c.want, e.StatusCode())
	}
}

func TestWrapPreservesAppError(t *testing.T) {
	orig := NewStorageRead(errors.New("boom"))
	wrapped := Wrap(orig)
	require.Same(t, orig, wrapped)
}

func TestWrapDefaultsToMiddlewareInternal(t *testing.T) {
	wrapped := Wrap(errors.New("plain"))
	require.Equal(t, CodeMiddlewareInternal, wrapped.Code)
	require.ErrorIs(t, wrapped.Unwrap(), wrapped.Cause)
}

func TestIs(t *testing.T) {
	err := NewUpstreamNon2xx(503)
	assert.True(t, Is(err, CodeUpstreamNon2xx))
	assert.False(t, Is(err, CodeStorageRead))
	assert.False(t, Is(errors.New("plain"), CodeStorageRead))
}
