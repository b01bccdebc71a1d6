package vmerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New(KindNotFound, "blob missing")
	require.Error(t, err)
	assert.Equal(t, "not-found: blob missing", err.Error())
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestNewf(t *testing.T) {
	err := Newf(KindInvalidArgument, "bad digest %q", "sha256:zz")
	assert.Equal(t, `invalid-argument: bad digest "sha256:zz"`, err.Error())
}

func TestWrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindInternal, cause, "writing blob")
	assert.Equal(t, "internal-error: writing blob: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestWrapNilCause(t *testing.T) {
	err := Wrap(KindExists, nil, "already tagged")
	assert.Equal(t, "exists: already tagged", err.Error())
	assert.Nil(t, errors.Unwrap(err))
}

func TestWrapf(t *testing.T) {
	cause := errors.New("timeout")
	err := Wrapf(KindTimeout, cause, "waiting on lock %d", 7)
	assert.Equal(t, "timeout: waiting on lock 7: timeout", err.Error())
}

func TestIs(t *testing.T) {
	err := New(KindUnsupported, "artifact type")
	assert.True(t, Is(err, KindUnsupported))
	assert.False(t, Is(err, KindNotFound))
	assert.False(t, Is(errors.New("plain"), KindUnsupported))
}

func TestKindOfUnknownForPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestKindStrings(t *testing.T) {
	cases := map[Kind]string{
		KindInvalidArgument: "invalid-argument",
		KindNotFound:        "not-found",
		KindExists:          "exists",
		KindInvalidState:    "invalid-state",
		KindUnsupported:     "unsupported",
		KindCancelled:       "cancelled",
		KindTimeout:         "timeout",
		KindInternal:        "internal-error",
		KindInterrupted:     "interrupted",
		KindUnknown:         "unknown",
		Kind(999):           "unknown",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String(), "kind=%d", kind)
	}
}

func TestErrorsAsChain(t *testing.T) {
	inner := New(KindNotFound, "manifest missing")
	outer := fmt.Errorf("resolving reference: %w", inner)

	var e *Error
	require.ErrorAs(t, outer, &e)
	assert.Equal(t, KindNotFound, e.Kind)
	assert.Equal(t, KindNotFound, KindOf(outer))
}
