package status

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	require.Equal(t, OK, CodeOf(nil))
	require.Equal(t, NotFound, CodeOf(NotFoundf("row %d", 7)))
	require.Equal(t, RuntimeError, CodeOf(errors.New("plain")))
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	s := Wrap(IOError, cause, "writing segment")
	require.True(t, errors.Is(s, cause))
	require.True(t, Is(s, IOError))
	require.False(t, Is(s, Corruption))
}

func TestInvariantPanics(t *testing.T) {
	require.Panics(t, func() { Invariant(false, "double commit") })
	require.NotPanics(t, func() { Invariant(true, "fine") })
}
