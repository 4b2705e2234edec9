package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewStderrSink(t *testing.T) {
	l, err := New(Options{Level: "debug"})
	require.NoError(t, err)
	require.NotNil(t, l)
	l.Info("hello")
}

func TestNewFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tablet.log")
	l, err := New(Options{Level: "info", FilePath: path})
	require.NoError(t, err)
	l.Info("wrote to file")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "wrote to file")
}

func TestNewDevelopmentEncoding(t *testing.T) {
	l, err := New(Options{Level: "warn", Development: true})
	require.NoError(t, err)
	require.NotNil(t, l)
}

func TestNop(t *testing.T) {
	require.NotNil(t, Nop())
}
