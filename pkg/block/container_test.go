package block

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateReadDeleteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, "t0000001", nil)
	require.NoError(t, err)
	defer c.Close()

	w := c.CreateBlock()
	_, err = w.Write([]byte("hello block"))
	require.NoError(t, err)
	id, err := w.CloseBlock(1)
	require.NoError(t, err)

	data, err := c.ReadBlock(id)
	require.NoError(t, err)
	require.Equal(t, "hello block", string(data))
	require.ElementsMatch(t, []ID{id}, c.AllBlocks())

	require.NoError(t, c.DeleteBlock(id, 2, false))
	_, err = c.ReadBlock(id)
	require.Error(t, err)
	require.Empty(t, c.AllBlocks())
}

func TestReopenReplaysMetadata(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, "t0000002", nil)
	require.NoError(t, err)
	w := c.CreateBlock()
	w.Write([]byte("persisted"))
	id, err := w.CloseBlock(1)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c2, err := Open(dir, "t0000002", nil)
	require.NoError(t, err)
	defer c2.Close()
	data, err := c2.ReadBlock(id)
	require.NoError(t, err)
	require.Equal(t, "persisted", string(data))
}

func TestIncompletePairRemoved(t *testing.T) {
	dir := t.TempDir()
	// Only a .data file exists, no .metadata: simulates a crash between
	// the two file creates.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "t0000003.data"), []byte("orphaned"), 0o644))

	c, err := Open(dir, "t0000003", nil)
	require.NoError(t, err)
	defer c.Close()
	require.Empty(t, c.AllBlocks())
}

func TestTruncatedTrailingRecordIsTrimmed(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, "t0000004", nil)
	require.NoError(t, err)
	w := c.CreateBlock()
	w.Write([]byte("a"))
	_, err = w.CloseBlock(1)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	// Append a handful of junk bytes simulating a torn write of the next
	// record.
	f, err := os.OpenFile(filepath.Join(dir, "t0000004.metadata"), os.O_RDWR|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	c2, err := Open(dir, "t0000004", nil)
	require.NoError(t, err)
	defer c2.Close()
	require.Len(t, c2.AllBlocks(), 1)
}

func TestReopenRepunchesUnpunchedDelete(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, "t0000006", nil)
	require.NoError(t, err)
	w := c.CreateBlock()
	w.Write([]byte("gone soon"))
	id, err := w.CloseBlock(1)
	require.NoError(t, err)

	// DELETE is durably appended but the hole punch is skipped, as if
	// the process crashed between the two (repair case 4).
	require.NoError(t, c.DeleteBlock(id, 2, false))
	require.NoError(t, c.Close())

	c2, err := Open(dir, "t0000006", nil)
	require.NoError(t, err)
	defer c2.Close()
	require.Empty(t, c2.AllBlocks())
	_, err = c2.ReadBlock(id)
	require.Error(t, err)
}

func TestBlockIDsAreMonotoneAndUnique(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, "t0000005", nil)
	require.NoError(t, err)
	defer c.Close()

	seen := map[ID]bool{}
	var prev ID
	for i := 0; i < 10; i++ {
		w := c.CreateBlock()
		w.Write([]byte("x"))
		id, err := w.CloseBlock(int64(i))
		require.NoError(t, err)
		require.False(t, seen[id])
		require.Greater(t, id, prev)
		seen[id] = true
		prev = id
	}
}

func TestBlockIDHashDeterministic(t *testing.T) {
	require.Equal(t, BlockIDHash(42), BlockIDHash(42))
	require.NotEqual(t, BlockIDHash(42), BlockIDHash(43))
}
