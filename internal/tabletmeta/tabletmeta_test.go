package tabletmeta

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/tabletstore/internal/status"
	"github.com/kasuganosora/tabletstore/pkg/schema"
)

func testSchema() *schema.Schema {
	return &schema.Schema{
		NumPK:   1,
		Columns: []schema.Column{{ID: 1, Name: "id", Kind: schema.Int64}},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sb := &Superblock{
		TabletID:  "t1",
		Schema:    testSchema(),
		DataState: DataStateReady,
		RowSets: []RowSetMeta{
			{ID: "rs0001", BasePath: "rs0001.parquet", MinKey: []byte{0}, MaxKey: []byte{10}, RowCount: 5},
		},
	}
	require.NoError(t, Write(dir, sb))
	require.True(t, Exists(dir))

	got, err := Read(dir)
	require.NoError(t, err)
	require.Equal(t, "t1", got.TabletID)
	require.Equal(t, DataStateReady, got.DataState)
	require.Len(t, got.RowSets, 1)
	require.Equal(t, "rs0001", got.RowSets[0].ID)
}

func TestReadMissingIsUninitialized(t *testing.T) {
	dir := t.TempDir()
	_, err := Read(dir)
	require.Error(t, err)
	require.True(t, status.Is(err, status.Uninitialized))
	require.False(t, Exists(dir))
}

func TestWriteOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	sb := &Superblock{TabletID: "t1", Schema: testSchema(), DataState: DataStateCopying}
	require.NoError(t, Write(dir, sb))

	sb.DataState = DataStateReady
	require.NoError(t, Write(dir, sb))

	got, err := Read(dir)
	require.NoError(t, err)
	require.Equal(t, DataStateReady, got.DataState)
}
