package schema

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func testSchema() *Schema {
	return &Schema{
		NumPK: 1,
		Columns: []Column{
			{ID: 1, Name: "id", Kind: Int64},
			{ID: 2, Name: "name", Kind: String, Nullable: true},
		},
	}
}

func TestValidateRejectsNullablePK(t *testing.T) {
	s := &Schema{NumPK: 1, Columns: []Column{{ID: 1, Name: "id", Kind: Int64, Nullable: true}}}
	require.Error(t, s.Validate())
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	s := &Schema{NumPK: 1, Columns: []Column{
		{ID: 1, Name: "a", Kind: Int64},
		{ID: 1, Name: "b", Kind: Int64},
	}}
	require.Error(t, s.Validate())
}

func TestEncodePKInt64OrderPreserving(t *testing.T) {
	s := testSchema()
	values := []int64{-5, -1, 0, 1, 1000, 1 << 40}
	var keys [][]byte
	for _, v := range values {
		k, err := EncodePK(s, []interface{}{v, "x"})
		require.NoError(t, err)
		keys = append(keys, k)
	}
	sorted := make([][]byte, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		return string(sorted[i]) < string(sorted[j])
	})
	for i := range keys {
		require.Equal(t, keys[i], sorted[i], "PK encoding must sort same as int64 value order")
	}
}

func TestEncodePKStringEscaping(t *testing.T) {
	s := &Schema{NumPK: 1, Columns: []Column{{ID: 1, Name: "k", Kind: String}}}
	a, err := EncodePK(s, []interface{}{"abc"})
	require.NoError(t, err)
	b, err := EncodePK(s, []interface{}{"abd"})
	require.NoError(t, err)
	require.True(t, string(a) < string(b))

	c, err := EncodePK(s, []interface{}{"a\x00"})
	require.NoError(t, err)
	require.Equal(t, []byte{'a', 0x00, 0xFF, 0x00, 0x00}, c)
}

func TestEncodePKFloatOrderPreserving(t *testing.T) {
	s := &Schema{NumPK: 1, Columns: []Column{{ID: 1, Name: "f", Kind: Float64}}}
	values := []float64{-100.5, -1.0, 0.0, 1.5, 100.25}
	var keys [][]byte
	for _, v := range values {
		k, err := EncodePK(s, []interface{}{v})
		require.NoError(t, err)
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		require.True(t, string(keys[i-1]) < string(keys[i]))
	}
}

func TestColumnByID(t *testing.T) {
	s := testSchema()
	col, idx, ok := s.ColumnByID(2)
	require.True(t, ok)
	require.Equal(t, 1, idx)
	require.Equal(t, "name", col.Name)

	_, _, ok = s.ColumnByID(99)
	require.False(t, ok)
}
