package archive

import (
	"path/filepath"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeSpot(i int) Spot {
	return Spot{
		Name:       "spot" + string(rune('a'+i)),
		SpotGroup:  "grp",
		Read:       []byte("ACGTACGT"),
		Quality:    []byte{30, 30, 30, 30, 31, 31, 31, 31},
		ReadLen:    []uint32{4, 4},
		ReadType:   []byte{ReadTypeBiological, ReadTypeBiological},
		PrimAligID: []uint64{0, 0},
	}
}

func TestSpotRoundTrip(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "archive")
	defer cleanup()
	path := filepath.Join(tmp, "acc1")

	w, err := Create(path, "ACC1")
	require.NoError(t, err)
	want := Spot{
		Name:       "spot_1",
		SpotGroup:  "lane1",
		Read:       []byte("ACGTACGTACGTACGTACGT"),
		CmpRead:    []byte("TTTTTTTTTT"),
		HasCmpRead: true,
		Quality:    make([]byte, 20),
		ReadLen:    []uint32{10, 10},
		ReadType:   []byte{ReadTypeBiological, ReadTypeBiological | ReadTypeReverse},
		PrimAligID: []uint64{5, 0},
	}
	row, err := w.AddSpot(&want)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), row)
	require.NoError(t, w.Close())

	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close() // nolint: errcheck
	assert.Equal(t, "ACC1", a.Accession())
	assert.Equal(t, uint64(1), a.SeqRows())
	assert.False(t, a.HasAlignments())

	it, err := a.SeqRange(1, 1)
	require.NoError(t, err)
	var got Spot
	require.True(t, it.Scan(&got))
	require.NoError(t, it.Err())
	assert.Equal(t, uint64(1), got.Row)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.SpotGroup, got.SpotGroup)
	assert.Equal(t, want.Read, got.Read)
	assert.Equal(t, want.CmpRead, got.CmpRead)
	assert.True(t, got.HasCmpRead)
	assert.Equal(t, want.ReadLen, got.ReadLen)
	assert.Equal(t, want.ReadType, got.ReadType)
	assert.Equal(t, want.PrimAligID, got.PrimAligID)
	assert.Equal(t, 20, got.TotalLen())
	assert.False(t, it.Scan(&got))
}

func TestSeqRange(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "archive")
	defer cleanup()
	path := filepath.Join(tmp, "acc2")

	w, err := Create(path, "ACC2")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		s := makeSpot(i)
		_, err := w.AddSpot(&s)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close() // nolint: errcheck

	it, err := a.SeqRange(2, 3)
	require.NoError(t, err)
	var (
		s    Spot
		rows []uint64
	)
	for it.Scan(&s) {
		rows = append(rows, s.Row)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []uint64{2, 3, 4}, rows)

	// A range past the end is an integrity error, not silence.
	it, err = a.SeqRange(4, 10)
	require.NoError(t, err)
	n := 0
	for it.Scan(&s) {
		n++
	}
	assert.Equal(t, 2, n)
	assert.Error(t, it.Err())
}

func TestAlignments(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "archive")
	defer cleanup()
	path := filepath.Join(tmp, "acc3")

	w, err := Create(path, "ACC3")
	require.NoError(t, err)
	s := makeSpot(0)
	_, err = w.AddSpot(&s)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		row, err := w.AddAlignment(&Alignment{
			SpotID:  uint64(i + 1),
			ReadID:  1,
			RawRead: []byte("ACGTACGTAC"),
			Reverse: i == 2,
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), row)
	}
	require.NoError(t, w.Close())

	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close() // nolint: errcheck
	assert.True(t, a.HasAlignments())
	assert.Equal(t, uint64(3), a.AlignRows())

	it, err := a.AlignRange(1, 3)
	require.NoError(t, err)
	var al Alignment
	n := 0
	for it.Scan(&al) {
		assert.Equal(t, uint64(n+1), al.Row)
		assert.Equal(t, uint64(n+1), al.SpotID)
		assert.Equal(t, "ACGTACGTAC", string(al.RawRead))
		assert.Equal(t, n == 2, al.Reverse)
		n++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 3, n)
}

func TestOpenMissing(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "archive")
	defer cleanup()
	_, err := Open(filepath.Join(tmp, "nope"))
	assert.Error(t, err)
}
