package lookup

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/grailbio/fastrq/control"
	"github.com/grailbio/fastrq/tempdir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildStore merges the given (key, bases) pairs through the full
// vector-merge / file-merge chain, split into vectors of the given size.
func buildStore(t *testing.T, dir *tempdir.Dir, pairs map[uint64]string, vecSize int) (string, string) {
	binPath := filepath.Join(dir.Path(), "lookup.bin")
	idxPath := filepath.Join(dir.Path(), "lookup.idx")
	quit := &control.Quit{}
	fm := NewFileMerger(dir, 2, true, quit, binPath, idxPath)
	vm := NewVectorMerger(fm, dir, 2, 2, true, quit)

	keys := make([]uint64, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	// Deal keys round-robin into vectors so the merge has real work to do.
	nVec := (len(keys) + vecSize - 1) / vecSize
	if nVec == 0 {
		nVec = 1
	}
	vecs := make([]vector, nVec)
	for i, k := range keys {
		bases := pairs[k]
		vecs[i%nVec] = append(vecs[i%nVec], entry{
			key:     k,
			baseLen: uint16(len(bases)),
			packed:  Pack(nil, []byte(bases)),
		})
	}
	for _, vec := range vecs {
		vec.sort()
		require.NoError(t, vm.Submit(vec, quit))
	}
	require.NoError(t, vm.Close())
	require.NoError(t, fm.Close())
	return binPath, idxPath
}

// basesForKey derives a deterministic ACGTN string from a key so every
// record's payload is checkable without bookkeeping.
func basesForKey(key uint64, n int) string {
	alphabet := "ACGTN"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[(key+uint64(i))%uint64(len(alphabet))]
	}
	return string(b)
}

func testPairs(n int) map[uint64]string {
	pairs := map[uint64]string{}
	for spot := uint64(1); spot <= uint64(n); spot++ {
		pairs[Key(spot, 1)] = basesForKey(Key(spot, 1), 8)
		pairs[Key(spot, 2)] = basesForKey(Key(spot, 2), 11)
	}
	return pairs
}

func TestMergeProducesSortedStore(t *testing.T) {
	base, err := os.MkdirTemp("", "lookup_test")
	require.NoError(t, err)
	defer os.RemoveAll(base) // nolint: errcheck
	dir, err := tempdir.New(base)
	require.NoError(t, err)

	pairs := testPairs(2000)
	binPath, idxPath := buildStore(t, dir, pairs, 100)

	// The store must be strictly ascending in key and hold every record.
	r, err := newSubFileReader(binPath, false)
	require.NoError(t, err)
	defer r.close() // nolint: errcheck
	var (
		nRec    int
		lastKey uint64
	)
	for r.scan() {
		if nRec > 0 {
			assert.True(t, r.key > lastKey, "key %d not above %d", r.key, lastKey)
		}
		lastKey = r.key
		want := pairs[r.key]
		got := Unpack(nil, r.packed, int(r.baseLen))
		assert.Equal(t, want, string(got))
		nRec++
	}
	require.NoError(t, r.err)
	assert.Equal(t, len(pairs), nRec)

	// Every index entry must point at a valid record start holding the
	// recorded key.
	ix, err := LoadIndex(idxPath)
	require.NoError(t, err)
	assert.True(t, ix.Len() >= 1)
	reader, err := NewReader(binPath, idxPath)
	require.NoError(t, err)
	defer reader.Close() // nolint: errcheck
	for i, key := range ix.keys {
		assert.Equal(t, ix.Search(key), ix.offsets[i])
		bases, err := reader.Fetch(SpotID(key), ReadID(key), false)
		require.NoError(t, err)
		assert.Equal(t, pairs[key], string(bases))
	}
	require.NoError(t, dir.Remove())
}

func TestReaderFetch(t *testing.T) {
	base, err := os.MkdirTemp("", "lookup_test")
	require.NoError(t, err)
	defer os.RemoveAll(base) // nolint: errcheck
	dir, err := tempdir.New(base)
	require.NoError(t, err)
	defer dir.Remove() // nolint: errcheck

	pairs := testPairs(100)
	binPath, idxPath := buildStore(t, dir, pairs, 7)
	r, err := NewReader(binPath, idxPath)
	require.NoError(t, err)
	defer r.Close() // nolint: errcheck

	for key, want := range pairs {
		got, err := r.Fetch(SpotID(key), ReadID(key), false)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}

	// Reverse-complement on fetch.
	got, err := r.Fetch(1, 2, true)
	require.NoError(t, err)
	want := []byte(pairs[Key(1, 2)])
	ReverseComplement(want)
	assert.Equal(t, string(want), string(got))

	// A key the producer never saw is an integrity failure.
	_, err = r.Fetch(100000, 1, false)
	assert.Error(t, err)
}

func TestMergeDrainsPartialBatch(t *testing.T) {
	base, err := os.MkdirTemp("", "lookup_test")
	require.NoError(t, err)
	defer os.RemoveAll(base) // nolint: errcheck
	dir, err := tempdir.New(base)
	require.NoError(t, err)
	defer dir.Remove() // nolint: errcheck

	// A single vector still yields a complete store.
	pairs := map[uint64]string{Key(9, 1): "ACGTACGTAC"}
	binPath, idxPath := buildStore(t, dir, pairs, 10)
	r, err := NewReader(binPath, idxPath)
	require.NoError(t, err)
	defer r.Close() // nolint: errcheck
	got, err := r.Fetch(9, 1, false)
	require.NoError(t, err)
	assert.Equal(t, "ACGTACGTAC", string(got))
}
