package lookup

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/grailbio/base/errors"
)

// The index holds one (key_le64, byte_offset_le64) tuple per 1024 lookup
// records, plus one at offset 0. Offsets point at the start of a record,
// before its key.

// IndexStride is the number of lookup records per index entry.
const IndexStride = 1024

type indexWriter struct {
	bw   *bufio.Writer
	f    *os.File
	nRec uint64
}

func newIndexWriter(f *os.File) *indexWriter {
	return &indexWriter{bw: bufio.NewWriter(f), f: f}
}

// record notes one lookup record at the given byte offset, emitting an
// index tuple on every stride boundary, the first record included.
func (w *indexWriter) record(key, offset uint64) error {
	if w.nRec%IndexStride == 0 {
		var tup [16]byte
		binary.LittleEndian.PutUint64(tup[:8], key)
		binary.LittleEndian.PutUint64(tup[8:], offset)
		if _, err := w.bw.Write(tup[:]); err != nil {
			return err
		}
	}
	w.nRec++
	return nil
}

func (w *indexWriter) finish() error {
	err := errors.Once{}
	err.Set(w.bw.Flush())
	err.Set(w.f.Close())
	return err.Err()
}

// Index is a loaded lookup index supporting binary search by key.
type Index struct {
	keys    []uint64
	offsets []uint64
}

// LoadIndex reads a lookup index file into memory.
func LoadIndex(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.E(err, "open lookup index")
	}
	defer f.Close() // nolint: errcheck
	ix := &Index{}
	br := bufio.NewReader(f)
	var tup [16]byte
	for {
		if _, err := io.ReadFull(br, tup[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Integrity, "truncated lookup index: "+path)
		}
		ix.keys = append(ix.keys, binary.LittleEndian.Uint64(tup[:8]))
		ix.offsets = append(ix.offsets, binary.LittleEndian.Uint64(tup[8:]))
	}
	return ix, nil
}

// Len returns the number of index entries.
func (ix *Index) Len() int { return len(ix.keys) }

// Search returns the byte offset of the greatest indexed block whose first
// key is <= key, so a linear scan from there finds the key if present.
func (ix *Index) Search(key uint64) uint64 {
	i := sort.Search(len(ix.keys), func(i int) bool { return ix.keys[i] > key })
	if i == 0 {
		return 0
	}
	return ix.offsets[i-1]
}
