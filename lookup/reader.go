package lookup

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/grailbio/base/errors"
)

// Reader provides random access into a finished lookup file. Each Reader
// owns its own file handle and buffer, so join workers hold one Reader
// each and need no locking.
type Reader struct {
	f      *os.File
	idx    *Index
	br     *bufio.Reader
	packed []byte
	bases  []byte
}

// NewReader opens the lookup file and loads its index.
func NewReader(binPath, idxPath string) (*Reader, error) {
	idx, err := LoadIndex(idxPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(binPath)
	if err != nil {
		return nil, errors.E(err, "open lookup file")
	}
	return &Reader{f: f, idx: idx, br: bufio.NewReaderSize(f, 1<<16)}, nil
}

// Fetch returns the bases stored for (spotID, readID), reverse-complemented
// when reverse is set. The returned slice is valid until the next Fetch.
// A missing key means the lookup is corrupt or incomplete and is fatal.
func (r *Reader) Fetch(spotID uint64, readID uint32, reverse bool) ([]byte, error) {
	target := Key(spotID, readID)
	offset := r.idx.Search(target)
	if _, err := r.f.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, errors.E(err, "lookup seek")
	}
	r.br.Reset(r.f)
	var hdr [recordHeaderSize]byte
	for {
		if _, err := io.ReadFull(r.br, hdr[:]); err != nil {
			if err == io.EOF {
				return nil, errors.E(errors.Integrity, "lookup miss")
			}
			return nil, errors.E(errors.Integrity, "malformed lookup record")
		}
		key := binary.LittleEndian.Uint64(hdr[:8])
		baseLen := int(binary.LittleEndian.Uint16(hdr[8:]))
		packedLen := PackedLen(baseLen)
		if key > target {
			return nil, errors.E(errors.Integrity, "lookup miss")
		}
		if key < target {
			if _, err := r.br.Discard(packedLen); err != nil {
				return nil, errors.E(errors.Integrity, "malformed lookup record")
			}
			continue
		}
		if cap(r.packed) < packedLen {
			r.packed = make([]byte, packedLen)
		}
		packed := r.packed[:packedLen]
		if _, err := io.ReadFull(r.br, packed); err != nil {
			return nil, errors.E(errors.Integrity, "malformed lookup record")
		}
		r.bases = Unpack(r.bases[:0], packed, baseLen)
		if reverse {
			ReverseComplement(r.bases)
		}
		return r.bases, nil
	}
}

// Close releases the file handle.
func (r *Reader) Close() error {
	return r.f.Close()
}
