package lookup

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
)

// Record wire layout: key_le64, len_le16 (bases), packed[ceil(len/2)].
// Sub-files produced by the merge stages hold a plain sequence of records,
// optionally inside a snappy frame; the final lookup file is always raw.

const recordHeaderSize = 10

// subFileWriter writes sorted records to one merge sub-file.
type subFileWriter struct {
	f    *os.File
	sny  *snappy.Writer
	bw   *bufio.Writer
	hdr  [recordHeaderSize]byte
	nRec uint64
}

func newSubFileWriter(f *os.File, compress bool) *subFileWriter {
	w := &subFileWriter{f: f}
	if compress {
		w.sny = snappy.NewBufferedWriter(f)
		w.bw = bufio.NewWriter(w.sny)
	} else {
		w.bw = bufio.NewWriter(f)
	}
	return w
}

func (w *subFileWriter) add(key uint64, baseLen uint16, packed []byte) error {
	binary.LittleEndian.PutUint64(w.hdr[:8], key)
	binary.LittleEndian.PutUint16(w.hdr[8:], baseLen)
	if _, err := w.bw.Write(w.hdr[:]); err != nil {
		return err
	}
	if _, err := w.bw.Write(packed); err != nil {
		return err
	}
	w.nRec++
	return nil
}

// finish flushes and closes the sub-file. The stream is complete once
// finish returns; nothing is deferred to process exit.
func (w *subFileWriter) finish() error {
	err := errors.Once{}
	err.Set(w.bw.Flush())
	if w.sny != nil {
		err.Set(w.sny.Close())
	}
	err.Set(w.f.Close())
	return err.Err()
}

// subFileReader scans one sorted sub-file record by record.
type subFileReader struct {
	path    string
	f       *os.File
	br      *bufio.Reader
	key     uint64
	baseLen uint16
	packed  []byte
	err     error
}

func newSubFileReader(path string, compressed bool) (*subFileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.E(err, "open merge sub-file")
	}
	r := &subFileReader{path: path, f: f}
	if compressed {
		r.br = bufio.NewReader(snappy.NewReader(f))
	} else {
		r.br = bufio.NewReader(f)
	}
	return r, nil
}

// scan advances to the next record. It returns false at end of file or on
// error; check err after the loop.
func (r *subFileReader) scan() bool {
	if r.err != nil {
		return false
	}
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(r.br, hdr[:]); err != nil {
		if err != io.EOF {
			r.err = errors.E(errors.Integrity, "truncated lookup record in "+r.path)
		}
		return false
	}
	r.key = binary.LittleEndian.Uint64(hdr[:8])
	r.baseLen = binary.LittleEndian.Uint16(hdr[8:])
	n := PackedLen(int(r.baseLen))
	if cap(r.packed) < n {
		r.packed = make([]byte, n)
	}
	r.packed = r.packed[:n]
	if _, err := io.ReadFull(r.br, r.packed); err != nil {
		r.err = errors.E(errors.Integrity, "truncated lookup record in "+r.path)
		return false
	}
	return true
}

func (r *subFileReader) close() error {
	return r.f.Close()
}
