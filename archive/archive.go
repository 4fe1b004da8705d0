// Copyright 2026 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package archive reads and writes aligned-sequencing archives. An archive
// is a directory holding an unaligned spot table (SEQ), an optional
// alignment table (ALIGN) and a metadata sidecar. Tables are ordered
// key/value stores keyed by big-endian row id, so cursors support random
// range starts with sequential scans, which is all the extraction pipeline
// needs.
package archive

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"modernc.org/kv"
)

const (
	seqDBName   = "seq.db"
	alignDBName = "align.db"
	metaName    = "meta.json"
)

// READ_TYPE bits.
const (
	ReadTypeBiological = 0x01
	ReadTypeReverse    = 0x02
)

// Meta is the archive metadata sidecar.
type Meta struct {
	Accession string `json:"accession"`
	SeqRows   uint64 `json:"seq_rows"`
	AlignRows uint64 `json:"align_rows"`
}

// Spot is one row of the SEQ table. Row ids are 1-based and dense.
// Read holds the concatenation of every read's bases; Quality is parallel
// to Read. CmpRead, when present, holds only the bases of unaligned reads,
// except that some loaders emit the full spot there as well; callers detect
// that case by comparing its length against the READ_LEN sum.
type Spot struct {
	Row        uint64
	Name       string
	SpotGroup  string
	Read       []byte
	CmpRead    []byte
	HasCmpRead bool
	Quality    []byte
	ReadLen    []uint32
	ReadType   []byte
	PrimAligID []uint64
}

// NumReads returns the number of reads in the spot.
func (s *Spot) NumReads() int { return len(s.ReadLen) }

// TotalLen returns sum(READ_LEN).
func (s *Spot) TotalLen() int {
	n := 0
	for _, l := range s.ReadLen {
		n += int(l)
	}
	return n
}

// Alignment is one row of the ALIGN table. RawRead is stored as loaded;
// Reverse mirrors the REVERSE type bit of the owning spot read, set by the
// loader, so alignment-only consumers can restore read orientation without
// visiting the spot table.
type Alignment struct {
	Row     uint64
	SpotID  uint64
	ReadID  uint32
	RawRead []byte
	Reverse bool
}

// Archive is an opened archive. The zero value is not usable; call Open.
// Independent cursors may be used from concurrent goroutines.
type Archive struct {
	dir   string
	meta  Meta
	seq   *kv.DB
	align *kv.DB // nil for flat (non-cSRA) archives
}

// Open opens the archive directory at dir.
func Open(dir string) (*Archive, error) {
	raw, err := os.ReadFile(filepath.Join(dir, metaName))
	if err != nil {
		return nil, errors.E(errors.NotExist, "not a sequencing archive: ", dir)
	}
	a := &Archive{dir: dir}
	if err := json.Unmarshal(raw, &a.meta); err != nil {
		return nil, errors.E(err, "corrupt archive metadata: "+dir)
	}
	if a.seq, err = kv.Open(filepath.Join(dir, seqDBName), &kv.Options{}); err != nil {
		return nil, errors.E(err, "open spot table: "+dir)
	}
	if a.meta.AlignRows > 0 {
		if a.align, err = kv.Open(filepath.Join(dir, alignDBName), &kv.Options{}); err != nil {
			a.seq.Close() // nolint: errcheck
			return nil, errors.E(err, "open alignment table: "+dir)
		}
	}
	return a, nil
}

// Accession returns the archive's accession name.
func (a *Archive) Accession() string { return a.meta.Accession }

// SeqRows returns the number of rows in the spot table.
func (a *Archive) SeqRows() uint64 { return a.meta.SeqRows }

// AlignRows returns the number of rows in the alignment table.
func (a *Archive) AlignRows() uint64 { return a.meta.AlignRows }

// HasAlignments reports whether the archive carries an alignment table,
// i.e. whether it is a cSRA.
func (a *Archive) HasAlignments() bool { return a.align != nil }

// Close releases the underlying table stores.
func (a *Archive) Close() error {
	err := errors.Once{}
	err.Set(a.seq.Close())
	if a.align != nil {
		err.Set(a.align.Close())
	}
	return err.Err()
}

func rowKey(row uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], row)
	return k[:]
}
