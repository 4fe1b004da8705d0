package archive

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"modernc.org/kv"
)

// Writer builds an archive directory row by row. It is used by the fixture
// generator and by tests; production archives come from upstream loaders.
// Rows are assigned 1-based ids in insertion order.
type Writer struct {
	dir   string
	meta  Meta
	seq   *kv.DB
	align *kv.DB
}

// Create creates a new archive directory at dir. dir must not already
// contain an archive.
func Create(dir, accession string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.E(err, "create archive dir")
	}
	if _, err := os.Stat(filepath.Join(dir, metaName)); err == nil {
		return nil, errors.E(errors.Exists, "archive already exists: "+dir)
	}
	seq, err := kv.Create(filepath.Join(dir, seqDBName), &kv.Options{})
	if err != nil {
		return nil, errors.E(err, "create spot table")
	}
	return &Writer{
		dir:  dir,
		meta: Meta{Accession: accession},
		seq:  seq,
	}, nil
}

// AddSpot appends one SEQ row and returns its row id.
func (w *Writer) AddSpot(s *Spot) (uint64, error) {
	w.meta.SeqRows++
	row := w.meta.SeqRows
	if err := w.seq.Set(rowKey(row), marshalSpot(s)); err != nil {
		return 0, errors.E(err, "write spot row")
	}
	return row, nil
}

// AddAlignment appends one ALIGN row and returns its row id. The alignment
// table is created on first use, so archives without alignments stay flat.
func (w *Writer) AddAlignment(al *Alignment) (uint64, error) {
	if w.align == nil {
		db, err := kv.Create(filepath.Join(w.dir, alignDBName), &kv.Options{})
		if err != nil {
			return 0, errors.E(err, "create alignment table")
		}
		w.align = db
	}
	w.meta.AlignRows++
	row := w.meta.AlignRows
	if err := w.align.Set(rowKey(row), marshalAlignment(al)); err != nil {
		return 0, errors.E(err, "write alignment row")
	}
	return row, nil
}

// Close flushes both tables and writes the metadata sidecar.
func (w *Writer) Close() error {
	err := errors.Once{}
	err.Set(w.seq.Close())
	if w.align != nil {
		err.Set(w.align.Close())
	}
	raw, e := json.MarshalIndent(&w.meta, "", "  ")
	if e != nil {
		err.Set(e)
	} else {
		err.Set(os.WriteFile(filepath.Join(w.dir, metaName), raw, 0644))
	}
	return err.Err()
}
