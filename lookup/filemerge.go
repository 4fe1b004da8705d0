package lookup

import (
	"fmt"
	"os"
	"time"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/fastrq/control"
	"github.com/grailbio/fastrq/tempdir"
	"v.io/x/lib/vlog"
)

// mergeLeaf wraps one sub-file cursor inside the merge tree. seq breaks key
// ties in source order, which keeps the merge deterministic.
type mergeLeaf struct {
	seq    int
	reader *subFileReader
}

func (l *mergeLeaf) Compare(c llrb.Comparable) int {
	o := c.(*mergeLeaf)
	switch {
	case l.reader.key < o.reader.key:
		return -1
	case l.reader.key > o.reader.key:
		return 1
	}
	return l.seq - o.seq
}

// mergeSubFiles N-way-merges sorted sub-file readers, calling emit for each
// record in ascending key order. The merge keeps the cursors in a balanced
// tree and reads runs off the smallest cursor until it passes the second
// smallest, which is amortized cheaper than a heap when one input leads for
// long stretches.
func mergeSubFiles(readers []*subFileReader, emit func(key uint64, baseLen uint16, packed []byte) error) error {
	leafs := llrb.Tree{}
	for i, r := range readers {
		if r.scan() {
			leafs.Insert(&mergeLeaf{seq: i, reader: r})
		} else if r.err != nil {
			return r.err
		}
	}
	for leafs.Len() > 0 {
		var top, next *mergeLeaf
		nth := 0
		leafs.Do(func(item llrb.Comparable) bool {
			nth++
			if nth == 1 {
				top = item.(*mergeLeaf)
				return false
			}
			next = item.(*mergeLeaf)
			return true
		})
		done := false
		for {
			if err := emit(top.reader.key, top.reader.baseLen, top.reader.packed); err != nil {
				return err
			}
			if !top.reader.scan() {
				if top.reader.err != nil {
					return top.reader.err
				}
				done = true
				break
			}
			if next != nil && next.Compare(top) < 0 {
				break
			}
		}
		leafs.DeleteMin()
		if !done {
			leafs.Insert(top)
		}
	}
	return nil
}

// FileMerger is the background consumer of sorted sub-files. Whenever it
// holds a full batch it merges them into a larger sub-file and deletes the
// inputs; on Close the remaining files are merged once more into the final
// lookup file plus its index.
type FileMerger struct {
	ch        chan string
	dir       *tempdir.Dir
	batch     int
	compress  bool
	quit      *control.Quit
	binPath   string
	idxPath   string
	err       errors.Once
	done      chan struct{}
	held      []string
	nSub      int
	FinalRecs uint64 // records in the final lookup file, set after Close
}

// NewFileMerger starts the merger task. Merged output lands at binPath with
// its index at idxPath, both inside the registry-owned temp directory.
func NewFileMerger(dir *tempdir.Dir, batch int, compress bool, quit *control.Quit, binPath, idxPath string) *FileMerger {
	if batch < 2 {
		batch = 2
	}
	m := &FileMerger{
		ch:       make(chan string, batch+2),
		dir:      dir,
		batch:    batch,
		compress: compress,
		quit:     quit,
		binPath:  binPath,
		idxPath:  idxPath,
		done:     make(chan struct{}),
	}
	go m.run()
	return m
}

// Submit enqueues a sorted sub-file path, blocking while the queue is full
// and polling the quit flag on each timeout.
func (m *FileMerger) Submit(path string) error {
	for {
		select {
		case m.ch <- path:
			return nil
		case <-time.After(queueTimeout):
			if m.quit.IsSet() {
				return errors.E(errors.Canceled, "file merge queue interrupted")
			}
		}
	}
}

// Close signals end of input, waits for the final merge, and returns the
// first error seen by the task.
func (m *FileMerger) Close() error {
	close(m.ch)
	<-m.done
	return m.err.Err()
}

func (m *FileMerger) run() {
	defer close(m.done)
	for path := range m.ch {
		m.held = append(m.held, path)
		if len(m.held) >= m.batch && m.err.Err() == nil && !m.quit.IsSet() {
			out := m.mergeIntermediate(m.held)
			if out == "" {
				m.held = nil
				continue
			}
			m.held = []string{out}
		}
	}
	if m.err.Err() == nil && !m.quit.IsSet() {
		m.finalMerge(m.held)
	}
}

// mergeIntermediate reduces a batch of sub-files to one, deleting the
// inputs once drained. Returns "" on failure.
func (m *FileMerger) mergeIntermediate(paths []string) string {
	m.nSub++
	f, err := m.dir.Create(fmt.Sprintf("sub-merge-%06d.tmp", m.nSub))
	if err != nil {
		m.fail(err)
		return ""
	}
	w := newSubFileWriter(f, m.compress)
	if err := m.mergeInto(paths, func(key uint64, baseLen uint16, packed []byte) error {
		return w.add(key, baseLen, packed)
	}); err != nil {
		m.fail(err)
		return ""
	}
	if err := w.finish(); err != nil {
		m.fail(errors.E(err, "finish merge sub-file"))
		return ""
	}
	vlog.VI(1).Infof("file merge: %d sub-files -> %s", len(paths), f.Name())
	m.removeInputs(paths)
	return f.Name()
}

// finalMerge writes the final raw lookup file and its index.
func (m *FileMerger) finalMerge(paths []string) {
	binF, err := os.OpenFile(m.binPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		m.fail(errors.E(err, "create lookup file"))
		return
	}
	m.dir.Register(m.binPath)
	idxF, err := os.OpenFile(m.idxPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		binF.Close() // nolint: errcheck
		m.fail(errors.E(err, "create lookup index"))
		return
	}
	m.dir.Register(m.idxPath)
	w := newSubFileWriter(binF, false)
	ix := newIndexWriter(idxF)
	offset := uint64(0)
	err = m.mergeInto(paths, func(key uint64, baseLen uint16, packed []byte) error {
		if err := ix.record(key, offset); err != nil {
			return err
		}
		if err := w.add(key, baseLen, packed); err != nil {
			return err
		}
		offset += recordHeaderSize + uint64(len(packed))
		m.FinalRecs++
		return nil
	})
	if err != nil {
		m.fail(err)
		w.finish()  // nolint: errcheck
		ix.finish() // nolint: errcheck
		return
	}
	if err := w.finish(); err != nil {
		m.fail(errors.E(err, "finish lookup file"))
		return
	}
	if err := ix.finish(); err != nil {
		m.fail(errors.E(err, "finish lookup index"))
		return
	}
	vlog.VI(1).Infof("final merge: %d sub-files, %d records -> %s", len(paths), m.FinalRecs, m.binPath)
	m.removeInputs(paths)
}

func (m *FileMerger) mergeInto(paths []string, emit func(key uint64, baseLen uint16, packed []byte) error) error {
	readers := make([]*subFileReader, 0, len(paths))
	defer func() {
		for _, r := range readers {
			r.close() // nolint: errcheck
		}
	}()
	for _, p := range paths {
		r, err := newSubFileReader(p, m.compress)
		if err != nil {
			return err
		}
		readers = append(readers, r)
	}
	return mergeSubFiles(readers, emit)
}

func (m *FileMerger) removeInputs(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil {
			vlog.Errorf("remove merge input %s: %v", p, err)
		}
	}
}

func (m *FileMerger) fail(err error) {
	m.err.Set(err)
	m.quit.Set()
}
