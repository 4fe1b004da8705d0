package lookup

import (
	"container/heap"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/fastrq/control"
	"github.com/grailbio/fastrq/tempdir"
	"v.io/x/lib/vlog"
)

// queueTimeout bounds every blocking queue operation so the quit flag is
// polled even when a neighbor stage has stalled.
const queueTimeout = 500 * time.Millisecond

// vecCursor walks one sorted vector during a K-way merge.
type vecCursor struct {
	seq int
	vec vector
	pos int
}

// vecHeap is a min-heap of vector cursors ordered by head key, with the
// cursor sequence number breaking ties so first-seen order is preserved.
type vecHeap []*vecCursor

func (h vecHeap) Len() int { return len(h) }
func (h vecHeap) Less(i, j int) bool {
	if h[i].vec[h[i].pos].key != h[j].vec[h[j].pos].key {
		return h[i].vec[h[i].pos].key < h[j].vec[h[j].pos].key
	}
	return h[i].seq < h[j].seq
}
func (h vecHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *vecHeap) Push(x interface{}) {
	*h = append(*h, x.(*vecCursor))
}
func (h *vecHeap) Pop() interface{} {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// VectorMerger is the background consumer of producer vectors. Whenever it
// holds a full batch it K-way-merges the vectors into one sorted sub-file
// and passes the file on to the FileMerger.
type VectorMerger struct {
	ch       chan vector
	sink     *FileMerger
	dir      *tempdir.Dir
	batch    int
	compress bool
	quit     *control.Quit
	err      errors.Once
	done     chan struct{}
	nSub     int
}

// NewVectorMerger starts the merger task. batch is the number of vectors
// merged per sub-file; the input queue holds batch plus slack vectors
// before producers block.
func NewVectorMerger(sink *FileMerger, dir *tempdir.Dir, batch, slack int, compress bool, quit *control.Quit) *VectorMerger {
	if batch < 2 {
		batch = 2
	}
	m := &VectorMerger{
		ch:       make(chan vector, batch+slack),
		sink:     sink,
		dir:      dir,
		batch:    batch,
		compress: compress,
		quit:     quit,
		done:     make(chan struct{}),
	}
	go m.run()
	return m
}

// Submit hands a sorted vector to the merger, blocking while the queue is
// full. Each timeout re-checks the quit flag.
func (m *VectorMerger) Submit(vec vector, quit *control.Quit) error {
	for {
		select {
		case m.ch <- vec:
			return nil
		case <-time.After(queueTimeout):
			if quit.IsSet() {
				return errors.E(errors.Canceled, "vector merge queue interrupted")
			}
		}
	}
}

// Close signals end of input and waits for the merger to drain. The first
// error seen by the task is returned.
func (m *VectorMerger) Close() error {
	close(m.ch)
	<-m.done
	return m.err.Err()
}

func (m *VectorMerger) run() {
	defer close(m.done)
	var held []vector
	for vec := range m.ch {
		held = append(held, vec)
		if len(held) >= m.batch {
			m.drain(held)
			held = nil
		}
		if m.quit.IsSet() && m.err.Err() == nil {
			// Keep consuming so producers do not block forever, but stop
			// writing sub-files.
			held = nil
		}
	}
	if len(held) > 0 && !m.quit.IsSet() {
		m.drain(held)
	}
}

// drain merges held vectors into one sorted sub-file and enqueues it.
func (m *VectorMerger) drain(held []vector) {
	if m.err.Err() != nil {
		return
	}
	m.nSub++
	f, err := m.dir.Create(fmt.Sprintf("sub-vec-%06d.tmp", m.nSub))
	if err != nil {
		m.fail(err)
		return
	}
	nRec := 0
	w := newSubFileWriter(f, m.compress)
	h := make(vecHeap, 0, len(held))
	for i, vec := range held {
		if len(vec) > 0 {
			h = append(h, &vecCursor{seq: i, vec: vec})
		}
	}
	heap.Init(&h)
	for h.Len() > 0 {
		c := h[0]
		e := &c.vec[c.pos]
		if err := w.add(e.key, e.baseLen, e.packed); err != nil {
			m.fail(errors.E(err, "write merge sub-file"))
			return
		}
		nRec++
		c.pos++
		if c.pos < len(c.vec) {
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
	}
	if err := w.finish(); err != nil {
		m.fail(errors.E(err, "finish merge sub-file"))
		return
	}
	vlog.VI(1).Infof("vector merge: %d vectors -> %s (%d records)", len(held), f.Name(), nRec)
	if err := m.sink.Submit(f.Name()); err != nil {
		m.fail(err)
	}
}

// fail records the first error and raises the quit flag so upstream
// producers unwind.
func (m *VectorMerger) fail(err error) {
	m.err.Set(err)
	m.quit.Set()
}
