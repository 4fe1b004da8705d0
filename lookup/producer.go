package lookup

import (
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/fastrq/archive"
	"github.com/grailbio/fastrq/control"
)

// entry is one (key, packed bases) pair held in memory before hand-off.
type entry struct {
	key     uint64
	baseLen uint16
	packed  []byte
}

// vector is a batch of entries. It is sorted by key before hand-off; keys
// are unique because the archive points any (spot, read) pair to at most
// one primary alignment.
type vector []entry

func (v vector) sort() {
	sort.Slice(v, func(i, j int) bool { return v[i].key < v[j].key })
}

// Rough per-entry bookkeeping cost on top of the packed payload, used for
// the memory budget.
const entryOverhead = 48

// ProducerOpts configures Produce.
type ProducerOpts struct {
	// NumThreads is the worker count. Each worker owns a contiguous slice of
	// alignment rows.
	NumThreads int
	// MemLimit is the per-worker budget, in bytes, of buffered entries
	// before the vector is handed to the merger.
	MemLimit uint64
}

// Produce runs the extract stage: NumThreads workers scan disjoint
// contiguous slices of the alignment table, 4-bit-pack each RAW_READ under
// its (spot id, read id) key, and hand sorted vectors to sink whenever the
// memory budget fills. Workers poll quit once per row; the first failing
// worker sets quit and its error is returned.
func Produce(arch *archive.Archive, sink *VectorMerger, quit *control.Quit, rows *control.Counter, opts ProducerOpts) error {
	total := arch.AlignRows()
	n := opts.NumThreads
	slice := (total + uint64(n) - 1) / uint64(n)
	log.Debug.Printf("lookup produce: %d rows, %d workers, %d rows/worker", total, n, slice)
	return traverse.Each(n, func(worker int) error {
		first := uint64(worker)*slice + 1
		if first > total {
			return nil
		}
		count := slice
		if first+count-1 > total {
			count = total - first + 1
		}
		it, err := arch.AlignRange(first, count)
		if err != nil {
			quit.Set()
			return errors.E(err, "alignment range")
		}
		var (
			vec vector
			sz  uint64
			al  archive.Alignment
		)
		handoff := func() error {
			vec.sort()
			if err := sink.Submit(vec, quit); err != nil {
				return err
			}
			vec, sz = nil, 0
			return nil
		}
		for it.Scan(&al) {
			if quit.IsSet() {
				return errors.E(errors.Canceled, "lookup producer interrupted")
			}
			packed := Pack(nil, al.RawRead)
			vec = append(vec, entry{
				key:     Key(al.SpotID, al.ReadID),
				baseLen: uint16(len(al.RawRead)),
				packed:  packed,
			})
			sz += uint64(len(packed)) + entryOverhead
			rows.Add(1)
			if sz >= opts.MemLimit {
				if err := handoff(); err != nil {
					return err
				}
			}
		}
		if err := it.Err(); err != nil {
			quit.Set()
			return errors.E(err, "alignment scan")
		}
		if len(vec) > 0 {
			return handoff()
		}
		return nil
	})
}
