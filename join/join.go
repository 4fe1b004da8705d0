package join

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/fastrq/archive"
	"github.com/grailbio/fastrq/control"
	"github.com/grailbio/fastrq/defline"
	"github.com/grailbio/fastrq/lookup"
	"github.com/grailbio/fastrq/tempdir"
)

// Config drives one join run.
type Config struct {
	Format     Format
	Policy     Policy
	NumThreads int
	// BufSize is the per-stream write buffer size in bytes.
	BufSize int
	Opts    Options
	// SeqTemplate renders the sequence defline; QualTemplate the quality
	// defline (FASTQ only).
	SeqTemplate  *defline.Template
	QualTemplate *defline.Template
	// LookupBin/LookupIdx locate the finished lookup store. Empty for flat
	// archives, where every read is unaligned.
	LookupBin string
	LookupIdx string
}

// Run executes the join phase: NumThreads workers iterate disjoint
// contiguous shards of the spot table in ascending row order and write
// per-shard temporary files. The returned paths are indexed [dst][shard];
// missing entries are empty strings. Shards cover rows [1,r], [r+1,2r], …
// so concatenating in shard order preserves global row order.
func Run(arch *archive.Archive, dir *tempdir.Dir, quit *control.Quit, rows *control.Counter, cfg Config) ([][]string, Stats, error) {
	total := arch.SeqRows()
	n := cfg.NumThreads
	slice := (total + uint64(n) - 1) / uint64(n)
	log.Debug.Printf("join: %d spots, %d workers, %d rows/worker", total, n, slice)

	paths := make([][]string, MaxDst)
	for i := range paths {
		paths[i] = make([]string, n)
	}
	workerStats := make([]Stats, n)

	err := traverse.Each(n, func(shard int) error {
		first := uint64(shard)*slice + 1
		if first > total {
			return nil
		}
		count := slice
		if first+count-1 > total {
			count = total - first + 1
		}
		w := &worker{
			cfg:  &cfg,
			opts: &cfg.Opts,
			pr: printer{
				acc:         arch.Accession(),
				format:      cfg.Format,
				seqTmpl:     cfg.SeqTemplate,
				qualTmpl:    cfg.QualTemplate,
				rowIDAsName: cfg.Opts.RowIDAsName,
			},
			sw: newShardWriter(dir, arch.Accession(), shard, cfg.BufSize),
		}
		if cfg.LookupBin != "" {
			lr, err := lookup.NewReader(cfg.LookupBin, cfg.LookupIdx)
			if err != nil {
				quit.Set()
				return err
			}
			w.lookup = lr
			defer lr.Close() // nolint: errcheck
		}
		it, err := arch.SeqRange(first, count)
		if err != nil {
			quit.Set()
			return errors.E(err, "spot range")
		}
		var spot archive.Spot
		for it.Scan(&spot) {
			if quit.IsSet() {
				break
			}
			if err := w.processSpot(&spot); err != nil {
				quit.Set()
				w.sw.close() // nolint: errcheck
				return err
			}
			rows.Add(1)
		}
		if err := it.Err(); err != nil {
			quit.Set()
			w.sw.close() // nolint: errcheck
			return errors.E(err, "spot scan")
		}
		for dst, p := range w.sw.paths() {
			paths[dst][shard] = p
		}
		workerStats[shard] = w.stats
		return w.sw.close()
	})

	var stats Stats
	for _, ws := range workerStats {
		stats.Merge(ws)
	}
	if err == nil && quit.IsSet() {
		err = errors.E(errors.Canceled, "join interrupted")
	}
	return paths, stats, err
}

// worker joins one shard of the spot table.
type worker struct {
	cfg    *Config
	opts   *Options
	lookup *lookup.Reader
	pr     printer
	sw     *shardWriter
	stats  Stats
}

// readEnds returns the exclusive end offset of every read inside the
// concatenated READ/QUALITY arrays.
func readEnds(readLen []uint32) []uint32 {
	ends := make([]uint32, len(readLen))
	off := uint32(0)
	for i, l := range readLen {
		off += l
		ends[i] = off
	}
	return ends
}

func sliceAt(b []byte, ends []uint32, i int) []byte {
	start := uint32(0)
	if i > 0 {
		start = ends[i-1]
	}
	end := ends[i]
	if int(end) > len(b) {
		return nil
	}
	return b[start:end]
}

func (w *worker) alignedRead(s *archive.Spot, i int) bool {
	return i < len(s.PrimAligID) && s.PrimAligID[i] != 0
}

// gate applies the only-aligned/only-unaligned restriction. Gated-out
// reads are not counted by any filter counter.
func (w *worker) gate(s *archive.Spot, i int) bool {
	if w.opts.OnlyAligned && !w.alignedRead(s, i) {
		return false
	}
	if w.opts.OnlyUnaligned && w.alignedRead(s, i) {
		return false
	}
	return true
}

// filter applies skip-technical and min-read-len with their counters.
func (w *worker) filter(s *archive.Spot, i int) bool {
	if w.opts.SkipTechnical && i < len(s.ReadType) {
		if s.ReadType[i]&archive.ReadTypeBiological == 0 {
			w.stats.ReadsTechnical++
			return false
		}
	}
	return w.filterMinLen(s, i)
}

// filterMinLen applies min-read-len alone. Whole-spot output emits the
// spot as submitted and never drops technical reads, but short reads are
// still filtered and counted.
func (w *worker) filterMinLen(s *archive.Spot, i int) bool {
	if w.opts.MinReadLen > 0 && int(s.ReadLen[i]) < w.opts.MinReadLen {
		w.stats.ReadsTooShort++
		return false
	}
	return true
}

// reverseRead reports whether read i carries the REVERSE type bit, which
// tells the lookup fetch to reverse-complement the stored bases.
func (w *worker) reverseRead(s *archive.Spot, i int) bool {
	return i < len(s.ReadType) && s.ReadType[i]&archive.ReadTypeReverse != 0
}

// unalignedBases returns the stored bases of unaligned read i. When
// CMP_READ is absent the full READ column is sliced; when it covers the
// whole spot it is sliced the same way; otherwise it holds only the
// unaligned reads, concatenated in read order.
func (w *worker) unalignedBases(s *archive.Spot, ends []uint32, i int) []byte {
	if !s.HasCmpRead {
		return sliceAt(s.Read, ends, i)
	}
	if len(s.CmpRead) == s.TotalLen() {
		return sliceAt(s.CmpRead, ends, i)
	}
	off := uint32(0)
	for j := 0; j < i; j++ {
		if !w.alignedRead(s, j) {
			off += s.ReadLen[j]
		}
	}
	end := off + s.ReadLen[i]
	if int(end) > len(s.CmpRead) {
		return nil
	}
	return s.CmpRead[off:end]
}

// basesFor resolves the bases of read i per the per-spot decision table:
// aligned reads come from the lookup, reverse-complemented when the read's
// REVERSE type bit is set; unaligned reads come from the spot row. The
// result may alias the lookup reader's buffer and must be consumed before
// the next fetch.
func (w *worker) basesFor(s *archive.Spot, ends []uint32, i int) ([]byte, error) {
	if !w.alignedRead(s, i) {
		return w.unalignedBases(s, ends, i), nil
	}
	if w.lookup == nil {
		return nil, errors.E(errors.Integrity, "aligned read without lookup store")
	}
	return w.lookup.Fetch(s.Row, uint32(i+1), w.reverseRead(s, i))
}

func (w *worker) processSpot(s *archive.Spot) error {
	w.stats.SpotsRead++
	n := s.NumReads()
	w.stats.ReadsRead += uint64(n)
	if n == 0 {
		return nil
	}
	ends := readEnds(s.ReadLen)
	if w.cfg.Policy == WholeSpot {
		return w.printWholeSpot(s, ends)
	}
	return w.printSplit(s, ends)
}

// invalid counts a malformed row and silently drops the spot.
func (w *worker) invalid(s *archive.Spot, what string) error {
	log.Debug.Printf("row #%d: %s", s.Row, what)
	w.stats.ReadsInvalid++
	return nil
}

// printWholeSpot emits one record holding every included read of the spot.
// Technical reads stay in (the record is the spot as submitted); the
// min-read-len filter still applies to every read.
func (w *worker) printWholeSpot(s *archive.Spot, ends []uint32) error {
	n := s.NumReads()
	if n == 1 {
		if !w.gate(s, 0) || !w.filterMinLen(s, 0) {
			return nil
		}
		bases, err := w.basesFor(s, ends, 0)
		if err != nil {
			return err
		}
		if len(bases) == 0 {
			w.stats.ReadsZeroLength++
			return nil
		}
		if w.cfg.Format == FASTQ && len(bases) != len(s.Quality) {
			return w.invalid(s, "read/quality length mismatch")
		}
		if !w.opts.PassBases(bases) {
			return nil
		}
		dst0, err := w.sw.stream(0)
		if err != nil {
			return err
		}
		if err := w.pr.print(dst0, s, 1, bases, s.Quality); err != nil {
			return errors.E(err, "shard write")
		}
		w.stats.ReadsWritten++
		return nil
	}

	var (
		bases    []byte
		qual     []byte
		included uint64
	)
	for i := 0; i < n; i++ {
		if !w.gate(s, i) || !w.filterMinLen(s, i) {
			continue
		}
		b, err := w.basesFor(s, ends, i)
		if err != nil {
			return err
		}
		bases = append(bases, b...)
		if w.cfg.Format == FASTQ {
			qual = append(qual, sliceAt(s.Quality, ends, i)...)
		}
		included++
	}
	if included == 0 || len(bases) == 0 {
		return nil
	}
	if w.cfg.Format == FASTQ && len(bases) != len(qual) {
		return w.invalid(s, "read/quality length mismatch")
	}
	if !w.opts.PassBases(bases) {
		return nil
	}
	dst0, err := w.sw.stream(0)
	if err != nil {
		return err
	}
	if err := w.pr.print(dst0, s, 1, bases, qual); err != nil {
		return errors.E(err, "shard write")
	}
	w.stats.ReadsWritten += included
	return nil
}

// printSplit emits one record per included read, routing each to the
// destination its policy selects.
func (w *worker) printSplit(s *archive.Spot, ends []uint32) error {
	n := s.NumReads()
	if w.cfg.Format == FASTQ && s.TotalLen() != len(s.Quality) {
		return w.invalid(s, "quality does not cover the spot")
	}
	type splitRead struct {
		bases []byte
		qual  []byte
	}
	var (
		reads     = make([]splitRead, n)
		process   = make([]bool, n)
		nProcess  = 0
		needsCopy = w.lookup != nil
	)
	for i := 0; i < n; i++ {
		if !w.gate(s, i) || !w.filter(s, i) {
			continue
		}
		bases, err := w.basesFor(s, ends, i)
		if err != nil {
			return err
		}
		if w.cfg.Format == FASTQ {
			q := sliceAt(s.Quality, ends, i)
			if len(bases) != len(q) {
				return w.invalid(s, "read/quality length mismatch")
			}
			reads[i].qual = q
		}
		if len(bases) == 0 {
			w.stats.ReadsZeroLength++
			continue
		}
		if !w.opts.PassBases(bases) {
			continue
		}
		if needsCopy && w.alignedRead(s, i) {
			bases = append([]byte(nil), bases...)
		}
		reads[i].bases = bases
		process[i] = true
		nProcess++
	}
	if nProcess == 0 {
		return nil
	}
	pairComplete := nProcess >= 2
	for i := 0; i < n; i++ {
		if !process[i] {
			continue
		}
		dst := 0
		switch w.cfg.Policy {
		case SplitFile:
			dst = i + 1
			if dst >= MaxDst {
				dst = MaxDst - 1
			}
		case Split3:
			if pairComplete {
				dst = i + 1
				if dst >= MaxDst {
					dst = MaxDst - 1
				}
			}
		}
		out, err := w.sw.stream(dst)
		if err != nil {
			return err
		}
		if err := w.pr.print(out, s, uint32(i+1), reads[i].bases, reads[i].qual); err != nil {
			return errors.E(err, "shard write")
		}
		w.stats.ReadsWritten++
	}
	return nil
}
