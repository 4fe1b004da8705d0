package pipeline

import (
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/traverse"
	"golang.org/x/sync/errgroup"
	"github.com/grailbio/fastrq/archive"
	"github.com/grailbio/fastrq/concat"
	"github.com/grailbio/fastrq/control"
	"github.com/grailbio/fastrq/defline"
	"github.com/grailbio/fastrq/join"
	"github.com/grailbio/fastrq/lookup"
)

// runUnsortedFasta is the lookup-free path: worker shards stream both the
// alignment table (reverse-oriented rows are complemented back to read
// order) and the unaligned reads of the spot table straight into one
// shared writer. Output order is whatever the workers produce; only
// completeness is guaranteed.
func runUnsortedFasta(arch *archive.Archive, quit *control.Quit, cfg *Config, seqTmpl *defline.Template) (join.Stats, error) {
	var stats join.Stats
	var out io.WriteCloser
	if cfg.ToStdout {
		out = concat.Stdout(cfg.BufSize)
	} else {
		var err error
		if out, err = concat.OpenOutput(cfg.OutPath, cfg.Force, cfg.Append, cfg.BufSize); err != nil {
			return stats, err
		}
	}
	mw := concat.NewMultiWriter(out, cfg.Threads*2)

	rows := &control.Counter{}
	progress := control.StartProgress(arch.SeqRows()+arch.AlignRows(), rows)

	n := cfg.Threads
	workerStats := make([]join.Stats, 2*n)

	// The two table passes are independent; output order is unspecified, so
	// they run concurrently.
	var g errgroup.Group
	if arch.HasAlignments() {
		g.Go(func() error {
			return traverse.Each(n, func(worker int) error {
				return streamAlignments(arch, quit, cfg, seqTmpl, mw, rows, &workerStats[worker], worker, n)
			})
		})
	}
	g.Go(func() error {
		return traverse.Each(n, func(worker int) error {
			return streamUnalignedSpots(arch, quit, cfg, seqTmpl, mw, rows, &workerStats[n+worker], worker, n)
		})
	})
	err := errors.Once{}
	err.Set(g.Wait())
	err.Set(mw.Close())
	err.Set(out.Close())
	progress.Stop()
	for _, ws := range workerStats {
		stats.Merge(ws)
	}
	if e := err.Err(); e != nil {
		return stats, e
	}
	if quit.IsSet() {
		return stats, errors.E(errors.Canceled, "extraction interrupted")
	}
	return stats, nil
}

// blockWriter accumulates rendered records and ships full blocks to the
// shared writer.
type blockWriter struct {
	mw    *concat.MultiWriter
	quit  *control.Quit
	block []byte
	limit int
}

func (b *blockWriter) append(rec []byte) error {
	b.block = append(b.block, rec...)
	if len(b.block) >= b.limit {
		return b.flush()
	}
	return nil
}

func (b *blockWriter) flush() error {
	if len(b.block) == 0 {
		return nil
	}
	block := b.block
	b.block = nil
	return b.mw.Submit(block, b.quit)
}

func streamAlignments(arch *archive.Archive, quit *control.Quit, cfg *Config, seqTmpl *defline.Template,
	mw *concat.MultiWriter, rows *control.Counter, stats *join.Stats, worker, workers int) error {
	total := arch.AlignRows()
	slice := (total + uint64(workers) - 1) / uint64(workers)
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
		return err
	}
	bw := &blockWriter{mw: mw, quit: quit, limit: cfg.BufSize}
	var (
		al  archive.Alignment
		rev []byte
		rec []byte
	)
	for it.Scan(&al) {
		if quit.IsSet() {
			return errors.E(errors.Canceled, "extraction interrupted")
		}
		rows.Add(1)
		stats.ReadsRead++
		if len(al.RawRead) == 0 {
			stats.ReadsZeroLength++
			continue
		}
		if cfg.Opts.MinReadLen > 0 && len(al.RawRead) < cfg.Opts.MinReadLen {
			stats.ReadsTooShort++
			continue
		}
		bases := al.RawRead
		if al.Reverse {
			rev = append(rev[:0], al.RawRead...)
			lookup.ReverseComplement(rev)
			bases = rev
		}
		if !cfg.Opts.PassBases(bases) {
			continue
		}
		fields := defline.Fields{
			Accession:   arch.Accession(),
			SpotID:      al.SpotID,
			ReadID:      al.ReadID,
			ReadLen:     len(bases),
			RowIDAsName: true,
		}
		rec = seqTmpl.Render(rec[:0], &fields)
		rec = append(rec, '\n')
		rec = append(rec, bases...)
		rec = append(rec, '\n')
		if err := bw.append(rec); err != nil {
			quit.Set()
			return err
		}
		stats.ReadsWritten++
	}
	if err := it.Err(); err != nil {
		quit.Set()
		return err
	}
	return bw.flush()
}

func streamUnalignedSpots(arch *archive.Archive, quit *control.Quit, cfg *Config, seqTmpl *defline.Template,
	mw *concat.MultiWriter, rows *control.Counter, stats *join.Stats, worker, workers int) error {
	total := arch.SeqRows()
	slice := (total + uint64(workers) - 1) / uint64(workers)
	first := uint64(worker)*slice + 1
	if first > total {
		return nil
	}
	count := slice
	if first+count-1 > total {
		count = total - first + 1
	}
	it, err := arch.SeqRange(first, count)
	if err != nil {
		quit.Set()
		return err
	}
	bw := &blockWriter{mw: mw, quit: quit, limit: cfg.BufSize}
	var (
		spot archive.Spot
		rec  []byte
	)
	for it.Scan(&spot) {
		if quit.IsSet() {
			return errors.E(errors.Canceled, "extraction interrupted")
		}
		rows.Add(1)
		stats.SpotsRead++
		stats.ReadsRead += uint64(spot.NumReads())
		ends := spotEnds(&spot)
		cmpOff := uint32(0)
		fullCmp := spot.HasCmpRead && len(spot.CmpRead) == spot.TotalLen()
		for i := 0; i < spot.NumReads(); i++ {
			aligned := i < len(spot.PrimAligID) && spot.PrimAligID[i] != 0
			var bases []byte
			switch {
			case aligned:
				continue // emitted by the alignment pass
			case !spot.HasCmpRead:
				bases = sliceEnds(spot.Read, ends, i)
			case fullCmp:
				bases = sliceEnds(spot.CmpRead, ends, i)
			default:
				end := cmpOff + spot.ReadLen[i]
				if int(end) > len(spot.CmpRead) {
					stats.ReadsInvalid++
					continue
				}
				bases = spot.CmpRead[cmpOff:end]
				cmpOff = end
			}
			if cfg.Opts.SkipTechnical && i < len(spot.ReadType) &&
				spot.ReadType[i]&archive.ReadTypeBiological == 0 {
				stats.ReadsTechnical++
				continue
			}
			if len(bases) == 0 {
				stats.ReadsZeroLength++
				continue
			}
			if cfg.Opts.MinReadLen > 0 && len(bases) < cfg.Opts.MinReadLen {
				stats.ReadsTooShort++
				continue
			}
			if !cfg.Opts.PassBases(bases) {
				continue
			}
			fields := defline.Fields{
				Accession:   arch.Accession(),
				SpotID:      spot.Row,
				ReadID:      uint32(i + 1),
				Name:        spot.Name,
				SpotGroup:   spot.SpotGroup,
				ReadLen:     len(bases),
				RowIDAsName: cfg.Opts.RowIDAsName,
			}
			rec = seqTmpl.Render(rec[:0], &fields)
			rec = append(rec, '\n')
			rec = append(rec, bases...)
			rec = append(rec, '\n')
			if err := bw.append(rec); err != nil {
				quit.Set()
				return err
			}
			stats.ReadsWritten++
		}
	}
	if err := it.Err(); err != nil {
		quit.Set()
		return err
	}
	return bw.flush()
}

func spotEnds(s *archive.Spot) []uint32 {
	ends := make([]uint32, len(s.ReadLen))
	off := uint32(0)
	for i, l := range s.ReadLen {
		off += l
		ends[i] = off
	}
	return ends
}

func sliceEnds(b []byte, ends []uint32, i int) []byte {
	start := uint32(0)
	if i > 0 {
		start = ends[i-1]
	}
	if int(ends[i]) > len(b) {
		return nil
	}
	return b[start:ends[i]]
}
