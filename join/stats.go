package join

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
)

// Stats are the per-run extraction counters. Each worker accumulates a
// private copy; the controller sums them after the join, so no atomics are
// needed.
type Stats struct {
	SpotsRead       uint64
	ReadsRead       uint64
	ReadsWritten    uint64
	ReadsTechnical  uint64
	ReadsTooShort   uint64
	ReadsInvalid    uint64
	ReadsZeroLength uint64
}

// Merge adds other into s.
func (s *Stats) Merge(other Stats) {
	s.SpotsRead += other.SpotsRead
	s.ReadsRead += other.ReadsRead
	s.ReadsWritten += other.ReadsWritten
	s.ReadsTechnical += other.ReadsTechnical
	s.ReadsTooShort += other.ReadsTooShort
	s.ReadsInvalid += other.ReadsInvalid
	s.ReadsZeroLength += other.ReadsZeroLength
}

// Report writes the human-readable counter summary. Spots read, reads read
// and reads written are always printed; the filter and error counters are
// omitted while they stay zero, matching the long-standing tool output.
func (s *Stats) Report(w io.Writer) {
	comma := func(n uint64) string { return humanize.Comma(int64(n)) }
	fmt.Fprintf(w, "spots read      : %s\n", comma(s.SpotsRead))
	fmt.Fprintf(w, "reads read      : %s\n", comma(s.ReadsRead))
	fmt.Fprintf(w, "reads written   : %s\n", comma(s.ReadsWritten))
	if s.ReadsTechnical > 0 {
		fmt.Fprintf(w, "technical reads : %s\n", comma(s.ReadsTechnical))
	}
	if s.ReadsTooShort > 0 {
		fmt.Fprintf(w, "reads too short : %s\n", comma(s.ReadsTooShort))
	}
	if s.ReadsInvalid > 0 {
		fmt.Fprintf(w, "reads invalid   : %s\n", comma(s.ReadsInvalid))
	}
	if s.ReadsZeroLength > 0 {
		fmt.Fprintf(w, "reads 0-length  : %s\n", comma(s.ReadsZeroLength))
	}
}
