package pipeline

import (
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/fastrq/archive"
	"github.com/grailbio/fastrq/defline"
	"golang.org/x/sys/unix"
)

const sampleSpots = 1024

// sizeEstimate is the preflight projection of output and temp usage.
type sizeEstimate struct {
	outBytes uint64
	tmpBytes uint64
}

// estimateSize samples the head of the spot table to project average line
// lengths, then scales by the row counts. The estimate is deliberately on
// the generous side; running out of disk mid-merge is the expensive case.
func estimateSize(arch *archive.Archive, seqTmpl, qualTmpl *defline.Template) sizeEstimate {
	n := arch.SeqRows()
	if n == 0 {
		return sizeEstimate{}
	}
	sample := n
	if sample > sampleSpots {
		sample = sampleSpots
	}
	it, err := arch.SeqRange(1, sample)
	if err != nil {
		return sizeEstimate{}
	}
	var (
		spot      archive.Spot
		scanned   uint64
		baseCount uint64
		nameLen   uint64
		sgLen     uint64
		readCount uint64
	)
	for it.Scan(&spot) {
		scanned++
		baseCount += uint64(spot.TotalLen())
		nameLen += uint64(len(spot.Name))
		sgLen += uint64(len(spot.SpotGroup))
		readCount += uint64(spot.NumReads())
	}
	if it.Err() != nil || scanned == 0 {
		return sizeEstimate{}
	}
	avgSpotLen := baseCount / scanned
	avgReads := readCount / scanned
	if avgReads == 0 {
		avgReads = 1
	}
	avgReadLen := avgSpotLen / avgReads
	defLen := uint64(seqTmpl.EstimateLen(arch.Accession(), n,
		int(nameLen/scanned), int(sgLen/scanned), int(avgReadLen)))
	perSpot := defLen + avgSpotLen + 2 // defline + bases + newlines
	if qualTmpl != nil {
		qualDefLen := uint64(qualTmpl.EstimateLen(arch.Accession(), n,
			int(nameLen/scanned), int(sgLen/scanned), int(avgReadLen)))
		perSpot += qualDefLen + avgSpotLen + 2
	}
	est := sizeEstimate{outBytes: perSpot * n}
	// Temp usage peaks at the shard files (≈ the output) plus the lookup
	// and one merge generation of sub-files (≈ 2x the packed bases).
	est.tmpBytes = est.outBytes + arch.AlignRows()*(10+avgReadLen/2)*2
	return est
}

func freeSpace(path string) uint64 {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0
	}
	return uint64(st.Bavail) * uint64(st.Bsize)
}

// checkDiskSpace aborts the run up front when the projected output or temp
// usage exceeds the configured limits or the free space on the target
// filesystems.
func checkDiskSpace(cfg *Config, est sizeEstimate) error {
	log.Printf("estimated output: %s, estimated temp usage: %s",
		humanize.Bytes(est.outBytes), humanize.Bytes(est.tmpBytes))
	if est.outBytes == 0 && est.tmpBytes == 0 {
		return nil
	}
	outLimit := cfg.DiskLimit
	if outLimit == 0 && !cfg.ToStdout && cfg.OutPath != "" {
		outLimit = freeSpace(filepath.Dir(cfg.OutPath))
	}
	if outLimit > 0 && est.outBytes > outLimit {
		return errors.E(errors.ResourcesExhausted,
			"estimated output size "+humanize.Bytes(est.outBytes)+
				" exceeds the disk limit of "+humanize.Bytes(outLimit))
	}
	tmpLimit := cfg.DiskLimitTmp
	if tmpLimit == 0 {
		base := cfg.TempBase
		if base == "" {
			base = os.TempDir()
		}
		tmpLimit = freeSpace(base)
	}
	if tmpLimit > 0 && est.tmpBytes > tmpLimit {
		return errors.E(errors.ResourcesExhausted,
			"estimated temp usage "+humanize.Bytes(est.tmpBytes)+
				" exceeds the temp disk limit of "+humanize.Bytes(tmpLimit))
	}
	return nil
}
