package pipeline

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/grailbio/fastrq/archive"
	"github.com/grailbio/fastrq/join"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeCSRA builds an archive with one paired spot whose first read is
// aligned (ALIGN row 5) and second read unaligned, plus filler alignment
// rows so the referenced row id exists in a dense table.
func makeCSRA(t *testing.T, dir string) {
	w, err := archive.Create(dir, "ACC")
	require.NoError(t, err)
	qual := make([]byte, 20)
	for i := range qual {
		qual[i] = 30
	}
	_, err = w.AddSpot(&archive.Spot{
		Name:       "spot_1",
		CmpRead:    []byte("TTTTTTTTTT"),
		HasCmpRead: true,
		Quality:    qual,
		ReadLen:    []uint32{10, 10},
		ReadType:   []byte{archive.ReadTypeBiological, archive.ReadTypeBiological},
		PrimAligID: []uint64{5, 0},
	})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err = w.AddAlignment(&archive.Alignment{
			SpotID:  uint64(1000 + i),
			ReadID:  1,
			RawRead: []byte("ACGT"),
		})
		require.NoError(t, err)
	}
	_, err = w.AddAlignment(&archive.Alignment{
		SpotID:  1,
		ReadID:  1,
		RawRead: []byte("ACGTACGTAC"),
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func makeFlat(t *testing.T, dir string, reads []string) {
	w, err := archive.Create(dir, "ACC")
	require.NoError(t, err)
	for _, bases := range reads {
		qual := make([]byte, len(bases))
		for i := range qual {
			qual[i] = 30
		}
		_, err := w.AddSpot(&archive.Spot{
			Name:       "s",
			Read:       []byte(bases),
			Quality:    qual,
			ReadLen:    []uint32{uint32(len(bases))},
			ReadType:   []byte{archive.ReadTypeBiological},
			PrimAligID: []uint64{0},
		})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func baseConfig(archivePath, outPath, tempBase string) Config {
	return Config{
		ArchivePath: archivePath,
		Format:      join.FASTQ,
		Policy:      join.WholeSpot,
		OutPath:     outPath,
		Threads:     2,
		TempBase:    tempBase,
		SizeCheck:   SizeCheckOff,
	}
}

// assertTempEmpty verifies no run-owned temp files survived.
func assertTempEmpty(t *testing.T, tempBase string) {
	entries, err := os.ReadDir(tempBase)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "fastrq."), "leftover %s", e.Name())
	}
}

func TestWholeSpotHalfAligned(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "pipeline")
	defer cleanup()
	arcDir := filepath.Join(tmp, "arc")
	makeCSRA(t, arcDir)

	out := filepath.Join(tmp, "out.fastq")
	cfg := baseConfig(arcDir, out, tmp)
	stats, err := Run(cfg)
	require.NoError(t, err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	want := "@ACC.1 spot_1 length=20\n" +
		"ACGTACGTACTTTTTTTTTT\n" +
		"+ACC.1 spot_1 length=20\n" +
		strings.Repeat("?", 20) + "\n"
	assert.Equal(t, want, string(got))
	assert.Equal(t, uint64(1), stats.SpotsRead)
	assert.Equal(t, uint64(2), stats.ReadsWritten)
	assertTempEmpty(t, tmp)
}

func TestSplitFileOutputs(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "pipeline")
	defer cleanup()
	arcDir := filepath.Join(tmp, "arc")
	makeCSRA(t, arcDir)

	out := filepath.Join(tmp, "out.fastq")
	cfg := baseConfig(arcDir, out, tmp)
	cfg.Policy = join.SplitFile
	_, err := Run(cfg)
	require.NoError(t, err)

	got1, err := os.ReadFile(filepath.Join(tmp, "out_1.fastq"))
	require.NoError(t, err)
	assert.Equal(t, "@ACC.1/1 spot_1 length=10\nACGTACGTAC\n+ACC.1/1 spot_1 length=10\n??????????\n", string(got1))
	got2, err := os.ReadFile(filepath.Join(tmp, "out_2.fastq"))
	require.NoError(t, err)
	assert.Equal(t, "@ACC.1/2 spot_1 length=10\nTTTTTTTTTT\n+ACC.1/2 spot_1 length=10\n??????????\n", string(got2))
	// No unpaired output in split-file mode.
	_, err = os.Stat(out)
	assert.True(t, os.IsNotExist(err))
	assertTempEmpty(t, tmp)
}

func TestSplitSpotFlat(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "pipeline")
	defer cleanup()
	arcDir := filepath.Join(tmp, "arc")
	makeFlat(t, arcDir, []string{"ACGT", "TTTT", "GGGG"})

	out := filepath.Join(tmp, "out.fastq")
	cfg := baseConfig(arcDir, out, tmp)
	cfg.Policy = join.SplitSpot
	stats, err := Run(cfg)
	require.NoError(t, err)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(got), "\n"), "\n")
	require.Equal(t, 12, len(lines))
	assert.Equal(t, "ACGT", lines[1]) // first record carries spot 1's bases
	assert.Equal(t, uint64(3), stats.ReadsWritten)
}

func TestDeterministicOutput(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "pipeline")
	defer cleanup()
	arcDir := filepath.Join(tmp, "arc")
	reads := make([]string, 200)
	for i := range reads {
		reads[i] = strings.Repeat("ACGT", 1+i%5)
	}
	makeFlat(t, arcDir, reads)

	out := filepath.Join(tmp, "out.fastq")
	cfg := baseConfig(arcDir, out, tmp)
	cfg.Policy = join.SplitSpot
	_, err := Run(cfg)
	require.NoError(t, err)
	first, err := os.ReadFile(out)
	require.NoError(t, err)

	cfg.Force = true
	_, err = Run(cfg)
	require.NoError(t, err)
	second, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestUnsortedFasta(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "pipeline")
	defer cleanup()
	arcDir := filepath.Join(tmp, "arc")
	makeCSRA(t, arcDir)

	out := filepath.Join(tmp, "out.fasta")
	cfg := baseConfig(arcDir, out, tmp)
	cfg.Format = join.FASTA
	cfg.Policy = join.SplitSpot
	cfg.UnsortedFasta = true
	cfg.SeqDefline = ">$ac.$si/$ri"
	stats, err := Run(cfg)
	require.NoError(t, err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(got), "\n"), "\n")
	var bases []string
	for i := 1; i < len(lines); i += 2 {
		bases = append(bases, lines[i])
	}
	sort.Strings(bases)
	// Four filler alignments, the aligned read 1 and the unaligned read 2.
	assert.Equal(t, []string{"ACGT", "ACGT", "ACGT", "ACGT", "ACGTACGTAC", "TTTTTTTTTT"}, bases)
	// Five alignment rows plus the spot's two reads.
	assert.Equal(t, uint64(7), stats.ReadsRead)
	assert.Equal(t, uint64(6), stats.ReadsWritten)
	assertTempEmpty(t, tmp)
}

func TestDiskLimitAborts(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "pipeline")
	defer cleanup()
	arcDir := filepath.Join(tmp, "arc")
	makeFlat(t, arcDir, []string{"ACGTACGTACGTACGT"})

	out := filepath.Join(tmp, "out.fastq")
	cfg := baseConfig(arcDir, out, tmp)
	cfg.SizeCheck = SizeCheckOn
	cfg.DiskLimit = 1
	_, err := Run(cfg)
	require.Error(t, err)
	_, serr := os.Stat(out)
	assert.True(t, os.IsNotExist(serr))
}

func TestSizeCheckOnlySkipsWork(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "pipeline")
	defer cleanup()
	arcDir := filepath.Join(tmp, "arc")
	makeFlat(t, arcDir, []string{"ACGT"})

	out := filepath.Join(tmp, "out.fastq")
	cfg := baseConfig(arcDir, out, tmp)
	cfg.SizeCheck = SizeCheckOnly
	_, err := Run(cfg)
	require.NoError(t, err)
	_, serr := os.Stat(out)
	assert.True(t, os.IsNotExist(serr))
	assertTempEmpty(t, tmp)
}

func TestMissingArchive(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "pipeline")
	defer cleanup()
	cfg := baseConfig(filepath.Join(tmp, "nope"), filepath.Join(tmp, "out"), tmp)
	_, err := Run(cfg)
	require.Error(t, err)
}

func TestSplit3Pair(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "pipeline")
	defer cleanup()
	arcDir := filepath.Join(tmp, "arc")
	makeCSRA(t, arcDir)

	out := filepath.Join(tmp, "out.fastq")
	cfg := baseConfig(arcDir, out, tmp)
	cfg.Policy = join.Split3
	_, err := Run(cfg)
	require.NoError(t, err)

	got1, err := os.ReadFile(filepath.Join(tmp, "out_1.fastq"))
	require.NoError(t, err)
	assert.Contains(t, string(got1), "ACGTACGTAC\n")
	got2, err := os.ReadFile(filepath.Join(tmp, "out_2.fastq"))
	require.NoError(t, err)
	assert.Contains(t, string(got2), "TTTTTTTTTT\n")
	// The pair is complete, so nothing lands in the unpaired output.
	_, serr := os.Stat(out)
	assert.True(t, os.IsNotExist(serr))
	assertTempEmpty(t, tmp)
}

// makeReverseCSRA is makeCSRA with the aligned read stored in reference
// orientation and flagged REVERSE in the spot's READ_TYPE.
func makeReverseCSRA(t *testing.T, dir string) {
	w, err := archive.Create(dir, "ACC")
	require.NoError(t, err)
	qual := make([]byte, 20)
	for i := range qual {
		qual[i] = 30
	}
	_, err = w.AddSpot(&archive.Spot{
		Name:       "spot_1",
		CmpRead:    []byte("TTTTTTTTTT"),
		HasCmpRead: true,
		Quality:    qual,
		ReadLen:    []uint32{10, 10},
		ReadType: []byte{
			archive.ReadTypeBiological | archive.ReadTypeReverse,
			archive.ReadTypeBiological,
		},
		PrimAligID: []uint64{1, 0},
	})
	require.NoError(t, err)
	_, err = w.AddAlignment(&archive.Alignment{
		SpotID:  1,
		ReadID:  1,
		RawRead: []byte("GTACGTACGT"), // revcomp of ACGTACGTAC
		Reverse: true,
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestWholeSpotReverseAligned(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "pipeline")
	defer cleanup()
	arcDir := filepath.Join(tmp, "arc")
	makeReverseCSRA(t, arcDir)

	out := filepath.Join(tmp, "out.fastq")
	cfg := baseConfig(arcDir, out, tmp)
	stats, err := Run(cfg)
	require.NoError(t, err)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	// The stored bases are reverse-complemented back to read order.
	want := "@ACC.1 spot_1 length=20\n" +
		"ACGTACGTACTTTTTTTTTT\n" +
		"+ACC.1 spot_1 length=20\n" +
		strings.Repeat("?", 20) + "\n"
	assert.Equal(t, want, string(got))
	assert.Equal(t, uint64(2), stats.ReadsWritten)
}

func TestUnsortedFastaReverseAligned(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "pipeline")
	defer cleanup()
	arcDir := filepath.Join(tmp, "arc")
	makeReverseCSRA(t, arcDir)

	out := filepath.Join(tmp, "out.fasta")
	cfg := baseConfig(arcDir, out, tmp)
	cfg.Format = join.FASTA
	cfg.Policy = join.SplitSpot
	cfg.UnsortedFasta = true
	cfg.SeqDefline = ">$ac.$si/$ri"
	stats, err := Run(cfg)
	require.NoError(t, err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(got), "\n"), "\n")
	var bases []string
	for i := 1; i < len(lines); i += 2 {
		bases = append(bases, lines[i])
	}
	sort.Strings(bases)
	assert.Equal(t, []string{"ACGTACGTAC", "TTTTTTTTTT"}, bases)
	// One alignment row and one two-read spot scanned.
	assert.Equal(t, uint64(3), stats.ReadsRead)
	assert.Equal(t, uint64(2), stats.ReadsWritten)
}
