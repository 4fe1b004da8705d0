package main

/*
bio-fastrq-gen generates a small synthetic sequencing archive for testing
and benchmarking bio-fastrq. Spots are paired-end; a configurable fraction
of reads is marked aligned, with their bases stored in the alignment table
the way a cSRA loader would.
*/

import (
	"bufio"
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/fastrq/archive"
	"github.com/grailbio/fastrq/lookup"
)

var (
	outPath      = flag.String("out", "", "Archive directory to create (required)")
	accession    = flag.String("accession", "SYN1", "Accession name stored in the archive")
	numSpots     = flag.Int("spots", 1000, "Number of spots to generate")
	readLen      = flag.Int("read-len", 75, "Length of each read")
	alignedFrac  = flag.Float64("aligned-frac", 0.5, "Fraction of reads stored as aligned")
	reverseFrac  = flag.Float64("reverse-frac", 0.25, "Fraction of aligned reads stored in reverse orientation")
	seed         = flag.Int64("seed", 1, "Random seed")
	manifestPath = flag.String("manifest", "", "Optional TSV manifest of generated spots")
)

var alphabet = []byte("ACGT")

func randBases(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return b
}

func randQual(rng *rand.Rand, n int) []byte {
	q := make([]byte, n)
	for i := range q {
		q[i] = byte(20 + rng.Intn(20))
	}
	return q
}

func main() {
	shutdown := grail.Init()
	defer shutdown()
	if *outPath == "" {
		log.Fatalf("-out is required")
	}

	rng := rand.New(rand.NewSource(*seed))
	w, err := archive.Create(*outPath, *accession)
	if err != nil {
		log.Fatalf("create archive: %v", err)
	}

	var manifest *bufio.Writer
	var closeManifest func()
	if *manifestPath != "" {
		ctx := vcontext.Background()
		f, err := file.Create(ctx, *manifestPath)
		if err != nil {
			log.Fatalf("create manifest: %v", err)
		}
		manifest = bufio.NewWriter(f.Writer(ctx))
		closeManifest = func() {
			if err := manifest.Flush(); err != nil {
				log.Fatalf("flush manifest: %v", err)
			}
			if err := f.Close(ctx); err != nil {
				log.Fatalf("close manifest: %v", err)
			}
		}
	}

	nextAlignRow := uint64(0)
	for i := 0; i < *numSpots; i++ {
		r1 := randBases(rng, *readLen)
		r2 := randBases(rng, *readLen)
		spot := archive.Spot{
			Name:     fmt.Sprintf("spot_%07d", i+1),
			Read:     append(append([]byte{}, r1...), r2...),
			Quality:  randQual(rng, 2*(*readLen)),
			ReadLen:  []uint32{uint32(*readLen), uint32(*readLen)},
			ReadType: []byte{archive.ReadTypeBiological, archive.ReadTypeBiological},
		}
		var prim [2]uint64
		var reverse [2]bool
		var cmp []byte
		for r, bases := range [][]byte{r1, r2} {
			if rng.Float64() < *alignedFrac {
				nextAlignRow++
				prim[r] = nextAlignRow
				if rng.Float64() < *reverseFrac {
					reverse[r] = true
					spot.ReadType[r] |= archive.ReadTypeReverse
				}
			} else {
				cmp = append(cmp, bases...)
			}
		}
		spot.PrimAligID = prim[:]
		spot.CmpRead = cmp
		spot.HasCmpRead = true
		row, err := w.AddSpot(&spot)
		if err != nil {
			log.Fatalf("add spot: %v", err)
		}
		for r, bases := range [][]byte{r1, r2} {
			if prim[r] == 0 {
				continue
			}
			raw := bases
			if reverse[r] {
				// Reverse-oriented reads are stored in reference
				// orientation, as a loader would leave them.
				raw = append([]byte(nil), bases...)
				lookup.ReverseComplement(raw)
			}
			if _, err := w.AddAlignment(&archive.Alignment{
				SpotID:  row,
				ReadID:  uint32(r + 1),
				RawRead: raw,
				Reverse: reverse[r],
			}); err != nil {
				log.Fatalf("add alignment: %v", err)
			}
		}
		if manifest != nil {
			fmt.Fprintf(manifest, "%d\t%s\t%d\t%d\n", row, spot.Name, prim[0], prim[1])
		}
	}
	if err := w.Close(); err != nil {
		log.Fatalf("close archive: %v", err)
	}
	if closeManifest != nil {
		closeManifest()
	}
	fmt.Fprintf(os.Stderr, "generated %d spots, %d alignments in %s\n",
		*numSpots, nextAlignRow, *outPath)
}
