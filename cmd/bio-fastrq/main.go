// Copyright 2026 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

/*
bio-fastrq extracts sequence reads from an aligned-sequencing archive and
writes FASTA/FASTQ text. Aligned bases are first sorted into an on-disk
lookup keyed by (spot, read); sharded workers then join the lookup against
the spot table and the per-shard outputs are concatenated in order.
*/

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/fastrq/join"
	"github.com/grailbio/fastrq/pipeline"
)

// threadCountEnv overrides the --threads argument when set.
const threadCountEnv = "DLFT_THREAD_COUNT"

const exitNotFound = 3

// sizeFlag accepts plain byte counts and humanized forms like 100MB.
type sizeFlag uint64

func (s *sizeFlag) String() string { return humanize.Bytes(uint64(*s)) }

func (s *sizeFlag) Set(v string) error {
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return err
	}
	*s = sizeFlag(n)
	return nil
}

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

var (
	format        = flag.String("format", "default", "Output format; 'special', 'fastq' and 'default' supported")
	fasta         = flag.Bool("fasta", false, "Produce FASTA instead of FASTQ")
	fastaUnsorted = flag.Bool("fasta-unsorted", false, "Produce FASTA without the lookup phase; output order is unspecified")
	splitSpot     = flag.Bool("split-spot", false, "Emit one record per read into a single output")
	splitFiles    = flag.Bool("split-files", false, "Route read 1 and read 2 to separate output files")
	split3        = flag.Bool("split-3", false, "Route complete pairs to _1/_2 and unpaired reads to the bare output")
	concatReads   = flag.Bool("concatenate-reads", false, "Emit each spot as one whole record")

	outFile  = flag.String("outfile", "", "Output path; defaults to <accession>.fastq or .fasta in -outdir")
	outDir   = flag.String("outdir", "", "Directory for the default output name")
	toStdout = flag.Bool("stdout", false, "Write output to stdout (single-output modes only)")
	force    = flag.Bool("force", false, "Overwrite an existing output file")
	appendTo = flag.Bool("append", false, "Append to the output file instead of creating it")

	threads  = flag.Int("threads", pipeline.DefaultThreads, "Worker thread count (min 2); "+threadCountEnv+" overrides")
	memLimit = sizeFlag(pipeline.DefaultMemLimit)
	bufSize  = sizeFlag(pipeline.DefaultBufSize)
	curCache sizeFlag
	tempDir  = flag.String("temp", "", "Directory for temporary files (default system temp)")
	keepTemp = flag.Bool("keep-tmp", false, "Keep temporary files for debugging")

	skipTech    = flag.Bool("skip-technical", true, "Drop technical (non-biological) reads")
	includeTech = flag.Bool("include-technical", false, "Keep technical reads; overrides -skip-technical")
	minReadLen  = flag.Int("min-read-len", 0, "Drop reads shorter than this many bases")
	basesFilter multiFlag

	seqDefline  = flag.String("seq-defline", "", "Sequence defline template, e.g. '@$ac.$si/$ri $sn length=$rl'")
	qualDefline = flag.String("qual-defline", "", "Quality defline template (FASTQ)")

	onlyAligned   = flag.Bool("only-aligned", false, "Emit only reads that have a primary alignment")
	onlyUnaligned = flag.Bool("only-unaligned", false, "Emit only reads without a primary alignment")

	diskLimit    sizeFlag
	diskLimitTmp sizeFlag
	sizeCheck    = flag.String("size-check", "on", "Preflight disk-space check; 'on', 'off' or 'only'")
)

func init() {
	flag.Var(&memLimit, "mem", "Total memory budget of the lookup producer")
	flag.Var(&bufSize, "bufsize", "I/O buffer size")
	flag.Var(&curCache, "curcache", "Archive cursor cache size (accepted for compatibility)")
	flag.Var(&basesFilter, "bases", "Emit a read only if it contains this base substring; repeatable")
	flag.Var(&diskLimit, "disk-limit", "Abort when the estimated output exceeds this many bytes")
	flag.Var(&diskLimitTmp, "disk-limit-tmp", "Abort when the estimated temp usage exceeds this many bytes")
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] <accession path>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Options:\n")
	flag.PrintDefaults()
}

// resolvePolicy maps the split flags onto an output policy. The historical
// default is split-3.
func resolvePolicy() (join.Policy, error) {
	set := 0
	for _, b := range []bool{*splitSpot, *splitFiles, *split3, *concatReads} {
		if b {
			set++
		}
	}
	if set > 1 {
		return 0, errors.E(errors.Invalid,
			"at most one of -split-spot, -split-files, -split-3, -concatenate-reads may be given")
	}
	switch {
	case *splitSpot:
		return join.SplitSpot, nil
	case *splitFiles:
		return join.SplitFile, nil
	case *concatReads:
		return join.WholeSpot, nil
	default:
		return join.Split3, nil
	}
}

func resolveFormat() (join.Format, error) {
	if *fasta || *fastaUnsorted {
		return join.FASTA, nil
	}
	switch *format {
	case "default", "fastq", "special":
		return join.FASTQ, nil
	}
	return 0, errors.E(errors.Invalid, "unknown format: "+*format)
}

func main() {
	flag.Usage = usage
	shutdown := grail.Init()
	defer shutdown()

	if flag.NArg() != 1 {
		usage()
		os.Exit(1)
	}
	archivePath := flag.Arg(0)

	fmtKind, err := resolveFormat()
	if err != nil {
		log.Fatalf("%v", err)
	}
	policy, err := resolvePolicy()
	if err != nil {
		log.Fatalf("%v", err)
	}
	if *fastaUnsorted {
		policy = join.SplitSpot
	}

	nThreads := *threads
	if env := os.Getenv(threadCountEnv); env != "" {
		n, err := strconv.Atoi(env)
		if err != nil {
			log.Fatalf("bad %s value %q: %v", threadCountEnv, env, err)
		}
		nThreads = n
	}

	if *toStdout && policy.NumOutputs() > 1 {
		log.Error.Printf("-stdout cannot carry %d output files; writing to files instead", policy.NumOutputs())
		*toStdout = false
	}
	if *onlyAligned && *onlyUnaligned {
		log.Error.Printf("-only-aligned and -only-unaligned are mutually exclusive; ignoring both")
		*onlyAligned, *onlyUnaligned = false, false
	}

	out := *outFile
	if out == "" && !*toStdout {
		ext := ".fastq"
		if fmtKind == join.FASTA {
			ext = ".fasta"
		}
		out = filepath.Base(strings.TrimRight(archivePath, "/")) + ext
		if *outDir != "" {
			out = filepath.Join(*outDir, out)
		}
	}

	var sc pipeline.SizeCheck
	switch *sizeCheck {
	case "on":
		sc = pipeline.SizeCheckOn
	case "off":
		sc = pipeline.SizeCheckOff
	case "only":
		sc = pipeline.SizeCheckOnly
	default:
		log.Fatalf("bad -size-check value %q (want on, off or only)", *sizeCheck)
	}

	var filters [][]byte
	for _, b := range basesFilter {
		filters = append(filters, []byte(strings.ToUpper(b)))
	}

	cfg := pipeline.Config{
		ArchivePath:   archivePath,
		Format:        fmtKind,
		Policy:        policy,
		UnsortedFasta: *fastaUnsorted,
		OutPath:       out,
		ToStdout:      *toStdout,
		Force:         *force,
		Append:        *appendTo,
		Threads:       nThreads,
		MemLimit:      uint64(memLimit),
		BufSize:       int(bufSize),
		CurCache:      uint64(curCache),
		TempBase:      *tempDir,
		KeepTemp:      *keepTemp,
		SeqDefline:    *seqDefline,
		QualDefline:   *qualDefline,
		Opts: join.Options{
			SkipTechnical: *skipTech && !*includeTech,
			MinReadLen:    *minReadLen,
			FilterBases:   filters,
			OnlyAligned:   *onlyAligned,
			OnlyUnaligned: *onlyUnaligned,
		},
		DiskLimit:    uint64(diskLimit),
		DiskLimitTmp: uint64(diskLimitTmp),
		SizeCheck:    sc,
	}

	stats, err := pipeline.Run(cfg)
	if err != nil {
		log.Error.Printf("%v", err)
		shutdown()
		if errors.Is(errors.NotExist, err) {
			os.Exit(exitNotFound)
		}
		os.Exit(1)
	}
	if !cfg.ToStdout {
		stats.Report(os.Stderr)
	}
}
