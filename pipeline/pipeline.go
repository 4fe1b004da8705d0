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

// Package pipeline wires the extraction stages together: lookup
// production and merging, the sharded spot join, shard concatenation, and
// the cleanup, progress and cancellation discipline around them.
package pipeline

import (
	"os"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/fastrq/archive"
	"github.com/grailbio/fastrq/concat"
	"github.com/grailbio/fastrq/control"
	"github.com/grailbio/fastrq/defline"
	"github.com/grailbio/fastrq/join"
	"github.com/grailbio/fastrq/lookup"
	"github.com/grailbio/fastrq/tempdir"
)

// SizeCheck selects the preflight disk-space behavior.
type SizeCheck int

const (
	// SizeCheckOn runs the preflight estimate and aborts when a limit would
	// be exceeded.
	SizeCheckOn SizeCheck = iota
	// SizeCheckOff skips the preflight entirely.
	SizeCheckOff
	// SizeCheckOnly reports the estimate and stops before any work.
	SizeCheckOnly
)

// Step bounds how far Run proceeds, for tests and diagnostics.
type Step int

const (
	// StepAll runs the whole pipeline.
	StepAll Step = iota
	// StepLookup stops after the lookup file is finished.
	StepLookup
	// StepJoin stops after shard files are written, skipping concatenation.
	StepJoin
)

// Config is the resolved run configuration.
type Config struct {
	ArchivePath string
	Format      join.Format
	Policy      join.Policy
	// UnsortedFasta selects the lookup-free streaming FASTA path.
	UnsortedFasta bool

	OutPath  string
	ToStdout bool
	Force    bool
	Append   bool

	Threads  int
	MemLimit uint64
	BufSize  int
	// CurCache is accepted for compatibility with cursor-cached archive
	// backends; the key/value backend has no per-cursor cache to size.
	CurCache uint64
	TempBase string
	KeepTemp bool

	SeqDefline  string
	QualDefline string
	Opts        join.Options

	DiskLimit    uint64
	DiskLimitTmp uint64
	SizeCheck    SizeCheck

	StopAfterStep Step
}

const (
	// DefaultThreads is used when no thread count is given; the count is
	// clamped to at least MinThreads.
	DefaultThreads = 6
	MinThreads     = 2

	// DefaultMemLimit is the total producer memory budget.
	DefaultMemLimit = 100 << 20
	// DefaultBufSize is the per-stream I/O buffer size.
	DefaultBufSize = 1 << 20

	lookupBinName = "lookup.bin"
	lookupIdxName = "lookup.idx"
)

// Run executes one extraction. The returned stats are valid even when err
// is non-nil, reporting whatever was counted before the failure.
func Run(cfg Config) (join.Stats, error) {
	var stats join.Stats
	arch, err := archive.Open(cfg.ArchivePath)
	if err != nil {
		return stats, err
	}
	defer arch.Close() // nolint: errcheck

	if cfg.Threads < MinThreads {
		cfg.Threads = MinThreads
	}
	if cfg.MemLimit == 0 {
		cfg.MemLimit = DefaultMemLimit
	}
	if cfg.BufSize == 0 {
		cfg.BufSize = DefaultBufSize
	}
	seqTmpl, qualTmpl, err := resolveTemplates(&cfg)
	if err != nil {
		return stats, err
	}

	if cfg.SizeCheck != SizeCheckOff {
		est := estimateSize(arch, seqTmpl, qualTmpl)
		if err := checkDiskSpace(&cfg, est); err != nil {
			return stats, err
		}
		if cfg.SizeCheck == SizeCheckOnly {
			return stats, nil
		}
	}

	dir, err := tempdir.New(cfg.TempBase)
	if err != nil {
		return stats, err
	}
	dir.SetKeep(cfg.KeepTemp)
	defer func() {
		if err := dir.Remove(); err != nil {
			log.Error.Printf("temp cleanup: %v", err)
		}
	}()

	quit := &control.Quit{}
	stop := quit.NotifyInterrupt()
	defer stop()

	if cfg.UnsortedFasta {
		return runUnsortedFasta(arch, quit, &cfg, seqTmpl)
	}

	var lookupBin, lookupIdx string
	if arch.HasAlignments() {
		lookupBin = filepath.Join(dir.Path(), lookupBinName)
		lookupIdx = filepath.Join(dir.Path(), lookupIdxName)
		if err := buildLookup(arch, dir, quit, &cfg, lookupBin, lookupIdx); err != nil {
			return stats, err
		}
		if cfg.StopAfterStep == StepLookup {
			return stats, nil
		}
	}

	rows := &control.Counter{}
	progress := control.StartProgress(arch.SeqRows(), rows)
	paths, stats, err := join.Run(arch, dir, quit, rows, join.Config{
		Format:       cfg.Format,
		Policy:       cfg.Policy,
		NumThreads:   cfg.Threads,
		BufSize:      cfg.BufSize,
		Opts:         cfg.Opts,
		SeqTemplate:  seqTmpl,
		QualTemplate: qualTmpl,
		LookupBin:    lookupBin,
		LookupIdx:    lookupIdx,
	})
	progress.Stop()
	// The lookup is consumed; drop it before concatenation needs the disk.
	removeLookup(lookupBin, lookupIdx)
	if err != nil {
		return stats, err
	}
	if cfg.StopAfterStep == StepJoin {
		return stats, nil
	}
	return stats, concatenate(&cfg, paths)
}

// buildLookup runs the extract-sort-merge chain that produces the lookup
// file and its index.
func buildLookup(arch *archive.Archive, dir *tempdir.Dir, quit *control.Quit, cfg *Config, binPath, idxPath string) error {
	rows := &control.Counter{}
	progress := control.StartProgress(arch.AlignRows(), rows)
	defer progress.Stop()

	fm := lookup.NewFileMerger(dir, cfg.Threads, true, quit, binPath, idxPath)
	vm := lookup.NewVectorMerger(fm, dir, cfg.Threads, 2, true, quit)
	perWorker := cfg.MemLimit / uint64(cfg.Threads)
	if perWorker == 0 {
		perWorker = 1
	}
	err := errors.Once{}
	err.Set(lookup.Produce(arch, vm, quit, rows, lookup.ProducerOpts{
		NumThreads: cfg.Threads,
		MemLimit:   perWorker,
	}))
	err.Set(vm.Close())
	err.Set(fm.Close())
	if e := err.Err(); e != nil {
		return e
	}
	if quit.IsSet() {
		return errors.E(errors.Canceled, "lookup build interrupted")
	}
	return nil
}

func removeLookup(binPath, idxPath string) {
	for _, p := range []string{binPath, idxPath} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Error.Printf("remove %s: %v", p, err)
		}
	}
}

// concatenate drains shard files into the final outputs, one destination
// stream at a time in shard order.
func concatenate(cfg *Config, paths [][]string) error {
	if cfg.ToStdout {
		out := concat.Stdout(cfg.BufSize)
		if err := concat.Files(paths[0], out, cfg.BufSize); err != nil {
			return err
		}
		return out.Close()
	}
	for dst := 0; dst < len(paths); dst++ {
		empty := true
		for _, p := range paths[dst] {
			if p != "" {
				empty = false
				break
			}
		}
		if empty {
			continue
		}
		out, err := concat.OpenOutput(concat.SplitPath(cfg.OutPath, dst), cfg.Force, cfg.Append, cfg.BufSize)
		if err != nil {
			return err
		}
		if err := concat.Files(paths[dst], out, cfg.BufSize); err != nil {
			out.Close() // nolint: errcheck
			return err
		}
		if err := out.Close(); err != nil {
			return errors.E(err, "finish output")
		}
	}
	return nil
}

// resolveTemplates compiles the configured or default defline templates
// for the run's format and policy.
func resolveTemplates(cfg *Config) (seq, qual *defline.Template, err error) {
	split := cfg.Policy == join.SplitFile || cfg.Policy == join.Split3
	seqSrc := cfg.SeqDefline
	if seqSrc == "" {
		switch {
		case cfg.Format == join.FASTA && split:
			seqSrc = defline.DefaultFastaSeqSplit
		case cfg.Format == join.FASTA:
			seqSrc = defline.DefaultFastaSeq
		case split:
			seqSrc = defline.DefaultFastqSeqSplit
		default:
			seqSrc = defline.DefaultFastqSeq
		}
	}
	leader := byte('@')
	if cfg.Format == join.FASTA {
		leader = '>'
	}
	if seq, err = defline.Parse(seqSrc, leader); err != nil {
		return nil, nil, err
	}
	if cfg.Format == join.FASTA {
		return seq, nil, nil
	}
	qualSrc := cfg.QualDefline
	if qualSrc == "" {
		if split {
			qualSrc = defline.DefaultFastqQualSplit
		} else {
			qualSrc = defline.DefaultFastqQual
		}
	}
	if qual, err = defline.Parse(qualSrc, '+'); err != nil {
		return nil, nil, err
	}
	return seq, qual, nil
}
