// Package concat assembles final output files from per-shard temporaries,
// and provides the shared writer used by the unsorted-FASTA path.
package concat

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/klauspost/compress/gzip"
)

// OpenOutput opens a final output file per the force/append policy:
// append never truncates and never refuses an existing file; force
// truncates; otherwise creation is exclusive. A path ending in .gz wraps
// the stream in a gzip writer.
func OpenOutput(path string, force, append_ bool, bufSize int) (io.WriteCloser, error) {
	flags := os.O_WRONLY | os.O_CREATE
	switch {
	case append_:
		flags |= os.O_APPEND
	case force:
		flags |= os.O_TRUNC
	default:
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.E(errors.Exists,
				"output exists (use --force to overwrite or --append): "+path)
		}
		return nil, errors.E(err, "create output")
	}
	return wrapOutput(f, path, bufSize), nil
}

type output struct {
	bw   *bufio.Writer
	gz   *gzip.Writer
	file *os.File
}

func (o *output) Write(p []byte) (int, error) { return o.bw.Write(p) }

func (o *output) Close() error {
	err := errors.Once{}
	err.Set(o.bw.Flush())
	if o.gz != nil {
		err.Set(o.gz.Close())
	}
	if o.file != nil {
		err.Set(o.file.Close())
	}
	return err.Err()
}

func wrapOutput(f *os.File, path string, bufSize int) io.WriteCloser {
	o := &output{file: f}
	var w io.Writer = f
	if strings.HasSuffix(path, ".gz") {
		o.gz = gzip.NewWriter(w)
		w = o.gz
	}
	o.bw = bufio.NewWriterSize(w, bufSize)
	return o
}

// Stdout returns the standard-output stream as a non-closing output.
func Stdout(bufSize int) io.WriteCloser {
	o := &output{}
	o.bw = bufio.NewWriterSize(os.Stdout, bufSize)
	return o
}

// Files copies each shard file into dst in slice order, deleting every
// shard as soon as it has been drained. Empty path entries are skipped.
// Shards are produced in ascending row-range order, so the copy preserves
// global row order end to end.
func Files(shardPaths []string, dst io.Writer, bufSize int) error {
	for _, path := range shardPaths {
		if path == "" {
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			return errors.E(err, "open shard file")
		}
		_, err = io.Copy(dst, bufio.NewReaderSize(f, bufSize))
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return errors.E(err, "concatenate shard file")
		}
		if err := os.Remove(path); err != nil {
			log.Error.Printf("remove drained shard %s: %v", path, err)
		}
	}
	return nil
}

// SplitPath derives the final path of output index idx (1-based) by
// inserting _idx before the extension: out.fastq -> out_1.fastq. idx 0
// returns the path unchanged, which split-3 uses for unpaired reads.
func SplitPath(path string, idx int) string {
	if idx == 0 {
		return path
	}
	dot := strings.LastIndexByte(path, '.')
	slash := strings.LastIndexByte(path, '/')
	if dot <= slash {
		dot = len(path)
	}
	return path[:dot] + "_" + strconv.Itoa(idx) + path[dot:]
}
