package join

import (
	"bufio"
	"fmt"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/fastrq/tempdir"
)

// shardWriter owns the temporary output streams of one join worker. A
// stream per destination id is created on first use; shard files are
// append-only during the join and read back by the concatenator.
type shardWriter struct {
	dir     *tempdir.Dir
	acc     string
	shard   int
	bufSize int
	streams [MaxDst]*shardStream
}

type shardStream struct {
	path string
	f    *os.File
	bw   *bufio.Writer
}

func newShardWriter(dir *tempdir.Dir, acc string, shard, bufSize int) *shardWriter {
	return &shardWriter{dir: dir, acc: acc, shard: shard, bufSize: bufSize}
}

// stream returns the buffered writer for destination dst.
func (w *shardWriter) stream(dst int) (*bufio.Writer, error) {
	if s := w.streams[dst]; s != nil {
		return s.bw, nil
	}
	name := fmt.Sprintf("%s.%04d.tmp", w.acc, w.shard)
	if dst > 0 {
		name = fmt.Sprintf("%s.%04d_%d.tmp", w.acc, w.shard, dst)
	}
	f, err := w.dir.Create(name)
	if err != nil {
		return nil, err
	}
	s := &shardStream{path: f.Name(), f: f, bw: bufio.NewWriterSize(f, w.bufSize)}
	w.streams[dst] = s
	return s.bw, nil
}

// paths returns the created file path per destination ("" when the worker
// never wrote that stream).
func (w *shardWriter) paths() (p [MaxDst]string) {
	for i, s := range w.streams {
		if s != nil {
			p[i] = s.path
		}
	}
	return
}

// close flushes and closes every open stream.
func (w *shardWriter) close() error {
	err := errors.Once{}
	for _, s := range w.streams {
		if s == nil {
			continue
		}
		err.Set(s.bw.Flush())
		err.Set(s.f.Close())
	}
	return err.Err()
}
