package concat

import (
	"io"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/fastrq/control"
)

const submitTimeout = 500 * time.Millisecond

// MultiWriter turns many producer streams into one output stream. Workers
// push pre-filled byte blocks into a bounded queue; a single consumer
// goroutine writes them to the sink in arrival order. Used by the
// unsorted-FASTA path, which bypasses per-shard files entirely.
type MultiWriter struct {
	ch   chan []byte
	done chan struct{}
	w    io.Writer
	err  errors.Once
}

// NewMultiWriter starts the writer goroutine over w with the given queue
// capacity.
func NewMultiWriter(w io.Writer, queueLen int) *MultiWriter {
	if queueLen < 1 {
		queueLen = 1
	}
	m := &MultiWriter{
		ch:   make(chan []byte, queueLen),
		done: make(chan struct{}),
		w:    w,
	}
	go m.run()
	return m
}

func (m *MultiWriter) run() {
	defer close(m.done)
	for block := range m.ch {
		if m.err.Err() != nil {
			continue // drain without writing after the first failure
		}
		if _, err := m.w.Write(block); err != nil {
			m.err.Set(errors.E(err, "output write"))
		}
	}
}

// Submit hands a block to the writer, blocking while the queue is full and
// polling quit on every timeout. The writer owns the block afterwards.
func (m *MultiWriter) Submit(block []byte, quit *control.Quit) error {
	for {
		if err := m.err.Err(); err != nil {
			return err
		}
		select {
		case m.ch <- block:
			return nil
		case <-time.After(submitTimeout):
			if quit.IsSet() {
				return errors.E(errors.Canceled, "output queue interrupted")
			}
		}
	}
}

// Close waits for the queue to drain and returns the first write error.
func (m *MultiWriter) Close() error {
	close(m.ch)
	<-m.done
	return m.err.Err()
}
