package control

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuitIsOneShot(t *testing.T) {
	q := &Quit{}
	assert.False(t, q.IsSet())
	q.Set()
	assert.True(t, q.IsSet())
	q.Set()
	assert.True(t, q.IsSet())
}

func TestCounterConcurrent(t *testing.T) {
	c := &Counter{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(8000), c.Load())
}

func TestProgressStops(t *testing.T) {
	c := &Counter{}
	p := StartProgress(10, c)
	c.Add(10)
	p.Stop() // must not hang
}
