package endpoint

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/containerd/log"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib/output_storage"
)

// Capturer is a target that records everything the child writes into an
// OutputStorage. The storage is stopped when the child side closes.
type Capturer struct {
	storage *output_storage.OutputStorage

	mu    sync.Mutex
	pipes map[int]*Pipe
	done  chan struct{}
	once  sync.Once
}

// Capture returns a target feeding s. Bind it to one descriptor only.
func Capture(s *output_storage.OutputStorage) *Capturer {
	return &Capturer{
		storage: s,
		pipes:   make(map[int]*Pipe),
		done:    make(chan struct{}),
	}
}

func (c *Capturer) ChildFd(n int, dir Direction) (int, error) {
	if dir != ChildWrites {
		return -1, fmt.Errorf("capture of child fd %d: child must write", n)
	}
	p, err := NewPipe(fmt.Sprintf("capture:%d", n))
	if err != nil {
		return -1, err
	}
	c.mu.Lock()
	c.pipes[n] = p
	c.mu.Unlock()
	return p.ChildFd(n, dir)
}

// Release closes the child's end and, if the child exists, starts copying
// the parent's end into the storage.
func (c *Capturer) Release(n int, dir Direction, spawned bool) error {
	c.mu.Lock()
	p := c.pipes[n]
	delete(c.pipes, n)
	c.mu.Unlock()
	if p == nil {
		return nil
	}
	err := p.Release(n, dir, spawned)
	if !spawned {
		c.finish()
		return errors.Join(err, p.Reader().Close())
	}
	go c.pump(p.Reader())
	return err
}

// pump reads what is buffered in one go, so each chunk is appended without
// an extra copy.
func (c *Capturer) pump(r *Endpoint) {
	defer c.finish()
	defer r.Close()

	for {
		size, err := r.Buffered()
		if err != nil || size <= 0 {
			size = readChunk
		}
		buf := make([]byte, size)
		n, err := r.Read(buf)
		if n > 0 {
			c.storage.Append(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.L.WithError(err).WithField("endpoint", r.Name()).Warn("capture stopped")
			return
		}
	}
}

func (c *Capturer) finish() {
	c.once.Do(func() {
		c.storage.Stop()
		close(c.done)
	})
}

// Done is closed once the storage has been stopped.
func (c *Capturer) Done() <-chan struct{} { return c.done }

// Storage returns the storage being fed.
func (c *Capturer) Storage() *output_storage.OutputStorage { return c.storage }
