package endpoint

import (
	"errors"
	"fmt"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib/internal/fdutil"
)

// Pipe is a unidirectional pipe. When one end is bound into a child, that
// end is closed in the parent after the launch.
type Pipe struct {
	r, w *Endpoint
}

func NewPipe(name string) (*Pipe, error) {
	rfd, wfd, err := fdutil.Pipe()
	if err != nil {
		return nil, fmt.Errorf("pipe %s: %w", name, err)
	}
	r, err := New(name+"[r]", rfd)
	if err != nil {
		fdutil.Close(rfd)
		fdutil.Close(wfd)
		return nil, err
	}
	w, err := New(name+"[w]", wfd)
	if err != nil {
		r.Close()
		fdutil.Close(wfd)
		return nil, err
	}
	return &Pipe{r: r, w: w}, nil
}

func (p *Pipe) Reader() *Endpoint { return p.r }

func (p *Pipe) Writer() *Endpoint { return p.w }

// Close closes both ends.
func (p *Pipe) Close() error {
	return errors.Join(p.r.Close(), p.w.Close())
}
