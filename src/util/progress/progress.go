package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Reporter writes human-readable stage progress lines such as
//
//	[snapshot] creating 2 volume snapshot(s)
//	[snapshot] done in 15s
//
// A nil Reporter or one with a nil writer prints nothing.
type Reporter struct {
	out   io.Writer
	clock clock.Clock
	mu    sync.Mutex
}

// New creates a Reporter writing to out. A nil clock uses the wall clock.
func New(out io.Writer, clk clock.Clock) *Reporter {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Reporter{out: out, clock: clk}
}

// Printf writes one line under label.
func (p *Reporter) Printf(label, format string, args ...interface{}) {
	if p == nil || p.out == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "[%s] %s\n", label, fmt.Sprintf(format, args...))
}

// Start announces a step and returns a function that reports its outcome.
func (p *Reporter) Start(label, format string, args ...interface{}) func(err error) {
	p.Printf(label, format, args...)
	if p == nil {
		return func(error) {}
	}
	started := p.clock.Now()
	return func(err error) {
		elapsed := p.clock.Now().Sub(started).Round(time.Second)
		if err != nil {
			p.Printf(label, "failed after %s: %v", elapsed, err)
			return
		}
		p.Printf(label, "done in %s", elapsed)
	}
}
