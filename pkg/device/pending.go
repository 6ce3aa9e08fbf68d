package device

import (
	"context"
	"sync"
)

// pendingIO counts in-flight writes so Flush can act as a drain barrier.
// A plain WaitGroup cannot serve here: writes keep starting while a flush
// waits, and Add concurrent with Wait is not allowed.
type pendingIO struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int
}

func newPendingIO() *pendingIO {
	p := &pendingIO{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pendingIO) begin() {
	p.mu.Lock()
	p.n++
	p.mu.Unlock()
}

func (p *pendingIO) end() {
	p.mu.Lock()
	p.n--
	if p.n == 0 {
		p.cond.Broadcast()
	}
	p.mu.Unlock()
}

// drain blocks until no write is in flight. Writes started after drain
// returns are not covered.
func (p *pendingIO) drain(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	for p.n > 0 {
		p.cond.Wait()
	}
	p.mu.Unlock()

	return ctx.Err()
}
