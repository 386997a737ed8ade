// Package timer provides the periodic-tick primitive used throughout
// this daemon: the peer manager's RetryPending sweep (spec.md §4.1),
// heartbeat emission (spec.md §6), and any other fixed-interval
// background work. The teacher's own ticker/healthcheck submodules
// were retrieved as bare go.mod manifests with no source to adapt (see
// DESIGN.md), so this follows the same one-goroutine,
// signal_shutdown-closes-a-channel actor shape as every other
// component in this repository instead.
package timer

import (
	"sync"
	"time"
)

// Pacemaker calls tick() every interval until Stop is called.
type Pacemaker struct {
	mu      sync.Mutex
	running bool
	quit    chan struct{}
	done    chan struct{}
}

func NewPacemaker() *Pacemaker {
	return &Pacemaker{}
}

// Start begins ticking at interval, invoking tick from a dedicated
// goroutine. Calling Start while already running is a no-op; callers
// that need a new interval must Stop first.
func (p *Pacemaker) Start(interval time.Duration, tick func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.quit = make(chan struct{})
	p.done = make(chan struct{})

	quit, done := p.quit, p.done
	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				tick()
			case <-quit:
				return
			}
		}
	}()
}

// Stop signals shutdown and blocks until the ticking goroutine exits.
// Idempotent; stopping a Pacemaker that was never started, or that is
// already stopped, is a no-op.
func (p *Pacemaker) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	quit, done := p.quit, p.done
	p.mu.Unlock()

	close(quit)
	<-done
}
