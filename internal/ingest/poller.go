package ingest

import (
	"context"
	"time"
)

// Poller invokes run immediately and then on a fixed interval. The stop
// signal is honored only between runs: an in-flight run keeps the context
// it started with and is allowed to finish its transaction, with Stop's
// grace period as the only forcing mechanism.
type Poller struct {
	interval time.Duration
	run      func(context.Context)
	stop     chan struct{}
	done     chan struct{}
}

// NewPoller creates a poller that executes run on the given cadence.
func NewPoller(interval time.Duration, run func(context.Context)) *Poller {
	return &Poller{
		interval: interval,
		run:      run,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the poll loop. ctx is handed to every run unchanged; Stop
// never cancels it.
func (p *Poller) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.run(ctx)
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				// Re-check so a stop racing the tick never starts a run.
				select {
				case <-p.stop:
					return
				default:
				}
				p.run(ctx)
			}
		}
	}()
}

// Stop prevents any further runs and waits up to grace for an in-flight run
// to finish. It reports whether the loop exited within the grace period;
// the caller decides what a false return forces.
func (p *Poller) Stop(grace time.Duration) bool {
	close(p.stop)
	select {
	case <-p.done:
		return true
	case <-time.After(grace):
		return false
	}
}
