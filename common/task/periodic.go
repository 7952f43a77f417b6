// Package task provides a small periodic-task helper used to drive
// background retest/summary loops without open-coding a ticker and a
// shutdown channel at every call site.
package task

import (
	"sync"
	"time"
)

// Periodic runs Execute every Interval until Close is called. If Execute
// returns an error, OnError is invoked; if OnError is nil, the task stops
// itself after the first error, matching the common "don't spin forever on
// a broken periodic check" default.
type Periodic struct {
	Interval time.Duration
	Execute  func() error
	OnError  func(error)

	once     sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

// WaitThenStart starts the periodic loop. The first execution happens after
// Interval has elapsed, not immediately.
func (p *Periodic) WaitThenStart() {
	p.once.Do(func() {
		p.done = make(chan struct{})
		p.stopped = make(chan struct{})
		go p.run()
	})
}

func (p *Periodic) run() {
	defer close(p.stopped)
	if p.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if err := p.Execute(); err != nil {
				if p.OnError != nil {
					p.OnError(err)
				} else {
					return
				}
			}
		}
	}
}

// Close stops the periodic loop and waits for the current execution, if
// any, to finish.
func (p *Periodic) Close() error {
	if p.done == nil {
		return nil
	}
	close(p.done)
	<-p.stopped
	return nil
}
