//go:build !linux

package netpoll

import (
	"sync"
	"time"
)

// tickerPoller is the portable fallback: rather than a kernel readiness
// primitive, it reports every registered fd as both readable and writable
// on a short interval and lets the reactor's non-blocking read/write calls
// discover the real state (EAGAIN vs data), the same stat-polling fallback
// shape a file watcher falls back to on platforms without inotify.
type tickerPoller struct {
	mu     sync.Mutex
	fds    map[int]EventMask
	wake   chan struct{}
	closed bool
}

// New constructs the platform poller.
func New() (Poller, error) {
	return &tickerPoller{
		fds:  make(map[int]EventMask),
		wake: make(chan struct{}, 1),
	}, nil
}

func (p *tickerPoller) Add(fd int, mask EventMask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fds[fd] = mask
	return nil
}

func (p *tickerPoller) Remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.fds, fd)
	return nil
}

const tickInterval = 5 * time.Millisecond

func (p *tickerPoller) Wait(timeout time.Duration) ([]Event, error) {
	wait := tickInterval
	if timeout > 0 && timeout < wait {
		wait = timeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-p.wake:
	case <-timer.C:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	events := make([]Event, 0, len(p.fds))
	for fd, mask := range p.fds {
		events = append(events, Event{Fd: fd, Mask: mask & (EventReadable | EventWritable)})
	}
	return events, nil
}

func (p *tickerPoller) Wake() error {
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *tickerPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
