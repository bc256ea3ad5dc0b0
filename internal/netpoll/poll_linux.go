//go:build linux

package netpoll

import (
	"fmt"
	"sync"
	"syscall"
	"time"
)

// linuxPoller implements Poller with syscall.Poll and a self-pipe for
// cross-goroutine wakeups, the same primitives and shutdown pattern the
// teacher's InotifyWatcher uses around its inotify fd.
type linuxPoller struct {
	mu      sync.Mutex
	fds     map[int]EventMask
	pipeR   int
	pipeW   int
	closed  bool
}

// New constructs the platform poller.
func New() (Poller, error) {
	var pipeFds [2]int
	if err := syscall.Pipe2(pipeFds[:], syscall.O_CLOEXEC|syscall.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("netpoll: pipe2: %w", err)
	}
	return &linuxPoller{
		fds:   make(map[int]EventMask),
		pipeR: pipeFds[0],
		pipeW: pipeFds[1],
	}, nil
}

func (p *linuxPoller) Add(fd int, mask EventMask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fds[fd] = mask
	return nil
}

func (p *linuxPoller) Remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.fds, fd)
	return nil
}

func toPollEvents(mask EventMask) int16 {
	var ev int16
	if mask&EventReadable != 0 {
		ev |= syscall.POLLIN
	}
	if mask&EventWritable != 0 {
		ev |= syscall.POLLOUT
	}
	return ev
}

func (p *linuxPoller) Wait(timeout time.Duration) ([]Event, error) {
	p.mu.Lock()
	pollFds := make([]syscall.PollFd, 0, len(p.fds)+1)
	order := make([]int, 0, len(p.fds))
	for fd, mask := range p.fds {
		pollFds = append(pollFds, syscall.PollFd{Fd: int32(fd), Events: toPollEvents(mask)})
		order = append(order, fd)
	}
	pollFds = append(pollFds, syscall.PollFd{Fd: int32(p.pipeR), Events: syscall.POLLIN})
	p.mu.Unlock()

	ms := -1
	if timeout > 0 {
		ms = int(timeout / time.Millisecond)
	}

	for {
		_, err := syscall.Poll(pollFds, ms)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return nil, fmt.Errorf("netpoll: poll: %w", err)
		}
		break
	}

	wakePf := pollFds[len(pollFds)-1]
	if wakePf.Revents&syscall.POLLIN != 0 {
		drainPipe(p.pipeR)
	}

	var events []Event
	for i, fd := range order {
		rev := pollFds[i].Revents
		if rev == 0 {
			continue
		}
		var mask EventMask
		if rev&syscall.POLLIN != 0 {
			mask |= EventReadable
		}
		if rev&syscall.POLLOUT != 0 {
			mask |= EventWritable
		}
		if rev&(syscall.POLLERR|syscall.POLLHUP|syscall.POLLNVAL) != 0 {
			mask |= EventError
		}
		if mask != 0 {
			events = append(events, Event{Fd: fd, Mask: mask})
		}
	}
	return events, nil
}

func drainPipe(fd int) {
	var buf [64]byte
	for {
		n, err := syscall.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (p *linuxPoller) Wake() error {
	_, err := syscall.Write(p.pipeW, []byte{0})
	if err == syscall.EAGAIN {
		return nil
	}
	return err
}

func (p *linuxPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	syscall.Close(p.pipeR)
	syscall.Close(p.pipeW)
	return nil
}
