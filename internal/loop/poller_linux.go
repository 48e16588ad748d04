//go:build linux

package loop

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// IOEvents is a bitmask of the readiness conditions a caller can register
// interest in, adapted from the teacher's eventloop/poller_linux.go.
type IOEvents uint32

const (
	EventRead IOEvents = 1 << iota
	EventWrite
	EventError
	EventHangup
)

func (e IOEvents) toEpoll() uint32 {
	var m uint32
	if e&EventRead != 0 {
		m |= unix.EPOLLIN
	}
	if e&EventWrite != 0 {
		m |= unix.EPOLLOUT
	}
	return m
}

func fromEpoll(m uint32) IOEvents {
	var e IOEvents
	if m&unix.EPOLLIN != 0 {
		e |= EventRead
	}
	if m&unix.EPOLLOUT != 0 {
		e |= EventWrite
	}
	if m&(unix.EPOLLERR) != 0 {
		e |= EventError
	}
	if m&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		e |= EventHangup
	}
	return e
}

// IOCallback handles a readiness notification for a registered fd.
type IOCallback func(IOEvents)

// poller is a thin epoll wrapper. Unlike the teacher's FastPoller, it
// trades direct-array micro-optimization for a plain map, since mce-go
// watches a handful of sysfs/input fds, not tens of thousands of sockets.
type poller struct {
	mu     sync.Mutex
	epfd   int
	fds    map[int]IOCallback
	closed bool
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("loop: epoll_create1: %w", err)
	}
	return &poller{epfd: epfd, fds: make(map[int]IOCallback)}, nil
}

func (p *poller) register(fd int, events IOEvents, cb IOCallback) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, exists := p.fds[fd]; exists {
		return fmt.Errorf("loop: fd %d already registered", fd)
	}
	ev := unix.EpollEvent{Events: events.toEpoll() | unix.EPOLLRDHUP, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("loop: epoll_ctl add fd %d: %w", fd, err)
	}
	p.fds[fd] = cb
	return nil
}

func (p *poller) modify(fd int, events IOEvents) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, exists := p.fds[fd]; !exists {
		return fmt.Errorf("loop: fd %d not registered", fd)
	}
	ev := unix.EpollEvent{Events: events.toEpoll() | unix.EPOLLRDHUP, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *poller) unregister(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if _, exists := p.fds[fd]; !exists {
		return nil
	}
	delete(p.fds, fd)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks for up to timeoutMs (negative = forever) and invokes the
// callback registered for each ready fd. It returns the number of events
// handled.
func (p *poller) wait(timeoutMs int, buf []unix.EpollEvent) (int, error) {
	n, err := unix.EpollWait(p.epfd, buf, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		fd := int(buf[i].Fd)
		p.mu.Lock()
		cb := p.fds[fd]
		p.mu.Unlock()
		if cb != nil {
			cb(fromEpoll(buf[i].Events))
		}
	}
	return n, nil
}

func (p *poller) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.epfd)
}
