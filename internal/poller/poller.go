// Package poller wraps Linux epoll and an eventfd-based waker into the
// single-threaded readiness reactor the event loop polls. It is the Go
// analogue of the original engine's mio-based poller: one epoll instance,
// level-triggered registrations keyed by an integer token, and a waker any
// other goroutine can use to force one Wait call to return early.
package poller

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Event flags mirror the subset of epoll readiness bits the engine cares
// about.
const (
	Readable = unix.EPOLLIN
	Writable = unix.EPOLLOUT
)

// Event is one readiness notification.
type Event struct {
	Token uint64
	Flags uint32
}

// Poller owns one epoll file descriptor.
type Poller struct {
	epfd int
}

// New creates a fresh epoll instance.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll_create1: %w", err)
	}
	return &Poller{epfd: epfd}, nil
}

// Register adds fd to the epoll set under token, watching the given flags.
func (p *Poller) Register(fd int, token uint64, flags uint32) error {
	ev := &unix.EpollEvent{Events: flags, Fd: int32(fd)}
	ev.SetData(token)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("poller: epoll_ctl add fd=%d: %w", fd, err)
	}
	return nil
}

// Reregister changes the watched flags for an already-registered fd.
func (p *Poller) Reregister(fd int, token uint64, flags uint32) error {
	ev := &unix.EpollEvent{Events: flags, Fd: int32(fd)}
	ev.SetData(token)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return fmt.Errorf("poller: epoll_ctl mod fd=%d: %w", fd, err)
	}
	return nil
}

// Deregister removes fd from the epoll set.
func (p *Poller) Deregister(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("poller: epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// Wait blocks until a readiness event arrives or timeoutMillis elapses (-1
// blocks forever), appending events into out and returning the used slice.
func (p *Poller) Wait(out []Event, timeoutMillis int) ([]Event, error) {
	raw := make([]unix.EpollEvent, cap(out))
	if len(raw) == 0 {
		raw = make([]unix.EpollEvent, 64)
	}
	n, err := unix.EpollWait(p.epfd, raw, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return out[:0], nil
		}
		return nil, fmt.Errorf("poller: epoll_wait: %w", err)
	}
	out = out[:0]
	for i := 0; i < n; i++ {
		out = append(out, Event{Token: raw[i].Data(), Flags: raw[i].Events})
	}
	return out, nil
}

// Close releases the epoll file descriptor.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

// Waker lets any goroutine force exactly one pending or future Wait call to
// return, via an eventfd registered with the poller under WAKER's token.
type Waker struct {
	fd int
}

// NewWaker creates an eventfd and registers it with p under token.
func NewWaker(p *Poller, token uint64) (*Waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("poller: eventfd: %w", err)
	}
	w := &Waker{fd: fd}
	if err := p.Register(fd, token, Readable); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return w, nil
}

// Wake forces the poller to return from Wait.
func (w *Waker) Wake() error {
	buf := make([]byte, 8)
	buf[0] = 1
	_, err := unix.Write(w.fd, buf)
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("poller: waker write: %w", err)
	}
	return nil
}

// Drain consumes the eventfd's counter so the next Wake causes a fresh
// readable event rather than coalescing with one already pending.
func (w *Waker) Drain() {
	buf := make([]byte, 8)
	for {
		_, err := unix.Read(w.fd, buf)
		if err != nil {
			return
		}
	}
}

// FD returns the underlying eventfd, for tests that want to assert on it.
func (w *Waker) FD() int { return w.fd }

// Close releases the eventfd. The poller it was registered with must
// already have deregistered it, or be closed itself.
func (w *Waker) Close() error {
	return unix.Close(w.fd)
}
