// Package egress implements the non-blocking OS socket a session relays
// bytes through to the real remote server: a plain POSIX socket connected
// directly to the flow's destination, per spec.md §1 and §4.4 — no
// cryptographic tunneling or upstream indirection.
package egress

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"tunrelay/internal/classify"
	"tunrelay/internal/hook"
	"tunrelay/internal/poller"
)

// ErrWouldBlock mirrors iobuf.ErrWouldBlock; egress is a lower layer and
// does not import iobuf to avoid a dependency cycle, so callers translate.
var ErrWouldBlock = errors.New("egress: would block")

// Socket is the uniform surface Session drives for the egress leg of a
// flow, per spec.md §4.4.
type Socket interface {
	Register(p *poller.Poller, token uint64) error
	Deregister(p *poller.Poller) error
	Write(b []byte) (int, error)
	// Read loops reading into an internal scratch buffer, invoking cb for
	// every non-zero chunk, until the socket would block or is closed.
	// closed is set to true on a clean EOF or a hard error.
	Read(closed *bool, cb func(chunk []byte)) error
	Close() error
	FD() int
}

// RawSocket is the default egress.Socket: a non-blocking POSIX socket
// connected directly to the flow's destination.
type RawSocket struct {
	fd      int
	isTCP   bool
	scratch [65535]byte
}

// Dial creates, hooks, and connects a non-blocking socket for key's
// destination. hookSlot is invoked with the raw descriptor before connect,
// exactly as spec.md §4.4 describes. The hook returns nothing, so Dial
// cannot see whether it succeeded and connects regardless.
func Dial(key classify.SessionKey, hookSlot *hook.Slot) (*RawSocket, error) {
	domain := unix.AF_INET
	if key.Version == classify.V6 {
		domain = unix.AF_INET6
	}
	sockType := unix.SOCK_STREAM
	isTCP := key.Proto == classify.TCP
	if !isTCP {
		sockType = unix.SOCK_DGRAM
	}

	fd, err := unix.Socket(domain, sockType, 0)
	if err != nil {
		return nil, fmt.Errorf("egress: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("egress: set nonblock: %w", err)
	}

	if hookSlot != nil {
		hookSlot.Invoke(fd)
	}

	sa, err := sockaddrOf(key.DstAddr, key.DstPort)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Connect(fd, sa); err != nil {
		if err != unix.EINPROGRESS && err != unix.EAGAIN {
			unix.Close(fd)
			return nil, fmt.Errorf("egress: connect: %w", err)
		}
	}

	return &RawSocket{fd: fd, isTCP: isTCP}, nil
}

func sockaddrOf(addr netip.Addr, port uint16) (unix.Sockaddr, error) {
	if addr.Is4() {
		sa := &unix.SockaddrInet4{Port: int(port)}
		sa.Addr = addr.As4()
		return sa, nil
	}
	sa := &unix.SockaddrInet6{Port: int(port)}
	sa.Addr = addr.As16()
	return sa, nil
}

// FD returns the raw descriptor.
func (s *RawSocket) FD() int { return s.fd }

// Register watches the socket for readability; TCP also watches
// writability, since a pending non-blocking connect completes via a
// writable event.
func (s *RawSocket) Register(p *poller.Poller, token uint64) error {
	flags := uint32(poller.Readable)
	if s.isTCP {
		flags |= uint32(poller.Writable)
	}
	return p.Register(s.fd, token, flags)
}

// Deregister removes the socket from p.
func (s *RawSocket) Deregister(p *poller.Poller) error {
	return p.Deregister(s.fd)
}

// Write sends b. TCP may write fewer bytes than offered; UDP writes the
// whole datagram or fails atomically.
func (s *RawSocket) Write(b []byte) (int, error) {
	n, err := unix.Write(s.fd, b)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		return n, fmt.Errorf("egress: write: %w", err)
	}
	return n, nil
}

// Read drains the socket into a scratch buffer, invoking cb per chunk,
// until it would block (returns nil, closed left false) or sees EOF/a hard
// error (closed set to true).
func (s *RawSocket) Read(closed *bool, cb func(chunk []byte)) error {
	for {
		n, err := unix.Read(s.fd, s.scratch[:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			if err == unix.ECONNRESET {
				*closed = true
				return nil
			}
			*closed = true
			return fmt.Errorf("egress: read: %w", err)
		}
		if n == 0 {
			*closed = true
			return nil
		}
		cb(s.scratch[:n])
	}
}

// Close shuts down both directions for TCP; for UDP it is a no-op beyond
// releasing the descriptor, since a connected UDP socket has no half-close.
func (s *RawSocket) Close() error {
	if s.isTCP {
		unix.Shutdown(s.fd, unix.SHUT_RDWR)
	}
	return unix.Close(s.fd)
}
