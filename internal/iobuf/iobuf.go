// Package iobuf implements the per-session, per-direction buffer pair that
// sits between the embedded stack and the egress socket. TCP buffers are
// byte-oriented and partial-write safe; UDP buffers preserve datagram
// boundaries and FIFO order.
package iobuf

import (
	"errors"
)

// ErrWouldBlock is returned by a consume callback to mean "I made no
// progress, try again next time this direction is serviced." It never
// indicates the underlying buffer is empty; an empty buffer is simply not
// drained at all.
var ErrWouldBlock = errors.New("iobuf: would block")

// Direction names one of the two flows through a session.
type Direction uint8

const (
	ToServer Direction = iota
	ToClient
)

// ConsumeFunc is handed a byte slice (TCP) or one datagram (UDP) and
// reports how many bytes it actually consumed, or an error. For TCP,
// returning n < len(b) is a valid partial write. For UDP, n is ignored
// beyond "non-negative" since a datagram is consumed atomically.
type ConsumeFunc func(b []byte) (n int, err error)

// TCPBuffer is a byte deque that never loses an un-drained prefix. It does
// not re-slice from the front on every consume; committed bytes are
// dropped only periodically via a compaction once the read cursor has
// eaten a meaningful fraction of the backing array.
type TCPBuffer struct {
	buf []byte
	off int // read cursor; buf[off:] is the unconsumed prefix
}

// Store appends bytes to the end of the buffer.
func (b *TCPBuffer) Store(p []byte) {
	b.buf = append(b.buf, p...)
}

// Len reports how many unconsumed bytes remain.
func (b *TCPBuffer) Len() int { return len(b.buf) - b.off }

// ConsumeWith presents the contiguous unconsumed prefix to f and drains
// exactly the bytes f reports consuming (n > 0), whether or not f also
// returns an error. With n == 0 nothing is drained, so data is never lost
// on partial writes. ErrWouldBlock is swallowed (nil is returned); any other
// error is returned for the caller to handle.
func (b *TCPBuffer) ConsumeWith(f ConsumeFunc) error {
	if b.Len() == 0 {
		return nil
	}
	n, err := f(b.buf[b.off:])
	if n > 0 {
		b.off += n
		b.compact()
	}
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return nil
		}
		return err
	}
	return nil
}

// compact reclaims consumed space once it dominates the backing array, so a
// long-lived session doesn't retain an ever-growing slice.
func (b *TCPBuffer) compact() {
	if b.off == len(b.buf) {
		b.buf = b.buf[:0]
		b.off = 0
		return
	}
	if b.off > 0 && b.off*2 > cap(b.buf) {
		n := copy(b.buf, b.buf[b.off:])
		b.buf = b.buf[:n]
		b.off = 0
	}
}

// UDPBuffer is a FIFO of whole datagrams. Each Store call copies its input;
// callers may reuse their scratch buffer immediately afterward.
type UDPBuffer struct {
	q [][]byte
}

// Store pushes a copy of one datagram to the back of the queue.
func (b *UDPBuffer) Store(p []byte) {
	cp := append([]byte(nil), p...)
	b.q = append(b.q, cp)
}

// Len reports the number of queued datagrams.
func (b *UDPBuffer) Len() int { return len(b.q) }

// ConsumeWith hands datagrams to f in FIFO order, draining each one f was
// invoked for regardless of whether f succeeded — a single unaddressable or
// rejected datagram does not head-of-line block the rest of the queue. It
// stops (without draining the one that triggered it) on the first
// ErrWouldBlock, since that means "try this exact datagram again later."
func (b *UDPBuffer) ConsumeWith(f ConsumeFunc) error {
	i := 0
	for ; i < len(b.q); i++ {
		_, err := f(b.q[i])
		if errors.Is(err, ErrWouldBlock) {
			break
		}
		// Any other outcome (success or hard error) drains this datagram;
		// hard errors are the caller's responsibility to log.
	}
	if i > 0 {
		b.q = append(b.q[:0], b.q[i:]...)
	}
	return nil
}

// Pair is the two-direction buffer set owned by a Session: ToServer carries
// client->server bytes/datagrams, ToClient carries the reverse.
type Pair struct {
	isTCP bool

	tcpToServer TCPBuffer
	tcpToClient TCPBuffer

	udpToServer UDPBuffer
	udpToClient UDPBuffer
}

// NewPair allocates a buffer pair for the given protocol.
func NewPair(isTCP bool) *Pair {
	return &Pair{isTCP: isTCP}
}

// Store appends bytes (TCP) or one datagram (UDP) in the given direction.
func (p *Pair) Store(dir Direction, b []byte) {
	if p.isTCP {
		p.tcp(dir).Store(b)
		return
	}
	p.udp(dir).Store(b)
}

// Len reports the unconsumed size (bytes for TCP, datagram count for UDP)
// of the given direction.
func (p *Pair) Len(dir Direction) int {
	if p.isTCP {
		return p.tcp(dir).Len()
	}
	return p.udp(dir).Len()
}

// ConsumeWith drains the given direction through f, per the semantics
// documented on TCPBuffer.ConsumeWith / UDPBuffer.ConsumeWith.
func (p *Pair) ConsumeWith(dir Direction, f ConsumeFunc) error {
	if p.isTCP {
		return p.tcp(dir).ConsumeWith(f)
	}
	return p.udp(dir).ConsumeWith(f)
}

func (p *Pair) tcp(dir Direction) *TCPBuffer {
	if dir == ToServer {
		return &p.tcpToServer
	}
	return &p.tcpToClient
}

func (p *Pair) udp(dir Direction) *UDPBuffer {
	if dir == ToServer {
		return &p.udpToServer
	}
	return &p.udpToClient
}
