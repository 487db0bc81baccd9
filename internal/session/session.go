// Package session aggregates one flow's virtual device, embedded stack
// socket, egress socket, and buffer pair into the single object the event
// loop drives. A Session never outlives the worker goroutine that owns it
// and is never touched from another goroutine.
package session

import (
	"errors"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/header"

	"tunrelay/internal/classify"
	"tunrelay/internal/egress"
	"tunrelay/internal/hook"
	"tunrelay/internal/iobuf"
	"tunrelay/internal/netstack"
	"tunrelay/internal/poller"
	"tunrelay/internal/vdevice"
)

// Token identifies a session's registrations with the poller. Engine hands
// these out starting at 10 (0 and 1 are reserved for TUN and the waker).
type Token uint64

// Session is the C6 aggregate: one client flow's virtual device, private
// embedded stack socket, egress socket, and per-direction buffers.
type Session struct {
	Key   classify.SessionKey
	Token Token

	device *vdevice.Device
	stack  *netstack.Stack
	egress egress.Socket
	bufs   *iobuf.Pair

	LifetimeStart time.Time
	// Expiry is nil for a TCP session until its first close/reset event
	// starts the grace window (see spec.md §4.7 "force_set"); UDP sessions
	// always carry one, refreshed by every packet.
	Expiry *time.Time
}

// New constructs a session for key: virtual device, per-session stack
// socket (TCP listen or UDP bind on key's destination), connected egress
// socket, and buffer pair. mtu is the virtual device's MTU; hookSlot and
// pollr are forwarded to the egress socket's creation and registration.
func New(key classify.SessionKey, token Token, mtu int, hookSlot *hook.Slot, pollr *poller.Poller, udpTimeout time.Duration) (*Session, error) {
	dev := vdevice.New(uint32(mtu))

	st, err := netstack.New(key, dev)
	if err != nil {
		return nil, err
	}

	sock, err := egress.Dial(key, hookSlot)
	if err != nil {
		st.Close()
		return nil, err
	}
	if err := sock.Register(pollr, uint64(token)); err != nil {
		st.Close()
		sock.Close()
		return nil, err
	}

	s := &Session{
		Key:           key,
		Token:         token,
		device:        dev,
		stack:         st,
		egress:        sock,
		bufs:          iobuf.NewPair(key.Proto == classify.TCP),
		LifetimeStart: time.Now(),
	}
	if key.Proto == classify.UDP {
		exp := time.Now().Add(udpTimeout)
		s.Expiry = &exp
	}
	return s, nil
}

// NewWithEgress is New with a pre-built egress socket — the path the engine
// actually drives, since it dials and registers the socket itself via its
// EgressFactory before constructing the session around it.
func NewWithEgress(key classify.SessionKey, token Token, mtu int, sock egress.Socket, udpTimeout time.Duration) (*Session, error) {
	dev := vdevice.New(uint32(mtu))
	st, err := netstack.New(key, dev)
	if err != nil {
		return nil, err
	}
	s := &Session{
		Key:           key,
		Token:         token,
		device:        dev,
		stack:         st,
		egress:        sock,
		bufs:          iobuf.NewPair(key.Proto == classify.TCP),
		LifetimeStart: time.Now(),
	}
	if key.Proto == classify.UDP {
		exp := time.Now().Add(udpTimeout)
		s.Expiry = &exp
	}
	return s, nil
}

// StoreTUNData pushes one raw IP packet read from TUN into the session's
// virtual device for the embedded stack to pick up.
func (s *Session) StoreTUNData(packet []byte) {
	proto := header.IPv4ProtocolNumber
	if s.Key.Version == classify.V6 {
		proto = header.IPv6ProtocolNumber
	}
	s.device.StoreData(proto, packet)
}

// ReadFromStack drains the stack socket's readable bytes — the tunneled
// client's outbound payload — into the ToServer-bound buffer for as long as
// it reports data available.
func (s *Session) ReadFromStack() {
	sock := s.stack.Socket()
	scratch := make([]byte, 65535)
	for sock.CanReceive() {
		n, err := sock.Receive(scratch)
		if n > 0 {
			s.bufs.Store(iobuf.ToServer, scratch[:n])
		}
		if err != nil {
			break
		}
		if n == 0 {
			break
		}
	}
}

// WriteToStack feeds the ToClient-bound buffer (bytes arriving from the
// real server, queued for the client) into the stack socket if it can
// currently accept more.
func (s *Session) WriteToStack() {
	sock := s.stack.Socket()
	if !sock.CanSend() {
		return
	}
	s.bufs.ConsumeWith(iobuf.ToClient, func(b []byte) (int, error) {
		n, err := sock.Send(b)
		if err != nil {
			if errors.Is(err, netstack.ErrWouldBlock) {
				return 0, iobuf.ErrWouldBlock
			}
			return n, err
		}
		return n, nil
	})
}

// TUNWriter is the sink write_to_tun hands synthesized reply packets to.
type TUNWriter interface {
	Write(packet []byte) error
}

// WriteToTUN runs one stack poll step (draining whatever the stack produced
// in response to the last injected packet) and writes each resulting
// packet to tun.
func (s *Session) WriteToTUN(tun TUNWriter) error {
	for {
		pkt := s.device.PopData()
		if pkt == nil {
			return nil
		}
		if err := tun.Write(pkt); err != nil {
			return err
		}
	}
}

// ReadFromServer drains the egress socket, appending each chunk to the
// ToClient-bound buffer (the "FromServer" half of spec.md §4.6's naming).
// closed is set when the peer cleanly closes or resets.
func (s *Session) ReadFromServer(closed *bool) error {
	return s.egress.Read(closed, func(chunk []byte) {
		s.bufs.Store(iobuf.ToClient, chunk)
	})
}

// WriteToServer feeds the ToServer-bound buffer (bytes the client sent)
// into the egress socket.
func (s *Session) WriteToServer() error {
	return s.bufs.ConsumeWith(iobuf.ToServer, func(b []byte) (int, error) {
		n, err := s.egress.Write(b)
		if err != nil {
			if errors.Is(err, egress.ErrWouldBlock) {
				return 0, iobuf.ErrWouldBlock
			}
			return n, err
		}
		return n, nil
	})
}

// PendingToServer reports how much data is still queued toward the egress
// socket — 0 means WriteToServer drained everything it could.
func (s *Session) PendingToServer() int { return s.bufs.Len(iobuf.ToServer) }

// PendingToClient reports how much data is still queued toward the client
// side of the stack.
func (s *Session) PendingToClient() int { return s.bufs.Len(iobuf.ToClient) }

// EgressFD exposes the egress socket's descriptor for poller
// (de)registration.
func (s *Session) EgressFD() int { return s.egress.FD() }

// ForceExpiry starts (or restarts) the TCP grace window after a half-close
// or reset, per spec.md §4.7's "force_set".
func (s *Session) ForceExpiry(grace time.Duration) {
	exp := time.Now().Add(grace)
	s.Expiry = &exp
}

// RefreshUDPExpiry resets a UDP session's idle deadline; called on every
// packet in either direction.
func (s *Session) RefreshUDPExpiry(timeout time.Duration) {
	if s.Key.Proto != classify.UDP {
		return
	}
	exp := time.Now().Add(timeout)
	s.Expiry = &exp
}

// Expired reports whether the session's expiry deadline has passed as of
// now, or its TCP lifetime exceeds maxLifetime.
func (s *Session) Expired(now time.Time, maxLifetime time.Duration) bool {
	if s.Expiry != nil && !s.Expiry.After(now) {
		return true
	}
	if s.Key.Proto == classify.TCP && now.Sub(s.LifetimeStart) > maxLifetime {
		return true
	}
	return false
}

// Destroy flushes pending buffers through the stack and into tun
// best-effort, then closes the stack and egress sockets and deregisters
// the egress socket from pollr.
func (s *Session) Destroy(pollr *poller.Poller, tun TUNWriter) {
	s.WriteToStack()
	_ = s.WriteToTUN(tun)
	s.stack.Close()
	if pollr != nil {
		_ = s.egress.Deregister(pollr)
	}
	_ = s.egress.Close()
	s.device.Close()
}
