// Package netstack gives each session its own embedded gVisor network stack
// terminating the client's TCP or UDP flow. Rather than running one shared
// stack for every session, each session gets a private stack.Stack bound to
// a single-packet virtual device (internal/vdevice): the stack is told its
// NIC owns every destination address, so the client's packets — addressed
// to the real remote server, not to us — are accepted and reassembled
// without any routing trickery.
package netstack

import (
	"errors"
	"fmt"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"tunrelay/internal/classify"
	"tunrelay/internal/vdevice"
)

// nic is the single NIC every per-session stack owns. Because each session
// has a private stack.Stack, NIC numbering never needs to vary.
const nic tcpip.NICID = 1

const (
	rxBufSize = 1 << 20 // 1 MiB, per spec.md §4.3
	txBufSize = 1 << 20
)

// ErrEndpointTimeout is returned when the three-way handshake (TCP) or bind
// (UDP) does not produce a transport endpoint before the deadline. In
// practice this should never fire: the forwarder captures synchronously in
// the same call that injects the triggering packet.
var ErrEndpointTimeout = errors.New("netstack: endpoint not captured in time")

// Socket is the uniform surface Session drives regardless of whether the
// underlying client-side transport is TCP or UDP, per spec.md §4.3.
type Socket interface {
	CanSend() bool
	Send(b []byte) (int, error)
	CanReceive() bool
	Receive(buf []byte) (int, error)
	Close()
}

// Stack owns one private gVisor stack plus the single client-side transport
// endpoint a session terminates.
type Stack struct {
	device *vdevice.Device
	st     *stack.Stack
	sock   Socket
}

// New builds a per-session stack for key, completing the handshake (TCP) or
// bind (UDP) against the client's destination endpoint synchronously before
// returning, and wires device as its sole NIC.
func New(key classify.SessionKey, device *vdevice.Device) (*Stack, error) {
	opts := stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
		HandleLocal:        false,
	}
	st := stack.New(opts)

	if err := st.CreateNIC(nic, device.LinkEndpoint()); err != nil {
		return nil, fmt.Errorf("netstack: create nic: %s", err)
	}
	st.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nic},
		{Destination: header.IPv6EmptySubnet, NIC: nic},
	})
	if err := st.SetSpoofing(nic, true); err != nil {
		return nil, fmt.Errorf("netstack: set spoofing: %s", err)
	}
	if err := st.SetPromiscuousMode(nic, true); err != nil {
		return nil, fmt.Errorf("netstack: set promiscuous: %s", err)
	}

	s := &Stack{device: device, st: st}

	var err error
	switch key.Proto {
	case classify.TCP:
		s.sock, err = newTCPSocket(st, key)
	case classify.UDP:
		s.sock, err = newUDPSocket(st, key)
	default:
		return nil, fmt.Errorf("netstack: unsupported protocol %d", key.Proto)
	}
	if err != nil {
		st.Close()
		return nil, err
	}
	return s, nil
}

// Socket returns the uniform send/receive/close surface for this session's
// client-side transport endpoint.
func (s *Stack) Socket() Socket { return s.sock }

// Close tears down the stack's transport endpoint and the stack itself.
func (s *Stack) Close() {
	if s.sock != nil {
		s.sock.Close()
	}
	s.st.Close()
	for _, ep := range s.st.CleanupEndpoints() {
		ep.Abort()
	}
}

func destinationOf(key classify.SessionKey) (tcpip.FullAddress, tcpip.NetworkProtocolNumber) {
	proto := header.IPv4ProtocolNumber
	if key.Version == classify.V6 {
		proto = header.IPv6ProtocolNumber
	}
	addr := tcpip.FullAddress{
		NIC:  nic,
		Addr: tcpip.AddrFromSlice(key.DstAddr.AsSlice()),
		Port: key.DstPort,
	}
	return addr, proto
}

// forwarderTimeout bounds how long newTCPSocket/newUDPSocket wait for their
// forwarder goroutine to hand back the captured endpoint. The handoff is a
// direct channel send triggered by the very packet that created the
// session, so in practice it resolves immediately.
const forwarderTimeout = 2 * time.Second

type waiterHandle struct {
	ep tcpip.Endpoint
	wq *waiter.Queue
}
