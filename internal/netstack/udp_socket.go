package netstack

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"tunrelay/internal/classify"
)

// udpSocket adapts a gVisor UDP endpoint created directly at construction:
// bound to the client's destination endpoint and connected to the client's
// source endpoint, so no forwarder or triggering packet is involved and
// replies are addressed back to the client.
type udpSocket struct {
	ep      tcpip.Endpoint
	wq      *waiter.Queue
	bindTo  tcpip.FullAddress
	netProt tcpip.NetworkProtocolNumber
}

func newUDPSocket(st *stack.Stack, key classify.SessionKey) (Socket, error) {
	addr, proto := destinationOf(key)

	var wq waiter.Queue
	ep, err := st.NewEndpoint(udp.ProtocolNumber, proto, &wq)
	if err != nil {
		return nil, fmt.Errorf("netstack: new udp endpoint: %s", err)
	}
	if bindErr := ep.Bind(addr); bindErr != nil {
		ep.Close()
		return nil, fmt.Errorf("netstack: udp bind: %s", bindErr)
	}
	client := tcpip.FullAddress{
		NIC:  nic,
		Addr: tcpip.AddrFromSlice(key.SrcAddr.AsSlice()),
		Port: key.SrcPort,
	}
	if connErr := ep.Connect(client); connErr != nil {
		ep.Close()
		return nil, fmt.Errorf("netstack: udp connect: %s", connErr)
	}
	return &udpSocket{ep: ep, wq: &wq, bindTo: addr, netProt: proto}, nil
}

func (s *udpSocket) CanSend() bool {
	return s.ep.Readiness(waiter.WritableEvents)&waiter.WritableEvents != 0
}

func (s *udpSocket) Send(b []byte) (int, error) {
	n, err := s.ep.Write(asBufferReader(b), tcpip.WriteOptions{})
	if err != nil {
		if _, ok := err.(*tcpip.ErrWouldBlock); ok {
			return 0, errWouldBlockStack
		}
		// UDP treats any other stack error as a soft per-datagram failure,
		// per spec.md §4.3.
		return 0, fmt.Errorf("netstack: udp write: %s", err)
	}
	return int(n), nil
}

func (s *udpSocket) CanReceive() bool {
	return s.ep.Readiness(waiter.ReadableEvents)&waiter.ReadableEvents != 0
}

func (s *udpSocket) Receive(buf []byte) (int, error) {
	var w boundedWriter
	w.buf = buf
	res, err := s.ep.Read(&w, tcpip.ReadOptions{})
	if err != nil {
		if _, ok := err.(*tcpip.ErrWouldBlock); ok {
			return 0, errWouldBlockStack
		}
		return 0, fmt.Errorf("netstack: udp read: %s", err)
	}
	return res.Count, nil
}

func (s *udpSocket) Close() {
	s.ep.Close()
}
