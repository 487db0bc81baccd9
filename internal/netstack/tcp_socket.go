package netstack

import (
	"fmt"
	"io"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"

	"tunrelay/internal/classify"
)

// tcpSocket adapts a gVisor tcpip.Endpoint captured by a one-shot forwarder
// into the uniform Socket surface. ep.Readiness is synchronous and
// non-blocking, so CanSend/CanReceive need no separate notification
// plumbing.
type tcpSocket struct {
	ep tcpip.Endpoint
	wq *waiter.Queue
}

// newTCPSocket registers a one-shot forwarder that completes the three-way
// handshake on behalf of key's destination and hands back the resulting
// endpoint. The per-session stack is promiscuous and spoofed (see New), so
// the forwarder sees exactly one flow: this session's.
func newTCPSocket(st *stack.Stack, key classify.SessionKey) (Socket, error) {
	captured := make(chan waiterHandle, 1)
	fwd := tcp.NewForwarder(st, rxBufSize, txBufSize, func(r *tcp.ForwarderRequest) {
		var wq waiter.Queue
		ep, err := r.CreateEndpoint(&wq)
		if err != nil {
			r.Complete(true)
			return
		}
		opts := ep.SocketOptions()
		opts.SetDelayOption(false) // push through immediately, no Nagle/ACK-delay
		captured <- waiterHandle{ep: ep, wq: &wq}
		r.Complete(false)
	})
	st.SetTransportProtocolHandler(tcp.ProtocolNumber, fwd.HandlePacket)

	// The forwarder fires off the SYN the session's very first packet
	// injects; the handoff below blocks only as long as that handshake
	// takes inside the stack, not on any external I/O.
	select {
	case h := <-captured:
		return &tcpSocket{ep: h.ep, wq: h.wq}, nil
	case <-timeoutChan():
		return nil, ErrEndpointTimeout
	}
}

func (s *tcpSocket) CanSend() bool {
	return s.ep.Readiness(waiter.WritableEvents)&waiter.WritableEvents != 0
}

func (s *tcpSocket) Send(b []byte) (int, error) {
	n, err := s.ep.Write(asBufferReader(b), tcpip.WriteOptions{})
	if err != nil {
		if _, ok := err.(*tcpip.ErrWouldBlock); ok {
			return 0, errWouldBlockStack
		}
		return int(n), fmt.Errorf("netstack: tcp write: %s", err)
	}
	return int(n), nil
}

func (s *tcpSocket) CanReceive() bool {
	return s.ep.Readiness(waiter.ReadableEvents)&waiter.ReadableEvents != 0
}

func (s *tcpSocket) Receive(buf []byte) (int, error) {
	var w boundedWriter
	w.buf = buf
	res, err := s.ep.Read(&w, tcpip.ReadOptions{})
	if err != nil {
		if _, ok := err.(*tcpip.ErrWouldBlock); ok {
			return 0, errWouldBlockStack
		}
		if _, ok := err.(*tcpip.ErrClosedForReceive); ok {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("netstack: tcp read: %s", err)
	}
	return res.Count, nil
}

func (s *tcpSocket) Close() {
	s.ep.Close()
}
