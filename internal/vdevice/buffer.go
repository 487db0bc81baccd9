package vdevice

import (
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// bufferFromBytes copies raw bytes into a gVisor buffer.Buffer suitable for
// a PacketBufferOptions.Payload.
func bufferFromBytes(b []byte) buffer.Buffer {
	return buffer.MakeWithData(append([]byte(nil), b...))
}

// concatViews flattens a packet buffer's scattered views into one
// contiguous slice, the shape TUN writes and test fixtures expect.
func concatViews(pkt *stack.PacketBuffer) []byte {
	views := pkt.AsSlices()
	size := 0
	for _, v := range views {
		size += len(v)
	}
	out := make([]byte, 0, size)
	for _, v := range views {
		out = append(out, v...)
	}
	return out
}
