// Package vdevice is the bridge between raw IP bytes arriving from the TUN
// device and the per-session embedded network stack: an inbound queue fed by
// the event loop and an outbound queue drained back to TUN. It is a thin
// wrapper over gVisor's channel.Endpoint, the same datalink primitive the
// copied single-stack TUN reader used, generalized here to one endpoint per
// session.
package vdevice

import (
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// DefaultMTU matches the largest IP packet the classifier and stack are
// willing to reassemble.
const DefaultMTU = 65535

// queueDepth is deliberately 1: the device is a direct conduit, not a
// buffer. Back-pressure must be visible to the caller rather than absorbed
// silently.
const queueDepth = 1

// Device is a per-session virtual datalink endpoint.
type Device struct {
	ep *channel.Endpoint
}

// New creates a device with the given MTU. Pass 0 to use DefaultMTU.
func New(mtu uint32) *Device {
	if mtu == 0 {
		mtu = DefaultMTU
	}
	return &Device{ep: channel.New(queueDepth, mtu, "")}
}

// LinkEndpoint exposes the gVisor stack.LinkEndpoint this device implements,
// for attaching to a stack.Stack's NIC.
func (d *Device) LinkEndpoint() stack.LinkEndpoint { return d.ep }

// StoreData pushes one raw IP packet into the device's inbound queue for the
// stack to pick up. proto is the network protocol number describing the
// packet's IP version.
func (d *Device) StoreData(proto tcpip.NetworkProtocolNumber, packet []byte) {
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: bufferFromBytes(packet),
	})
	defer pkt.DecRef()
	d.ep.InjectInbound(proto, pkt)
}

// PopData drains one outbound packet produced by the stack, or returns nil
// if the outbound queue is empty. The returned slice is the packet's raw IP
// bytes, ready to write to TUN.
func (d *Device) PopData() []byte {
	pkt := d.ep.Read()
	if pkt == nil {
		return nil
	}
	defer pkt.DecRef()
	return concatViews(pkt)
}

// Close detaches the endpoint from its stack.
func (d *Device) Close() {
	d.ep.Attach(nil)
}
