// Package classify turns a raw IP datagram read from a TUN device into a
// SessionKey, the 5-tuple every downstream component keys off of.
package classify

import (
	"errors"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// ErrMalformed indicates a packet whose header failed basic validation
// (bad version nibble, truncated header, bad length/checksum). The caller
// drops the packet silently; it is observability-only.
var ErrMalformed = errors.New("classify: malformed packet")

// ErrUnsupportedProtocol indicates a packet with a recognized IP version
// but an L4 protocol other than TCP/UDP (ICMP, etc). The caller drops the
// packet without creating a session.
var ErrUnsupportedProtocol = errors.New("classify: unsupported L4 protocol")

// IPVersion is the L3 version of a SessionKey.
type IPVersion uint8

const (
	V4 IPVersion = 4
	V6 IPVersion = 6
)

// Protocol is the L4 protocol of a SessionKey.
type Protocol uint8

const (
	TCP Protocol = 6
	UDP Protocol = 17
)

// SessionKey is the 5-tuple identifying one tunneled flow. It is a plain
// value type: hashable, comparable with ==, safe to use as a map key.
type SessionKey struct {
	Version  IPVersion
	Proto    Protocol
	SrcAddr  netip.Addr
	SrcPort  uint16
	DstAddr  netip.Addr
	DstPort  uint16
}

// Less gives SessionKey a deterministic total order: version, protocol,
// source address and port, then destination address and port.
func (k SessionKey) Less(o SessionKey) bool {
	if k.Version != o.Version {
		return k.Version < o.Version
	}
	if k.Proto != o.Proto {
		return k.Proto < o.Proto
	}
	if c := k.SrcAddr.Compare(o.SrcAddr); c != 0 {
		return c < 0
	}
	if k.SrcPort != o.SrcPort {
		return k.SrcPort < o.SrcPort
	}
	if c := k.DstAddr.Compare(o.DstAddr); c != 0 {
		return c < 0
	}
	return k.DstPort < o.DstPort
}

// Classify parses an IPv4 or IPv6 datagram and its embedded TCP/UDP header
// into a SessionKey. The version nibble picks the parser; a packet whose
// IPv4 parse reports ErrMalformed is retried as IPv6, while an IPv4 packet
// with an unsupported L4 protocol is not.
func Classify(b []byte) (SessionKey, error) {
	if len(b) == 0 {
		return SessionKey{}, ErrMalformed
	}
	switch b[0] >> 4 {
	case 4:
		key, err := classifyV4(b)
		if err == ErrMalformed {
			return classifyV6(b)
		}
		return key, err
	case 6:
		return classifyV6(b)
	default:
		return SessionKey{}, ErrMalformed
	}
}

func classifyV4(b []byte) (SessionKey, error) {
	ip := header.IPv4(b)
	if !ip.IsValid(len(b)) {
		return SessionKey{}, ErrMalformed
	}
	proto := ip.TransportProtocol()
	if proto != header.TCPProtocolNumber && proto != header.UDPProtocolNumber {
		return SessionKey{}, ErrUnsupportedProtocol
	}
	payload := ip.Payload()
	srcPort, dstPort, err := transportPorts(proto, payload)
	if err != nil {
		return SessionKey{}, err
	}
	srcAddr, ok := netip.AddrFromSlice(ip.SourceAddress().AsSlice())
	if !ok {
		return SessionKey{}, ErrMalformed
	}
	dstAddr, ok := netip.AddrFromSlice(ip.DestinationAddress().AsSlice())
	if !ok {
		return SessionKey{}, ErrMalformed
	}
	return SessionKey{
		Version: V4,
		Proto:   protoFromHeader(proto),
		SrcAddr: srcAddr,
		SrcPort: srcPort,
		DstAddr: dstAddr,
		DstPort: dstPort,
	}, nil
}

func classifyV6(b []byte) (SessionKey, error) {
	ip := header.IPv6(b)
	if !ip.IsValid(len(b)) {
		return SessionKey{}, ErrMalformed
	}
	proto := ip.TransportProtocol()
	if proto != header.TCPProtocolNumber && proto != header.UDPProtocolNumber {
		return SessionKey{}, ErrUnsupportedProtocol
	}
	payload := ip.Payload()
	srcPort, dstPort, err := transportPorts(proto, payload)
	if err != nil {
		return SessionKey{}, err
	}
	srcAddr, ok := netip.AddrFromSlice(ip.SourceAddress().AsSlice())
	if !ok {
		return SessionKey{}, ErrMalformed
	}
	dstAddr, ok := netip.AddrFromSlice(ip.DestinationAddress().AsSlice())
	if !ok {
		return SessionKey{}, ErrMalformed
	}
	return SessionKey{
		Version: V6,
		Proto:   protoFromHeader(proto),
		SrcAddr: srcAddr,
		SrcPort: srcPort,
		DstAddr: dstAddr,
		DstPort: dstPort,
	}, nil
}

func protoFromHeader(p tcpip.TransportProtocolNumber) Protocol {
	if p == header.TCPProtocolNumber {
		return TCP
	}
	return UDP
}

func transportPorts(proto tcpip.TransportProtocolNumber, payload []byte) (src, dst uint16, err error) {
	switch proto {
	case header.TCPProtocolNumber:
		if len(payload) < header.TCPMinimumSize {
			return 0, 0, ErrMalformed
		}
		t := header.TCP(payload)
		return t.SourcePort(), t.DestinationPort(), nil
	case header.UDPProtocolNumber:
		if len(payload) < header.UDPMinimumSize {
			return 0, 0, ErrMalformed
		}
		u := header.UDP(payload)
		return u.SourcePort(), u.DestinationPort(), nil
	default:
		return 0, 0, ErrUnsupportedProtocol
	}
}
