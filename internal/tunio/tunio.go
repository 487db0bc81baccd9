// Package tunio opens the TUN device the engine reads and writes raw IP
// packets against. It is adapted from the teacher's internal/tun_native.go,
// whose openExistingTun expected an interface already created by an
// operator script; the relay engine only needs the resulting fd, so the
// water.Interface itself never leaves this package.
package tunio

import (
	"fmt"
	"net"
	"os"

	"github.com/songgao/water"
	"golang.org/x/sys/unix"
)

// Device is an open TUN interface. Engine.Start wants its numeric fd;
// everything else is kept here so callers never touch the water.Interface
// directly.
type Device struct {
	ifce *water.Interface
	name string
	mtu  int
}

// Open attaches to an existing TUN interface named name. The interface must
// already exist (created out of band, same constraint as the teacher's
// openExistingTun) since water.New on Linux cannot set IP/route state
// itself and this package deliberately doesn't shell out to ip(8).
func Open(name string) (*Device, error) {
	if name == "" {
		return nil, fmt.Errorf("tunio: device name is empty")
	}
	if _, err := net.InterfaceByName(name); err != nil {
		return nil, fmt.Errorf("tunio: interface %q not found (create it before starting): %w", name, err)
	}

	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name
	ifce, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("tunio: open %q: %w", name, err)
	}

	ifi, err := net.InterfaceByName(name)
	if err != nil {
		_ = ifce.Close()
		return nil, fmt.Errorf("tunio: InterfaceByName(%q): %w", name, err)
	}
	mtu := ifi.MTU
	if mtu <= 0 {
		mtu = 1500
	}

	d := &Device{ifce: ifce, name: name, mtu: mtu}
	if fd := d.FD(); fd >= 0 {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = ifce.Close()
			return nil, fmt.Errorf("tunio: set nonblock: %w", err)
		}
	}
	return d, nil
}

// FD returns the underlying TUN file descriptor, suitable for
// engine.Engine.Start. water's Linux backend opens /dev/net/tun as an
// *os.File and exposes it verbatim through ReadWriteCloser, so this type
// assertion holds on every platform the relay targets.
func (d *Device) FD() int {
	f, ok := d.ifce.ReadWriteCloser.(*os.File)
	if !ok {
		return -1
	}
	return int(f.Fd())
}

// MTU reports the kernel-reported MTU of the interface at open time.
func (d *Device) MTU() int { return d.mtu }

// Name returns the interface name passed to Open.
func (d *Device) Name() string { return d.name }

// Close releases the underlying TUN file descriptor.
func (d *Device) Close() error {
	return d.ifce.Close()
}
