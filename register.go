package powerbox

import (
	"errors"
	"fmt"
)

// RegisterDevice provides typed register access to a single device on a
// Bus: one-byte registers, big-endian 16-bit registers, and raw block
// transfers with a caller-built address pointer (as paged EEPROMs require).
// It is shared by the sense-chip and EEPROM components.
type RegisterDevice struct {
	bus  Bus
	addr Addr
}

// NewRegisterDevice binds bus and the validated 7-bit address addr.
func NewRegisterDevice(bus Bus, addr Addr) (*RegisterDevice, error) {
	if nil == bus {
		return nil, fmt.Errorf("nil Bus")
	}
	if addr > AddrMax {
		return nil, fmt.Errorf("invalid 7-bit address: 0x%02X", addr)
	}
	return &RegisterDevice{bus: bus, addr: addr}, nil
}

// Addr returns the device's fixed bus address.
func (d *RegisterDevice) Addr() Addr { return d.addr }

// unresponsive wraps a bus-level failure so callers can classify it with
// errors.Is(err, ErrDeviceUnresponsive). A failure already carrying the
// sentinel (from a simulated bus) is passed through unchanged.
func (d *RegisterDevice) unresponsive(op string, err error) error {
	if errors.Is(err, ErrDeviceUnresponsive) {
		return fmt.Errorf("%s(0x%02X): %w", op, d.addr, err)
	}
	return fmt.Errorf("%s(0x%02X): %w: %v", op, d.addr, ErrDeviceUnresponsive, err)
}

// ReadU16 reads the big-endian 16-bit register at index reg.
func (d *RegisterDevice) ReadU16(reg uint8) (uint16, error) {
	val, err := d.bus.ReadRegister(d.addr, reg)
	if nil != err {
		return 0, d.unresponsive("ReadRegister", err)
	}
	return val, nil
}

// WriteU16 writes val big-endian to the 16-bit register at index reg.
func (d *RegisterDevice) WriteU16(reg uint8, val uint16) error {
	if err := d.bus.WriteRegister(d.addr, reg, val); nil != err {
		return d.unresponsive("WriteRegister", err)
	}
	return nil
}

// ReadByte reads a single byte at the address pointer ptr.
func (d *RegisterDevice) ReadByte(ptr []byte) (byte, error) {
	buf, err := d.ReadBlock(ptr, 1)
	if nil != err {
		return 0, err
	}
	return buf[0], nil
}

// WriteByte writes a single byte at the address pointer ptr.
func (d *RegisterDevice) WriteByte(ptr []byte, b byte) error {
	return d.WriteBlock(ptr, []byte{b})
}

// ReadBlock writes the address pointer ptr and reads n bytes back.
func (d *RegisterDevice) ReadBlock(ptr []byte, n int) ([]byte, error) {
	buf, err := d.bus.ReadBytes(d.addr, ptr, n)
	if nil != err {
		return nil, d.unresponsive("ReadBytes", err)
	}
	if len(buf) != n {
		return nil, fmt.Errorf("ReadBytes(0x%02X): %w: short read (%d of %d bytes)",
			d.addr, ErrDeviceUnresponsive, len(buf), n)
	}
	return buf, nil
}

// WriteBlock writes the address pointer ptr followed by data in a single
// bus transaction. The caller is responsible for page alignment.
func (d *RegisterDevice) WriteBlock(ptr []byte, data []byte) error {
	if err := d.bus.WriteBytes(d.addr, ptr, data); nil != err {
		return d.unresponsive("WriteBytes", err)
	}
	return nil
}

// Probe performs an address-only write, succeeding iff the device
// acknowledges. EEPROMs NACK their address while an internal write cycle
// is in progress, which makes Probe the write-completion poll.
func (d *RegisterDevice) Probe() error {
	if err := d.bus.WriteBytes(d.addr, nil, nil); nil != err {
		return d.unresponsive("WriteBytes", err)
	}
	return nil
}
