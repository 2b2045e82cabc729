package powerbox

import "fmt"

// Addr is a 7-bit I²C device address. An Addr is fixed for the lifetime of
// the device instance constructed with it.
type Addr uint8

// AddrMax is the largest representable 7-bit address.
const AddrMax Addr = 0x7F

// NewAddr validates v as a 7-bit I²C address.
//
// Returns an error if v is outside [0x00, 0x7F].
func NewAddr(v uint8) (Addr, error) {
	if Addr(v) > AddrMax {
		return 0, fmt.Errorf("invalid 7-bit address: 0x%02X", v)
	}
	return Addr(v), nil
}

// Bus is the synchronous byte-oriented I²C primitive the driver stack
// consumes. Implementations block until the device responds or an internal
// bounded timeout elapses.
//
// ReadRegister and WriteRegister transfer a big-endian 16-bit register at a
// one-byte register index, the access pattern of the INA226. ReadBytes
// writes the address pointer ptr (if non-empty) and then reads n bytes with
// a repeated start; WriteBytes writes ptr followed by data in a single
// transaction. A WriteBytes with empty ptr and data performs an
// address-only probe: it succeeds iff the device acknowledges its address,
// which is how EEPROM write-cycle polling and bus scans are expressed.
//
// All failures returned by a Bus are treated by the stack as
// ErrDeviceUnresponsive.
type Bus interface {
	ReadRegister(addr Addr, reg uint8) (uint16, error)
	WriteRegister(addr Addr, reg uint8, val uint16) error
	ReadBytes(addr Addr, ptr []byte, n int) ([]byte, error)
	WriteBytes(addr Addr, ptr []byte, data []byte) error
}

// PinDriver is the discrete-I/O primitive behind GPIO. The Bridge
// implements it for the MCP2221A's GP0..GP3 lines; tests substitute an
// in-memory fake.
type PinDriver interface {
	SetPinDirection(pin uint8, dir Direction) error
	PinDirection(pin uint8) (Direction, error)
	SetPinLevel(pin uint8, lvl Level) error
	PinLevel(pin uint8) (Level, error)
}

// Direction configures a discrete pin for input or output.
type Direction byte

// Level is the digital state of a discrete pin.
type Level byte

// Pin direction and level constants.
const (
	DirOut Direction = 0x00
	DirIn  Direction = 0x01

	LevelLow  Level = 0x00
	LevelHigh Level = 0x01
)

// String returns "in" or "out".
func (d Direction) String() string {
	if DirIn == d {
		return "in"
	}
	return "out"
}

// String returns "high" or "low".
func (l Level) String() string {
	if LevelHigh == l {
		return "high"
	}
	return "low"
}
