package powerbox

import (
	"fmt"
	"strings"
	"time"
)

// EEPROMAddrDefault is the lowest 24Cxx slave address; the A0..A2 straps
// select any address in [0x50, 0x57].
const EEPROMAddrDefault Addr = 0x50

// BoardIDMax is the fixed size of the board-identity record stored at
// offset 0x00: up to 31 bytes of text plus the NUL terminator.
const BoardIDMax = 32

// EEPROMPart describes the geometry of one supported 24Cxx part: total
// capacity, write-page size, and the width of the address pointer.
type EEPROMPart struct {
	Name      string
	Size      int
	PageSize  int
	AddrBytes int
}

// EEPROMParts lists the supported 24Cxx-series parts, keyed by the name
// accepted by NewEEPROM.
var EEPROMParts = map[string]EEPROMPart{
	"24C02":  {Name: "24C02", Size: 256, PageSize: 8, AddrBytes: 1},
	"24C04":  {Name: "24C04", Size: 512, PageSize: 16, AddrBytes: 1},
	"24C08":  {Name: "24C08", Size: 1024, PageSize: 16, AddrBytes: 1},
	"24C16":  {Name: "24C16", Size: 2048, PageSize: 16, AddrBytes: 1},
	"24C32":  {Name: "24C32", Size: 4096, PageSize: 32, AddrBytes: 2},
	"24C64":  {Name: "24C64", Size: 8192, PageSize: 32, AddrBytes: 2},
	"24C128": {Name: "24C128", Size: 16384, PageSize: 64, AddrBytes: 2},
	"24C256": {Name: "24C256", Size: 32768, PageSize: 64, AddrBytes: 2},
}

// Default write-cycle poll budget. A 24Cxx needs at most ~5 ms per page;
// the budget is generous because the probe itself is cheap.
const (
	WritePollMax   = 20
	WritePollDelay = time.Millisecond
)

// EEPROM provides byte-addressable access to a 24Cxx-series part, with
// writes split on page boundaries and each page followed by an
// acknowledge-poll wait for the internal write cycle. It owns the
// board-identity record at offset 0x00. Not safe for concurrent use.
type EEPROM struct {
	dev  *RegisterDevice
	part EEPROMPart

	// MaxPolls and PollDelay bound the write-cycle wait after each page.
	// Both default to the WritePoll constants.
	MaxPolls  int
	PollDelay time.Duration
}

// NewEEPROM binds an EEPROM store to the device at addr on bus, declared as
// the named part (e.g. "24C32"; see EEPROMParts).
//
// Returns an error if the part name is not recognized.
func NewEEPROM(bus Bus, addr Addr, part string) (*EEPROM, error) {
	p, ok := EEPROMParts[strings.ToUpper(part)]
	if !ok {
		return nil, fmt.Errorf("unsupported EEPROM part: %q", part)
	}
	dev, err := NewRegisterDevice(bus, addr)
	if nil != err {
		return nil, err
	}
	return &EEPROM{
		dev:       dev,
		part:      p,
		MaxPolls:  WritePollMax,
		PollDelay: WritePollDelay,
	}, nil
}

// Part returns the declared part geometry.
func (e *EEPROM) Part() EEPROMPart { return e.part }

// Size returns the declared capacity in bytes.
func (e *EEPROM) Size() int { return e.part.Size }

// ptr builds the address pointer bytes for offset, wide as the part's
// address counter.
func (e *EEPROM) ptr(offset int) []byte {
	if 1 == e.part.AddrBytes {
		return []byte{byte(offset & 0xFF)}
	}
	return []byte{byte((offset >> 8) & 0xFF), byte(offset & 0xFF)}
}

// checkRange validates [offset, offset+length) against the declared
// capacity.
func (e *EEPROM) checkRange(offset, length int) error {
	if offset < 0 || length < 0 || offset+length > e.part.Size {
		return fmt.Errorf("%w: offset %d length %d exceeds %d-byte capacity",
			ErrOutOfRange, offset, length, e.part.Size)
	}
	return nil
}

// waitWriteComplete acknowledge-polls the device after a page write. The
// part NACKs its own address while the internal write cycle runs, so the
// first successful probe means the page is committed.
//
// Returns an error wrapping ErrWriteTimeout if the device never
// acknowledges within the poll budget.
func (e *EEPROM) waitWriteComplete() error {
	for poll := 0; poll < e.MaxPolls; poll++ {
		if err := e.dev.Probe(); nil == err {
			return nil
		}
		time.Sleep(e.PollDelay)
	}
	return fmt.Errorf("%w: device not ready after %d polls", ErrWriteTimeout, e.MaxPolls)
}

// Probe tests whether the device acknowledges its address.
func (e *EEPROM) Probe() error { return e.dev.Probe() }

// Read returns length bytes starting at offset.
//
// Returns an error wrapping ErrOutOfRange if the span exceeds the declared
// capacity, or ErrDeviceUnresponsive on bus failure.
func (e *EEPROM) Read(offset, length int) ([]byte, error) {
	if err := e.checkRange(offset, length); nil != err {
		return nil, err
	}
	if 0 == length {
		return []byte{}, nil
	}
	buf, err := e.dev.ReadBlock(e.ptr(offset), length)
	if nil != err {
		return nil, fmt.Errorf("ReadBlock(): %w", err)
	}
	return buf, nil
}

// Write stores data starting at offset, splitting the payload on the
// part's page boundaries so the internal address counter never wraps, and
// waiting out the write cycle after every page.
//
// A failure mid-sequence leaves the pages already written committed; the
// contract is not all-or-nothing, so callers needing atomicity must read
// back and verify.
//
// Returns an error wrapping ErrOutOfRange if the span exceeds the declared
// capacity, ErrWriteTimeout if the device never reports ready, or
// ErrDeviceUnresponsive on bus failure.
func (e *EEPROM) Write(offset int, data []byte) error {

	if err := e.checkRange(offset, len(data)); nil != err {
		return err
	}

	pos := 0
	for pos < len(data) {
		cur := offset + pos

		// bytes remaining in the page containing cur
		room := e.part.PageSize - (cur % e.part.PageSize)
		n := len(data) - pos
		if n > room {
			n = room
		}

		if err := e.dev.WriteBlock(e.ptr(cur), data[pos:pos+n]); nil != err {
			return fmt.Errorf("WriteBlock(): %w", err)
		}
		if err := e.waitWriteComplete(); nil != err {
			return err
		}
		pos += n
	}
	return nil
}

// Dump reads the entire declared capacity. Diagnostics only.
func (e *EEPROM) Dump() ([]byte, error) {
	return e.Read(0, e.part.Size)
}

// BoardID reads the NUL-terminated board-identity record at offset 0x00.
// A region of all 0xFF or all 0x00 — a blank or erased part — decodes as
// the empty string.
func (e *EEPROM) BoardID() (string, error) {

	buf, err := e.Read(0, BoardIDMax)
	if nil != err {
		return "", err
	}

	blankFF, blank00 := true, true
	for _, b := range buf {
		if 0xFF != b {
			blankFF = false
		}
		if 0x00 != b {
			blank00 = false
		}
	}
	if blankFF || blank00 {
		return "", nil
	}

	for i, b := range buf {
		if 0 == b {
			return string(buf[:i]), nil
		}
	}
	return string(buf), nil
}

// SetBoardID overwrites the board-identity record at offset 0x00 with id,
// NUL-terminated. Writing the empty string clears the record; there is no
// separate deletion primitive.
//
// Returns an error wrapping ErrIdentityTooLong if id plus its terminator
// exceeds BoardIDMax bytes.
func (e *EEPROM) SetBoardID(id string) error {
	rec := append([]byte(id), 0)
	if len(rec) > BoardIDMax {
		return fmt.Errorf("%w: %d bytes exceeds %d-byte record", ErrIdentityTooLong, len(rec), BoardIDMax)
	}
	if err := e.Write(0, rec); nil != err {
		return fmt.Errorf("Write(): %w", err)
	}
	return nil
}

// ScanEEPROM probes the 24Cxx strap address range [0x50, 0x57] on bus and
// returns the addresses that acknowledge. Probe failures are treated as
// absent devices, not errors.
func ScanEEPROM(bus Bus) []Addr {
	var found []Addr
	for a := EEPROMAddrDefault; a <= EEPROMAddrDefault+0x07; a++ {
		if err := bus.WriteBytes(a, nil, nil); nil == err {
			found = append(found, a)
		}
	}
	return found
}
