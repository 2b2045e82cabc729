package powerbox

import (
	"fmt"
)

// regWrite records one 16-bit register write observed by a simulated bus.
type regWrite struct {
	reg uint8
	val uint16
}

// senseSim simulates an INA226 register file on the Bus interface. The
// conversion-ready flag in the Mask/Enable register sets after cvrfAfter
// reads of that register (0 = immediately, -1 = never).
type senseSim struct {
	addr Addr
	reg  map[uint8]uint16

	cvrfAfter int
	maskReads int

	writes  []regWrite
	failAll bool
}

func newSenseSim(addr Addr) *senseSim {
	return &senseSim{
		addr: addr,
		reg: map[uint8]uint16{
			RegMfgID: MfgID,
			RegDieID: DieID,
		},
	}
}

func (s *senseSim) ReadRegister(addr Addr, reg uint8) (uint16, error) {
	if s.failAll || addr != s.addr {
		return 0, fmt.Errorf("address 0x%02X not acknowledged", addr)
	}
	val := s.reg[reg]
	if RegMaskEn == reg {
		s.maskReads++
		if s.cvrfAfter >= 0 && s.maskReads > s.cvrfAfter {
			val |= maskCVRF
		} else {
			val &^= maskCVRF
		}
	}
	return val, nil
}

func (s *senseSim) WriteRegister(addr Addr, reg uint8, val uint16) error {
	if s.failAll || addr != s.addr {
		return fmt.Errorf("address 0x%02X not acknowledged", addr)
	}
	s.reg[reg] = val
	s.writes = append(s.writes, regWrite{reg: reg, val: val})
	return nil
}

func (s *senseSim) ReadBytes(addr Addr, ptr []byte, n int) ([]byte, error) {
	return nil, fmt.Errorf("block read not supported")
}

func (s *senseSim) WriteBytes(addr Addr, ptr []byte, data []byte) error {
	return fmt.Errorf("block write not supported")
}

// written returns the last value written to reg, and whether any write to
// reg occurred.
func (s *senseSim) written(reg uint8) (uint16, bool) {
	for i := len(s.writes) - 1; i >= 0; i-- {
		if s.writes[i].reg == reg {
			return s.writes[i].val, true
		}
	}
	return 0, false
}

// eepromSim simulates a 24Cxx part on the Bus interface: an address
// pointer of addrBytes bytes, page-wrapped writes, and a busy window after
// each page write during which the address is not acknowledged. busyPolls
// sets how many probes each write cycle consumes before acknowledging.
type eepromSim struct {
	addr      Addr
	mem       []byte
	pageSize  int
	addrBytes int

	busyPolls int
	busy      int
}

func newEEPROMSim(addr Addr, part EEPROMPart) *eepromSim {
	mem := make([]byte, part.Size)
	for i := range mem {
		mem[i] = 0xFF
	}
	return &eepromSim{
		addr:      addr,
		mem:       mem,
		pageSize:  part.PageSize,
		addrBytes: part.AddrBytes,
	}
}

func (s *eepromSim) offset(ptr []byte) (int, error) {
	if len(ptr) != s.addrBytes {
		return 0, fmt.Errorf("address pointer width %d, want %d", len(ptr), s.addrBytes)
	}
	off := 0
	for _, b := range ptr {
		off = off<<8 | int(b)
	}
	return off % len(s.mem), nil
}

func (s *eepromSim) ReadRegister(addr Addr, reg uint8) (uint16, error) {
	return 0, fmt.Errorf("register read not supported")
}

func (s *eepromSim) WriteRegister(addr Addr, reg uint8, val uint16) error {
	return fmt.Errorf("register write not supported")
}

func (s *eepromSim) ReadBytes(addr Addr, ptr []byte, n int) ([]byte, error) {
	if addr != s.addr {
		return nil, fmt.Errorf("address 0x%02X not acknowledged", addr)
	}
	if s.busy > 0 {
		s.busy--
		return nil, fmt.Errorf("address 0x%02X busy", addr)
	}
	off, err := s.offset(ptr)
	if nil != err {
		return nil, err
	}
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[i] = s.mem[(off+i)%len(s.mem)]
	}
	return buf, nil
}

func (s *eepromSim) WriteBytes(addr Addr, ptr []byte, data []byte) error {
	if addr != s.addr {
		return fmt.Errorf("address 0x%02X not acknowledged", addr)
	}
	if s.busy > 0 {
		s.busy--
		return fmt.Errorf("address 0x%02X busy", addr)
	}
	if 0 == len(ptr) && 0 == len(data) {
		// ack probe
		return nil
	}
	off, err := s.offset(ptr)
	if nil != err {
		return err
	}
	// the internal address counter wraps within the current page
	page := off - off%s.pageSize
	pos := off
	for _, b := range data {
		s.mem[pos] = b
		pos++
		if pos >= page+s.pageSize {
			pos = page
		}
	}
	s.busy = s.busyPolls
	return nil
}

// scanSim simulates a bus populated with devices at fixed addresses, for
// the address-scan helpers. Sense addresses answer the identity registers;
// any present address acknowledges an empty probe.
type scanSim struct {
	present map[Addr]bool
}

func (s *scanSim) ReadRegister(addr Addr, reg uint8) (uint16, error) {
	if !s.present[addr] {
		return 0, fmt.Errorf("address 0x%02X not acknowledged", addr)
	}
	switch reg {
	case RegMfgID:
		return MfgID, nil
	case RegDieID:
		return DieID, nil
	}
	return 0, nil
}

func (s *scanSim) WriteRegister(addr Addr, reg uint8, val uint16) error {
	if !s.present[addr] {
		return fmt.Errorf("address 0x%02X not acknowledged", addr)
	}
	return nil
}

func (s *scanSim) ReadBytes(addr Addr, ptr []byte, n int) ([]byte, error) {
	if !s.present[addr] {
		return nil, fmt.Errorf("address 0x%02X not acknowledged", addr)
	}
	return make([]byte, n), nil
}

func (s *scanSim) WriteBytes(addr Addr, ptr []byte, data []byte) error {
	if !s.present[addr] {
		return fmt.Errorf("address 0x%02X not acknowledged", addr)
	}
	return nil
}

// pinOp records one PinDriver call, for verifying restore ordering.
type pinOp struct {
	op  string // "dir" or "lvl"
	pin uint8
	val uint8
}

// pinsSim simulates a 4-pin GPIO port on the PinDriver interface, with
// per-call failure injection and an operation log.
type pinsSim struct {
	dirs   [PinCount]Direction
	levels [PinCount]Level

	ops []pinOp

	failDirSet bool
	failLvlGet bool
}

func (p *pinsSim) SetPinDirection(pin uint8, dir Direction) error {
	if p.failDirSet {
		return fmt.Errorf("direction write failed")
	}
	p.dirs[pin] = dir
	p.ops = append(p.ops, pinOp{op: "dir", pin: pin, val: uint8(dir)})
	return nil
}

func (p *pinsSim) PinDirection(pin uint8) (Direction, error) {
	return p.dirs[pin], nil
}

func (p *pinsSim) SetPinLevel(pin uint8, lvl Level) error {
	p.levels[pin] = lvl
	p.ops = append(p.ops, pinOp{op: "lvl", pin: pin, val: uint8(lvl)})
	return nil
}

func (p *pinsSim) PinLevel(pin uint8) (Level, error) {
	if p.failLvlGet {
		return LevelLow, fmt.Errorf("level read failed")
	}
	return p.levels[pin], nil
}
