package powerbox

import (
	"fmt"
	"time"

	usb "github.com/karalabe/hid"
)

// VID and PID identify the MCP2221A USB-to-I²C/GPIO bridge the fixture is
// built around.
const (
	VID = 0x04D8 // 16-bit vendor ID for Microchip Technology Inc.
	PID = 0x00DD // 16-bit product ID for the Microchip MCP2221A.
)

// msgSz is the size (in bytes) of all bridge command and response messages.
const msgSz = 64

// clkHz is the internal clock frequency of the bridge.
const clkHz = 12000000

// BusSpeedDefault is the I²C clock rate used unless SetBusSpeed overrides
// it. Both the INA226 and 24Cxx EEPROMs are comfortable at standard mode.
const BusSpeedDefault = 100000

// PinCount is the number of discrete GP lines the bridge exposes.
const PinCount = 4

// Constants for the recognized bridge commands. Each is sent as the first
// word of a command message and echoed back as the first word of the
// response.
const (
	cmdStatus    byte = 0x10
	cmdSetParams byte = 0x10

	cmdI2CWrite       byte = 0x90
	cmdI2CWriteNoStop byte = 0x94
	cmdI2CRead        byte = 0x91
	cmdI2CReadRep     byte = 0x93
	cmdI2CReadData    byte = 0x40

	cmdGPIOSet byte = 0x50
	cmdGPIOGet byte = 0x51

	cmdSRAMSet byte = 0x60
	cmdSRAMGet byte = 0x61

	cmdReset byte = 0x70
)

// Private constants for the bridge's internal I²C engine state machine.
const (
	i2cChunkMax = 60 // payload bytes per command message

	i2cStateIdle         byte = 0x00
	i2cStateStartTimeout byte = 0x12
	i2cStateRepTimeout   byte = 0x17
	i2cStateAddrTimeout  byte = 0x23
	i2cStateAddrNACK     byte = 0x25
	i2cStatePartialData  byte = 0x41
	i2cStateWriteTimeout byte = 0x44
	i2cStateReadTimeout  byte = 0x52
	i2cStateReadPartial  byte = 0x54
	i2cStateReadComplete byte = 0x55
	i2cStateStopTimeout  byte = 0x62
	i2cStateReadError    byte = 0x7F

	i2cRetryMax   = 50
	i2cRetryDelay = 300 * time.Microsecond
)

// i2cStateFatal tests whether the given engine state indicates a timeout
// the bridge will not recover from on its own.
func i2cStateFatal(state byte) bool {
	return (i2cStateStartTimeout == state) ||
		(i2cStateRepTimeout == state) ||
		(i2cStateStopTimeout == state) ||
		(i2cStateReadTimeout == state) ||
		(i2cStateWriteTimeout == state) ||
		(i2cStateAddrTimeout == state)
}

// Bridge drives a single MCP2221A over USB HID, implementing both the Bus
// and PinDriver primitives consumed by the rest of the stack.
//
// If multiple bridges are connected, the index of the desired target can be
// determined with Attached() and passed to Open(). Call Close() when
// finished to release the USB connection.
type Bridge struct {
	device *usb.Device
	index  byte
}

// Attached returns the USB HID device descriptors of all connected bridges.
//
// Returns an empty slice if no devices were found.
func Attached() []usb.DeviceInfo {
	var info []usb.DeviceInfo
	for _, i := range usb.Enumerate(VID, PID) {
		info = append(info, i)
	}
	return info
}

// Open claims the bridge enumerated at the given index (0 is the first
// device found) and configures its I²C engine for BusSpeedDefault.
//
// Returns an error if the index is out of range or the USB HID device could
// not be opened.
func Open(idx byte) (*Bridge, error) {

	info := Attached()
	if int(idx) >= len(info) {
		return nil, fmt.Errorf("bridge index %d out of range [0, %d]", idx, len(info)-1)
	}

	dev, err := info[idx].Open()
	if nil != err {
		return nil, err
	}

	b := &Bridge{device: dev, index: idx}
	if err := b.SetBusSpeed(BusSpeedDefault); nil != err {
		b.Close()
		return nil, fmt.Errorf("SetBusSpeed(): %v", err)
	}
	return b, nil
}

// valid verifies the receiver holds an open USB HID device.
func (b *Bridge) valid() (bool, error) {
	if nil == b {
		return false, fmt.Errorf("nil Bridge")
	}
	if nil == b.device {
		return false, fmt.Errorf("nil USB HID device")
	}
	return true, nil
}

// Close releases the USB HID connection.
func (b *Bridge) Close() error {
	if ok, err := b.valid(); !ok {
		return err
	}
	if err := b.device.Close(); nil != err {
		return err
	}
	b.device = nil
	return nil
}

// makeMsg creates a zero'd slice sized for one command or response message.
func makeMsg() []byte { return make([]byte, msgSz) }

// send transmits one command message and returns its response message.
// The cmd byte is inserted at the appropriate position automatically.
//
// A nil slice is returned with an error if the receiver is invalid or the
// USB HID device could not be written to or read from. If any data was
// read, that data is returned along with an error if fewer than expected
// bytes were received or the response status byte does not indicate
// success.
func (b *Bridge) send(cmd byte, data []byte) ([]byte, error) {

	if ok, err := b.valid(); !ok {
		return nil, err
	}

	data[0] = cmd
	if _, err := b.device.Write(data); nil != err {
		return nil, fmt.Errorf("Write([cmd=0x%02X]): %v", cmd, err)
	}

	if cmdReset == cmd {
		// reset is the only command without a response packet
		return nil, nil
	}

	rsp := makeMsg()
	recv, err := b.device.Read(rsp)
	if nil != err {
		return nil, fmt.Errorf("Read([cmd=0x%02X]): %v", cmd, err)
	}
	if recv < msgSz {
		return rsp, fmt.Errorf("Read([cmd=0x%02X]): short read (%d of %d bytes)", cmd, recv, msgSz)
	}
	if rsp[0] != cmd || rsp[1] != 0x00 {
		return rsp, fmt.Errorf("Read([cmd=0x%02X]): command failed", cmd)
	}
	return rsp, nil
}

// Reset sends a reset command and attempts to reopen the same bridge within
// the given timeout.
//
// Returns an error if the reset command could not be sent or the device did
// not reappear before the timeout elapsed.
func (b *Bridge) Reset(timeout time.Duration) error {

	if ok, err := b.valid(); !ok {
		return err
	}

	cmd := makeMsg()
	cmd[1] = 0xAB
	cmd[2] = 0xCD
	cmd[3] = 0xEF

	if _, err := b.send(cmdReset, cmd); nil != err {
		return fmt.Errorf("send(): %v", err)
	}

	ch := make(chan *Bridge)
	go func(c chan *Bridge) {
		var r *Bridge
		for nil == r {
			r, _ = Open(b.index)
		}
		c <- r
	}(ch)

	select {
	case <-time.After(timeout):
		return fmt.Errorf("Open([%d]): timed out reopening bridge", b.index)
	case r := <-ch:
		b.device = r.device
	}
	return nil
}

// i2cState reads the bridge's current I²C engine state byte from a status
// command response.
func (b *Bridge) i2cState() (byte, error) {
	rsp, err := b.send(cmdStatus, makeMsg())
	if nil != err {
		return 0, fmt.Errorf("send(): %v", err)
	}
	return rsp[8], nil
}

// SetBusSpeed configures the I²C clock rate (Hz) from the bridge's internal
// clock divider.
//
// Returns an error if baud is outside the divider's range, the command
// could not be sent, or a transfer is currently in progress.
func (b *Bridge) SetBusSpeed(baud uint32) error {

	if ok, err := b.valid(); !ok {
		return err
	}

	if baud > clkHz/3 || baud < clkHz/258 {
		return fmt.Errorf("invalid baud rate: %d", baud)
	}

	cmd := makeMsg()
	cmd[3] = 0x20
	cmd[4] = byte(clkHz/baud - 3)

	rsp, err := b.send(cmdSetParams, cmd)
	if nil != err {
		return fmt.Errorf("send(): %v", err)
	}
	if 0x21 == rsp[3] {
		return fmt.Errorf("transfer in progress")
	}
	return nil
}

// i2cCancel aborts any transfer the I²C engine has in flight.
func (b *Bridge) i2cCancel() error {
	cmd := makeMsg()
	cmd[2] = 0x10
	rsp, err := b.send(cmdSetParams, cmd)
	if nil != err {
		return fmt.Errorf("send(): %v", err)
	}
	if 0x10 == rsp[2] {
		time.Sleep(i2cRetryDelay)
	}
	return nil
}

// i2cReady ensures the engine is idle before starting a transfer,
// cancelling a stale one if necessary.
func (b *Bridge) i2cReady(addr Addr) error {
	state, err := b.i2cState()
	if nil != err {
		return err
	}
	if i2cStateIdle != state {
		if i2cStateAddrNACK == state {
			return fmt.Errorf("I²C NACK from address (0x%02X)", addr)
		}
		if err := b.i2cCancel(); nil != err {
			return fmt.Errorf("i2cCancel(): %v", err)
		}
	}
	return nil
}

// i2cWrite transmits out to the device at addr. If stop is false the STOP
// condition is withheld so a repeated-start read can follow.
//
// Returns an error if the engine NACKs, times out, or exhausts its retry
// budget.
func (b *Bridge) i2cWrite(stop bool, addr Addr, out []byte) error {

	if err := b.i2cReady(addr); nil != err {
		return err
	}

	cmdID := cmdI2CWrite
	if !stop {
		cmdID = cmdI2CWriteNoStop
	}

	cnt := len(out)
	pos := 0
	for {
		sz := cnt - pos
		if sz > i2cChunkMax {
			sz = i2cChunkMax
		}

		cmd := makeMsg()
		cmd[1] = byte(cnt & 0xFF)
		cmd[2] = byte((cnt >> 8) & 0xFF)
		cmd[3] = byte(addr) << 1
		copy(cmd[4:], out[pos:pos+sz])

		retry := 0
		for {
			retry++
			rsp, err := b.send(cmdID, cmd)
			if nil == err {
				break
			}
			if nil != rsp {
				if i2cStateAddrNACK == rsp[2] {
					return fmt.Errorf("send(): I²C NACK from address (0x%02X)", addr)
				}
				if i2cStateFatal(rsp[2]) {
					return fmt.Errorf("send(): I²C write timed out")
				}
			} else {
				return fmt.Errorf("send(): %v", err)
			}
			if retry >= i2cRetryMax {
				return fmt.Errorf("too many retries")
			}
			time.Sleep(i2cRetryDelay)
		}

		// wait for the engine to drain the chunk
		for {
			state, err := b.i2cState()
			if nil != err {
				return err
			}
			if i2cStatePartialData != state {
				break
			}
		}

		pos += sz
		if pos >= cnt {
			break
		}
	}

	// settle; an engine left mid-transfer poisons the next command
	for retry := 0; retry < i2cRetryMax; retry++ {
		state, err := b.i2cState()
		if nil != err {
			return err
		}
		if i2cStateIdle == state {
			break
		}
		if !stop && 0x45 == state {
			break // engine holding the bus for a repeated start
		}
		if i2cStateAddrNACK == state {
			return fmt.Errorf("I²C NACK from address (0x%02X)", addr)
		}
		if i2cStateFatal(state) {
			return fmt.Errorf("I²C write timed out")
		}
		time.Sleep(i2cRetryDelay)
	}
	return nil
}

// i2cRead reads cnt bytes from the device at addr. If rep is true a
// repeated-start condition is generated instead of START, continuing a
// pointer write made with i2cWrite(stop=false).
func (b *Bridge) i2cRead(rep bool, addr Addr, cnt int) ([]byte, error) {

	if cnt <= 0 {
		return []byte{}, nil
	}

	if !rep {
		if err := b.i2cReady(addr); nil != err {
			return nil, err
		}
	}

	cmd := makeMsg()
	cmd[1] = byte(cnt & 0xFF)
	cmd[2] = byte((cnt >> 8) & 0xFF)
	cmd[3] = (byte(addr) << 1) | 0x01

	cmdID := cmdI2CRead
	if rep {
		cmdID = cmdI2CReadRep
	}
	if _, err := b.send(cmdID, cmd); nil != err {
		return nil, fmt.Errorf("send(): %v", err)
	}

	in := make([]byte, cnt)
	pos := 0
	for pos < cnt {
		var rsp []byte
		retry := 0
		for retry < i2cRetryMax {
			retry++
			var err error
			if rsp, err = b.send(cmdI2CReadData, makeMsg()); nil != err {
				return nil, fmt.Errorf("send(): %v", err)
			}
			if i2cStatePartialData == rsp[1] || i2cStateReadError == rsp[3] {
				time.Sleep(i2cRetryDelay)
				continue
			}
			if i2cStateAddrNACK == rsp[2] {
				return nil, fmt.Errorf("send(): I²C NACK from address (0x%02X)", addr)
			}
			if i2cStateIdle == rsp[2] && 0 == rsp[3] {
				break
			}
			if i2cStateReadPartial == rsp[2] || i2cStateReadComplete == rsp[2] {
				break
			}
		}
		if retry >= i2cRetryMax {
			return nil, fmt.Errorf("too many retries")
		}

		sz := cnt - pos
		if sz > i2cChunkMax {
			sz = i2cChunkMax
		}
		copy(in[pos:], rsp[4:4+sz])
		pos += sz
	}
	return in, nil
}

// ReadRegister reads the big-endian 16-bit register at index reg from the
// device at addr, implementing the Bus primitive.
func (b *Bridge) ReadRegister(addr Addr, reg uint8) (uint16, error) {
	if err := b.i2cWrite(false, addr, []byte{reg}); nil != err {
		return 0, fmt.Errorf("i2cWrite(): %v", err)
	}
	buf, err := b.i2cRead(true, addr, 2)
	if nil != err {
		return 0, fmt.Errorf("i2cRead(): %v", err)
	}
	return (uint16(buf[0]) << 8) | uint16(buf[1]), nil
}

// WriteRegister writes val big-endian to the 16-bit register at index reg
// on the device at addr, implementing the Bus primitive.
func (b *Bridge) WriteRegister(addr Addr, reg uint8, val uint16) error {
	out := []byte{reg, byte(val >> 8), byte(val & 0xFF)}
	if err := b.i2cWrite(true, addr, out); nil != err {
		return fmt.Errorf("i2cWrite(): %v", err)
	}
	return nil
}

// ReadBytes writes the address pointer ptr (when non-empty) and reads n
// bytes back with a repeated start, implementing the Bus primitive.
func (b *Bridge) ReadBytes(addr Addr, ptr []byte, n int) ([]byte, error) {
	rep := false
	if len(ptr) > 0 {
		if err := b.i2cWrite(false, addr, ptr); nil != err {
			return nil, fmt.Errorf("i2cWrite(): %v", err)
		}
		rep = true
	}
	buf, err := b.i2cRead(rep, addr, n)
	if nil != err {
		return nil, fmt.Errorf("i2cRead(): %v", err)
	}
	return buf, nil
}

// WriteBytes writes ptr followed by data to the device at addr in one
// transaction, implementing the Bus primitive. With empty ptr and data it
// degenerates to an address-only probe, succeeding iff the device ACKs.
func (b *Bridge) WriteBytes(addr Addr, ptr []byte, data []byte) error {
	out := make([]byte, 0, len(ptr)+len(data))
	out = append(out, ptr...)
	out = append(out, data...)
	if err := b.i2cWrite(true, addr, out); nil != err {
		return fmt.Errorf("i2cWrite(): %v", err)
	}
	return nil
}

// ScanBus probes every address in [start, stop] and returns those that
// acknowledge. Reserved address ranges are the caller's concern.
//
// Returns an error only if the given range is invalid; unacknowledged
// addresses are skipped silently.
func (b *Bridge) ScanBus(start Addr, stop Addr) ([]Addr, error) {

	if ok, err := b.valid(); !ok {
		return nil, err
	}
	if start > stop || stop > AddrMax {
		return nil, fmt.Errorf("invalid address range [0x%02X, 0x%02X]", start, stop)
	}

	var found []Addr
	for addr := start; addr <= stop; addr++ {
		if err := b.WriteBytes(addr, nil, nil); nil == err {
			found = append(found, addr)
		}
	}
	return found, nil
}

// sramGet reads the byte interval [start, stop] from the current SRAM
// configuration response.
func (b *Bridge) sramGet(start byte, stop byte) ([]byte, error) {
	if (start > stop) || (stop >= msgSz) {
		return nil, fmt.Errorf("invalid byte range: [%d, %d]", start, stop)
	}
	rsp, err := b.send(cmdSRAMGet, makeMsg())
	if nil != err {
		return nil, fmt.Errorf("send(): %v", err)
	}
	return rsp[start : stop+1], nil
}

// SetPinDirection configures GP pin for GPIO operation with the given
// direction, preserving the other pins' settings, implementing the
// PinDriver primitive.
//
// Returns an error if the pin index is invalid, the current configuration
// could not be read, or the new configuration could not be sent.
func (b *Bridge) SetPinDirection(pin uint8, dir Direction) error {

	if ok, err := b.valid(); !ok {
		return err
	}
	if pin >= PinCount {
		return fmt.Errorf("invalid GPIO pin: %d", pin)
	}

	cur, err := b.sramGet(22, 25)
	if nil != err {
		return fmt.Errorf("sramGet(): %v", err)
	}

	// the SRAM set command rewrites all four GP designations at once, so
	// carry the current settings and alter only the selected pin
	cmd := makeMsg()
	cmd[7] = 0xFF
	cmd[8] = cur[0]
	cmd[9] = cur[1]
	cmd[10] = cur[2]
	cmd[11] = cur[3]
	cmd[8+pin] = byte(dir) << 3 // GPIO mode (0), direction bit 3

	if _, err := b.send(cmdSRAMSet, cmd); nil != err {
		return fmt.Errorf("send(): %v", err)
	}
	return nil
}

// PinDirection reads the configured direction of GP pin, implementing the
// PinDriver primitive.
func (b *Bridge) PinDirection(pin uint8) (Direction, error) {
	if ok, err := b.valid(); !ok {
		return DirIn, err
	}
	if pin >= PinCount {
		return DirIn, fmt.Errorf("invalid GPIO pin: %d", pin)
	}
	rsp, err := b.sramGet(22, 25)
	if nil != err {
		return DirIn, fmt.Errorf("sramGet(): %v", err)
	}
	return Direction((rsp[pin] >> 3) & 0x01), nil
}

// SetPinLevel drives GP pin to the given level, forcing output direction,
// implementing the PinDriver primitive.
func (b *Bridge) SetPinLevel(pin uint8, lvl Level) error {

	if ok, err := b.valid(); !ok {
		return err
	}
	if pin >= PinCount {
		return fmt.Errorf("invalid GPIO pin: %d", pin)
	}

	cmd := makeMsg()
	i := 2 + 4*pin
	cmd[i+0] = 0xFF // alter output value
	cmd[i+1] = byte(lvl)
	cmd[i+2] = 0xFF // alter direction (to output)
	cmd[i+3] = byte(DirOut)

	if _, err := b.send(cmdGPIOSet, cmd); nil != err {
		return fmt.Errorf("send(): %v", err)
	}
	return nil
}

// PinLevel reads the current digital level of GP pin, implementing the
// PinDriver primitive.
//
// Returns an error if the pin is not configured for GPIO operation.
func (b *Bridge) PinLevel(pin uint8) (Level, error) {

	if ok, err := b.valid(); !ok {
		return LevelLow, err
	}
	if pin >= PinCount {
		return LevelLow, fmt.Errorf("invalid GPIO pin: %d", pin)
	}

	rsp, err := b.send(cmdGPIOGet, makeMsg())
	if nil != err {
		return LevelLow, fmt.Errorf("send(): %v", err)
	}
	i := 2 + 2*pin
	if 0xEE == rsp[i] {
		return LevelLow, fmt.Errorf("pin not in GPIO mode: %d", pin)
	}
	if rsp[i] > 0 {
		return LevelHigh, nil
	}
	return LevelLow, nil
}
