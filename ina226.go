package powerbox

import (
	"fmt"
	"math"
	"time"
)

// Register indices of the INA226.
const (
	RegConfig    uint8 = 0x00
	RegShuntVolt uint8 = 0x01
	RegBusVolt   uint8 = 0x02
	RegPower     uint8 = 0x03
	RegCurrent   uint8 = 0x04
	RegCalib     uint8 = 0x05
	RegMaskEn    uint8 = 0x06
	RegAlertLim  uint8 = 0x07
	RegMfgID     uint8 = 0xFE
	RegDieID     uint8 = 0xFF
)

// Identity register contents of a genuine INA226.
const (
	MfgID = 0x5449 // "TI"
	DieID = 0x2260
)

// SenseAddrDefault is the INA226 slave address with both address pins
// grounded. The A0/A1 straps select any address in [0x40, 0x4F].
const SenseAddrDefault Addr = 0x40

// Fixed register LSB sizes defined by the chip.
const (
	shuntVoltLSB = 2.5e-6  // volts per count, signed register
	busVoltLSB   = 1.25e-3 // volts per count
	powerLSBMul  = 25.0    // power LSB = 25 × current LSB
)

// calScale is the constant numerator of the calibration register equation,
// CAL = 0.00512 / (currentLSB × Rshunt), fixed by the chip design.
const calScale = 0.00512

// AvgMode selects how many samples are collected and averaged per
// conversion result.
type AvgMode uint16

// Constants representing each possible value of type AvgMode.
const (
	Avg1       AvgMode = 0x0000 // (000b) -- default
	Avg4       AvgMode = 0x0200 // (001b)
	Avg16      AvgMode = 0x0400 // (010b)
	Avg64      AvgMode = 0x0600 // (011b)
	Avg128     AvgMode = 0x0800 // (100b)
	Avg256     AvgMode = 0x0A00 // (101b)
	Avg512     AvgMode = 0x0C00 // (110b)
	Avg1024    AvgMode = 0x0E00 // (111b)
	AvgDefault AvgMode = Avg16
)

// ConvTime selects the ADC conversion time for one sample. The total time
// for one result is the selected conversion time multiplied by the selected
// averaging count, once per enabled channel.
type ConvTime uint16

// Constants representing each possible value of type ConvTime, expressed at
// the bus-voltage field position (bits 6-8). shuntField shifts a value to
// the shunt-voltage field position (bits 3-5).
const (
	ConvTime140us   ConvTime = 0x0000 // (000b)
	ConvTime204us   ConvTime = 0x0040 // (001b)
	ConvTime332us   ConvTime = 0x0080 // (010b)
	ConvTime588us   ConvTime = 0x00C0 // (011b)
	ConvTime1p1ms   ConvTime = 0x0100 // (100b) -- default
	ConvTime2p116ms ConvTime = 0x0140 // (101b)
	ConvTime4p156ms ConvTime = 0x0180 // (110b)
	ConvTime8p244ms ConvTime = 0x01C0 // (111b)
	ConvTimeDefault ConvTime = ConvTime1p1ms
)

// shuntField relocates a ConvTime value from the bus field to the shunt
// field of the configuration word.
func shuntField(t ConvTime) uint16 { return uint16(t) >> 3 }

// OpMode selects which conversions are performed and whether they run
// continuously or once per trigger.
type OpMode uint16

// Constants representing each possible value of type OpMode.
const (
	ModePowerDown    OpMode = 0x0000
	ModeShuntTrig    OpMode = 0x0001
	ModeBusTrig      OpMode = 0x0002
	ModeShuntBusTrig OpMode = 0x0003
	ModeADCOff       OpMode = 0x0004
	ModeShuntCont    OpMode = 0x0005
	ModeBusCont      OpMode = 0x0006
	ModeShuntBusCont OpMode = 0x0007
	ModeDefault      OpMode = ModeShuntBusCont
)

// continuous reports whether the mode leaves conversions free-running.
func (m OpMode) continuous() bool { return m >= ModeShuntCont && m <= ModeShuntBusCont }

// configReset is the self-clearing reset bit of the configuration register,
// and configFixed the constant bit the datasheet requires set.
const (
	configReset uint16 = 0x8000
	configFixed uint16 = 0x4000
)

// maskCVRF is the conversion-ready flag in the Mask/Enable register. The
// flag clears when the register is read.
const maskCVRF uint16 = 0x0008

// Config holds the bit fields of the INA226 configuration register.
type Config struct {
	Avg       AvgMode
	BusTime   ConvTime
	ShuntTime ConvTime
	Mode      OpMode
}

// DefaultConfig mirrors the fixture's power-on configuration: 16-sample
// averaging, 1.1 ms conversions, continuous shunt and bus measurement.
func DefaultConfig() Config {
	return Config{
		Avg:       AvgDefault,
		BusTime:   ConvTimeDefault,
		ShuntTime: ConvTimeDefault,
		Mode:      ModeDefault,
	}
}

// word packs the configuration into its 16-bit register encoding.
func (c Config) word() uint16 {
	return configFixed | uint16(c.Avg) | uint16(c.BusTime) |
		shuntField(c.ShuntTime) | uint16(c.Mode)
}

// Calibration holds the shunt characteristics the current and power
// conversions are scaled by.
type Calibration struct {
	ShuntOhms      float64 // sense resistor value
	MaxCurrentAmps float64 // largest current expected through the shunt
}

// registerValue derives the current LSB and the calibration register
// encoding from the parameters.
//
// Returns an error wrapping ErrInvalidCalibration if either parameter is
// non-positive or the resulting register value is zero or exceeds 16 bits.
func (c Calibration) registerValue() (lsb float64, reg uint16, err error) {

	if c.ShuntOhms <= 0 {
		return 0, 0, fmt.Errorf("%w: shunt resistance %g Ω", ErrInvalidCalibration, c.ShuntOhms)
	}
	if c.MaxCurrentAmps <= 0 {
		return 0, 0, fmt.Errorf("%w: max current %g A", ErrInvalidCalibration, c.MaxCurrentAmps)
	}

	lsb = c.MaxCurrentAmps / 32768.0
	cal := math.Round(calScale / (lsb * c.ShuntOhms))
	if cal < 1 || cal > 0xFFFF {
		return 0, 0, fmt.Errorf("%w: register value %g not in [1, 65535]", ErrInvalidCalibration, cal)
	}
	return lsb, uint16(cal), nil
}

// RangeMode selects how the fixture's measurement range is interpreted.
type RangeMode int

// Range mode constants. Auto does not command any hardware range switch;
// it is an interpretation policy consulted during equivalent-resistance
// calibration.
const (
	RangeFixed RangeMode = iota
	RangeAuto
)

// String returns "fixed" or "auto".
func (m RangeMode) String() string {
	if RangeAuto == m {
		return "auto"
	}
	return "fixed"
}

// Measurement is an immutable snapshot of one conversion cycle, with all
// register contents converted to engineering units.
type Measurement struct {
	ShuntVolts float64   // voltage across the sense resistor (signed)
	BusVolts   float64   // rail voltage relative to ground
	LoadVolts  float64   // bus + shunt, the voltage seen by the load
	Amps       float64   // current through the shunt (signed)
	Watts      float64   // Amps × BusVolts
	Time       time.Time // host time the registers were read
}

// Default conversion-ready poll budget: polls × delay bounds every
// triggered conversion, covering the slowest averaging/conversion-time
// product the configuration register can express.
const (
	ConvPollMax   = 50
	ConvPollDelay = 20 * time.Millisecond
)

// resetSettle is the quiet period after a software reset before the chip
// accepts configuration.
const resetSettle = 10 * time.Millisecond

// INA226 owns all interaction with the sense chip's register set and holds
// the session's range mode. It is not safe for concurrent use.
type INA226 struct {
	dev *RegisterDevice

	// MaxPolls and PollDelay bound the conversion-ready wait in
	// TriggerConversion. Both default to the ConvPoll constants.
	MaxPolls  int
	PollDelay time.Duration

	cfg        Config
	shuntOhms  float64
	currentLSB float64
	calReg     uint16

	mode       RangeMode
	nominalBus float64

	ready bool
}

// NewINA226 binds a sense controller to the device at addr on bus. The
// controller is unusable for measurement until Configure succeeds.
func NewINA226(bus Bus, addr Addr) (*INA226, error) {
	dev, err := NewRegisterDevice(bus, addr)
	if nil != err {
		return nil, err
	}
	return &INA226{
		dev:       dev,
		MaxPolls:  ConvPollMax,
		PollDelay: ConvPollDelay,
		mode:      RangeFixed,
	}, nil
}

// Present verifies the device at the bound address identifies itself as an
// INA226 by its manufacturer and die ID registers.
func (s *INA226) Present() (bool, error) {
	mfg, err := s.dev.ReadU16(RegMfgID)
	if nil != err {
		return false, fmt.Errorf("ReadU16(): %w", err)
	}
	die, err := s.dev.ReadU16(RegDieID)
	if nil != err {
		return false, fmt.Errorf("ReadU16(): %w", err)
	}
	return (MfgID == mfg) && (DieID == die), nil
}

// Reset issues a software reset and waits for the chip to settle. All
// configuration and calibration state is lost and must be rewritten.
func (s *INA226) Reset() error {
	if err := s.dev.WriteU16(RegConfig, configReset); nil != err {
		return fmt.Errorf("WriteU16(): %w", err)
	}
	time.Sleep(resetSettle)
	s.ready = false
	return nil
}

// Configure writes the configuration register from cfg and computes and
// writes the calibration register from cal. A continuous-mode cfg leaves
// conversions free-running, so measurements may be read immediately;
// triggered modes require TriggerConversion before each read.
//
// Returns an error wrapping ErrInvalidCalibration if cal is out of range,
// or ErrDeviceUnresponsive if either register write fails.
func (s *INA226) Configure(cal Calibration, cfg Config) error {

	lsb, reg, err := cal.registerValue()
	if nil != err {
		return err
	}

	if err := s.dev.WriteU16(RegConfig, cfg.word()); nil != err {
		return fmt.Errorf("WriteU16(): %w", err)
	}
	if err := s.dev.WriteU16(RegCalib, reg); nil != err {
		return fmt.Errorf("WriteU16(): %w", err)
	}

	s.cfg = cfg
	s.shuntOhms = cal.ShuntOhms
	s.currentLSB = lsb
	s.calReg = reg
	s.ready = cfg.Mode.continuous()
	return nil
}

// CurrentLSB returns the amps-per-count scale derived by the last
// successful Configure, or 0 before one.
func (s *INA226) CurrentLSB() float64 { return s.currentLSB }

// CalibrationRegister returns the value written to the calibration register
// by the last successful Configure, or 0 before one.
func (s *INA226) CalibrationRegister() uint16 { return s.calReg }

// TriggerConversion initiates a single-shot shunt+bus conversion and polls
// the conversion-ready flag, waiting PollDelay between polls up to MaxPolls
// attempts.
//
// Returns an error wrapping ErrConversionTimeout if the flag never sets
// within the budget (a hung device and mis-set conversion-time fields are
// indistinguishable here), or ErrDeviceUnresponsive on bus failure.
func (s *INA226) TriggerConversion() error {

	trig := s.cfg
	trig.Mode = ModeShuntBusTrig
	if err := s.dev.WriteU16(RegConfig, trig.word()); nil != err {
		return fmt.Errorf("WriteU16(): %w", err)
	}
	s.cfg.Mode = ModeShuntBusTrig

	for poll := 0; poll < s.MaxPolls; poll++ {
		mask, err := s.dev.ReadU16(RegMaskEn)
		if nil != err {
			return fmt.Errorf("ReadU16(): %w", err)
		}
		if 0 != (mask & maskCVRF) {
			s.ready = true
			return nil
		}
		time.Sleep(s.PollDelay)
	}
	return fmt.Errorf("%w: conversion-ready flag not set after %d polls",
		ErrConversionTimeout, s.MaxPolls)
}

// ReadMeasurement reads the shunt-voltage, bus-voltage, and current
// registers and converts them to engineering units. The shunt-voltage and
// current registers are signed two's-complement; power is derived as
// current × bus voltage.
//
// Returns an error wrapping ErrStaleReading if called before a successful
// TriggerConversion or continuous-mode Configure, or ErrDeviceUnresponsive
// on bus failure.
func (s *INA226) ReadMeasurement() (Measurement, error) {

	if !s.ready {
		return Measurement{}, fmt.Errorf("%w: trigger a conversion or configure continuous mode first",
			ErrStaleReading)
	}

	shuntRaw, err := s.dev.ReadU16(RegShuntVolt)
	if nil != err {
		return Measurement{}, fmt.Errorf("ReadU16(): %w", err)
	}
	busRaw, err := s.dev.ReadU16(RegBusVolt)
	if nil != err {
		return Measurement{}, fmt.Errorf("ReadU16(): %w", err)
	}
	curRaw, err := s.dev.ReadU16(RegCurrent)
	if nil != err {
		return Measurement{}, fmt.Errorf("ReadU16(): %w", err)
	}

	shunt := float64(int16(shuntRaw)) * shuntVoltLSB
	bus := float64(busRaw) * busVoltLSB
	amps := float64(int16(curRaw)) * s.currentLSB

	return Measurement{
		ShuntVolts: shunt,
		BusVolts:   bus,
		LoadVolts:  bus + shunt,
		Amps:       amps,
		Watts:      amps * bus,
		Time:       time.Now(),
	}, nil
}

// SetRangeMode switches between fixed and auto range interpretation. Auto
// requires a positive nominal bus voltage, used only to interpret the
// alert-line state during calibration; it is never written to the chip.
// The transition is purely local state: no registers change beyond what
// Configure already set.
//
// Returns an error wrapping ErrMissingParameter if mode is RangeAuto and
// nominalBusVolts is not positive.
func (s *INA226) SetRangeMode(mode RangeMode, nominalBusVolts float64) error {
	if RangeAuto == mode && nominalBusVolts <= 0 {
		return fmt.Errorf("%w: auto range requires a nominal bus voltage", ErrMissingParameter)
	}
	s.mode = mode
	if RangeAuto == mode {
		s.nominalBus = nominalBusVolts
	} else {
		s.nominalBus = 0
	}
	return nil
}

// RangeMode returns the session's current range mode.
func (s *INA226) RangeMode() RangeMode { return s.mode }

// NominalBusVolts returns the nominal bus voltage carried by auto mode, or
// 0 in fixed mode.
func (s *INA226) NominalBusVolts() float64 { return s.nominalBus }

// ScanSense probes the INA226 strap address range [0x40, 0x4F] on bus and
// returns the addresses whose identity registers match a genuine part.
// Probe failures are treated as absent devices, not errors.
func ScanSense(bus Bus) []Addr {
	var found []Addr
	for a := SenseAddrDefault; a <= SenseAddrDefault+0x0F; a++ {
		s, err := NewINA226(bus, a)
		if nil != err {
			continue
		}
		if ok, err := s.Present(); nil == err && ok {
			found = append(found, a)
		}
	}
	return found
}
