// Package powerbox provides a host-side driver stack for a bench
// current/voltage measurement fixture built around a TI INA226 bidirectional
// current sense monitor and a 24Cxx-series I²C EEPROM, both reached through a
// USB-attached I²C/GPIO bridge.
//
// The package is organized leaf-first: Bus is the abstract I²C primitive the
// core consumes, Bridge implements it (and PinDriver) over USB HID,
// RegisterDevice layers typed register access on top of Bus, and INA226,
// Calibrator, EEPROM, and GPIO implement the measurement, range-calibration,
// identity-storage, and discrete-pin concerns of the fixture.
//
// All operations are synchronous and block the calling goroutine until the
// device responds or a bounded poll budget elapses. The package assumes a
// single logical session owns the hardware; callers sharing a device across
// goroutines must serialize access themselves.
//
// INA226 datasheet: https://www.ti.com/lit/gpn/ina226
//
// USB HID support provided by: https://github.com/karalabe/hid
package powerbox

import "errors"

// Sentinel errors classifying every failure the stack can surface. Callers
// distinguish kinds with errors.Is; each operation wraps these with
// call-site context.
var (
	// ErrDeviceUnresponsive indicates a bus-level failure: the device did
	// not acknowledge, or the underlying transport failed outright.
	ErrDeviceUnresponsive = errors.New("device unresponsive")

	// ErrInvalidCalibration indicates calibration parameters that are
	// non-positive or produce a calibration register value outside the
	// representable 16-bit range.
	ErrInvalidCalibration = errors.New("invalid calibration parameters")

	// ErrConversionTimeout indicates the conversion-ready flag never set
	// within the configured poll budget.
	ErrConversionTimeout = errors.New("conversion timed out")

	// ErrWriteTimeout indicates an EEPROM write cycle never completed
	// within the configured poll budget.
	ErrWriteTimeout = errors.New("write cycle timed out")

	// ErrStaleReading indicates a measurement was requested before any
	// conversion had been triggered or continuous mode configured.
	ErrStaleReading = errors.New("no completed conversion")

	// ErrOutOfRange indicates an EEPROM access beyond the declared
	// capacity of the part.
	ErrOutOfRange = errors.New("address out of range")

	// ErrIdentityTooLong indicates a board identity string exceeding the
	// fixed record size.
	ErrIdentityTooLong = errors.New("board identity too long")

	// ErrInvalidMeasurement indicates averaged samples unusable for the
	// equivalent-resistance computation (zero bus voltage, or a ratio
	// sign inconsistent with a valid resistor network).
	ErrInvalidMeasurement = errors.New("invalid measurement")

	// ErrMissingParameter indicates a required parameter was omitted
	// (e.g. auto range mode without a nominal bus voltage).
	ErrMissingParameter = errors.New("missing parameter")
)
