package powerbox

import (
	"fmt"
	"time"
)

// AlertState is the level observed on the range-detection alert line during
// calibration, or AlertUnread if the line was not consulted.
type AlertState int

// Constants representing each possible value of type AlertState.
const (
	AlertUnread AlertState = iota
	AlertHigh
	AlertLow
)

// String returns "unread", "high", or "low".
func (a AlertState) String() string {
	switch a {
	case AlertHigh:
		return "high"
	case AlertLow:
		return "low"
	}
	return "unread"
}

// Topology classifies the resistor network the measured equivalent
// resistance corresponds to.
type Topology int

// Constants representing each possible value of type Topology. The
// topology is Unknown whenever the alert line was not read.
const (
	TopologyUnknown Topology = iota

	// TopologyShuntOnly: the equivalent resistance is the shunt itself.
	TopologyShuntOnly

	// TopologyShuntBypass: the equivalent resistance is the parallel
	// combination of the shunt and an unknown bypass resistor. The
	// bypass value is not solved for, only flagged.
	TopologyShuntBypass
)

// String returns "unknown", "shunt-only", or "shunt-bypass".
func (t Topology) String() string {
	switch t {
	case TopologyShuntOnly:
		return "shunt-only"
	case TopologyShuntBypass:
		return "shunt-bypass"
	}
	return "unknown"
}

// EquivalentResistance is the result of one calibration run: the averaged
// voltages, the inferred equivalent resistance, and the optional alert-line
// interpretation.
type EquivalentResistance struct {
	RefOhms    float64 // known reference resistance supplied by the caller
	ShuntVolts float64 // arithmetic mean across samples
	BusVolts   float64 // arithmetic mean across samples
	Ohms       float64 // RefOhms × ShuntVolts / BusVolts
	Alert      AlertState
	Topology   Topology
}

// Calibrator infers the equivalent resistance of an unknown shunt/bypass
// network from a known reference resistor and repeated measurements,
// optionally disambiguating the topology with the alert line. Pins may be
// nil if the alert line is never read.
type Calibrator struct {
	Sense *INA226
	Pins  *GPIO
}

// Calibrate takes samples consecutive triggered measurements spaced by
// interval, averages the shunt and bus voltages, and computes the
// equivalent resistance refOhms × avgShunt / avgBus.
//
// When readAlert is true, the alert pin is sampled through a scoped
// input redirect (prior direction restored on every exit path): a high
// level means the equivalent resistance is the shunt itself, a low level
// means it is the parallel combination of the shunt and a bypass resistor.
// When readAlert is false — the default posture, since the pin may be
// driving an unrelated signal — the alert state is Unread and the topology
// Unknown regardless of the line's actual level.
//
// Returns an error wrapping ErrMissingParameter for non-positive refOhms
// or samples (or a readAlert request without pins), ErrInvalidMeasurement
// if the averaged bus voltage is zero or the voltage ratio is negative,
// and whatever TriggerConversion or ReadMeasurement surface.
func (c *Calibrator) Calibrate(refOhms float64, samples int, interval time.Duration,
	readAlert bool, alertPin string) (*EquivalentResistance, error) {

	if nil == c.Sense {
		return nil, fmt.Errorf("nil sense controller")
	}
	if refOhms <= 0 {
		return nil, fmt.Errorf("%w: reference resistance %g Ω", ErrMissingParameter, refOhms)
	}
	if samples <= 0 {
		return nil, fmt.Errorf("%w: sample count %d", ErrMissingParameter, samples)
	}
	if readAlert && nil == c.Pins {
		return nil, fmt.Errorf("%w: alert read requires a GPIO controller", ErrMissingParameter)
	}

	var sumShunt, sumBus float64
	for i := 0; i < samples; i++ {
		if i > 0 && interval > 0 {
			time.Sleep(interval)
		}
		if err := c.Sense.TriggerConversion(); nil != err {
			return nil, fmt.Errorf("TriggerConversion(): %w", err)
		}
		m, err := c.Sense.ReadMeasurement()
		if nil != err {
			return nil, fmt.Errorf("ReadMeasurement(): %w", err)
		}
		sumShunt += m.ShuntVolts
		sumBus += m.BusVolts
	}

	avgShunt := sumShunt / float64(samples)
	avgBus := sumBus / float64(samples)

	if 0 == avgBus {
		return nil, fmt.Errorf("%w: averaged bus voltage is zero", ErrInvalidMeasurement)
	}
	if avgShunt/avgBus < 0 || avgBus < 0 {
		// a negative ratio (or inverted rail) has no valid resistor
		// network interpretation
		return nil, fmt.Errorf("%w: shunt/bus ratio %g V / %g V",
			ErrInvalidMeasurement, avgShunt, avgBus)
	}

	res := &EquivalentResistance{
		RefOhms:    refOhms,
		ShuntVolts: avgShunt,
		BusVolts:   avgBus,
		Ohms:       refOhms * avgShunt / avgBus,
		Alert:      AlertUnread,
		Topology:   TopologyUnknown,
	}

	if readAlert {
		lvl, err := c.Pins.SampleInput(alertPin)
		if nil != err {
			return nil, fmt.Errorf("SampleInput(): %v", err)
		}
		if LevelHigh == lvl {
			res.Alert = AlertHigh
			res.Topology = TopologyShuntOnly
		} else {
			res.Alert = AlertLow
			res.Topology = TopologyShuntBypass
		}
	}

	return res, nil
}
