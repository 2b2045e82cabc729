package powerbox

import (
	"fmt"
	"sort"
	"time"
)

// PinAlert is the reserved logical name for the range-detection alert
// line. Mapping it (and any other name) to a physical pin index is the
// caller's configuration concern.
const PinAlert = "ALERT"

// PinPower is the conventional logical name for the power-control line of
// the fixture.
const PinPower = "POWER"

// GPIO provides named-pin get/set/direction over a PinDriver, plus a
// pull-based watch primitive. It tracks the configured direction and the
// last level written to each output pin, so reading an output returns the
// cached level with no hardware traffic. Not safe for concurrent use.
type GPIO struct {
	drv  PinDriver
	pins map[string]uint8

	dir map[string]Direction
	out map[string]Level
}

// NewGPIO binds logical pin names to physical pin indices of drv.
//
// Returns an error if drv is nil or no pins are mapped.
func NewGPIO(drv PinDriver, pins map[string]uint8) (*GPIO, error) {
	if nil == drv {
		return nil, fmt.Errorf("nil PinDriver")
	}
	if 0 == len(pins) {
		return nil, fmt.Errorf("no pins mapped")
	}
	m := make(map[string]uint8, len(pins))
	for name, idx := range pins {
		m[name] = idx
	}
	return &GPIO{
		drv:  drv,
		pins: m,
		dir:  map[string]Direction{},
		out:  map[string]Level{},
	}, nil
}

// Pins returns the mapped logical pin names, sorted.
func (g *GPIO) Pins() []string {
	names := make([]string, 0, len(g.pins))
	for name := range g.pins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// index resolves a logical name to its physical pin index.
func (g *GPIO) index(name string) (uint8, error) {
	idx, ok := g.pins[name]
	if !ok {
		return 0, fmt.Errorf("unknown pin: %q", name)
	}
	return idx, nil
}

// SetDirection configures the named pin for input or output. Direction
// must be set before level operations are meaningful.
func (g *GPIO) SetDirection(name string, dir Direction) error {
	idx, err := g.index(name)
	if nil != err {
		return err
	}
	if err := g.drv.SetPinDirection(idx, dir); nil != err {
		return fmt.Errorf("SetPinDirection(): %v", err)
	}
	g.dir[name] = dir
	return nil
}

// Direction returns the configured direction of the named pin.
//
// Returns an error if the pin's direction has not been set through this
// controller.
func (g *GPIO) Direction(name string) (Direction, error) {
	if _, err := g.index(name); nil != err {
		return DirIn, err
	}
	dir, ok := g.dir[name]
	if !ok {
		return DirIn, fmt.Errorf("pin %q direction not configured", name)
	}
	return dir, nil
}

// SetLevel drives the named output pin to the given level.
//
// Returns an error if the pin is not configured as an output.
func (g *GPIO) SetLevel(name string, lvl Level) error {
	idx, err := g.index(name)
	if nil != err {
		return err
	}
	if dir, ok := g.dir[name]; !ok || DirOut != dir {
		return fmt.Errorf("pin %q not configured as output", name)
	}
	if err := g.drv.SetPinLevel(idx, lvl); nil != err {
		return fmt.Errorf("SetPinLevel(): %v", err)
	}
	g.out[name] = lvl
	return nil
}

// Level returns the current level of the named pin. For an output pin the
// last written level is returned without touching the hardware; for an
// input pin the line is read.
//
// Returns an error if the pin's direction has not been set.
func (g *GPIO) Level(name string) (Level, error) {
	idx, err := g.index(name)
	if nil != err {
		return LevelLow, err
	}
	dir, ok := g.dir[name]
	if !ok {
		return LevelLow, fmt.Errorf("pin %q direction not configured", name)
	}
	if DirOut == dir {
		return g.out[name], nil
	}
	lvl, err := g.drv.PinLevel(idx)
	if nil != err {
		return LevelLow, fmt.Errorf("PinLevel(): %v", err)
	}
	return lvl, nil
}

// Toggle inverts the level of the named output pin.
func (g *GPIO) Toggle(name string) error {
	lvl, err := g.Level(name)
	if nil != err {
		return err
	}
	if LevelHigh == lvl {
		return g.SetLevel(name, LevelLow)
	}
	return g.SetLevel(name, LevelHigh)
}

// SampleInput reads the named pin as an input through a scoped direction
// change: the pin is redirected to input only for the read, and its prior
// direction is restored on every exit path — for an output pin the cached
// level is driven again after restoration. A pin with no configured
// direction is left configured as input.
//
// This is the primitive the range calibrator uses to read the alert line
// without permanently repurposing a pin that may be driving another
// signal.
func (g *GPIO) SampleInput(name string) (Level, error) {

	idx, err := g.index(name)
	if nil != err {
		return LevelLow, err
	}

	prior, hadPrior := g.dir[name]

	if !hadPrior || DirIn != prior {
		if err := g.drv.SetPinDirection(idx, DirIn); nil != err {
			return LevelLow, fmt.Errorf("SetPinDirection(): %v", err)
		}
		g.dir[name] = DirIn
	}

	restore := func() {
		if hadPrior && DirOut == prior {
			// best effort: a pin we cannot restore is reported by the
			// next operation that touches it
			if err := g.drv.SetPinDirection(idx, DirOut); nil == err {
				g.dir[name] = DirOut
				if err := g.drv.SetPinLevel(idx, g.out[name]); nil != err {
					return
				}
			}
		}
	}
	defer restore()

	lvl, err := g.drv.PinLevel(idx)
	if nil != err {
		return LevelLow, fmt.Errorf("PinLevel(): %v", err)
	}
	return lvl, nil
}

// WatchEvent is one sample produced by a Watcher.
type WatchEvent struct {
	Time  time.Time
	Level Level
}

// Watcher is a pull-based producer of pin level samples. Each call to Next
// blocks for one sample at the watcher's interval; the caller cancels by
// simply not calling Next again — the watcher holds no goroutine and no
// buffer.
type Watcher struct {
	gpio        *GPIO
	pin         string
	interval    time.Duration
	changesOnly bool

	started bool
	last    Level
}

// Watch returns a Watcher producing samples of the named pin every
// interval. When changesOnly is set, Next skips samples equal to the
// previous one — except the first sample, which is always emitted.
//
// Returns an error if the pin is unknown or its direction has not been
// set.
func (g *GPIO) Watch(name string, interval time.Duration, changesOnly bool) (*Watcher, error) {
	if _, err := g.index(name); nil != err {
		return nil, err
	}
	if _, ok := g.dir[name]; !ok {
		return nil, fmt.Errorf("pin %q direction not configured", name)
	}
	return &Watcher{
		gpio:        g,
		pin:         name,
		interval:    interval,
		changesOnly: changesOnly,
	}, nil
}

// Next blocks until the next sample is due and returns it. The first call
// samples immediately.
func (w *Watcher) Next() (WatchEvent, error) {
	for {
		if w.started {
			time.Sleep(w.interval)
		}
		lvl, err := w.gpio.Level(w.pin)
		if nil != err {
			return WatchEvent{}, err
		}
		first := !w.started
		w.started = true
		changed := lvl != w.last
		w.last = lvl
		if first || !w.changesOnly || changed {
			return WatchEvent{Time: time.Now(), Level: lvl}, nil
		}
	}
}
