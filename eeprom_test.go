package powerbox

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// newPart builds an EEPROM over a fresh simulated part, with the write
// poll loop tightened for test speed.
func newPart(t *testing.T, name string) (*EEPROM, *eepromSim) {
	t.Helper()
	part, ok := EEPROMParts[name]
	if !ok {
		t.Fatalf("unknown part %q", name)
	}
	sim := newEEPROMSim(EEPROMAddrDefault, part)
	e, err := NewEEPROM(sim, EEPROMAddrDefault, name)
	if nil != err {
		t.Fatalf("NewEEPROM(%q): %v", name, err)
	}
	e.PollDelay = 0
	return e, sim
}

func TestNewEEPROM(t *testing.T) {

	type TC struct {
		part string
		size int
		err  bool
	}

	tc := []TC{
		{part: "24C02", size: 256},
		{part: "24c32", size: 4096}, // case-insensitive
		{part: "24C256", size: 32768},
		{part: "24C512", err: true},
		{part: "", err: true},
	}

	for _, c := range tc {

		sim := newEEPROMSim(EEPROMAddrDefault, EEPROMParts["24C02"])
		e, err := NewEEPROM(sim, EEPROMAddrDefault, c.part)
		d := fmt.Sprintf("NewEEPROM(%q) == (%+v, %+v)", c.part, e, err)

		if c.err {
			if nil == e && nil != err {
				t.Logf("[ ] PASS: %s", d)
			} else {
				t.Errorf("[ ] FAIL: %s | want error", d)
			}
		} else {
			if nil != err || nil == e || e.Size() != c.size {
				t.Errorf("[ ] FAIL: %s | want size %d", d, c.size)
			} else {
				t.Logf("[ ] PASS: %s", d)
			}
		}
	}
}

func TestReadWrite(t *testing.T) {

	for _, name := range []string{"24C02", "24C04", "24C16", "24C32", "24C64", "24C256"} {

		e, sim := newPart(t, name)

		data := make([]byte, 2*e.Part().PageSize+3)
		for i := range data {
			data[i] = byte(i * 7)
		}

		// unaligned offset crossing two page boundaries: the writer must
		// split on pages or the simulated address counter wraps and
		// corrupts the page
		offset := e.Part().PageSize - 2
		if err := e.Write(offset, data); nil != err {
			t.Fatalf("%s: Write(): %v", name, err)
		}

		got, err := e.Read(offset, len(data))
		if nil != err {
			t.Fatalf("%s: Read(): %v", name, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("%s: read-back mismatch at page-crossing offset %d", name, offset)
		}

		// out-of-span bytes untouched
		if 0xFF != sim.mem[offset-1] || 0xFF != sim.mem[offset+len(data)] {
			t.Errorf("%s: write spilled outside [%d, %d)", name, offset, offset+len(data))
		}
	}
}

// A page-crossing write must equal the concatenation of its page-aligned
// halves.
func TestWritePageSplit(t *testing.T) {

	whole, _ := newPart(t, "24C02")
	split, _ := newPart(t, "24C02")

	data := []byte("0123456789ABCDEF")
	offset := 4 // crosses the 8-byte page boundary at 8

	if err := whole.Write(offset, data); nil != err {
		t.Fatalf("Write(): %v", err)
	}
	if err := split.Write(offset, data[:4]); nil != err {
		t.Fatalf("Write(): %v", err)
	}
	if err := split.Write(offset+4, data[4:]); nil != err {
		t.Fatalf("Write(): %v", err)
	}

	a, err := whole.Dump()
	if nil != err {
		t.Fatalf("Dump(): %v", err)
	}
	b, err := split.Dump()
	if nil != err {
		t.Fatalf("Dump(): %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("page-crossing write differs from aligned halves")
	}
}

func TestRange(t *testing.T) {

	type TC struct {
		offset int
		length int
		err    error
	}

	tc := []TC{
		{offset: 0, length: 256, err: nil},
		{offset: 255, length: 1, err: nil},
		{offset: 0, length: 0, err: nil},
		{offset: 255, length: 2, err: ErrOutOfRange},
		{offset: 256, length: 1, err: ErrOutOfRange},
		{offset: -1, length: 1, err: ErrOutOfRange},
		{offset: 0, length: 257, err: ErrOutOfRange},
	}

	for _, c := range tc {

		e, _ := newPart(t, "24C02")

		_, re := e.Read(c.offset, c.length)
		we := e.Write(c.offset, make([]byte, c.length))
		d := fmt.Sprintf("[%d, %d) on 24C02", c.offset, c.offset+c.length)

		if nil == c.err {
			if nil != re || nil != we {
				t.Errorf("[ ] FAIL: %s | read %v, write %v, want nil", d, re, we)
			}
		} else {
			if !errors.Is(re, c.err) || !errors.Is(we, c.err) {
				t.Errorf("[ ] FAIL: %s | read %v, write %v, want %v", d, re, we, c.err)
			}
		}
	}
}

func TestWriteCycleWait(t *testing.T) {

	e, sim := newPart(t, "24C02")
	e.MaxPolls = 5

	// each page write leaves the part busy for 3 probes: within budget
	sim.busyPolls = 3
	if err := e.Write(0, []byte("abcdefgh")); nil != err {
		t.Fatalf("Write() with 3-poll write cycle: %v", err)
	}

	// busy one probe past the budget
	sim.busyPolls = 6
	if err := e.Write(8, []byte("x")); !errors.Is(err, ErrWriteTimeout) {
		t.Errorf("Write() with 6-poll write cycle == %v, want ErrWriteTimeout", err)
	}
}

func TestBoardID(t *testing.T) {

	type TC struct {
		id   string
		part string
	}

	tc := []TC{
		{id: "PWR-BOX-001", part: "24C02"},
		{id: "PWR-BOX-001", part: "24C16"},
		{id: "PWR-BOX-001", part: "24C32"},
		{id: "PWR-BOX-001", part: "24C256"},
		{id: strings.Repeat("z", BoardIDMax-1), part: "24C02"}, // longest legal
		{id: "a", part: "24C16"},
	}

	for _, c := range tc {

		e, _ := newPart(t, c.part)

		if err := e.SetBoardID(c.id); nil != err {
			t.Fatalf("SetBoardID(%q) on %s: %v", c.id, c.part, err)
		}
		got, err := e.BoardID()
		if nil != err {
			t.Fatalf("BoardID() on %s: %v", c.part, err)
		}
		if got != c.id {
			t.Errorf("BoardID() on %s == %q, want %q", c.part, got, c.id)
		}
	}
}

func TestBoardIDBlank(t *testing.T) {

	// factory-fresh part reads all 0xFF
	e, sim := newPart(t, "24C02")
	if id, err := e.BoardID(); nil != err || "" != id {
		t.Errorf("BoardID() on blank part == (%q, %v), want empty", id, err)
	}

	// bulk-erased part reads all 0x00
	for i := range sim.mem {
		sim.mem[i] = 0
	}
	if id, err := e.BoardID(); nil != err || "" != id {
		t.Errorf("BoardID() on zeroed part == (%q, %v), want empty", id, err)
	}
}

func TestBoardIDClear(t *testing.T) {

	e, _ := newPart(t, "24C02")

	if err := e.SetBoardID("PWR-BOX-001"); nil != err {
		t.Fatalf("SetBoardID(): %v", err)
	}
	if err := e.SetBoardID(""); nil != err {
		t.Fatalf("SetBoardID(\"\"): %v", err)
	}
	if id, err := e.BoardID(); nil != err || "" != id {
		t.Errorf("BoardID() after clear == (%q, %v), want empty", id, err)
	}
}

func TestBoardIDTooLong(t *testing.T) {

	e, sim := newPart(t, "24C02")

	before := make([]byte, len(sim.mem))
	copy(before, sim.mem)

	// BoardIDMax bytes of text leaves no room for the terminator
	if err := e.SetBoardID(strings.Repeat("z", BoardIDMax)); !errors.Is(err, ErrIdentityTooLong) {
		t.Fatalf("SetBoardID() oversize == %v, want ErrIdentityTooLong", err)
	}
	if !bytes.Equal(before, sim.mem) {
		t.Errorf("oversize SetBoardID() modified the part")
	}
}

func TestProbeUnresponsive(t *testing.T) {

	part := EEPROMParts["24C02"]
	sim := newEEPROMSim(0x57, part) // different strap address
	e, err := NewEEPROM(sim, EEPROMAddrDefault, "24C02")
	if nil != err {
		t.Fatalf("NewEEPROM(): %v", err)
	}
	e.PollDelay = 0

	if err := e.Probe(); !errors.Is(err, ErrDeviceUnresponsive) {
		t.Errorf("Probe() at absent address == %v, want ErrDeviceUnresponsive", err)
	}
	if _, err := e.Read(0, 4); !errors.Is(err, ErrDeviceUnresponsive) {
		t.Errorf("Read() at absent address == %v, want ErrDeviceUnresponsive", err)
	}
}

func TestScanEEPROM(t *testing.T) {

	sim := &scanSim{present: map[Addr]bool{
		0x50: true,
		0x53: true,
		0x57: true,
		0x40: true, // sense range, must not appear
	}}

	found := ScanEEPROM(sim)
	want := []Addr{0x50, 0x53, 0x57}
	if len(found) != len(want) {
		t.Fatalf("ScanEEPROM() == %v, want %v", found, want)
	}
	for i := range want {
		if found[i] != want[i] {
			t.Fatalf("ScanEEPROM() == %v, want %v", found, want)
		}
	}
}
