package slot

import (
	"errors"
	"testing"
	"time"

	"github.com/syntech-pro/towitoko-go/ifd"
	"github.com/syntech-pro/towitoko-go/transport"
)

// fakeTransport is the same hand-written transport.SerialTransport double
// used across this module's package tests.
type fakeTransport struct {
	props transport.Properties
	reads [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		props: transport.Properties{InputBaud: 9600, OutputBaud: 9600, Bits: 8, Parity: transport.ParityEven, StopBits: 2},
	}
}

func (f *fakeTransport) Open(string) error { return nil }
func (f *fakeTransport) Close() error      { return nil }

func (f *fakeTransport) Properties() (transport.Properties, error) { return f.props, nil }

func (f *fakeTransport) SetProperties(p transport.Properties) error {
	f.props = p
	return nil
}

func (f *fakeTransport) Read(buf []byte, _ time.Duration) (int, error) {
	if len(f.reads) == 0 {
		return 0, errors.New("fake transport: no scripted read left")
	}
	next := f.reads[0]
	f.reads = f.reads[1:]
	return copy(buf, next), nil
}

func (f *fakeTransport) Write(data []byte, _ time.Duration) (int, error) {
	return len(data), nil
}

// openedSlot scripts a bare ifd.Open (GetReaderInfo reporting a
// ChipdriveExtII) and returns a ready-to-Probe Slot.
func openedSlot(t *testing.T, cfg Config) (*Slot, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	tr.reads = [][]byte{
		// SetBaudrate(9600) is a no-op here: the fake transport already
		// reports 9600 as its current baud, so ifd.Open never issues the
		// set-baud command at all.
		{0x01},             // SetParity: best-effort, status read but ignored
		{0x01, 0x00, 0x00}, // GetReaderInfo: type=ChipdriveExtII, firmware=0x00
	}
	s, e := Open(tr, ifd.SlotA, cfg)
	if e != nil {
		t.Fatalf("Open: %s", e)
	}
	return s, tr
}

func TestSlotCommandOnEmptySlotReturnsCTBCS(t *testing.T) {
	s, _ := openedSlot(t, Config{})

	if s.State() != Empty {
		t.Fatalf("State() = %v, want Empty before any Probe", s.State())
	}

	raw, e := s.Command([]byte{0x00, 0xB0, 0x00, 0x00, 0x01})
	if e != nil {
		t.Fatalf("Command on empty slot: %s", e)
	}
	if len(raw) != 2 || raw[0] != 0x6F || raw[1] != 0x00 {
		t.Fatalf("Command on empty slot = % X, want 6F 00", raw)
	}
}

func TestSlotProbeSyncThenCommandRoutesToMCT(t *testing.T) {
	s, tr := openedSlot(t, Config{})

	tr.reads = append(tr.reads,
		[]byte{0x01},                                     // ActivateICC ack
		[]byte{0x01},                                     // ResetSyncICC ack
		[]byte{0x00, 0x0A, 0x00, 0x00, 0, 0, 0, 0},         // sync ATR block (Wire2)
		[]byte{0x00},                                     // ResetSyncICC discarded status
		[]byte{0x01},                                     // probeLength SetReadAddress ack
		[]byte{0x10, 0x00},                                // probeLength GetStatus, length bit set
		[]byte{0x01},                                     // probeLength final SetReadAddress(0) ack
	)

	if e := s.Probe(); e != nil {
		t.Fatalf("Probe: %s", e)
	}
	if s.State() != SyncCard {
		t.Fatalf("State() = %v, want SyncCard", s.State())
	}

	tr.reads = append(tr.reads,
		[]byte{0x01}, // ReadBinary: SetReadAddress ack
		[]byte{0xAA}, // ReadBinary: ReadBuffer data
		[]byte{0x00}, // ReadBinary: ReadBuffer discarded status
		[]byte{0x01}, // ReadBinary: settle DeactivateICC ack (Wire2 card)
	)

	raw, e := s.Command([]byte{0x00, 0xB0, 0x00, 0x00, 0x01})
	if e != nil {
		t.Fatalf("Command: %s", e)
	}
	if len(raw) != 3 || raw[0] != 0xAA || raw[1] != 0x90 || raw[2] != 0x00 {
		t.Fatalf("Command = % X, want AA 90 00", raw)
	}
}

func TestSlotReleaseReturnsToEmpty(t *testing.T) {
	s, tr := openedSlot(t, Config{})
	tr.reads = append(tr.reads,
		[]byte{0x01},
		[]byte{0x01},
		[]byte{0x00, 0x0A, 0x00, 0x00, 0, 0, 0, 0},
		[]byte{0x00},
		[]byte{0x01},
		[]byte{0x10, 0x00},
		[]byte{0x01},
	)
	if e := s.Probe(); e != nil {
		t.Fatalf("Probe: %s", e)
	}

	tr.reads = append(tr.reads, []byte{0x01}) // DeactivateICC ack
	if e := s.Release(); e != nil {
		t.Fatalf("Release: %s", e)
	}
	if s.State() != Empty {
		t.Fatalf("State() = %v after Release, want Empty", s.State())
	}
}

func TestSlotIsLastOnSlotAOfTwoSlotReader(t *testing.T) {
	s, _ := openedSlot(t, Config{})
	if s.IsLast() {
		t.Fatal("IsLast() = true for slot A of a ChipdriveExtII (2 slots); slot B is the last one")
	}
}
