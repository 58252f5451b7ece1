package syncproto

import (
	"errors"
	"testing"
	"time"

	"github.com/syntech-pro/towitoko-go/icc"
	"github.com/syntech-pro/towitoko-go/ifd"
	"github.com/syntech-pro/towitoko-go/transport"
)

// fakeTransport is the same hand-written transport.SerialTransport double
// ifd's own tests use: it answers writes with a scripted sequence of
// reads and never blocks.
type fakeTransport struct {
	props  transport.Properties
	writes [][]byte
	reads  [][]byte
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
	cp := make([]byte, len(data))
	copy(cp, data)
	f.writes = append(f.writes, cp)
	return len(data), nil
}

// scriptProbe appends the reads one icc.Probe of a 2-wire memory card
// costs: activation, a 4-byte sync ATR (H2=0x0A selects Wire2), and a
// length probe that immediately reports 256 bytes as the exceeded bound.
func scriptProbe(tr *fakeTransport, h3, h4 byte) {
	tr.reads = append(tr.reads,
		[]byte{0x01},                         // ActivateICC ack
		[]byte{0x01},                         // ResetSyncICC ack
		[]byte{0x00, 0x0A, h3, h4, 0, 0, 0, 0}, // ResetSyncICC data burst
		[]byte{0x00},                         // ResetSyncICC discarded status byte
		[]byte{0x01},                         // probeLength: SetReadAddress(256) ack
		[]byte{0x10, 0x00},                   // probeLength: GetStatus, length-exceeded bit set
		[]byte{0x01},                         // probeLength: final SetReadAddress(0) ack
	)
}

// probedCard builds a 2-wire, 256-byte card with the given ATR H3/H4,
// plus an activeState tracker that mirrors icc.Sync.Read/Write's
// reactivate-before/settle-after cycle so later helpers know whether the
// ICC needs an extra scripted activation before the next read.
func probedCard(t *testing.T, h3, h4 byte) (*Card, *fakeTransport, *activeState) {
	t.Helper()
	tr := newFakeTransport()
	scriptProbe(tr, h3, h4)

	f := ifd.New(tr)
	s, e := icc.Probe(f)
	if e != nil {
		t.Fatalf("icc.Probe: %s", e)
	}
	if s.Type != ifd.Wire2 || s.MemoryLen != 256 {
		t.Fatalf("probed type/length = %v/%d, want Wire2/256", s.Type, s.MemoryLen)
	}

	// icc.Probe leaves the ICC active on success.
	return New(s), tr, &activeState{active: true}
}

// activeState tracks whether the probed card's ICC is active right now,
// since a 2-wire icc.Sync deactivates after every Read/Write and must be
// reactivated (one extra scripted read) before the next one.
type activeState struct{ active bool }

// syncRead appends the reads one icc.Sync.Read call costs for the given
// reply bytes, given the ICC's current activation state, and updates it
// (a 2-wire card always ends a Read deactivated).
func (a *activeState) syncRead(tr *fakeTransport, data []byte) {
	if !a.active {
		tr.reads = append(tr.reads, []byte{0x01}) // reactivate: ActivateICC ack
	}
	tr.reads = append(tr.reads, []byte{0x01}) // SetReadAddress ack

	const burst = 15
	full := (len(data) / burst) * burst
	for p := 0; p < full; p += burst {
		tr.reads = append(tr.reads, data[p:p+burst], []byte{0x00})
	}
	if rem := len(data) % burst; rem != 0 {
		tr.reads = append(tr.reads, data[full:full+rem], []byte{0x00})
	}

	tr.reads = append(tr.reads, []byte{0x01}) // settle: DeactivateICC ack
	a.active = false
}

// tlvObject appends the reads one tlv.New parse of a single-byte-tag,
// short-form-length object costs: tag+length-byte header, the length
// byte again (tlv.New re-reads it separately), then the value.
func (a *activeState) tlvObject(tr *fakeTransport, tag, length byte, value []byte) {
	a.syncRead(tr, []byte{tag, length})
	a.syncRead(tr, []byte{length})
	a.syncRead(tr, value)
}

func TestCardSelectByFIDWholeCard(t *testing.T) {
	card, _, _ := probedCard(t, 0x00, 0x00)

	resp := card.Select(0x00, []byte{0x3F, 0x00})
	if !resp.Success() {
		t.Fatalf("Select 3F00: SW = %04X, want 9000", resp.SW())
	}
	if card.selectedAt != 0 || card.selectedLen != 256 {
		t.Fatalf("selected = [%d,+%d), want [0,+256)", card.selectedAt, card.selectedLen)
	}
}

func TestCardSelectByFIDDIRFile(t *testing.T) {
	card, tr, active := probedCard(t, 0x10, 0x84) // category indicator, dir ref = 4
	active.tlvObject(tr, tagSequence, 0x00, nil)

	resp := card.Select(0x00, []byte{0x2F, 0x00})
	if !resp.Success() {
		t.Fatalf("Select 2F00: SW = %04X, want 9000", resp.SW())
	}
	if card.selectedAt != 4 || card.selectedLen != 2 {
		t.Fatalf("selected = [%d,+%d), want [4,+2)", card.selectedAt, card.selectedLen)
	}
}

func TestCardSelectByFIDDIRFileNoCategoryIndicator(t *testing.T) {
	card, _, _ := probedCard(t, 0x00, 0x00)

	resp := card.Select(0x00, []byte{0x2F, 0x00})
	if resp.Success() || resp.SW() != 0x6A82 {
		t.Fatalf("Select 2F00 without a category indicator = %04X, want 6A82", resp.SW())
	}
}

func TestCardSelectByFIDATRFile(t *testing.T) {
	card, _, _ := probedCard(t, 0x10, 0x8A) // category indicator, dir ref = 10

	resp := card.Select(0x00, []byte{0x2F, 0x01})
	if !resp.Success() {
		t.Fatalf("Select 2F01: SW = %04X, want 9000", resp.SW())
	}
	if card.selectedAt != 4 || card.selectedLen != 6 {
		t.Fatalf("selected = [%d,+%d), want [4,+6)", card.selectedAt, card.selectedLen)
	}
}

func TestCardSelectByAIDMonoApp(t *testing.T) {
	aid := []byte{0x00, 0x2A}
	card, tr, active := probedCard(t, 0x10, 0x84) // category indicator, dir ref = 4
	active.tlvObject(tr, tagApplicationID, 0x02, aid)
	active.tlvObject(tr, 0x6F, 0x02, []byte{0xAA, 0xBB})

	resp := card.Select(0x04, aid)
	if !resp.Success() {
		t.Fatalf("Select by AID: SW = %04X, want 9000", resp.SW())
	}
	if card.selectedAt != 8 || card.selectedLen != 4 {
		t.Fatalf("selected = [%d,+%d), want [8,+4)", card.selectedAt, card.selectedLen)
	}
}

func TestCardSelectByAIDMismatch(t *testing.T) {
	card, tr, active := probedCard(t, 0x10, 0x84)
	active.tlvObject(tr, tagApplicationID, 0x02, []byte{0x00, 0x2A})

	resp := card.Select(0x04, []byte{0x00, 0xFF})
	if resp.Success() {
		t.Fatal("Select by AID: unexpectedly succeeded for a mismatching AID")
	}
	if resp.SW() != 0x6A82 {
		t.Fatalf("Select by AID mismatch SW = %04X, want 6A82", resp.SW())
	}
}

func TestCardReadBinaryPastEndOfFile(t *testing.T) {
	s := &icc.Sync{Type: ifd.Wire2, MemoryLen: 10}
	c := New(s)
	c.selectedAt = 8
	c.selectedLen = 2
	c.hasSelection = true

	data, resp := c.ReadBinary(5, 1)
	if data != nil || resp.SW() != 0x6282 {
		t.Fatalf("ReadBinary past EOF = %v/%04X, want nil/6282", data, resp.SW())
	}
}

func TestSWHelpers(t *testing.T) {
	if swBlocked().SW() != 0x6983 {
		t.Fatalf("swBlocked = %04X, want 6983", swBlocked().SW())
	}
	if swTrials(3).SW() != 0x63C3 {
		t.Fatalf("swTrials(3) = %04X, want 63C3", swTrials(3).SW())
	}
}

func TestCardVerifyUnsupportedOnI2C(t *testing.T) {
	s := &icc.Sync{Type: ifd.I2CShort}
	c := New(s)
	resp := c.Verify([]byte{1, 2, 3})
	if resp.Success() {
		t.Fatal("Verify on an I2C card should never succeed")
	}
}
