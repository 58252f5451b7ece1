package ifd

import (
	"errors"
	"testing"
	"time"

	"github.com/syntech-pro/towitoko-go/errs"
	"github.com/syntech-pro/towitoko-go/transport"
)

// fakeTransport is a hand-written transport.SerialTransport double that
// answers writes with a scripted sequence of reads, recording everything
// it saw for assertions. It has no notion of real time; Read/Write never
// block.
type fakeTransport struct {
	props   transport.Properties
	opened  bool
	writes  [][]byte
	reads   [][]byte // each call to Read pops the next slice off the front
	failNth int       // if > 0, the Nth Write/Read call fails
	calls   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		props: transport.Properties{InputBaud: 9600, OutputBaud: 9600, Bits: 8, Parity: transport.ParityEven, StopBits: 2},
	}
}

func (f *fakeTransport) Open(string) error { f.opened = true; return nil }
func (f *fakeTransport) Close() error      { f.opened = false; return nil }

func (f *fakeTransport) Properties() (transport.Properties, error) { return f.props, nil }

func (f *fakeTransport) SetProperties(p transport.Properties) error {
	f.props = p
	return nil
}

func (f *fakeTransport) Read(buf []byte, _ time.Duration) (int, error) {
	f.calls++
	if f.failNth != 0 && f.calls == f.failNth {
		return 0, errors.New("fake read failure")
	}
	if len(f.reads) == 0 {
		return 0, errors.New("fake transport: no scripted read left")
	}
	next := f.reads[0]
	f.reads = f.reads[1:]
	n := copy(buf, next)
	return n, nil
}

func (f *fakeTransport) Write(data []byte, _ time.Duration) (int, error) {
	f.calls++
	if f.failNth != 0 && f.calls == f.failNth {
		return 0, errors.New("fake write failure")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.writes = append(f.writes, cp)
	return len(data), nil
}

func TestFramerActivateICC(t *testing.T) {
	tr := newFakeTransport()
	tr.reads = [][]byte{{0x01}}
	f := New(tr)
	f.slot = SlotA

	if e := f.ActivateICC(); e != nil {
		t.Fatalf("ActivateICC: %v", e)
	}
	if len(tr.writes) != 1 {
		t.Fatalf("expected 1 write, got %d", len(tr.writes))
	}
	got := tr.writes[0]
	if got[0] != 0x60 || got[1] != 0x0F {
		t.Fatalf("unexpected activate frame: % X", got)
	}
	want := checksumStep(got[:2], 0x00)
	if got[2] != want {
		t.Fatalf("activate checksum = %#x, want %#x", got[2], want)
	}
}

func TestFramerActivateICCChkError(t *testing.T) {
	tr := newFakeTransport()
	tr.reads = [][]byte{{0x00}} // not the expected 0x01 ack
	f := New(tr)

	e := f.ActivateICC()
	if e == nil || e.Kind != errs.ChkError {
		t.Fatalf("ActivateICC with bad ack = %v, want chk_error", e)
	}
}

func TestFramerSetBaudrateNoopWhenUnchanged(t *testing.T) {
	tr := newFakeTransport()
	f := New(tr)

	if e := f.SetBaudrate(9600); e != nil {
		t.Fatalf("SetBaudrate(9600) from default: %v", e)
	}
	if len(tr.writes) != 0 {
		t.Fatalf("SetBaudrate at current rate should not touch the line, wrote %d frames", len(tr.writes))
	}
}

func TestFramerSetBaudrateRejectsAboveMax(t *testing.T) {
	tr := newFakeTransport()
	f := New(tr)

	e := f.SetBaudrate(230400)
	if e == nil || e.Kind != errs.ParamError {
		t.Fatalf("SetBaudrate(230400) = %v, want param_error", e)
	}
}

func TestFramerSetParityUnsupportedOnKartenzwerg(t *testing.T) {
	tr := newFakeTransport()
	f := New(tr)
	f.readerType = Kartenzwerg

	e := f.SetParity(transport.ParityOdd)
	if e == nil || e.Kind != errs.Unsupported {
		t.Fatalf("SetParity on Kartenzwerg = %v, want unsupported", e)
	}
}

func TestFramerGetReaderInfoDecodesType(t *testing.T) {
	tr := newFakeTransport()
	tr.reads = [][]byte{{0x03, 0x1A, 0x00}} // ChipdriveIntern, firmware 0x1A
	f := New(tr)

	if e := f.getReaderInfo(); e != nil {
		t.Fatalf("getReaderInfo: %v", e)
	}
	if f.readerType != ChipdriveIntern {
		t.Fatalf("readerType = %v, want ChipdriveIntern", f.readerType)
	}
	if f.firmware != 0x1A {
		t.Fatalf("firmware = %#x, want 0x1A", f.firmware)
	}
}

func TestFramerSetReadAddressRejectsUnknownType(t *testing.T) {
	tr := newFakeTransport()
	f := New(tr)

	e := f.SetReadAddress(ICCType(99), 0)
	if e == nil || e.Kind != errs.ParamError {
		t.Fatalf("SetReadAddress(unknown) = %v, want param_error", e)
	}
}

func TestFramerResetSyncICCNoATR(t *testing.T) {
	tr := newFakeTransport()
	tr.reads = [][]byte{
		{0x01},                      // reset ack
		{0xFF, 0, 0, 0, 0, 0, 0, 0}, // ReadBuffer data burst: 0xFF flags "no ATR"
		{0x00},                      // ReadBuffer trailing status byte
	}
	f := New(tr)

	atr, e := f.ResetSyncICC()
	if e != nil {
		t.Fatalf("ResetSyncICC: %v", e)
	}
	if atr != nil {
		t.Fatalf("ResetSyncICC() = %v, want nil (no ATR)", atr)
	}
}

func TestFramerResetSyncICCWithATR(t *testing.T) {
	tr := newFakeTransport()
	tr.reads = [][]byte{
		{0x01},
		{0x11, 0x22, 0x33, 0x44, 0, 0, 0, 0},
		{0x00},
	}
	f := New(tr)

	atr, e := f.ResetSyncICC()
	if e != nil {
		t.Fatalf("ResetSyncICC: %v", e)
	}
	want := []byte{0x11, 0x22, 0x33, 0x44}
	if len(atr) != 4 || atr[0] != want[0] || atr[3] != want[3] {
		t.Fatalf("ResetSyncICC() = % X, want % X", atr, want)
	}
}
