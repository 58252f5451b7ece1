// Package ifd implements the reader framing layer (spec layer 1): a
// byte-oriented request/response protocol addressed per slot by a running
// checksum, carrying status, activation, reset, baud/parity/LED control,
// and the memory-card primitives on top of a transport.SerialTransport.
//
// Every exported method issues exactly one framed command (or a short,
// fixed sequence of them) and returns an *errs.Error classified per the
// closed taxonomy: io_error for transport failures, chk_error when the
// reader's single status byte isn't 0x01, param_error for bad arguments,
// unsupported for Kartenzwerg-only restrictions.
package ifd

import (
	"log"
	"time"

	"github.com/syntech-pro/towitoko-go/errs"
	"github.com/syntech-pro/towitoko-go/transport"
)

// Slot identifies which of a dual-slot reader's card sockets a Framer
// drives. The value doubles as the checksum seed for every command issued
// on that slot.
type Slot byte

const (
	SlotA Slot = 0
	SlotB Slot = 1
)

// ReaderType is the reader model reported by GetReaderInfo.
type ReaderType byte

const (
	Unknown ReaderType = iota
	ChipdriveExtII
	ChipdriveExtI
	ChipdriveIntern
	ChipdriveMicro
	KartenzwergII
	Kartenzwerg
)

func (t ReaderType) String() string {
	switch t {
	case ChipdriveExtII:
		return "Chipdrive Extern II"
	case ChipdriveExtI:
		return "Chipdrive Extern I"
	case ChipdriveIntern:
		return "Chipdrive Intern"
	case ChipdriveMicro:
		return "Chipdrive Micro"
	case KartenzwergII:
		return "Kartenzwerg II"
	case Kartenzwerg:
		return "Kartenzwerg"
	default:
		return "Unknown"
	}
}

// readerTypeCodes maps the raw status byte GetReaderInfo returns to a
// ReaderType. The codes are the driver's own convention, not an ISO or
// vendor-published table, so they're named constants rather than magic
// numbers scattered through the probe logic.
var readerTypeCodes = map[byte]ReaderType{
	0x01: ChipdriveExtII,
	0x02: ChipdriveExtI,
	0x03: ChipdriveIntern,
	0x04: ChipdriveMicro,
	0x05: KartenzwergII,
	0x06: Kartenzwerg,
}

// LEDColor is one of the four colors set_led accepts.
type LEDColor byte

const (
	LEDRed LEDColor = iota
	LEDGreen
	LEDYellow
	LEDOff
)

var ledCodes = map[LEDColor]byte{
	LEDRed:    0x01,
	LEDGreen:  0x02,
	LEDYellow: 0x03,
	LEDOff:    0x00,
}

// ICCType is a memory-card bus family, used by the memory-card address
// and PIN primitives to pick the right command template.
type ICCType int

const (
	I2CShort ICCType = iota
	I2CLong
	Wire2
	Wire3
)

const (
	clockRate     = 372 * 9600 // Hz; fixed for every Towitoko-family reader
	maxBaudrate   = 115200
	maxTransmit   = 255 // bytes per Transmit header chunk
	pageSize      = 15  // ReadBuffer/WriteBuffer burst size (PS)
	pinSize       = 3   // bytes in a 2-wire PIN buffer
	highBaudBreak = 115200
)

// Timings carries the per-character and per-block delay/timeout offsets
// the ICC layer derives from the card's ATR (WWT, guard time) and pushes
// down before issuing Transmit/Receive so the framer can pace the line
// correctly. A zero Timings behaves like the reader's own defaults.
type Timings struct {
	CharDelay   time.Duration
	BlockDelay  time.Duration
	CharTimeout time.Duration
	BlockTimeout time.Duration
}

// Info is the reader identity snapshot GetReaderInfo populates: broader
// than the bare type/firmware pair the original driver exposes, since
// callers (the slot orchestrator, diagnostics) want a single value to log
// rather than five separate accessor calls.
type Info struct {
	Type        ReaderType
	Firmware    byte
	Description string
	Slot        Slot
	NumSlots    int
	ClockRate   int
	MaxBaudrate int
}

// Framer drives one slot of a Towitoko-protocol reader over a
// transport.SerialTransport. It is not safe for concurrent use from
// multiple goroutines; the slot orchestrator above it serializes access.
type Framer struct {
	tr       transport.SerialTransport
	slot     Slot
	readerType ReaderType
	firmware byte

	delay        time.Duration
	timeout      time.Duration
	atrTimeout   time.Duration
}

const (
	defaultDelay      = 0
	defaultTimeout    = 1000 * time.Millisecond
	defaultATRTimeout = 400 * time.Millisecond
	atrMinLength      = 1
)

// New returns a Framer bound to tr but not yet initialized. Call Open to
// bring the line up and identify the reader.
func New(tr transport.SerialTransport) *Framer {
	return &Framer{
		tr:         tr,
		delay:      defaultDelay,
		timeout:    defaultTimeout,
		atrTimeout: defaultATRTimeout,
	}
}

// Open sets the line to the reader's default 9600bps/8E2 shape, pins slot,
// negotiates the reader's native baudrate and parity, and reads back the
// reader's type and firmware byte. It is the Go analogue of
// IFD_Towitoko_Init.
func (f *Framer) Open(slot Slot) *errs.Error {
	if slot != SlotA && slot != SlotB {
		return errs.New(errs.ParamError, "ifd.Open")
	}

	props := transport.Properties{
		InputBaud: clockRateDefaultBaud, OutputBaud: clockRateDefaultBaud,
		Bits: 8, Parity: transport.ParityEven, StopBits: 2,
		DTR: transport.High, RTS: transport.High,
	}
	if err := f.tr.SetProperties(props); err != nil {
		log.Printf("[ERROR] ifd: Open: set default properties: %s", err)
		return errs.Wrap(errs.IOError, "ifd.Open", err)
	}

	f.slot = slot
	f.readerType = Unknown

	if e := f.SetBaudrate(clockRateDefaultBaud); e != nil {
		f.clear()
		return e
	}
	if e := f.SetParity(transport.ParityEven); e != nil {
		f.clear()
		return e
	}
	if e := f.getReaderInfo(); e != nil {
		f.clear()
		return e
	}

	if f.readerType == Kartenzwerg {
		props.Bits = 8
		props.Parity = transport.ParityEven
		props.StopBits = 2
		if err := f.tr.SetProperties(props); err != nil {
			f.clear()
			return errs.Wrap(errs.IOError, "ifd.Open", err)
		}
	}

	log.Printf("[INFO] ifd: slot %d ready: %s firmware %02X", f.slot, f.readerType, f.firmware)
	return nil
}

const clockRateDefaultBaud = 9600

func (f *Framer) clear() {
	f.slot = 0
	f.readerType = Unknown
	f.firmware = 0
}

// Close releases the underlying transport by calling its Close, whether
// or not Open was ever called on this Framer.
func (f *Framer) Close() error {
	return f.tr.Close()
}

// Info returns the reader identity snapshot gathered by Open.
func (f *Framer) Info() Info {
	numSlots := 1
	if f.readerType == ChipdriveExtII {
		numSlots = 2
	}
	return Info{
		Type:        f.readerType,
		Firmware:    f.firmware,
		Description: f.description(),
		Slot:        f.slot,
		NumSlots:    numSlots,
		ClockRate:   clockRate,
		MaxBaudrate: maxBaudrate,
	}
}

func (f *Framer) description() string {
	tag := "UNK"
	switch f.readerType {
	case ChipdriveExtII:
		tag = "CE2"
	case ChipdriveExtI:
		tag = "CE1"
	case ChipdriveIntern:
		tag = "CDI"
	case ChipdriveMicro:
		tag = "CDM"
	case KartenzwergII:
		tag = "KZ2"
	case Kartenzwerg:
		tag = "KZ1"
	}
	return tag + hex2(f.firmware)
}

func hex2(b byte) string {
	const digits = "0123456789ABCDEF"
	return string([]byte{digits[b>>4], digits[b&0x0F]})
}

// Type, Firmware, SlotIndex, NumSlots, ClockRate and MaxBaud mirror the
// original driver's individual accessors for callers that want a single
// field rather than the whole Info snapshot.
func (f *Framer) Type() ReaderType { return f.readerType }
func (f *Framer) Firmware() byte   { return f.firmware }
func (f *Framer) SlotIndex() Slot  { return f.slot }

func (f *Framer) NumSlots() int {
	if f.readerType == ChipdriveExtII {
		return 2
	}
	return 1
}

func (f *Framer) ClockRate() int   { return clockRate }
func (f *Framer) MaxBaud() int     { return maxBaudrate }

// getReaderInfo issues the {0x00, 0x01} identity request and records the
// two status bytes it returns (reader type, firmware).
func (f *Framer) getReaderInfo() *errs.Error {
	buf := []byte{0x00, 0x01}
	buf[1] = checksumStep(buf[:1], byte(f.slot))

	if _, err := f.tr.Write(buf, f.delay); err != nil {
		log.Printf("[ERROR] ifd: GetReaderInfo: write: %s", err)
		return errs.Wrap(errs.IOError, "ifd.GetReaderInfo", err)
	}
	status := make([]byte, 3)
	if _, err := f.tr.Read(status, f.timeout); err != nil {
		return errs.Wrap(errs.IOError, "ifd.GetReaderInfo", err)
	}

	f.readerType = readerTypeCodes[status[0]]
	f.firmware = status[1]
	return nil
}

// GetStatus reports the reader's card-present/card-changed status byte.
// A single retry absorbs the read timeout that legitimately happens right
// around card insertion/removal, mirroring the original driver's comment
// on the same race.
func (f *Framer) GetStatus() (byte, *errs.Error) {
	buf := []byte{0x03, 0x07}
	if e := f.prepareCommand(buf); e != nil {
		return 0, e
	}

	status := make([]byte, 2)
	if e := f.writeRead(buf, status); e != nil {
		if e := f.prepareCommand(buf); e != nil {
			return 0, e
		}
		if e2 := f.writeRead(buf, status); e2 != nil {
			return 0, e2
		}
	}
	return status[0], nil
}

func (f *Framer) writeRead(cmd, status []byte) *errs.Error {
	return f.writeReadOp("ifd.writeRead", cmd, status)
}

func (f *Framer) writeReadOp(op string, cmd, status []byte) *errs.Error {
	if _, err := f.tr.Write(cmd, f.delay); err != nil {
		return errs.Wrap(errs.IOError, op, err)
	}
	if _, err := f.tr.Read(status, f.timeout); err != nil {
		return errs.Wrap(errs.IOError, op, err)
	}
	return nil
}

// ack issues cmd and expects exactly one status byte equal to 0x01.
func (f *Framer) ack(op string, cmd []byte) *errs.Error {
	if e := f.prepareCommand(cmd); e != nil {
		return e
	}
	status := make([]byte, 1)
	if e := f.writeReadOp(op, cmd, status); e != nil {
		return e
	}
	if status[0] != 0x01 {
		return errs.New(errs.ChkError, op)
	}
	return nil
}

// ActivateICC powers up the card contacts.
func (f *Framer) ActivateICC() *errs.Error {
	buf := []byte{0x60, 0x0F, 0x00}
	log.Printf("[INFO] ifd: activating card on slot %d", f.slot)
	return f.ack("ifd.ActivateICC", buf)
}

// DeactivateICC powers down the card contacts.
func (f *Framer) DeactivateICC() *errs.Error {
	buf := []byte{0x61, 0x0F, 0x00}
	log.Printf("[INFO] ifd: deactivating card on slot %d", f.slot)
	return f.ack("ifd.DeactivateICC", buf)
}
