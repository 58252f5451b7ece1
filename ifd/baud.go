package ifd

import (
	"log"
	"time"

	"github.com/syntech-pro/towitoko-go/errs"
	"github.com/syntech-pro/towitoko-go/transport"
)

// quantum is one row of the reader's baud-rate quantum table: the upper
// bound (inclusive) of the bitrate range it covers, and the two quantum
// bytes the set-baud command encodes for that range.
type quantum struct {
	maxBaud int
	q1, q2  byte
}

// quantumTable is the reader's own 11-step bitrate ladder. Entries must
// stay in ascending maxBaud order; baudQuantum picks the first row whose
// bound covers the requested rate.
var quantumTable = []quantum{
	{1200, 0x60, 0x07},
	{2400, 0x2E, 0x03},
	{4800, 0x17, 0x05},
	{6975, 0x0F, 0x01},
	{9600, 0x0B, 0x02},
	{14400, 0x07, 0x01},
	{19200, 0x05, 0x02},
	{28800, 0x03, 0x00},
	{38400, 0x02, 0x00},
	{57600, 0x01, 0x00},
	{115200, 0x80, 0x00},
}

func baudQuantum(baud int) (quantum, bool) {
	for _, q := range quantumTable {
		if baud <= q.maxBaud {
			return q, true
		}
	}
	return quantum{}, false
}

const baudSettleDelay = 150 * time.Millisecond

// SetBaudrate renegotiates the line speed with the reader, then applies
// the same rate to the transport and lets the line settle. It is a no-op
// if the transport is already running at baud.
func (f *Framer) SetBaudrate(baud int) *errs.Error {
	if baud <= 0 || baud > maxBaudrate {
		return errs.New(errs.ParamError, "ifd.SetBaudrate")
	}

	props, err := f.tr.Properties()
	if err != nil {
		return errs.Wrap(errs.IOError, "ifd.SetBaudrate", err)
	}
	if props.OutputBaud == baud {
		return nil
	}

	q, ok := baudQuantum(baud)
	if !ok {
		return errs.New(errs.ParamError, "ifd.SetBaudrate")
	}

	buf := []byte{0x6E, q.q1, q.q1 ^ 0x5D, q.q2, 0x08, 0x00}
	if e := f.ack("ifd.SetBaudrate", buf); e != nil {
		return e
	}

	props.InputBaud = baud
	props.OutputBaud = baud
	if err := f.tr.SetProperties(props); err != nil {
		log.Printf("[ERROR] ifd: SetBaudrate: apply %d: %s", baud, err)
		return errs.Wrap(errs.IOError, "ifd.SetBaudrate", err)
	}

	time.Sleep(baudSettleDelay)
	log.Printf("[INFO] ifd: baud set to %d on slot %d", baud, f.slot)
	return nil
}

// SetParity renegotiates the line's parity. Kartenzwerg readers don't
// support this command at all, and even on readers that do, the reader's
// own ack status is not checked here: the original driver issues the
// command but leaves the status-byte check commented out, treating this
// as a best-effort line-level request rather than a checked ceremony.
func (f *Framer) SetParity(parity transport.Parity) *errs.Error {
	if f.readerType == Kartenzwerg {
		return errs.New(errs.Unsupported, "ifd.SetParity")
	}

	var code byte
	switch parity {
	case transport.ParityEven:
		code = 0x00
	case transport.ParityOdd:
		code = 0x01
	case transport.ParityNone:
		code = 0x02
	default:
		return errs.New(errs.ParamError, "ifd.SetParity")
	}

	buf := []byte{0x6F, code, 0x6A, 0x0F, 0x00}
	if e := f.prepareCommand(buf); e != nil {
		return e
	}
	if _, err := f.tr.Write(buf, f.delay); err != nil {
		return errs.Wrap(errs.IOError, "ifd.SetParity", err)
	}
	status := make([]byte, 1)
	if _, err := f.tr.Read(status, f.timeout); err != nil {
		return errs.Wrap(errs.IOError, "ifd.SetParity", err)
	}

	props, err := f.tr.Properties()
	if err != nil {
		return errs.Wrap(errs.IOError, "ifd.SetParity", err)
	}
	props.Parity = parity
	if err := f.tr.SetProperties(props); err != nil {
		return errs.Wrap(errs.IOError, "ifd.SetParity", err)
	}
	return nil
}

// SetLED drives the reader's status LED.
func (f *Framer) SetLED(color LEDColor) *errs.Error {
	code, ok := ledCodes[color]
	if !ok {
		return errs.New(errs.ParamError, "ifd.SetLED")
	}
	buf := []byte{0x6F, code, 0x6A, 0x0F, 0x00}
	return f.ack("ifd.SetLED", buf)
}
