package ifd

import (
	"log"

	"github.com/syntech-pro/towitoko-go/errs"
	"github.com/syntech-pro/towitoko-go/transport"
)

const (
	atrMaxSize = 33 // ISO-7816-3 worst case: TS + 32 interface/historical bytes
)

// ResetAsyncICC cold-resets an async card and returns the raw ATR bytes
// read back from the line (unparsed; the atr package turns this into a
// structured ATR). It is unsupported on Kartenzwerg readers, which have
// no async capability at all.
//
// The reader accepts two reset polarities (active-low, active-high)
// crossed with two line parities (even, odd), and the card's actual
// convention isn't known ahead of time. Sessions try active-low then
// active-high at the current parity; if neither yields any bytes, the
// parity is flipped and the pair is retried, until either an ATR comes
// back or parity has cycled fully back to even with nothing received.
func (f *Framer) ResetAsyncICC() ([]byte, *errs.Error) {
	if f.readerType == Kartenzwerg {
		return nil, errs.New(errs.Unsupported, "ifd.ResetAsyncICC")
	}

	active := []byte{0x80, 0x6F, 0x00, 0x05, 0x00}
	passive := []byte{0xA0, 0x6F, 0x00, 0x05, 0x00}
	if e := f.prepareCommand(active); e != nil {
		return nil, e
	}
	if e := f.prepareCommand(passive); e != nil {
		return nil, e
	}

	parity := transport.ParityEven
	log.Printf("[INFO] ifd: resetting card on slot %d", f.slot)

	for {
		for _, buf := range [][]byte{passive, active} {
			if _, err := f.tr.Write(buf, f.delay); err != nil {
				return nil, errs.Wrap(errs.IOError, "ifd.ResetAsyncICC", err)
			}
			atr := f.readATRStream()
			if len(atr) >= atrMinLength {
				if parity == transport.ParityOdd {
					if e := f.SetParity(transport.ParityEven); e != nil {
						return nil, e
					}
				}
				return atr, nil
			}
		}

		if parity == transport.ParityEven {
			parity = transport.ParityOdd
		} else {
			parity = transport.ParityEven
		}
		if e := f.SetParity(parity); e != nil {
			return nil, e
		}
		if parity == transport.ParityEven {
			return nil, errs.New(errs.IOError, "ifd.ResetAsyncICC")
		}
	}
}

// readATRStream reads bytes one at a time, under the ATR-specific
// timeout, until a read times out; it returns whatever was collected.
func (f *Framer) readATRStream() []byte {
	buf := make([]byte, 0, atrMaxSize)
	for len(buf) < atrMaxSize {
		b := make([]byte, 1)
		if _, err := f.tr.Read(b, f.atrTimeout); err != nil {
			break
		}
		buf = append(buf, b[0])
	}
	return buf
}

// ResetSyncICC resets a synchronous memory card. Unlike the async path
// there's no convention to probe: the reader always replies with a single
// ack byte followed by an 8-byte block, the first four of which are the
// fixed-size synchronous ATR (ATR_Sync_New/Init in the original driver).
// If the reader reports no ATR (first byte 0xFF) ResetSyncICC returns a
// nil slice with no error: absence of an ATR is not a failure,
// it just means the icc layer above (icc.Probe) synthesizes one.
func (f *Framer) ResetSyncICC() ([]byte, *errs.Error) {
	buf := []byte{0x70, 0x80, 0x62, 0x0F, 0x00}
	if e := f.ack("ifd.ResetSyncICC", buf); e != nil {
		return nil, e
	}

	block := make([]byte, 8)
	if e := f.ReadBuffer(block); e != nil {
		return nil, e
	}
	if block[0] == 0xFF {
		return nil, nil
	}
	atr := make([]byte, 4)
	copy(atr, block[:4])
	return atr, nil
}
