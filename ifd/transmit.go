package ifd

import (
	"github.com/syntech-pro/towitoko-go/errs"
)

// Transmit sends size bytes to an async card, chunked into headers of at
// most maxTransmit bytes each (the header's length field is a single
// byte). The first byte of the first chunk honors BlockDelay, and every
// later byte in that chunk (and every byte of later chunks) honors
// CharDelay — unless the two are equal, in which case the whole chunk
// goes out in one write. Unsupported on Kartenzwerg.
func (f *Framer) Transmit(timings Timings, data []byte) *errs.Error {
	if f.readerType == Kartenzwerg {
		return errs.New(errs.Unsupported, "ifd.Transmit")
	}

	props, err := f.tr.Properties()
	if err != nil {
		return errs.Wrap(errs.IOError, "ifd.Transmit", err)
	}
	highBaud := props.OutputBaud > clockRateDefaultBaud

	charDelay := f.delay + timings.CharDelay
	blockDelay := f.delay + timings.BlockDelay

	sent := 0
	for sent < len(data) {
		toSend := len(data) - sent
		if toSend > maxTransmit {
			toSend = maxTransmit
		}

		header := []byte{0x6F, byte(toSend), 0x05, 0x00, 0xFE, 0xF8}
		if e := f.prepareCommand(header[:4]); e != nil {
			return e
		}
		n := 4
		if highBaud {
			n = 6
		}
		if _, err := f.tr.Write(header[:n], f.delay); err != nil {
			return errs.Wrap(errs.IOError, "ifd.Transmit", err)
		}

		chunk := data[sent : sent+toSend]
		if sent == 0 && blockDelay != charDelay {
			if _, err := f.tr.Write(chunk[:1], blockDelay); err != nil {
				return errs.Wrap(errs.IOError, "ifd.Transmit", err)
			}
			if len(chunk) > 1 {
				if _, err := f.tr.Write(chunk[1:], charDelay); err != nil {
					return errs.Wrap(errs.IOError, "ifd.Transmit", err)
				}
			}
		} else {
			if _, err := f.tr.Write(chunk, charDelay); err != nil {
				return errs.Wrap(errs.IOError, "ifd.Transmit", err)
			}
		}

		sent += toSend
	}
	return nil
}

// Receive reads len(data) bytes back from an async card. The first byte
// is read under BlockTimeout and the rest under CharTimeout, unless the
// two coincide, in which case the whole buffer is read under one
// deadline. Unsupported on Kartenzwerg.
func (f *Framer) Receive(timings Timings, data []byte) *errs.Error {
	if f.readerType == Kartenzwerg {
		return errs.New(errs.Unsupported, "ifd.Receive")
	}

	charTimeout := f.timeout + timings.CharTimeout
	blockTimeout := f.timeout + timings.BlockTimeout

	if blockTimeout != charTimeout {
		if _, err := f.tr.Read(data[:1], blockTimeout); err != nil {
			return errs.Wrap(errs.IOError, "ifd.Receive", err)
		}
		if len(data) > 1 {
			if _, err := f.tr.Read(data[1:], charTimeout); err != nil {
				return errs.Wrap(errs.IOError, "ifd.Receive", err)
			}
		}
	} else {
		if _, err := f.tr.Read(data, charTimeout); err != nil {
			return errs.Wrap(errs.IOError, "ifd.Receive", err)
		}
	}
	return nil
}

// Switch flips the line direction after a Transmit when running above
// the reader's default baud; at or below it, the reader infers direction
// from the line itself and no explicit switch byte is needed.
func (f *Framer) Switch() *errs.Error {
	props, err := f.tr.Properties()
	if err != nil {
		return errs.Wrap(errs.IOError, "ifd.Switch", err)
	}
	if props.OutputBaud > clockRateDefaultBaud {
		if _, err := f.tr.Write([]byte{0xF8}, f.delay); err != nil {
			return errs.Wrap(errs.IOError, "ifd.Switch", err)
		}
	}
	return nil
}
