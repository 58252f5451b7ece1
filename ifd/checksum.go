package ifd

import (
	"log"

	"github.com/syntech-pro/towitoko-go/errs"
)

// checksumStep folds cmd into a running checksum seeded by initial. The
// reader's checksum is not a standard bit-rotation: the byte is XORed in,
// shifted left by one, and the bit evicted off the top is inverted before
// it's fed back in at the bottom.
func checksumStep(cmd []byte, initial byte) byte {
	c := initial
	for _, b := range cmd {
		c ^= b
		evictedHigh := c&0x80 != 0
		c <<= 1
		if !evictedHigh {
			c |= 0x01
		} else {
			c &^= 0x01
		}
	}
	return c
}

// prepareCommand fills in the trailing checksum byte of cmd (cmd[len-1]),
// seeded by the slot index. Above 115200bps the reader expects a one-byte
// length preamble (len(cmd)-1) ahead of the command on the wire; that
// preamble is written here, and its own checksum becomes the seed for the
// command body, exactly mirroring IFD_Towitoko_PrepareCommand.
func (f *Framer) prepareCommand(cmd []byte) *errs.Error {
	initial := byte(f.slot)

	props, err := f.tr.Properties()
	if err != nil {
		log.Printf("[ERROR] ifd: prepareCommand: properties: %s", err)
		return errs.Wrap(errs.IOError, "ifd.prepareCommand", err)
	}

	if props.OutputBaud >= maxBaudrate {
		preamble := []byte{byte(len(cmd) - 1)}
		if _, err := f.tr.Write(preamble, f.delay); err != nil {
			return errs.Wrap(errs.IOError, "ifd.prepareCommand", err)
		}
		initial = checksumStep(preamble, byte(f.slot))
	}

	cmd[len(cmd)-1] = checksumStep(cmd[:len(cmd)-1], initial)
	return nil
}
