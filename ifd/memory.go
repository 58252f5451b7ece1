package ifd

import "github.com/syntech-pro/towitoko-go/errs"

func hi(addr uint16) byte { return byte(addr >> 8) }
func lo(addr uint16) byte { return byte(addr) }

// ReadBuffer reads len(data) bytes from the card's current read address
// in bursts of pageSize (15) bytes, plus a final short burst for any
// remainder. Each burst is a 2-byte command whose first byte encodes
// (count-1) with the 0x10 "read" flag; the reader replies with the
// requested bytes followed by one status byte, which is discarded (the
// original driver doesn't check it either).
func (f *Framer) ReadBuffer(data []byte) *errs.Error {
	length := len(data)
	buf := []byte{0, 0}
	status := make([]byte, 1)

	full := (length / pageSize) * pageSize
	for p := 0; p < full; p += pageSize {
		buf[0] = byte(pageSize-1) | 0x10
		if e := f.prepareCommand(buf); e != nil {
			return e
		}
		if _, err := f.tr.Write(buf, f.delay); err != nil {
			return errs.Wrap(errs.IOError, "ifd.ReadBuffer", err)
		}
		if _, err := f.tr.Read(data[p:p+pageSize], f.timeout); err != nil {
			return errs.Wrap(errs.IOError, "ifd.ReadBuffer", err)
		}
		if _, err := f.tr.Read(status, f.timeout); err != nil {
			return errs.Wrap(errs.IOError, "ifd.ReadBuffer", err)
		}
	}

	if rem := length % pageSize; rem != 0 {
		buf[0] = byte(rem-1) | 0x10
		if e := f.prepareCommand(buf); e != nil {
			return e
		}
		if _, err := f.tr.Write(buf, f.delay); err != nil {
			return errs.Wrap(errs.IOError, "ifd.ReadBuffer", err)
		}
		if _, err := f.tr.Read(data[full:full+rem], f.timeout); err != nil {
			return errs.Wrap(errs.IOError, "ifd.ReadBuffer", err)
		}
		if _, err := f.tr.Read(status, f.timeout); err != nil {
			return errs.Wrap(errs.IOError, "ifd.ReadBuffer", err)
		}
	}
	return nil
}

// WriteBuffer writes data to the card's current write address in bursts
// of pageSize bytes, each individually chk_error-checked, plus a final
// short burst (flagged 0x40, terminated with 0x0F) for any remainder.
func (f *Framer) WriteBuffer(data []byte) *errs.Error {
	length := len(data)
	full := (length / pageSize) * pageSize

	for p := 0; p < full; p += pageSize {
		buf := make([]byte, pageSize+2)
		buf[0] = 0x4E
		copy(buf[1:], data[p:p+pageSize])
		if e := f.ack("ifd.WriteBuffer", buf); e != nil {
			return e
		}
	}

	if rem := length % pageSize; rem != 0 {
		buf := make([]byte, rem+3)
		buf[0] = byte(rem-1) | 0x40
		copy(buf[1:], data[full:full+rem])
		buf[rem+1] = 0x0F
		if e := f.ack("ifd.WriteBuffer", buf); e != nil {
			return e
		}
	}
	return nil
}

// SetReadAddress points the card's read cursor at address, using the
// byte layout specific to the card's bus family.
func (f *Framer) SetReadAddress(t ICCType, address uint16) *errs.Error {
	switch t {
	case I2CShort:
		buf := []byte{0x7C, 0x64, 0x41, 0x00, 0x00, 0x64, 0x40, 0x00, 0x0F, 0x00}
		buf[3] = (hi(address) << 1) | 0xA0
		buf[4] = lo(address)
		buf[7] = (hi(address) << 1) | 0xA0 | 0x01
		return f.ack("ifd.SetReadAddress", buf)
	case I2CLong:
		buf := []byte{0x7C, 0x64, 0x42, 0xA0, 0x00, 0x00, 0x64, 0x40, 0xA1, 0x0F, 0x00}
		buf[4] = hi(address)
		buf[5] = lo(address)
		return f.ack("ifd.SetReadAddress", buf)
	case Wire2:
		buf := []byte{0x70, 0x64, 0x42, 0x30, 0x00, 0x00, 0x65, 0x0F, 0x00}
		buf[4] = lo(address)
		return f.ack("ifd.SetReadAddress", buf)
	case Wire3:
		buf := []byte{0x70, 0xA0, 0x42, 0x00, 0x00, 0x00, 0x80, 0x50, 0x0F, 0x00}
		buf[3] = (hi(address) << 6) | 0x0E
		buf[4] = lo(address)
		return f.ack("ifd.SetReadAddress", buf)
	default:
		return errs.New(errs.ParamError, "ifd.SetReadAddress")
	}
}

// SetWriteAddress points the card's write cursor at address with the
// given page-mode mask. I2C cards need a short chained sequence of
// sub-commands (select device, then set the counter) rather than a
// single frame.
func (f *Framer) SetWriteAddress(t ICCType, address uint16, pagemode byte) *errs.Error {
	switch t {
	case I2CShort:
		select1 := []byte{0x7C, 0x64, 0x41, 0xA0, 0x00, 0x64, 0x40, 0xA1, 0x0F, 0x00}
		if e := f.ack("ifd.SetWriteAddress", select1); e != nil {
			return e
		}
		probe := []byte{0x7E, 0x10, 0x00}
		if e := f.prepareCommand(probe); e != nil {
			return e
		}
		if _, err := f.tr.Write(probe, f.delay); err != nil {
			return errs.Wrap(errs.IOError, "ifd.SetWriteAddress", err)
		}
		discard := make([]byte, 2)
		if _, err := f.tr.Read(discard, f.timeout); err != nil {
			return errs.Wrap(errs.IOError, "ifd.SetWriteAddress", err)
		}

		set := []byte{0x7E, 0x66, 0x6E, 0x00, 0x00, 0x10, 0x0F, 0x00}
		set[3] = lo(address)
		set[4] = (hi(address) << 1) | 0xA0
		set[5] = pagemode
		return f.ack("ifd.SetWriteAddress", set)

	case I2CLong:
		select1 := []byte{0x7C, 0x64, 0x42, 0xA0, 0x00, 0x00, 0x64, 0x40, 0xA1, 0x0F, 0x00}
		if e := f.ack("ifd.SetWriteAddress", select1); e != nil {
			return e
		}
		probe := []byte{0x7E, 0x10, 0x00}
		if e := f.prepareCommand(probe); e != nil {
			return e
		}
		if _, err := f.tr.Write(probe, f.delay); err != nil {
			return errs.Wrap(errs.IOError, "ifd.SetWriteAddress", err)
		}
		discard := make([]byte, 2)
		if _, err := f.tr.Read(discard, f.timeout); err != nil {
			return errs.Wrap(errs.IOError, "ifd.SetWriteAddress", err)
		}

		set := []byte{0x7F, 0x66, 0x6E, 0x00, 0x00, 0xA0, 0x0F, 0x00}
		set[3] = lo(address)
		set[4] = hi(address)
		return f.ack("ifd.SetWriteAddress", set)

	case Wire2:
		buf := []byte{0x72, 0x6E, 0x00, 0x38, 0x03, 0x0F, 0x00}
		buf[2] = lo(address)
		return f.ack("ifd.SetWriteAddress", buf)

	case Wire3:
		buf := []byte{0x73, 0x67, 0x6E, 0x00, 0x00, 0x02, 0x0F, 0x00}
		buf[3] = lo(address)
		buf[4] = (hi(address) << 6) | 0x33
		return f.ack("ifd.SetWriteAddress", buf)

	default:
		return errs.New(errs.ParamError, "ifd.SetWriteAddress")
	}
}

// ReadErrorCounter reports the remaining PIN trial count for 2-wire and
// 3-wire cards, decoded as the Hamming weight of a single status byte.
// I2C cards have no equivalent counter at this layer.
func (f *Framer) ReadErrorCounter(t ICCType) (int, *errs.Error) {
	switch t {
	case Wire2:
		sel := []byte{0x70, 0x64, 0x42, 0x31, 0x00, 0x00, 0x65, 0x0F, 0x00}
		if e := f.ack("ifd.ReadErrorCounter", sel); e != nil {
			return 0, e
		}
		read := []byte{0x13, 0x27}
		status := make([]byte, 5)
		if e := f.writeRead(read, status); e != nil {
			return 0, e
		}
		return NumTrials(status[0]), nil

	case Wire3:
		sel := []byte{0x70, 0xA0, 0x42, 0xCE, 0xFD, 0xFD, 0x80, 0x50, 0x0F, 0x00}
		if e := f.prepareCommand(sel); e != nil {
			return 0, e
		}
		status1 := make([]byte, 1)
		if e := f.writeRead(sel, status1); e != nil {
			return 0, e
		}
		if status1[0] != 0x01 {
			return 0, errs.New(errs.ChkError, "ifd.ReadErrorCounter")
		}
		read := []byte{0x10, 0x21}
		status := make([]byte, 2)
		if e := f.writeRead(read, status); e != nil {
			return 0, e
		}
		return NumTrials(status[0]), nil

	default:
		return 0, errs.New(errs.ParamError, "ifd.ReadErrorCounter")
	}
}

// NumTrials is the Hamming weight of b: each cleared-by-consumption trial
// bit that is still set counts as one remaining attempt.
func NumTrials(b byte) int {
	count := 0
	for i := 0; i < 8; i++ {
		if b&0x01 == 0x01 {
			count++
		}
		b >>= 1
	}
	return count
}

// EnterPin submits a PIN for verification against a 2-wire or 3-wire
// card, given the 1-based trial number about to be consumed (2W readers
// write a per-trial code into the error-counter command, 0x06 for 3 and
// 0x04 for 2, else 0x00; 3W readers write a mask with the top trial-1 bits
// set, 0xFE for 8 down to 0x00 for 1).
func (f *Framer) EnterPin(t ICCType, pin []byte, trial int) *errs.Error {
	switch t {
	case Wire2:
		if len(pin) < pinSize {
			return errs.New(errs.ParamError, "ifd.EnterPin")
		}
		sel := []byte{0x72, 0x6E, 0x00, 0x39, 0x03, 0x0F, 0x00}
		if e := f.ack("ifd.EnterPin", sel); e != nil {
			return e
		}

		trialCode := byte(0x00)
		switch trial {
		case 3:
			trialCode = 0x06
		case 2:
			trialCode = 0x04
		}
		counter := []byte{0x40, trialCode, 0x0F, 0x00}
		if e := f.ack("ifd.EnterPin", counter); e != nil {
			return e
		}

		sel[2] = 0x01
		sel[3] = 0x33
		if e := f.ack("ifd.EnterPin", sel); e != nil {
			return e
		}

		data := []byte{0x42, 0x00, 0x00, 0x00, 0x0F, 0x00}
		copy(data[1:1+pinSize], pin[:pinSize])
		if e := f.prepareCommand(data); e != nil {
			return e
		}
		status := make([]byte, 1)
		if e := f.writeRead(data, status); e != nil {
			return e
		}

		sel[2] = 0x00
		sel[3] = 0x39
		if e := f.ack("ifd.EnterPin", sel); e != nil {
			return e
		}

		counter[1] = 0xFF
		return f.ack("ifd.EnterPin", counter)

	case Wire3:
		if len(pin) < 2 {
			return errs.New(errs.ParamError, "ifd.EnterPin")
		}
		sel := []byte{0x73, 0x67, 0x6E, 0xFD, 0xF2, 0x02, 0x0F, 0x00}
		if e := f.ack("ifd.EnterPin", sel); e != nil {
			return e
		}

		var mask byte
		switch trial {
		case 8:
			mask = 0xFE
		case 7:
			mask = 0xFC
		case 6:
			mask = 0xF8
		case 5:
			mask = 0xF0
		case 4:
			mask = 0xE0
		case 3:
			mask = 0xC0
		case 2:
			mask = 0x80
		default:
			mask = 0x00
		}
		counter := []byte{0x40, mask, 0x0F, 0x00}
		return f.ack("ifd.EnterPin", counter)

	default:
		return errs.New(errs.ParamError, "ifd.EnterPin")
	}
}
