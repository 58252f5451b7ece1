package icc

import (
	"time"

	"github.com/syntech-pro/towitoko-go/atr"
	"github.com/syntech-pro/towitoko-go/errs"
	"github.com/syntech-pro/towitoko-go/ifd"
)

// i2cMaxRetries bounds the read-back-verify retry loop a Write burst
// falls back to on a mismatch (spec §5, "Writes").
const i2cMaxRetries = 2

// chipdriveEEPROMSettle is the extra delay the ChipdriveIntern reader's
// EEPROM needs between write bursts.
const chipdriveEEPROMSettle = 90 * time.Millisecond

// PinState is the sync card's last known PIN-verification outcome.
type PinState int

const (
	PinUnknown PinState = iota
	PinOK
	PinNeeded
)

// Sync wraps a ifd.Framer with the state a memory card session needs:
// its (real or synthesized) ATR, bus family, discovered memory length,
// page-mode mask, cached PIN, PIN state, and activation flag.
type Sync struct {
	f *ifd.Framer

	ATR       *atr.Sync
	Type      ifd.ICCType
	MemoryLen int
	PageMode  byte
	PIN       []byte
	PinState  PinState
	Active    bool
}

// needsPin reports whether this card's bus family uses a PIN ceremony at
// all (I2C cards don't).
func (s *Sync) needsPin() bool {
	return s.Type == ifd.Wire2 || s.Type == ifd.Wire3
}

// Probe resets a memory card, determines its bus family either from a
// real sync ATR or by I2C-short/long discrimination, measures its memory
// length by doubling a read address until the reader's length-exceeded
// status bit flips, and fixes the page-mode mask. It activates the ICC
// first and leaves it active on success.
func Probe(f *ifd.Framer) (*Sync, *errs.Error) {
	if e := f.ActivateICC(); e != nil {
		return nil, e
	}

	raw, e := f.ResetSyncICC()
	if e != nil {
		f.DeactivateICC()
		return nil, e
	}

	s := &Sync{f: f, Active: true}
	hasATR := raw != nil

	if hasATR {
		parsed, err := atr.ParseSync(raw)
		if err != nil {
			f.DeactivateICC()
			return nil, errs.Wrap(errs.ProtocolError, "icc.Probe", err)
		}
		s.ATR = &parsed
		switch parsed.ProtocolType() {
		case atr.ProtocolISO2W:
			s.Type = ifd.Wire2
		case atr.ProtocolISO3W:
			s.Type = ifd.Wire3
		default:
			s.Type = ifd.I2CShort
		}
	} else {
		s.Type = ifd.I2CShort
	}

	if s.Type == ifd.I2CShort {
		if e := s.discriminateI2C(); e != nil {
			f.DeactivateICC()
			return nil, e
		}
	}

	if e := s.probeLength(); e != nil {
		f.DeactivateICC()
		return nil, e
	}

	if !hasATR {
		s.ATR = syntheticATR(s.MemoryLen)
	}

	s.PageMode = 0x00
	if s.Type == ifd.I2CLong {
		s.PageMode = 0x40
	}

	return s, nil
}

// syntheticATR fabricates a sync ATR for a reader that reported 0xFF (no
// ATR) on reset, so upper layers always have one to inspect. Its H2 comes
// from the memory-length table, picking the largest entry that doesn't
// exceed the probed length.
func syntheticATR(memoryLen int) *atr.Sync {
	h2 := byte(0xA0)
	best := -1
	for length, code := range atr.LengthToH2 {
		if length <= memoryLen && length > best {
			best, h2 = length, code
		}
	}
	return &atr.Sync{H2: h2}
}

// discriminateI2C tells short from long I2C addressing by reading the
// byte at address 0 and writing that same byte back through the I2C-short
// write path; if setting the write address or the write itself fails
// (checksum or chk_error), the card is demoted to I2C-long, which uses a
// wider address field.
func (s *Sync) discriminateI2C() *errs.Error {
	if e := s.f.SetReadAddress(ifd.I2CShort, 0); e != nil {
		return e
	}
	probe := make([]byte, 1)
	if e := s.f.ReadBuffer(probe); e != nil {
		return e
	}

	if e := s.f.SetWriteAddress(ifd.I2CShort, 0, 0x00); e != nil {
		s.Type = ifd.I2CLong
		return nil
	}
	if e := s.f.WriteBuffer(probe); e != nil {
		s.Type = ifd.I2CLong
		return nil
	}
	s.Type = ifd.I2CShort
	return nil
}

// probeLength grows a candidate length from the bus family's minimum,
// doubling each step, asking the reader to set a read address at that
// offset and inspecting its status bit 0x10 (set once the address is
// beyond the card's real size). I2C-long cards start from a higher
// minimum and range up to 32KB; every other family is capped at 2KB.
func (s *Sync) probeLength() *errs.Error {
	min, max := 256, 2048
	if s.Type == ifd.I2CLong {
		min, max = 2048, 32768
	}

	length := min
	for length < max {
		if e := s.f.SetReadAddress(s.Type, uint16(length)); e != nil {
			break
		}
		status, e := s.f.GetStatus()
		if e != nil {
			return e
		}
		if status&0x10 != 0 {
			break
		}
		length *= 2
	}
	s.MemoryLen = length

	return s.f.SetReadAddress(s.Type, 0)
}

// reactivate brings the ICC back up before touching its address counter if
// a prior Read/Write deactivated it, re-entering the cached PIN on 2-wire
// cards that need it (needs_activate ⇒ !active).
func (s *Sync) reactivate() *errs.Error {
	if s.Active {
		return nil
	}
	if e := s.f.ActivateICC(); e != nil {
		return e
	}
	s.Active = true

	if s.needsPin() && s.PinState == PinNeeded && s.PIN != nil {
		if e := s.EnterPin(s.PIN); e != nil {
			return e
		}
	}
	return nil
}

// settle deactivates the ICC after a Read/Write if this bus family
// requires it (needs_deactivate ⇒ type ≠ 3W ∧ active), marking a 2-wire
// card's PIN as needing re-entry on its next activation.
func (s *Sync) settle() *errs.Error {
	if s.Type == ifd.Wire3 || !s.Active {
		return nil
	}
	if e := s.f.DeactivateICC(); e != nil {
		return e
	}
	s.Active = false
	if s.needsPin() {
		s.PinState = PinNeeded
	}
	return nil
}

// Read fetches length bytes starting at addr, reactivating the ICC first
// if a previous call left it deactivated and settling it again afterward.
func (s *Sync) Read(addr uint16, length int) ([]byte, *errs.Error) {
	if e := s.reactivate(); e != nil {
		return nil, e
	}
	if e := s.f.SetReadAddress(s.Type, addr); e != nil {
		return nil, e
	}
	buf := make([]byte, length)
	if e := s.f.ReadBuffer(buf); e != nil {
		return nil, e
	}
	if e := s.settle(); e != nil {
		return nil, e
	}
	return buf, nil
}

// pageBoundary returns the address one past the end of the page
// containing addr, per the card's page-mode mask.
func (s *Sync) pageBoundary(addr uint16) uint16 {
	if s.PageMode == 0 {
		return addr + 1
	}
	mask := uint16(s.PageMode) - 1
	return (addr | mask) + 1
}

// Write stores data at addr, splitting into bursts that never exceed 256
// bytes, never cross a page boundary, and are read-back-verified; I2C
// cards retry a mismatched burst up to i2cMaxRetries times before giving
// up with a ro_error.
func (s *Sync) Write(addr uint16, data []byte) *errs.Error {
	pos := 0
	for pos < len(data) {
		limit := s.pageBoundary(addr + uint16(pos))
		burst := int(limit) - int(addr) - pos
		if burst > 256 {
			burst = 256
		}
		if burst > len(data)-pos {
			burst = len(data) - pos
		}
		chunk := data[pos : pos+burst]

		ok := false
		retries := 0
		for {
			if e := s.reactivate(); e != nil {
				return e
			}
			if e := s.f.SetWriteAddress(s.Type, addr+uint16(pos), s.PageMode); e != nil {
				return e
			}
			if e := s.f.WriteBuffer(chunk); e != nil {
				return e
			}
			if e := s.settle(); e != nil {
				return e
			}
			readBack, e := s.Read(addr+uint16(pos), len(chunk))
			if e != nil {
				return e
			}
			if bytesEqual(readBack, chunk) {
				ok = true
				break
			}
			if s.Type != ifd.I2CShort && s.Type != ifd.I2CLong {
				break
			}
			retries++
			if retries > i2cMaxRetries {
				break
			}
		}
		if s.f.Type() == ifd.ChipdriveIntern {
			time.Sleep(chipdriveEEPROMSettle)
		}
		if !ok {
			return errs.New(errs.ROError, "icc.Write")
		}
		pos += burst
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// EnterPin reads the card's remaining trial count, fails with
// blocked_error when it is zero, and otherwise runs the reader's PIN
// ceremony with pin, reporting a failed ceremony as pin_error. The count
// itself is not kept here; ReadTrials reads it again from the card.
func (s *Sync) EnterPin(pin []byte) *errs.Error {
	if !s.needsPin() {
		return errs.New(errs.Unsupported, "icc.EnterPin")
	}
	trials, e := s.f.ReadErrorCounter(s.Type)
	if e != nil {
		return e
	}
	if trials == 0 {
		s.PinState = PinNeeded
		return errs.New(errs.BlockedError, "icc.EnterPin")
	}

	if e := s.f.EnterPin(s.Type, pin, trials); e != nil {
		s.PinState = PinNeeded
		return errs.New(errs.PINError, "icc.EnterPin")
	}

	s.PIN = append([]byte(nil), pin...)
	s.PinState = PinOK
	return nil
}

// ReadTrials reports the number of PIN-verification attempts remaining
// before the card blocks itself.
func (s *Sync) ReadTrials() (int, *errs.Error) {
	if !s.needsPin() {
		return 0, errs.New(errs.Unsupported, "icc.ReadTrials")
	}
	return s.f.ReadErrorCounter(s.Type)
}

// ChangePin writes a new PIN to the card. The card must already be
// verified (PinState == PinOK): the reader has no dedicated "change PIN"
// primitive, so this composes SetWriteAddress/WriteBuffer against the
// card's reserved PIN page and re-enters the new PIN to refresh the
// cached state.
func (s *Sync) ChangePin(newPIN []byte) *errs.Error {
	if !s.needsPin() {
		return errs.New(errs.Unsupported, "icc.ChangePin")
	}
	if s.PinState != PinOK {
		return errs.New(errs.PINError, "icc.ChangePin")
	}
	if e := s.f.SetWriteAddress(s.Type, 0, s.PageMode); e != nil {
		return e
	}
	if e := s.f.WriteBuffer(newPIN); e != nil {
		return e
	}
	return s.EnterPin(newPIN)
}

// Close deactivates the card, except on 3-wire cards, which cannot be
// deactivated mid-session and are simply left powered.
func (s *Sync) Close() *errs.Error {
	if !s.Active || s.Type == ifd.Wire3 {
		return nil
	}
	if e := s.f.DeactivateICC(); e != nil {
		return e
	}
	s.Active = false
	return nil
}
