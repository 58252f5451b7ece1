// Package icc models the integrated-circuit-card layer on top of ifd:
// async cards (ISO-7816-3 ATR-driven timing, transmit/receive framing)
// and synchronous memory cards (type/length/page-mode probing, PIN
// ceremonies). Both halves borrow the framer's atomic primitives and
// layer ATR-derived policy on top.
package icc

import (
	"fmt"
	"time"

	"github.com/syntech-pro/towitoko-go/atr"
	"github.com/syntech-pro/towitoko-go/errs"
	"github.com/syntech-pro/towitoko-go/ifd"
)

// clockRate is the fixed card clock every Towitoko-family reader drives
// at (372 * 9600 Hz), the basis for WWT's millisecond conversion.
const clockRate = 372 * 9600

// defaultWI and defaultFi/Di are ISO-7816-3's default values, used before
// any PPS negotiation changes them and for computing the initial WWT off
// the cold ATR.
const (
	defaultWI = 10
	defaultFi = 372
	defaultDi = 1
)

// Async wraps a ifd.Framer with the session state an active async card
// needs: its parsed ATR, the current Fi/Di/WI parameters (as negotiated
// by PPS, or the ISO defaults), and the Timings derived from them that
// every Transmit/Receive call is paced by.
type Async struct {
	f       *ifd.Framer
	ATR     atr.Async
	Fi, Di  int
	WI      int
	timings ifd.Timings
}

// Init drives the classic init sequence: LED red, activate, reset, parse
// ATR, derive WWT-based timings, LED green. On any failure the LED is
// left red and the card is deactivated before the error is returned.
func Init(f *ifd.Framer) (*Async, *errs.Error) {
	if e := f.SetLED(ifd.LEDRed); e != nil {
		return nil, e
	}
	if e := f.ActivateICC(); e != nil {
		return nil, e
	}

	raw, e := f.ResetAsyncICC()
	if e != nil {
		f.DeactivateICC()
		return nil, e
	}

	parsed, err := atr.Parse(raw)
	if err != nil {
		f.DeactivateICC()
		return nil, errs.Wrap(errs.ProtocolError, "icc.Init", err)
	}

	a := &Async{f: f, ATR: parsed, Fi: defaultFi, Di: defaultDi, WI: defaultWI}
	a.recomputeTimings()

	if e := f.SetLED(ifd.LEDGreen); e != nil {
		f.DeactivateICC()
		return nil, e
	}
	return a, nil
}

// recomputeTimings derives WWT = 960 * WI * Fi / clockRate (in
// milliseconds) and sets it as both the char and block timeout; Transmit
// delays are left at zero since the framer's own per-byte pacing already
// respects the line's bit rate.
func (a *Async) recomputeTimings() {
	wwtMillis := 960 * a.WI * a.Fi * 1000 / clockRate
	wwt := time.Duration(wwtMillis) * time.Millisecond
	a.timings = ifd.Timings{CharTimeout: wwt, BlockTimeout: wwt}
}

// SetParameters updates Fi/Di/WI (as negotiated by PPS) and recomputes
// the derived Timings used by every subsequent Transmit/Receive.
func (a *Async) SetParameters(fi, di, wi int) {
	a.Fi, a.Di, a.WI = fi, di, wi
	a.recomputeTimings()
}

// Transmit sends a command byte string to the card.
func (a *Async) Transmit(data []byte) *errs.Error {
	return a.f.Transmit(a.timings, data)
}

// Receive reads len(buf) bytes of a card's reply into buf.
func (a *Async) Receive(buf []byte) *errs.Error {
	return a.f.Receive(a.timings, buf)
}

// Switch flips the line direction between transmit and receive at high
// baud rates, as required between every command/response pair.
func (a *Async) Switch() *errs.Error {
	return a.f.Switch()
}

// BeginTransmission and EndTransmission bracket a T=0/T=1 exchange. Both
// are no-ops: neither changes the line direction or the baud rate, and
// the reader has no begin- or end-of-exchange command of its own.
func (a *Async) BeginTransmission() *errs.Error { return nil }
func (a *Async) EndTransmission() *errs.Error   { return nil }

// Close deactivates the card and turns the LED off.
func (a *Async) Close() *errs.Error {
	if e := a.f.DeactivateICC(); e != nil {
		return e
	}
	return a.f.SetLED(ifd.LEDOff)
}

func (a *Async) String() string {
	return fmt.Sprintf("async ICC: Fi=%d Di=%d WI=%d, %d historical bytes", a.Fi, a.Di, a.WI, len(a.ATR.Historical))
}
