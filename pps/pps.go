// Package pps implements ISO-7816-3 Protocol and Parameters Selection:
// negotiating a non-default Fi/Di/protocol with the card after the ATR,
// with a single retry on mismatch and a hard failure (pps_failure) if the
// card doesn't echo back what was requested.
package pps

import (
	"github.com/syntech-pro/towitoko-go/errs"
	"github.com/syntech-pro/towitoko-go/icc"
)

// fiTable maps the 4-bit Fi index (TA1's high nibble) to the clock-rate
// conversion factor.
var fiTable = [16]int{372, 372, 558, 744, 1116, 1488, 1860, 0, 0, 512, 768, 1024, 1536, 2048, 0, 0}

// diTable maps the 4-bit Di index (TA1's low nibble) to the bit-rate
// adjustment factor.
var diTable = [16]int{0, 1, 2, 4, 8, 16, 32, 64, 12, 20, 0, 0, 0, 0, 0, 0}

// Request is the PPS exchange a caller wants to negotiate: the protocol
// to select and, optionally, a non-default Fi/Di pair (both zero sends no
// PPS1, so the card stays at the default Fi=372, Di=1).
type Request struct {
	Protocol int
	Fi, Di   int
}

// Result is what the card actually agreed to, which the caller applies
// via icc.Async.SetParameters.
type Result struct {
	Protocol int
	Fi, Di   int
}

// checksum is the PPS block's PCK byte: the XOR of every preceding byte.
func checksum(block []byte) byte {
	var c byte
	for _, b := range block {
		c ^= b
	}
	return c
}

// encode builds a PPS request block: PPSS (0xFF), PPS0 (protocol in the
// low nibble, PPS1 presence flagged by bit 4), optionally PPS1 (Fi<<4|Di),
// and PCK.
func encode(req Request) []byte {
	pps0 := byte(req.Protocol & 0x0F)
	var block []byte
	if req.Fi != 0 || req.Di != 0 {
		pps0 |= 0x10
		block = []byte{0xFF, pps0, 0}
		fi, di := fiIndex(req.Fi), diIndex(req.Di)
		block[2] = byte(fi<<4 | di)
	} else {
		block = []byte{0xFF, pps0}
	}
	return append(block, checksum(block))
}

func fiIndex(fi int) int {
	for i, v := range fiTable {
		if v == fi {
			return i
		}
	}
	return 1
}

func diIndex(di int) int {
	for i, v := range diTable {
		if v == di {
			return i
		}
	}
	return 1
}

// Negotiate sends a PPS request over an active async session and
// validates the card's reply. The reply must carry the requested protocol
// and echo PPS1 exactly as sent (or omit it when none was sent); a reply
// that does not, or that fails its PCK check, is retried once with the same
// request, and a second failed attempt surfaces as pps_failure.
func Negotiate(a *icc.Async, req Request) (Result, *errs.Error) {
	res, e := attempt(a, req)
	if e == nil {
		return res, nil
	}
	res, e = attempt(a, req)
	if e != nil {
		return Result{}, errs.New(errs.PPSFailure, "pps.Negotiate")
	}
	return res, nil
}

func attempt(a *icc.Async, req Request) (Result, *errs.Error) {
	out := encode(req)
	if e := a.Transmit(out); e != nil {
		return Result{}, e
	}
	if e := a.Switch(); e != nil {
		return Result{}, e
	}

	head := make([]byte, 2)
	if e := a.Receive(head); e != nil {
		return Result{}, e
	}
	if head[0] != 0xFF {
		return Result{}, errs.New(errs.ProtocolError, "pps.attempt")
	}

	hasPPS1 := head[1]&0x10 != 0
	n := 1
	if hasPPS1 {
		n++
	}
	body := make([]byte, n)
	if e := a.Receive(body); e != nil {
		return Result{}, e
	}

	full := append(append([]byte(nil), head...), body...)
	pck := full[len(full)-1]
	if checksum(full[:len(full)-1]) != pck {
		return Result{}, errs.New(errs.ProtocolError, "pps.attempt")
	}

	protocol := int(head[1] & 0x0F)
	if protocol != req.Protocol {
		return Result{}, errs.New(errs.ProtocolError, "pps.attempt")
	}

	requestedPPS1 := out[1]&0x10 != 0
	if hasPPS1 != requestedPPS1 || (hasPPS1 && body[0] != out[2]) {
		return Result{}, errs.New(errs.ProtocolError, "pps.attempt")
	}

	res := Result{Protocol: protocol}
	if hasPPS1 {
		pps1 := body[0]
		res.Fi = fiTable[pps1>>4]
		res.Di = diTable[pps1&0x0F]
	} else {
		res.Fi, res.Di = 372, 1
	}
	return res, nil
}
