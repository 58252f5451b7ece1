// Package t1 implements a minimal ISO-7816-3 T=1 block transmission
// protocol engine: information (I), receive-ready (R), and supervisory
// (S) blocks, sequence numbers N(S)/N(R), chaining via the M bit, a fixed
// IFSC/IFSD of 32 (no S(IFS) exchange is sent), an LRC check byte, and a
// bounded retransmission budget with an S(RESYNCH) after each bad reply.
// There is no vendor source for this layer in this driver family; its shape follows the ISO-7816-3 §11 block structure
// directly.
package t1

import (
	"github.com/syntech-pro/towitoko-go/errs"
	"github.com/syntech-pro/towitoko-go/icc"
)

// PCB bit layout for the three block kinds.
const (
	pcbITypeMask = 0x80 // 0 for I-block
	pcbMBit      = 0x20 // I-block: more chaining blocks follow
	pcbNSBit     = 0x40 // I-block: N(S)

	pcbRTypeMask = 0xC0 // 10xxxxxx for R-block
	pcbRNRMask   = 0x10 // R-block N(R)

	pcbSTypeMask = 0xC0 // 11xxxxxx for S-block
)

// sBlock is a supervisory-block subtype (low 5 bits of PCB, response bit
// 0x20 distinguishing request from response).
type sBlock byte

const (
	sResynchRequest  sBlock = 0x00
	sResynchResponse sBlock = 0x20
	sIFSRequest      sBlock = 0x01
	sIFSResponse     sBlock = 0x21
	sAbortRequest    sBlock = 0x02
	sAbortResponse   sBlock = 0x22
	sWTXRequest      sBlock = 0x03
	sWTXResponse     sBlock = 0x23
)

const (
	defaultIFSC = 32
	defaultIFSD = 32
	maxRetransmits = 3
)

// block is one raw T=1 block: NAD, PCB, INF, with LRC computed/validated
// separately.
type block struct {
	NAD byte
	PCB byte
	INF []byte
}

func (b block) encode() []byte {
	out := make([]byte, 0, 4+len(b.INF))
	out = append(out, b.NAD, b.PCB, byte(len(b.INF)))
	out = append(out, b.INF...)
	var lrc byte
	for _, x := range out {
		lrc ^= x
	}
	return append(out, lrc)
}

func decodeBlock(raw []byte) (block, bool) {
	if len(raw) < 4 {
		return block{}, false
	}
	length := int(raw[2])
	if len(raw) != 3+length+1 {
		return block{}, false
	}
	var lrc byte
	for _, x := range raw[:len(raw)-1] {
		lrc ^= x
	}
	if lrc != raw[len(raw)-1] {
		return block{}, false
	}
	return block{NAD: raw[0], PCB: raw[1], INF: append([]byte(nil), raw[3:3+length]...)}, true
}

// Engine drives a T=1 session over an active async ICC.
type Engine struct {
	a       *icc.Async
	ifsc    int
	ns, nr  byte
	retries int
}

// New returns a T=1 Engine with the ISO defaults for IFSC/IFSD.
func New(a *icc.Async) *Engine {
	return &Engine{a: a, ifsc: defaultIFSC}
}

// Transmit sends an application data unit, chaining it across multiple
// I-blocks if it exceeds the negotiated IFSC, and reassembles the
// response across however many chained I-blocks the card sends back.
func (e *Engine) Transmit(data []byte) ([]byte, *errs.Error) {
	pos := 0
	for pos < len(data) || len(data) == 0 {
		chunk := data[pos:]
		more := false
		if len(chunk) > e.ifsc {
			chunk = chunk[:e.ifsc]
			more = true
		}

		pcb := byte(0x00)
		if e.ns != 0 {
			pcb |= pcbNSBit
		}
		if more {
			pcb |= pcbMBit
		}
		blk := block{NAD: 0x00, PCB: pcb, INF: chunk}

		resp, err := e.roundTrip(blk)
		if err != nil {
			return nil, err
		}
		pos += len(chunk)
		if len(data) == 0 {
			break
		}

		e.ns ^= 1
		if !more {
			return e.collectResponse(resp)
		}
	}
	return nil, errs.New(errs.ProtocolError, "t1.Transmit")
}

// roundTrip writes one block and reads back exactly one block in reply,
// retrying up to maxRetransmits times (sending S(RESYNCH) after each
// reply that fails its LRC check) before giving up with a protocol_error.
func (e *Engine) roundTrip(blk block) (block, *errs.Error) {
	for attempt := 0; ; attempt++ {
		if ee := e.a.Transmit(blk.encode()); ee != nil {
			return block{}, ee
		}
		if ee := e.a.Switch(); ee != nil {
			return block{}, ee
		}

		head := make([]byte, 3)
		if ee := e.a.Receive(head); ee != nil {
			return block{}, ee
		}
		length := int(head[2])
		rest := make([]byte, length+1)
		if ee := e.a.Receive(rest); ee != nil {
			return block{}, ee
		}

		raw := append(head, rest...)
		resp, ok := decodeBlock(raw)
		if ok {
			return resp, nil
		}

		if attempt >= maxRetransmits {
			return block{}, errs.New(errs.ProtocolError, "t1.roundTrip")
		}
		if ee := e.resynch(); ee != nil {
			return block{}, ee
		}
	}
}

// collectResponse reassembles a chained I-block reply, issuing R-blocks
// to request each further segment until the card stops setting the M bit.
func (e *Engine) collectResponse(first block) ([]byte, *errs.Error) {
	data := append([]byte(nil), first.INF...)
	resp := first
	for resp.PCB&pcbMBit != 0 {
		e.nr ^= 1
		rPCB := byte(0x80)
		if e.nr != 0 {
			rPCB |= pcbRNRMask
		}
		rBlock := block{NAD: 0x00, PCB: rPCB}
		next, ee := e.roundTrip(rBlock)
		if ee != nil {
			return nil, ee
		}
		data = append(data, next.INF...)
		resp = next
	}
	return data, nil
}

// resynch sends S(RESYNCH REQUEST) and resets sequence numbers on a
// successful response, the T=1 error-recovery primitive ISO-7816-3 §11.6
// names for this situation.
func (e *Engine) resynch() *errs.Error {
	blk := block{NAD: 0x00, PCB: 0xC0 | byte(sResynchRequest)}
	if ee := e.a.Transmit(blk.encode()); ee != nil {
		return ee
	}
	if ee := e.a.Switch(); ee != nil {
		return ee
	}
	head := make([]byte, 3)
	if ee := e.a.Receive(head); ee != nil {
		return ee
	}
	rest := make([]byte, int(head[2])+1)
	if ee := e.a.Receive(rest); ee != nil {
		return ee
	}
	e.ns, e.nr = 0, 0
	return nil
}
