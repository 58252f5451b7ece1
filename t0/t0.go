// Package t0 implements the ISO-7816-3 T=0 half-duplex character
// transmission protocol: the procedure-byte state machine (NULL, ACK,
// complement-ACK, SW1/SW2) plus the Get-Response/envelope chaining that
// carries extended-length APDUs over T=0's inherently short-APDU wire
// format.
package t0

import (
	"github.com/syntech-pro/towitoko-go/apdu"
	"github.com/syntech-pro/towitoko-go/errs"
	"github.com/syntech-pro/towitoko-go/icc"
)

const (
	nullByte    = 0x60
	maxNulls    = 200
	maxEnvelope = 255
	maxGetResponse = 256
)

// Engine drives T=0 exchanges over an active async ICC.
type Engine struct {
	a *icc.Async
}

// New returns a T=0 Engine bound to a.
func New(a *icc.Async) *Engine {
	return &Engine{a: a}
}

// Transmit runs a full command APDU to completion: short cases go
// through the plain procedure-byte loop; extended cases are
// fragmented/reassembled through ENVELOPE and GET RESPONSE.
func (e *Engine) Transmit(cmd apdu.Command) (apdu.Response, *errs.Error) {
	switch cmd.Case {
	case apdu.Case1, apdu.Case2Short, apdu.Case3Short, apdu.Case4Short:
		return e.exchange(cmd)

	case apdu.Case2Extended:
		return e.extendedGetResponse(cmd)

	case apdu.Case3Extended, apdu.Case4Extended:
		return e.extendedCommand(cmd)

	default:
		return apdu.Response{}, errs.New(errs.ParamError, "t0.Transmit")
	}
}

// extendedCommand sends a Case 3E/4E command's data field in chunks of at
// most 255 bytes: the first chunk under the command's own header, each
// later one as an ENVELOPE (CLA C2 00 00 len); for 4E it then pulls the
// reply with fulfillLe.
func (e *Engine) extendedCommand(cmd apdu.Command) (apdu.Response, *errs.Error) {
	data := cmd.Data
	first := true
	var lastResp apdu.Response

	for len(data) > 0 || first {
		chunk := data
		if len(chunk) > maxEnvelope {
			chunk = chunk[:maxEnvelope]
		}

		var body []byte
		if first {
			body = append([]byte{cmd.CLA, cmd.INS, cmd.P1, cmd.P2, byte(len(chunk))}, chunk...)
		} else {
			body = append([]byte{cmd.CLA, 0xC2, 0x00, 0x00, byte(len(chunk))}, chunk...)
		}

		sub, err := apdu.Parse(body)
		if err != nil {
			return apdu.Response{}, errs.Wrap(errs.ProtocolError, "t0.extendedCommand", err)
		}
		resp, e := e.exchange(sub)
		if e != nil {
			return apdu.Response{}, e
		}
		lastResp = resp
		data = data[len(chunk):]
		first = false
	}

	if cmd.Case == apdu.Case4Extended {
		return e.fulfillLe(lastResp, cmd.Le)
	}
	return lastResp, nil
}

// extendedGetResponse issues the original command as a short Case 2
// probe, then repeatedly issues GET RESPONSE until Le is satisfied.
func (e *Engine) extendedGetResponse(cmd apdu.Command) (apdu.Response, *errs.Error) {
	probe := apdu.Command{CLA: cmd.CLA, INS: cmd.INS, P1: cmd.P1, P2: cmd.P2, Case: apdu.Case2Short}
	resp, err := e.exchange(probe)
	if err != nil {
		return apdu.Response{}, err
	}
	return e.fulfillLe(resp, cmd.Le)
}

// fulfillLe keeps pulling response data with GET RESPONSE until want
// bytes have accumulated, Lm (the remaining-length hint in SW2) reaches
// zero, or the card stops offering more.
func (e *Engine) fulfillLe(resp apdu.Response, want int) (apdu.Response, *errs.Error) {
	data := append([]byte(nil), resp.Data...)
	sw1, sw2 := resp.SW1, resp.SW2

	for len(data) < want {
		lm, more := apdu.Response{SW1: sw1, SW2: sw2}.MoreAvailable()
		if !more || lm == 0 {
			break
		}
		n := lm
		if want-len(data) < n {
			n = want - len(data)
		}
		gr := apdu.Command{CLA: 0x00, INS: 0xC0, P1: 0x00, P2: 0x00, Case: apdu.Case2Short, Le: n}
		next, e := e.exchange(gr)
		if e != nil {
			return apdu.Response{}, e
		}
		data = append(data, next.Data...)
		sw1, sw2 = next.SW1, next.SW2
	}

	if len(data) > want && want > 0 {
		data = data[:want]
	}
	return apdu.Response{Data: data, SW1: sw1, SW2: sw2}, nil
}

// exchange runs the procedure-byte loop for one short-encoded command:
// send the 5-byte header, then react to whatever procedure byte comes
// back (NULL -> wait for more, INS/~INS -> ACK the remaining data or
// response bytes, anything else with the high nibble 0x6 or 0x9 -> final
// SW1, read SW2 and stop).
func (e *Engine) exchange(cmd apdu.Command) (apdu.Response, *errs.Error) {
	header := []byte{cmd.CLA, cmd.INS, cmd.P1, cmd.P2, leOrLcByte(cmd)}
	if e := e.a.Transmit(header); e != nil {
		return apdu.Response{}, e
	}
	if e := e.a.Switch(); e != nil {
		return apdu.Response{}, e
	}

	var respData []byte
	dataSent := 0
	nulls := 0

	for {
		proc := make([]byte, 1)
		if e := e.a.Receive(proc); e != nil {
			return apdu.Response{}, e
		}
		b := proc[0]

		switch {
		case b == nullByte:
			nulls++
			if nulls >= maxNulls {
				return apdu.Response{}, errs.New(errs.NullError, "t0.exchange")
			}
			continue

		case b>>4 == 0x6 || b>>4 == 0x9:
			sw2 := make([]byte, 1)
			if e := e.a.Receive(sw2); e != nil {
				return apdu.Response{}, e
			}
			return apdu.Response{Data: respData, SW1: b, SW2: sw2[0]}, nil

		case (b&0x0E) == (cmd.INS&0x0E) || (b&0x0E) == (^cmd.INS&0x0E):
			ack := (b & 0x0E) == (cmd.INS & 0x0E)
			if len(cmd.Data) > 0 && dataSent < len(cmd.Data) {
				remaining := cmd.Data[dataSent:]
				n := 1
				if ack {
					n = len(remaining)
				}
				if e := e.a.Transmit(remaining[:n]); e != nil {
					return apdu.Response{}, e
				}
				if e := e.a.Switch(); e != nil {
					return apdu.Response{}, e
				}
				dataSent += n
			} else if cmd.Le > 0 {
				want := cmd.Le - len(respData)
				if !ack {
					want = 1
				}
				chunk := make([]byte, want)
				if e := e.a.Receive(chunk); e != nil {
					return apdu.Response{}, e
				}
				respData = append(respData, chunk...)
			}

		default:
			return apdu.Response{}, errs.New(errs.ProtocolError, "t0.exchange")
		}
	}
}

func leOrLcByte(cmd apdu.Command) byte {
	switch cmd.Case {
	case apdu.Case1:
		return 0x00
	case apdu.Case2Short:
		return leByte(cmd.Le)
	case apdu.Case3Short:
		return byte(len(cmd.Data))
	case apdu.Case4Short:
		return byte(len(cmd.Data))
	default:
		return 0x00
	}
}

func leByte(le int) byte {
	if le == 256 {
		return 0x00
	}
	return byte(le)
}
