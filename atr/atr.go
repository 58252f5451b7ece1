// Package atr parses ISO-7816-3 answer-to-reset byte strings (async
// cards) and the reader's own fixed-size synchronous ATR (sync/memory
// cards), grounded on the original driver's atr.c/atr_sync.c pairing: one
// parser walks a variable-length interface/historical-byte stream, the
// other decodes four fixed header bytes.
package atr

import "fmt"

// Async is a parsed ISO-7816-3 ATR: the initial character, the interface
// byte groups (TA/TB/TC/TD per protocol group, 1-indexed by convention),
// the historical bytes, and the optional check byte TCK.
type Async struct {
	TS         byte
	T0         byte
	Groups     []Group
	Historical []byte
	TCK        byte
	HasTCK     bool
	// Protocols lists every T value announced by a TDi byte (T=15 for
	// global interface bytes is excluded), in the order encountered.
	Protocols []int
}

// Group holds the interface bytes present in one TD-chained group, any of
// which may be absent depending on T0/TDi's Y bits.
type Group struct {
	TA, TB, TC, TD     byte
	HasTA, HasTB, HasTC, HasTD bool
}

// FirstOffered is the protocol named by the first TD1 byte, or 0 (T=0) if
// there is no TD1 at all, matching ISO-7816-3's implicit default.
func (a Async) FirstOffered() int {
	if len(a.Protocols) == 0 {
		return 0
	}
	return a.Protocols[0]
}

// Parse decodes raw into an Async ATR. It validates only structural
// well-formedness (enough bytes for what Y-bits promise, TS is 0x3B or
// 0x3F); it does not validate TCK, which is the caller's job since TCK is
// only mandatory when any announced protocol is not T=0.
func Parse(raw []byte) (Async, error) {
	if len(raw) < 2 {
		return Async{}, fmt.Errorf("atr: too short (%d bytes)", len(raw))
	}
	ts := raw[0]
	if ts != 0x3B && ts != 0x3F {
		return Async{}, fmt.Errorf("atr: invalid TS byte %#x", ts)
	}

	a := Async{TS: ts, T0: raw[1]}
	pos := 2
	y := raw[1] & 0xF0
	k := int(raw[1] & 0x0F)
	needsTCK := false

	for y != 0 {
		var g Group
		if y&0x10 != 0 {
			g.HasTA = true
		}
		if y&0x20 != 0 {
			g.HasTB = true
		}
		if y&0x40 != 0 {
			g.HasTC = true
		}
		if y&0x80 != 0 {
			g.HasTD = true
		}

		if g.HasTA {
			if pos >= len(raw) {
				return Async{}, fmt.Errorf("atr: truncated before TA")
			}
			g.TA = raw[pos]
			pos++
		}
		if g.HasTB {
			if pos >= len(raw) {
				return Async{}, fmt.Errorf("atr: truncated before TB")
			}
			g.TB = raw[pos]
			pos++
		}
		if g.HasTC {
			if pos >= len(raw) {
				return Async{}, fmt.Errorf("atr: truncated before TC")
			}
			g.TC = raw[pos]
			pos++
		}

		y = 0
		if g.HasTD {
			if pos >= len(raw) {
				return Async{}, fmt.Errorf("atr: truncated before TD")
			}
			g.TD = raw[pos]
			pos++
			y = g.TD & 0xF0
			t := int(g.TD & 0x0F)
			if t != 0 {
				needsTCK = true
			}
			if t != 15 {
				a.Protocols = append(a.Protocols, t)
			}
		}
		a.Groups = append(a.Groups, g)
	}

	if pos+k > len(raw) {
		return Async{}, fmt.Errorf("atr: historical bytes truncated: want %d, have %d", k, len(raw)-pos)
	}
	a.Historical = append([]byte(nil), raw[pos:pos+k]...)
	pos += k

	if needsTCK {
		if pos >= len(raw) {
			return Async{}, fmt.Errorf("atr: missing mandatory TCK")
		}
		a.TCK = raw[pos]
		a.HasTCK = true
		pos++
	} else if pos < len(raw) {
		a.TCK = raw[pos]
		a.HasTCK = true
		pos++
	}

	return a, nil
}

// CheckTCK verifies the XOR of T0 through the last historical byte
// (inclusive) against TCK, when TCK is present.
func (a Async) CheckTCK(raw []byte) bool {
	if !a.HasTCK {
		return true
	}
	var x byte
	for _, b := range raw[1 : len(raw)-1] {
		x ^= b
	}
	return x == a.TCK
}
