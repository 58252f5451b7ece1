// Package slot implements the per-slot orchestrator: it owns one
// ifd.Framer and, once a card is probed, the ICC and protocol engine
// above it (icc.Sync+syncproto, or icc.Async+t0/t1), routing a single
// command(apdu) -> response(apdu) operation to whichever is active.
// Resource ownership is strictly hierarchical -- Slot owns ICC owns IFD
// owns the transport -- and teardown is always LIFO, on every exit path
// including errors.
package slot

import (
	"log"

	"github.com/syntech-pro/towitoko-go/apdu"
	"github.com/syntech-pro/towitoko-go/errs"
	"github.com/syntech-pro/towitoko-go/icc"
	"github.com/syntech-pro/towitoko-go/ifd"
	"github.com/syntech-pro/towitoko-go/pps"
	"github.com/syntech-pro/towitoko-go/syncproto"
	"github.com/syntech-pro/towitoko-go/t0"
	"github.com/syntech-pro/towitoko-go/t1"
	"github.com/syntech-pro/towitoko-go/transport"
)

// State is the closed sum of what a Slot currently holds: Empty (no
// card), SyncCard, or AsyncCard -- mirroring the original driver's
// tagged-pointer ICC/engine pair as an explicit Go enum instead.
type State int

const (
	Empty State = iota
	SyncCard
	AsyncCard
)

func (s State) String() string {
	switch s {
	case SyncCard:
		return "sync"
	case AsyncCard:
		return "async"
	default:
		return "empty"
	}
}

// Protocol names the transmission protocol an AsyncCard slot is driving.
type Protocol int

const (
	NoProtocol Protocol = iota
	ProtoT0
	ProtoT1
)

// MCT instruction bytes the sync-card command path recognizes, per the
// ISO-7816-4 subset the memory-card layer implements.
const (
	insSelectFile    = 0xA4
	insReadBinary    = 0xB0
	insUpdateBinary  = 0xD6
	insVerify        = 0x20
	insChangeRefData = 0x24
)

// ctBCSNoCard is the fixed CT-BCS response synthesized when a command is
// attempted against an empty slot: "ICC error", card removed or never
// present.
var ctBCSNoCard = apdu.Response{SW1: 0x6F, SW2: 0x00}

// Config carries the policy knobs the original driver gated on
// compile-time flags: which bus to try first when probing, and the PPS
// parameters (if any) to negotiate on an async card.
type Config struct {
	// AsyncFirst reverses the default sync-first probe order.
	AsyncFirst bool
	// PPS, if non-nil, is attempted after an async card's ATR is read.
	// A nil PPS leaves the card at its ATR-default Fi/Di/protocol.
	PPS *pps.Request
}

// Slot is a tagged owner of an ICC and the protocol engine above it.
type Slot struct {
	f      *ifd.Framer
	cfg    Config
	state  State
	proto  Protocol

	sync *icc.Sync
	card *syncproto.Card

	async *icc.Async
	t0eng *t0.Engine
	t1eng *t1.Engine
}

// Open brings up the reader on tr for the given slot index and returns a
// Slot ready to Probe.
func Open(tr transport.SerialTransport, s ifd.Slot, cfg Config) (*Slot, *errs.Error) {
	f := ifd.New(tr)
	if e := f.Open(s); e != nil {
		return nil, e
	}
	return &Slot{f: f, cfg: cfg}, nil
}

// IsLast reports whether this Slot drives the last (highest-numbered)
// slot of a multi-slot reader, information the CT-API adapter layer
// above this module needs for its fixed reader/slot context matrix.
func (s *Slot) IsLast() bool {
	return int(s.f.SlotIndex())+1 >= s.f.NumSlots()
}

// Info returns the underlying reader's identity snapshot.
func (s *Slot) Info() ifd.Info { return s.f.Info() }

// State reports which kind of card, if any, is currently active.
func (s *Slot) State() State { return s.state }

// Probe looks for a card and brings up whichever engine applies: it
// tries sync first (unless Config.AsyncFirst), falling through to async
// (plus PPS, if configured) on failure. A Probe call when a card is
// already active first releases it.
func (s *Slot) Probe() *errs.Error {
	if s.state != Empty {
		if e := s.Release(); e != nil {
			return e
		}
	}

	order := []func() *errs.Error{s.probeSync, s.probeAsync}
	if s.cfg.AsyncFirst {
		order = []func() *errs.Error{s.probeAsync, s.probeSync}
	}

	var last *errs.Error
	for _, try := range order {
		if e := try(); e == nil {
			return nil
		} else {
			last = e
		}
	}
	return last
}

func (s *Slot) probeSync() *errs.Error {
	sc, e := icc.Probe(s.f)
	if e != nil {
		return e
	}
	s.sync = sc
	s.card = syncproto.New(sc)
	s.state = SyncCard
	log.Printf("[INFO] slot: slot %d holds a sync card (%s, %d bytes)", s.f.SlotIndex(), sc.Type, sc.MemoryLen)
	return nil
}

func (s *Slot) probeAsync() *errs.Error {
	a, e := icc.Init(s.f)
	if e != nil {
		return e
	}

	protocol := a.ATR.FirstOffered()
	if s.cfg.PPS != nil {
		req := *s.cfg.PPS
		if req.Protocol == 0 && req.Fi == 0 && req.Di == 0 {
			req.Protocol = protocol
		}
		res, e := pps.Negotiate(a, req)
		if e != nil {
			a.Close()
			return e
		}
		a.SetParameters(res.Fi, res.Di, a.WI)
		protocol = res.Protocol
	}

	s.async = a
	switch protocol {
	case 1:
		s.t1eng = t1.New(a)
		s.proto = ProtoT1
	default:
		s.t0eng = t0.New(a)
		s.proto = ProtoT0
	}
	s.state = AsyncCard
	log.Printf("[INFO] slot: slot %d holds an async card (%s)", s.f.SlotIndex(), a)
	return nil
}

// Command runs one ISO-7816-4 command APDU to completion and returns its
// response APDU, routed to whichever engine is active. Against an empty
// slot -- no card, or the card was removed -- it synthesizes the fixed
// CT-BCS "ICC error" response rather than returning a transport error,
// per the reader's own card-removal convention.
func (s *Slot) Command(raw []byte) ([]byte, *errs.Error) {
	if s.state == Empty {
		return encode(ctBCSNoCard), nil
	}

	cmd, err := apdu.Parse(raw)
	if err != nil {
		return nil, errs.Wrap(errs.ParamError, "slot.Command", err)
	}

	var resp apdu.Response
	var e *errs.Error
	switch s.state {
	case SyncCard:
		resp, e = s.commandSync(cmd)
	case AsyncCard:
		resp, e = s.commandAsync(cmd, raw)
	}
	if e != nil {
		return nil, e
	}
	return encode(resp), nil
}

func (s *Slot) commandAsync(cmd apdu.Command, raw []byte) (apdu.Response, *errs.Error) {
	switch s.proto {
	case ProtoT1:
		data, e := s.t1eng.Transmit(raw)
		if e != nil {
			return apdu.Response{}, e
		}
		resp, err := apdu.ParseResponse(data)
		if err != nil {
			return apdu.Response{}, errs.Wrap(errs.ProtocolError, "slot.commandAsync", err)
		}
		return resp, nil
	default:
		return s.t0eng.Transmit(cmd)
	}
}

func (s *Slot) commandSync(cmd apdu.Command) (apdu.Response, *errs.Error) {
	switch cmd.INS {
	case insSelectFile:
		return s.card.Select(cmd.P1, cmd.Data), nil

	case insReadBinary:
		offset := int(cmd.P1)<<8 | int(cmd.P2)
		want := cmd.Le
		if want == 0 {
			want = 256
		}
		data, resp := s.card.ReadBinary(offset, want)
		resp.Data = data
		return resp, nil

	case insUpdateBinary:
		offset := int(cmd.P1)<<8 | int(cmd.P2)
		return s.card.UpdateBinary(offset, cmd.Data), nil

	case insVerify:
		return s.card.Verify(cmd.Data), nil

	case insChangeRefData:
		if len(cmd.Data) < 2 {
			return apdu.Response{SW1: 0x6A, SW2: 0x86}, nil
		}
		half := len(cmd.Data) / 2
		return s.card.ChangeReferenceData(cmd.Data[:half], cmd.Data[half:]), nil

	default:
		return apdu.Response{SW1: 0x6D, SW2: 0x00}, nil
	}
}

func encode(r apdu.Response) []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	return append(out, r.SW1, r.SW2)
}

// Release tears down whatever card/engine is active, in the reverse of
// build order (engine has no separate teardown, so this is ICC then
// IFD-level deactivation), leaving the Slot empty and ready for another
// Probe. It is a no-op on an already-empty slot.
func (s *Slot) Release() *errs.Error {
	switch s.state {
	case SyncCard:
		e := s.sync.Close()
		s.sync, s.card = nil, nil
		s.state = Empty
		return e
	case AsyncCard:
		e := s.async.Close()
		s.async, s.t0eng, s.t1eng = nil, nil, nil
		s.proto = NoProtocol
		s.state = Empty
		return e
	default:
		return nil
	}
}

// Close releases any active card and closes the underlying transport.
// After Close the Slot must not be used again.
func (s *Slot) Close() error {
	if e := s.Release(); e != nil {
		log.Printf("[ERROR] slot: release during close: %s", e)
	}
	return s.f.Close()
}
