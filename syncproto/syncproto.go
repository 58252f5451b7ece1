// Package syncproto implements the MCT (memory-card-terminal) command set
// CT-API callers issue against a synchronous memory card: SELECT,
// READ/UPDATE BINARY, VERIFY, and CHANGE REFERENCE DATA, each translated
// into icc.Sync reads/writes and a TLV walk over the card's directory
// structure, and reported back as an ISO-7816-4 status word so the same
// caller code that already understands T=0/T=1 status words can consume
// sync-card results too.
package syncproto

import (
	"github.com/syntech-pro/towitoko-go/apdu"
	"github.com/syntech-pro/towitoko-go/errs"
	"github.com/syntech-pro/towitoko-go/icc"
	"github.com/syntech-pro/towitoko-go/tlv"
)

// Status words this layer synthesizes, per spec §5's "Read/Update use
// P1.P2 = offset" status table.
var (
	swSuccess   = apdu.Response{SW1: 0x90, SW2: 0x00}
	swNotFound  = apdu.Response{SW1: 0x6A, SW2: 0x82}
	swEOF       = apdu.Response{SW1: 0x62, SW2: 0x82}
	swWriteWarn = apdu.Response{SW1: 0x62, SW2: 0x00}
)

// swBlocked builds the "blocked" status word (69 83).
func swBlocked() apdu.Response { return apdu.Response{SW1: 0x69, SW2: 0x83} }

// swTrials builds the "verification failed, n trials remaining" status
// word (63 Cn).
func swTrials(n int) apdu.Response { return apdu.Response{SW1: 0x63, SW2: byte(0xC0 | (n & 0x0F))} }

// FID values SELECT FILE (P1=0x00) special-cases: the whole card, the ATR
// information file, and the directory file.
const (
	fidWholeCard = 0x3F00
	fidATRFile   = 0x2F01
	fidDIRFile   = 0x2F00
)

// TLV tags the directory/AID walk recognizes, per the card's DIR data
// section format: a mono-application card stores its AID directly or
// wrapped in a template, a multi-application card stores a sequence of
// per-application templates.
const (
	tagApplicationID = 0x4F
	tagTemplate      = 0x61
	tagSequence      = 0x30
	tagPath          = 0x51
)

// maxAIDLen bounds the AID bytes SELECT FILE (P1=0x04) compares against.
const maxAIDLen = 16

// Card wraps an icc.Sync card, exposing it as a tlv.Source and tracking
// which file (by address range into the card's flat memory) is currently
// selected.
type Card struct {
	sync *icc.Sync

	selectedAt, selectedLen int
	hasSelection            bool
}

// New wraps sync, an already-probed synchronous memory card.
func New(sync *icc.Sync) *Card {
	return &Card{sync: sync}
}

// GetData implements tlv.Source by reading directly off the card.
func (c *Card) GetData(address, length int) ([]byte, error) {
	buf, e := c.sync.Read(uint16(address), length)
	if e != nil {
		return nil, e
	}
	return buf, nil
}

// Select resolves a file by FID (p1 == 0x00, data holding the 2-byte FID)
// or by AID (p1 == 0x04, data holding up to 16 AID bytes), narrowing
// subsequent Read/UpdateBinary calls to the resolved address range.
func (c *Card) Select(p1 byte, data []byte) apdu.Response {
	switch p1 {
	case 0x00:
		return c.selectByFID(data)
	case 0x04:
		return c.selectByAID(data)
	default:
		return swNotFound
	}
}

func (c *Card) selectWindow(addr, length int) apdu.Response {
	c.selectedAt, c.selectedLen, c.hasSelection = addr, length, true
	return swSuccess
}

func (c *Card) selectObject(o tlv.Object) apdu.Response {
	return c.selectWindow(o.Address, o.RawLength())
}

// dirObject reads the TLV node the ATR's H3/H4 category indicator and DIR
// data reference point to, the root of the card's directory structure.
func (c *Card) dirObject() (tlv.Object, bool) {
	a := c.sync.ATR
	if a == nil || !a.HasCategoryIndicator() || !a.IsDirDataReference() {
		return tlv.Object{}, false
	}
	obj, err := tlv.New(c, int(a.DirDataReference()))
	if err != nil {
		return tlv.Object{}, false
	}
	return obj, true
}

// selectByFID implements SELECT FILE by FID: 3F00 selects the whole card,
// 2F01 selects the ATR information file (the memory between the fixed
// 4-byte ATR and wherever the DIR data reference begins), 2F00 selects
// the DIR file itself; any other FID is not found.
func (c *Card) selectByFID(data []byte) apdu.Response {
	if len(data) < 2 {
		return apdu.Response{SW1: 0x6A, SW2: 0x86}
	}
	fid := uint16(data[0])<<8 | uint16(data[1])

	switch fid {
	case fidWholeCard:
		return c.selectWindow(0, c.sync.MemoryLen)

	case fidATRFile:
		a := c.sync.ATR
		if a == nil || !a.HasCategoryIndicator() || !a.IsDirDataReference() {
			return swNotFound
		}
		ref := int(a.DirDataReference())
		if ref <= 4 || c.sync.MemoryLen <= 4 {
			return swNotFound
		}
		end := ref
		if c.sync.MemoryLen < end {
			end = c.sync.MemoryLen
		}
		return c.selectWindow(4, end-4)

	case fidDIRFile:
		dir, ok := c.dirObject()
		if !ok {
			return swNotFound
		}
		return c.selectObject(dir)

	default:
		return swNotFound
	}
}

// selectByAID implements SELECT FILE by AID, walking the DIR data
// section's directory structure: a bare application-id object, an
// application-id wrapped in a template, or a sequence of per-application
// templates (a multi-application card).
func (c *Card) selectByAID(data []byte) apdu.Response {
	aid := data
	if len(aid) > maxAIDLen {
		aid = aid[:maxAIDLen]
	}

	dir, ok := c.dirObject()
	if !ok {
		return swNotFound
	}

	switch dir.Tag {
	case tagApplicationID:
		if !tlv.CompareValue(dir, aid) {
			return swNotFound
		}
		app, err := tlv.New(c, dir.Shift())
		if err != nil {
			return swNotFound
		}
		return c.selectObject(app)

	case tagTemplate:
		aidObj, found, err := tlv.GetObjectByTag(c, dir.ValueAddress(), dir.Shift(), tagApplicationID)
		if err != nil || !found || !tlv.CompareValue(aidObj, aid) {
			return swNotFound
		}
		app, err := tlv.New(c, dir.Shift())
		if err != nil {
			return swNotFound
		}
		return c.selectObject(app)

	case tagSequence:
		return c.selectByAIDSequence(dir, aid)

	default:
		return swNotFound
	}
}

// selectByAIDSequence walks a multi-application DIR sequence's per-app
// templates looking for one whose AID child matches aid, then resolves
// the sibling PATH child's value to an address and selects the TLV object
// found there.
func (c *Card) selectByAIDSequence(dir tlv.Object, aid []byte) apdu.Response {
	resp := swNotFound
	err := tlv.Iterate(c, dir.ValueAddress(), dir.Shift(), func(tmpl tlv.Object) bool {
		aidObj, found, err := tlv.GetObjectByTag(c, tmpl.ValueAddress(), tmpl.Shift(), tagApplicationID)
		if err != nil || !found || !tlv.CompareValue(aidObj, aid) {
			return true
		}
		pathObj, found, err := tlv.GetObjectByTag(c, tmpl.ValueAddress(), tmpl.Shift(), tagPath)
		if err != nil || !found || len(pathObj.Value) == 0 {
			return true
		}
		path := pathObj.Value
		addr := int(path[len(path)-1])
		if len(path) >= 2 {
			addr = int(path[len(path)-2])<<8 | addr
		}
		app, err := tlv.New(c, addr)
		if err != nil {
			return true
		}
		resp = c.selectObject(app)
		return false
	})
	if err != nil {
		return swNotFound
	}
	return resp
}

// ReadBinary reads length bytes at offset within the selected file (or
// from the start of card memory if nothing is selected).
func (c *Card) ReadBinary(offset, length int) ([]byte, apdu.Response) {
	base := 0
	limit := c.sync.MemoryLen
	if c.hasSelection {
		base = c.selectedAt
		limit = c.selectedAt + c.selectedLen
	}
	addr := base + offset
	if addr >= limit {
		return nil, swEOF
	}
	if addr+length > limit {
		length = limit - addr
	}
	data, e := c.sync.Read(uint16(addr), length)
	if e != nil {
		return nil, apdu.Response{SW1: 0x6F, SW2: 0x00}
	}
	return data, swSuccess
}

// UpdateBinary writes data at offset within the selected file.
func (c *Card) UpdateBinary(offset int, data []byte) apdu.Response {
	base := 0
	if c.hasSelection {
		base = c.selectedAt
	}
	addr := uint16(base + offset)
	if e := c.sync.Write(addr, data); e != nil {
		if errs.Is(e, errs.ROError) {
			return swWriteWarn
		}
		return apdu.Response{SW1: 0x6F, SW2: 0x00}
	}
	return swSuccess
}

// Verify submits pin for PIN verification, translating icc.Sync's trial
// accounting into the matching ISO-7816-4 status word.
func (c *Card) Verify(pin []byte) apdu.Response {
	if e := c.sync.EnterPin(pin); e != nil {
		if errs.Is(e, errs.BlockedError) {
			return swBlocked()
		}
		trials, _ := c.sync.ReadTrials()
		return swTrials(trials)
	}
	return swSuccess
}

// ChangeReferenceData replaces the card's PIN, requiring that oldPIN
// verify first.
func (c *Card) ChangeReferenceData(oldPIN, newPIN []byte) apdu.Response {
	if resp := c.Verify(oldPIN); !resp.Success() {
		return resp
	}
	if e := c.sync.ChangePin(newPIN); e != nil {
		return apdu.Response{SW1: 0x6F, SW2: 0x00}
	}
	return swSuccess
}
