package atr

import "fmt"

// SyncSize is the fixed length of a synchronous-card ATR: four header
// bytes, no variable-length interface groups (atr_sync.h's ATR_SYNC_SIZE).
const SyncSize = 4

// syncHistoricalSize is how many of the four bytes are historical/free
// rather than structurally meaningful (atr_sync.h's
// ATR_SYNC_HISTORICAL_SIZE).
const syncHistoricalSize = 2

// Sync is the reader's fixed 4-byte synchronous-card ATR: H1 (category +
// structure id), H2 (protocol type / memory size hint), and two
// historical bytes.
type Sync struct {
	H1, H2, H3, H4 byte
}

// ProtocolType enumerates the bus family a sync ATR's H2 nibble encodes.
type ProtocolType int

const (
	ProtocolUnknown ProtocolType = iota
	ProtocolISO2W
	ProtocolISO3W
	ProtocolISOI2C
	ProtocolOther
	ProtocolRFU
)

// ParseSync builds a Sync ATR from the reader's 4-byte block.
func ParseSync(raw []byte) (Sync, error) {
	if len(raw) < SyncSize {
		return Sync{}, fmt.Errorf("atr: sync ATR too short (%d bytes)", len(raw))
	}
	return Sync{H1: raw[0], H2: raw[1], H3: raw[2], H4: raw[3]}, nil
}

// IsISOStructure reports whether H1's structure-id field (the low two
// bits) names the ISO-7816-10 structure rather than a general or
// proprietary one.
func (s Sync) IsISOStructure() bool { return s.H1&0x03 == 0x00 }

// categoryIndicator is the H3 value (atr_sync.h's
// ATR_SYNC_CATEGORY_INDICATOR) that marks H4 as a DIR data reference
// rather than a free-form historical byte.
const categoryIndicator = 0x10

// HasCategoryIndicator reports whether H3 equals the category-indicator
// value, meaning H4 carries a DIR data reference rather than being a
// purely historical byte.
func (s Sync) HasCategoryIndicator() bool { return s.H3 == categoryIndicator }

// IsDirDataReference reports whether H4's top bit is set, meaning
// DirDataReference names a valid offset into card memory.
func (s Sync) IsDirDataReference() bool { return s.H4&0x80 == 0x80 }

// DirDataReference is the 7-bit offset into card memory where the card's
// directory/ATR-file section begins, valid only when IsDirDataReference
// is true.
func (s Sync) DirDataReference() byte { return s.H4 & 0x7F }

// ProtocolType decodes H2's low nibble per atr_sync.h's protocol-type
// macros: 0x08 signals SDA (treated here as the ISO-7816-10 "other"
// family), 0x09 is 3-wire, 0x0A is 2-wire, 0x0F is reserved.
func (s Sync) ProtocolType() ProtocolType {
	switch s.H2 & 0x0F {
	case 0x0A:
		return ProtocolISO2W
	case 0x09:
		return ProtocolISO3W
	case 0x08:
		return ProtocolOther
	case 0x0F:
		return ProtocolRFU
	default:
		return ProtocolUnknown
	}
}

// LengthToH2 is the synthetic-ATR fallback table: when a reset comes back
// with no ATR at all (the sync probe's fast path, spec §5 "Probing"), the
// sync ICC layer picks an H2 byte from the memory length it discovers
// during length-probing. The low nibbles of these values (0-3) name no
// bus family, so ProtocolType reports ProtocolUnknown for a synthetic ATR.
var LengthToH2 = map[int]byte{
	256:   0xA0,
	1024:  0xA1,
	4096:  0xA2,
	16384: 0xA3,
}

// Historical returns H3 and H4, the two free-form bytes.
func (s Sync) Historical() [syncHistoricalSize]byte {
	return [syncHistoricalSize]byte{s.H3, s.H4}
}
