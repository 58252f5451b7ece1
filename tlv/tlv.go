// Package tlv walks BER-TLV encoded byte strings stored on a sync memory
// card, mirroring the original driver's TLV_Object abstraction: a tag,
// length, and value pulled from an arbitrary byte source via a callback
// rather than a fully-materialized buffer, since memory-card reads are
// themselves bounded and slow.
package tlv

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// Source supplies length bytes starting at address; it's the callback
// the original driver's TLV_Object_GetData typedef models, letting a TLV
// walk pull directly from sync-card memory without reading the whole
// card up front.
type Source interface {
	GetData(address, length int) ([]byte, error)
}

// Object is one parsed TLV node: its tag, length, value, and the address
// in Source it was read from (so callers can compute where the next
// sibling object starts).
type Object struct {
	Address int
	Tag     uint32
	Length  int
	Value   []byte
}

// tagClass bits, per BER-TLV's first tag byte.
const (
	ClassUniversal   = 0x00
	ClassApplication = 0x40
	ClassContext     = 0x80
	ClassPrivate     = 0xC0
)

// IsConstructed reports whether the tag's constructed bit (0x20 in the
// first byte) is set.
func (o Object) IsConstructed() bool { return o.Tag>>((tagByteCount(o.Tag)-1)*8)&0x20 != 0 }

// Class extracts the class bits from the tag's first byte.
func (o Object) Class() int {
	shift := (tagByteCount(o.Tag) - 1) * 8
	return int(o.Tag>>shift) & 0xC0
}

func tagByteCount(tag uint32) int {
	switch {
	case tag > 0xFFFFFF:
		return 4
	case tag > 0xFFFF:
		return 3
	case tag > 0xFF:
		return 2
	default:
		return 1
	}
}

// New reads one TLV object starting at address from src.
func New(src Source, address int) (Object, error) {
	head, err := src.GetData(address, 2)
	if err != nil {
		return Object{}, fmt.Errorf("tlv: reading tag/length at %d: %w", address, err)
	}

	tag := uint32(head[0])
	pos := address + 1
	if head[0]&0x1F == 0x1F {
		for {
			b, err := src.GetData(pos, 1)
			if err != nil {
				return Object{}, fmt.Errorf("tlv: reading multi-byte tag at %d: %w", pos, err)
			}
			tag = tag<<8 | uint32(b[0])
			pos++
			if b[0]&0x80 == 0 {
				break
			}
		}
	}

	lenByte, err := src.GetData(pos, 1)
	if err != nil {
		return Object{}, fmt.Errorf("tlv: reading length at %d: %w", pos, err)
	}
	pos++

	length := int(lenByte[0])
	if lenByte[0]&0x80 != 0 {
		n := int(lenByte[0] & 0x7F)
		ext, err := src.GetData(pos, n)
		if err != nil {
			return Object{}, fmt.Errorf("tlv: reading extended length at %d: %w", pos, err)
		}
		length = 0
		for _, b := range ext {
			length = length<<8 | int(b)
		}
		pos += n
	}

	value, err := src.GetData(pos, length)
	if err != nil {
		return Object{}, fmt.Errorf("tlv: reading value at %d (%d bytes): %w", pos, length, err)
	}

	return Object{Address: address, Tag: tag, Length: length, Value: value}, nil
}

// RawLength is the total on-wire size of o, including its tag and length
// prefix, i.e. where the next sibling object begins relative to Address.
func (o Object) RawLength() int {
	headerLen := tagByteCount(o.Tag) + 1
	if o.Length >= 0x80 {
		for n := o.Length; n > 0; n >>= 8 {
			headerLen++
		}
	}
	return headerLen + o.Length
}

// Shift returns the address of the object immediately following o.
func (o Object) Shift() int { return o.Address + o.RawLength() }

// ValueAddress returns the address where o's value begins, i.e. where a
// constructed object's children start.
func (o Object) ValueAddress() int { return o.Shift() - o.Length }

// Iterate walks sibling TLV objects starting at address until limit is
// reached, calling fn with each one; it stops at the first parse error or
// when fn returns false.
func Iterate(src Source, address, limit int, fn func(Object) bool) error {
	pos := address
	for pos < limit {
		obj, err := New(src, pos)
		if err != nil {
			return err
		}
		if !fn(obj) {
			return nil
		}
		pos = obj.Shift()
	}
	return nil
}

// GetObjectByTag returns the first sibling object (in [address, limit))
// whose tag matches want.
func GetObjectByTag(src Source, address, limit int, want uint32) (Object, bool, error) {
	var found Object
	ok := false
	err := Iterate(src, address, limit, func(o Object) bool {
		if o.Tag == want {
			found, ok = o, true
			return false
		}
		return true
	})
	return found, ok, err
}

// GetObjectBySequence returns the object at the given zero-based sibling
// index within [address, limit). Each call walks and collects every
// sibling in the range, then indexes the collected list.
func GetObjectBySequence(src Source, address, limit, index int) (Object, bool, error) {
	var all []Object
	err := Iterate(src, address, limit, func(o Object) bool {
		all = append(all, o)
		return true
	})
	if err != nil {
		return Object{}, false, err
	}
	if index < 0 || index >= len(all) {
		return Object{}, false, nil
	}
	return all[index], true, nil
}

// CompareValue reports whether o's value equals want.
func CompareValue(o Object, want []byte) bool {
	return slices.Equal(o.Value, want)
}
