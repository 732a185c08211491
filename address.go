package sbt86

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a 16-bit real mode segment:offset pair, together with its
// derived 20-bit linear address. Two Addresses with the same linear value
// are considered equal even if their segment/offset split differs.
type Address struct {
	Segment uint16
	Offset  uint16
	Linear  uint32
}

// NewAddress builds an Address from a segment and offset, normalizing any
// offset overflow into the segment the way real-mode effective address
// computation does.
func NewAddress(segment, offset uint16) Address {
	return fromParts(uint32(segment), uint32(offset))
}

// NewAddressFromLinear builds an Address from a bare linear value, splitting
// it into a segment:offset pair the same way real-mode hardware would favor
// a paragraph-aligned segment: Segment*16+Offset reconstructs linear exactly,
// so subsequent Add/End/directTarget arithmetic never silently wraps modulo
// 0x10000 for linear values at or beyond that point (guaranteed as soon as
// RelocSegment reaches 0x1000, the CLI's own default).
func NewAddressFromLinear(linear uint32) Address {
	return Address{
		Segment: uint16(linear >> 4),
		Offset:  uint16(linear & 0xF),
		Linear:  linear,
	}
}

// ParseAddress parses a "SSSS:OOOO" or bare "OOOO" hexadecimal string, as
// produced by ndisasm and used in signature/patch text.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		segText, offText := s[:idx], s[idx+1:]
		seg, err := strconv.ParseUint(segText, 16, 32)
		if err != nil {
			return Address{}, fmt.Errorf("parse address %q: bad segment: %w", s, err)
		}
		off, err := strconv.ParseUint(offText, 16, 32)
		if err != nil {
			return Address{}, fmt.Errorf("parse address %q: bad offset: %w", s, err)
		}
		return NewAddress(uint16(seg), uint16(off)), nil
	}
	off, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	return NewAddress(0, uint16(off)), nil
}

func fromParts(segment, offset uint32) Address {
	segment += (offset >> 16) << 12
	offset &= 0xFFFF
	return Address{
		Segment: uint16(segment),
		Offset:  uint16(offset),
		Linear:  (segment << 4) + offset,
	}
}

// Add returns the Address reached by adding a scalar byte count to this
// Address's offset, carrying any overflow into the segment.
func (a Address) Add(delta int) Address {
	return fromParts(uint32(a.Segment), uint32(int64(a.Offset)+int64(delta)))
}

// AddAddress adds two Addresses component-wise, as the original combines a
// segment-only base with an offset-only displacement.
func (a Address) AddAddress(b Address) Address {
	return fromParts(uint32(a.Segment)+uint32(b.Segment), uint32(a.Offset)+uint32(b.Offset))
}

// Less orders Addresses by their linear value, used to sort a subroutine's
// instructions for emission.
func (a Address) Less(b Address) bool {
	return a.Linear < b.Linear
}

// Equal reports whether two Addresses have the same linear value.
func (a Address) Equal(b Address) bool {
	return a.Linear == b.Linear
}

// Label renders the conventional "loc_<hex linear>" symbol name for this
// Address, used for goto labels in emitted code.
func (a Address) Label() string {
	return fmt.Sprintf("loc_%X", a.Linear)
}

// String renders the Address in "SSSS:OOOO" form.
func (a Address) String() string {
	return fmt.Sprintf("%04X:%04X", a.Segment, a.Offset)
}
