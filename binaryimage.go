package sbt86

import (
	"encoding/binary"
	"os"
)

const mzHeaderParagraph = 16

// mzHeader mirrors the fields of the DOS MZ executable header that the
// translator needs. Field names and offsets follow the format described by
// original_source/scripts/sbt86.py's BinaryImage constructor.
type mzHeader struct {
	Signature      [2]byte
	BytesInLastPage uint16
	Pages          uint16
	RelocItems     uint16
	HeaderParagraphs uint16
	MinAlloc       uint16
	MaxAlloc       uint16
	InitialSS      uint16
	InitialSP      uint16
	Checksum       uint16
	InitialIP      uint16
	InitialCS      uint16
	RelocTableOffset uint16
	OverlayNumber  uint16
}

// BinaryImage holds a loaded, relocated DOS MZ executable: the flat memory
// image as it would appear once the DOS loader applied every fixup, plus the
// header fields a translator needs to locate the entry point and stack.
type BinaryImage struct {
	Path string

	EntryCS uint16
	EntryIP uint16
	StackSS uint16
	StackSP uint16

	// RelocSegment is the paragraph the image is conceptually loaded at.
	// The translator always uses a fixed nominal load segment so that
	// generated code's addresses are stable across inputs.
	RelocSegment uint16

	// Data is the relocated image, indexed from offset 0 — i.e. Data[0]
	// corresponds to linear address RelocSegment*16.
	Data []byte

	// dynLiteralOffsets holds every linear address a driver has marked via
	// patchDynamicLiteral as carrying a self-modified immediate. Membership
	// is keyed by an instruction's own starting address, not by any
	// particular literal's byte position within it.
	dynLiteralOffsets map[uint32]bool
}

// LoadBinaryImage reads, parses, and relocates a DOS MZ executable at path.
func LoadBinaryImage(path string, relocSegment uint16) (*BinaryImage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &IOFailureError{Op: "read", Path: path, Err: err}
	}

	hdr, err := parseMZHeader(path, raw)
	if err != nil {
		return nil, err
	}

	exeSize := exeSize(hdr)
	headerSize := int(hdr.HeaderParagraphs) * mzHeaderParagraph
	if headerSize > len(raw) || exeSize > len(raw) || headerSize > exeSize {
		return nil, &NotAnExecutableError{Path: path}
	}
	image := make([]byte, exeSize-headerSize)
	copy(image, raw[headerSize:exeSize])

	img := &BinaryImage{
		Path:         path,
		EntryCS:      hdr.InitialCS,
		EntryIP:      hdr.InitialIP,
		StackSS:      hdr.InitialSS,
		StackSP:      hdr.InitialSP,
		RelocSegment:      relocSegment,
		Data:              image,
		dynLiteralOffsets: make(map[uint32]bool),
	}

	if err := img.applyRelocations(raw, hdr); err != nil {
		return nil, err
	}

	return img, nil
}

func parseMZHeader(path string, raw []byte) (*mzHeader, error) {
	const minHeader = 28
	if len(raw) < minHeader || raw[0] != 'M' || raw[1] != 'Z' {
		return nil, &NotAnExecutableError{Path: path}
	}
	le16 := func(off int) uint16 { return binary.LittleEndian.Uint16(raw[off:]) }
	hdr := &mzHeader{
		BytesInLastPage:  le16(2),
		Pages:            le16(4),
		RelocItems:       le16(6),
		HeaderParagraphs: le16(8),
		MinAlloc:         le16(10),
		MaxAlloc:         le16(12),
		InitialSS:        le16(14),
		InitialSP:        le16(16),
		Checksum:         le16(18),
		InitialIP:        le16(20),
		InitialCS:        le16(22),
		RelocTableOffset: le16(24),
		OverlayNumber:    le16(26),
	}
	hdr.Signature[0], hdr.Signature[1] = raw[0], raw[1]
	return hdr, nil
}

// exeSize computes the length of the executable image including its header,
// per the MZ format's "last page may be partial" convention.
func exeSize(hdr *mzHeader) int {
	size := int(hdr.Pages) * 512
	if hdr.BytesInLastPage != 0 {
		size -= 512 - int(hdr.BytesInLastPage)
	}
	return size
}

// applyRelocations walks the MZ relocation table and patches each fixup word
// in img.Data by adding RelocSegment, matching the DOS loader's own
// relocation pass. Relocation must run before any disassembly, since it can
// change immediate operand bytes that look like opcodes.
func (img *BinaryImage) applyRelocations(raw []byte, hdr *mzHeader) error {
	tableOff := int(hdr.RelocTableOffset)
	for i := 0; i < int(hdr.RelocItems); i++ {
		entryOff := tableOff + i*4
		if entryOff+4 > len(raw) {
			return &NotAnExecutableError{Path: img.Path}
		}
		// Each fixup's segment:offset is expressed relative to the start
		// of the load module (i.e. the image with its header already
		// stripped), not to the raw file, so it indexes img.Data directly.
		off := binary.LittleEndian.Uint16(raw[entryOff:])
		seg := binary.LittleEndian.Uint16(raw[entryOff+2:])
		linear := int(seg)*16 + int(off)
		if linear < 0 || linear+2 > len(img.Data) {
			continue
		}
		word := binary.LittleEndian.Uint16(img.Data[linear:])
		word += img.RelocSegment
		binary.LittleEndian.PutUint16(img.Data[linear:], word)
	}
	return nil
}

// Peek8 reads a single byte at a linear address expressed relative to
// RelocSegment, i.e. addr.Linear - RelocSegment*16.
func (img *BinaryImage) Peek8(addr Address) (byte, bool) {
	off := img.offsetOf(addr)
	if off < 0 || off >= len(img.Data) {
		return 0, false
	}
	return img.Data[off], true
}

// Peek16 reads a little-endian word at a linear address.
func (img *BinaryImage) Peek16(addr Address) (uint16, bool) {
	off := img.offsetOf(addr)
	if off < 0 || off+2 > len(img.Data) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(img.Data[off:]), true
}

// Poke8 writes a single byte at a linear address, used when a driver
// requests a build-time patch to the static image.
func (img *BinaryImage) Poke8(addr Address, value byte) bool {
	off := img.offsetOf(addr)
	if off < 0 || off >= len(img.Data) {
		return false
	}
	img.Data[off] = value
	return true
}

// markDynamicLiteralRange flags the half-open run of length linear addresses
// starting at addr as carrying a dynamic literal, mirroring the original's
// patchDynamicLiteral(addr, length=1): a run of code-segment offsets, not a
// specific instruction or value.
func (img *BinaryImage) markDynamicLiteralRange(addr Address, length int) {
	for i := 0; i < length; i++ {
		img.dynLiteralOffsets[addr.Add(i).Linear] = true
	}
}

// hasDynLiteralOffset reports whether linear falls inside a range previously
// marked by markDynamicLiteralRange.
func (img *BinaryImage) hasDynLiteralOffset(linear uint32) bool {
	return img.dynLiteralOffsets[linear]
}

func (img *BinaryImage) offsetOf(addr Address) int {
	base := int(img.RelocSegment) * 16
	return int(addr.Linear) - base
}

// EntryPoint returns the Address of the program's initial CS:IP.
func (img *BinaryImage) EntryPoint() Address {
	return NewAddress(img.RelocSegment+img.EntryCS, img.EntryIP)
}

// StackPointer returns the Address of the program's initial SS:SP.
func (img *BinaryImage) StackPointer() Address {
	return NewAddress(img.RelocSegment+img.StackSS, img.StackSP)
}

// Size returns the length of the relocated image in bytes.
func (img *BinaryImage) Size() int {
	return len(img.Data)
}
