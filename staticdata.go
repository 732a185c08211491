package sbt86

import "fmt"

// BinaryData tracks which byte ranges of a BinaryImage must be preserved in
// the emitted static data image, and renders that preserved data as a
// compressed C initializer.
//
// A byte range becomes part of the preservation set only through
// markPreserved: NewDOSBinary marks the region before the entry CS, and
// analysis marks every instruction that carries a dynamic literal. Every
// other byte, whether it was disassembled as code or never reached, is
// zeroed in the emitted image.
type BinaryData struct {
	image     *BinaryImage
	preserved []bool
}

// newBinaryData creates a BinaryData over img with every byte initially
// marked not-preserved.
func newBinaryData(img *BinaryImage) *BinaryData {
	return &BinaryData{
		image:     img,
		preserved: make([]bool, img.Size()),
	}
}

// markPreserved flags the half-open byte range [addr, addr+length) as data
// that must survive into the emitted static image.
func (b *BinaryData) markPreserved(addr Address, length int) {
	off := b.image.offsetOf(addr)
	for i := 0; i < length; i++ {
		idx := off + i
		if idx >= 0 && idx < len(b.preserved) {
			b.preserved[idx] = true
		}
	}
}

// trim builds the final byte image to embed: image.Data with every
// not-preserved byte replaced by zero.
func (b *BinaryData) trim() []byte {
	out := make([]byte, len(b.image.Data))
	copy(out, b.image.Data)
	for i, keep := range b.preserved {
		if !keep {
			out[i] = 0
		}
	}
	return out
}

// compressRLE applies the emitted data format's zero-run compression: a run
// of two or more zero bytes is replaced by two literal zero bytes followed
// by a 16-bit little-endian count of *additional* zero bytes beyond those
// two (so a run of length N >= 2 encodes as 0x00 0x00 lo(N-2) hi(N-2)).
func compressRLE(data []byte) []byte {
	var out []byte
	i := 0
	for i < len(data) {
		if data[i] == 0 {
			j := i
			for j < len(data) && data[j] == 0 {
				j++
			}
			runLen := j - i
			if runLen >= 2 {
				extra := runLen - 2
				out = append(out, 0, 0, byte(extra&0xFF), byte((extra>>8)&0xFF))
				i = j
				continue
			}
		}
		out = append(out, data[i])
		i++
	}
	return out
}

// toHexArray renders data as a comma-separated sequence of "0xNN" tokens,
// wrapped at a fixed column width, suitable for splicing into a C array
// initializer in the emitted source template.
func toHexArray(data []byte) string {
	const perLine = 16
	var out []byte
	for i, b := range data {
		if i > 0 {
			out = append(out, ',')
			if i%perLine == 0 {
				out = append(out, '\n')
			} else {
				out = append(out, ' ')
			}
		}
		out = append(out, []byte(fmt.Sprintf("0x%02x", b))...)
	}
	return string(out)
}
