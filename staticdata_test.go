package sbt86

import (
	"reflect"
	"testing"
)

func TestCompressRLERunOfZeros(t *testing.T) {
	data := []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x02}
	got := compressRLE(data)
	// 5 zero bytes -> 0x00 0x00 followed by 16-bit count of 3 extra zeros.
	want := []byte{0x01, 0x00, 0x00, 0x03, 0x00, 0x02}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("compressRLE = %v, want %v", got, want)
	}
}

func TestCompressRLESingleZeroNotCompressed(t *testing.T) {
	data := []byte{0x01, 0x00, 0x02}
	got := compressRLE(data)
	want := []byte{0x01, 0x00, 0x02}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("compressRLE = %v, want %v (single zero passes through literally)", got, want)
	}
}

func TestCompressRLENoZeros(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	got := compressRLE(data)
	if !reflect.DeepEqual(got, data) {
		t.Errorf("compressRLE = %v, want unchanged %v", got, data)
	}
}

func TestBinaryDataTrimZeroesUnpreservedBytes(t *testing.T) {
	img := &BinaryImage{RelocSegment: 0x1000, Data: []byte{0xAA, 0xBB, 0xCC, 0xDD}}
	bd := newBinaryData(img)
	bd.markPreserved(NewAddress(0x1000, 1), 2)

	out := bd.trim()
	want := []byte{0x00, 0xBB, 0xCC, 0x00}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("trim() = %v, want %v", out, want)
	}
}

func TestToHexArrayFormat(t *testing.T) {
	got := toHexArray([]byte{0x00, 0x1, 0xFF})
	want := "0x00, 0x01, 0xff"
	if got != want {
		t.Errorf("toHexArray = %q, want %q", got, want)
	}
}
