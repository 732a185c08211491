package sbt86

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildMZ assembles a minimal synthetic MZ executable: a two-paragraph
// header, a relocation table with a single fixup word, and a body long
// enough to hold the fixup plus a few bytes of "code".
func buildMZ(t *testing.T) string {
	t.Helper()

	const headerParagraphs = 2
	headerSize := headerParagraphs * mzHeaderParagraph
	body := []byte{
		0x34, 0x12, // word that will be relocated
		0xB8, 0x01, 0x00, // mov ax, 1
		0xCD, 0x20, // int 20h
	}
	total := headerSize + len(body)
	pages := (total + 511) / 512
	bytesInLastPage := total % 512

	raw := make([]byte, pages*512)
	raw[0], raw[1] = 'M', 'Z'
	binary.LittleEndian.PutUint16(raw[2:], uint16(bytesInLastPage))
	binary.LittleEndian.PutUint16(raw[4:], uint16(pages))
	binary.LittleEndian.PutUint16(raw[6:], 1) // one reloc entry
	binary.LittleEndian.PutUint16(raw[8:], headerParagraphs)
	binary.LittleEndian.PutUint16(raw[14:], 0) // initial SS
	binary.LittleEndian.PutUint16(raw[16:], 0x0100) // initial SP
	binary.LittleEndian.PutUint16(raw[20:], 0x0002) // initial IP (points at mov)
	binary.LittleEndian.PutUint16(raw[22:], 0)       // initial CS
	binary.LittleEndian.PutUint16(raw[24:], 28)       // reloc table offset
	// reloc entry: offset 0, segment 0 (relative to load segment)
	binary.LittleEndian.PutUint16(raw[28:], 0)
	binary.LittleEndian.PutUint16(raw[30:], 0)

	copy(raw[headerSize:], body)

	dir := t.TempDir()
	path := filepath.Join(dir, "test.exe")
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatalf("write synthetic exe: %v", err)
	}
	return path
}

func TestLoadBinaryImageParsesHeaderAndRelocates(t *testing.T) {
	path := buildMZ(t)
	img, err := LoadBinaryImage(path, 0x1000)
	if err != nil {
		t.Fatalf("LoadBinaryImage: %v", err)
	}

	if img.EntryIP != 0x0002 || img.EntryCS != 0 {
		t.Errorf("entry = %04x:%04x, want 0000:0002", img.EntryCS, img.EntryIP)
	}

	word, ok := img.Peek16(NewAddress(0x1000, 0))
	if !ok {
		t.Fatal("Peek16 at offset 0 failed")
	}
	if want := uint16(0x1234) + 0x1000; word != want {
		t.Errorf("relocated word = %#04x, want %#04x", word, want)
	}
}

func TestLoadBinaryImageRejectsNonMZ(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.exe")
	if err := os.WriteFile(path, []byte("not an exe"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := LoadBinaryImage(path, 0x1000)
	if _, ok := err.(*NotAnExecutableError); !ok {
		t.Errorf("got error %v (%T), want *NotAnExecutableError", err, err)
	}
}

func TestEntryPointAndStackPointer(t *testing.T) {
	path := buildMZ(t)
	img, err := LoadBinaryImage(path, 0x2000)
	if err != nil {
		t.Fatalf("LoadBinaryImage: %v", err)
	}
	ep := img.EntryPoint()
	if ep.Segment != 0x2000 || ep.Offset != 0x0002 {
		t.Errorf("EntryPoint = %s, want 2000:0002", ep)
	}
	sp := img.StackPointer()
	if sp.Segment != 0x2000 || sp.Offset != 0x0100 {
		t.Errorf("StackPointer = %s, want 2000:0100", sp)
	}
}
