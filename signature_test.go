package sbt86

import (
	"reflect"
	"testing"
)

func TestNewSignatureParsesAnchorAndWildcards(t *testing.T) {
	sig, err := NewSignature("B8 __ __ : CD 21")
	if err != nil {
		t.Fatalf("NewSignature: %v", err)
	}
	if sig.preLength != 3 {
		t.Errorf("preLength = %d, want 3", sig.preLength)
	}
	if len(sig.bytes) != 5 {
		t.Fatalf("expected 5 pattern bytes, got %d", len(sig.bytes))
	}
	if !sig.wild[1] || !sig.wild[2] {
		t.Error("expected wildcard positions 1 and 2 to be marked wild")
	}
}

func TestNewSignatureRejectsMissingAnchor(t *testing.T) {
	if _, err := NewSignature("B8 00 00"); err == nil {
		t.Error("expected error for pattern without anchor")
	}
}

func TestNewSignatureRejectsOddHexDigits(t *testing.T) {
	if _, err := NewSignature("B8: 0"); err == nil {
		t.Error("expected error for odd digit count")
	}
}

func TestNewSignatureStripsComments(t *testing.T) {
	sig, err := NewSignature("B8 : CD 21 # a DOS interrupt call\n")
	if err != nil {
		t.Fatalf("NewSignature: %v", err)
	}
	if len(sig.bytes) != 3 {
		t.Fatalf("expected 3 pattern bytes after stripping comment, got %d", len(sig.bytes))
	}
}

func TestSignatureFindAll(t *testing.T) {
	sig, err := NewSignature("B8 __ __ : CD 21")
	if err != nil {
		t.Fatalf("NewSignature: %v", err)
	}
	buf := []byte{0x90, 0xB8, 0x34, 0x12, 0xCD, 0x21, 0x90, 0xB8, 0x00, 0x00, 0xCD, 0x21}
	got := sig.FindAll(buf)
	want := []int{4, 10}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FindAll = %v, want %v", got, want)
	}
}

func TestSignatureFindAllNoMatch(t *testing.T) {
	sig, err := NewSignature("FF : FF")
	if err != nil {
		t.Fatalf("NewSignature: %v", err)
	}
	buf := []byte{0x00, 0x01, 0x02}
	if got := sig.FindAll(buf); len(got) != 0 {
		t.Errorf("FindAll = %v, want no matches", got)
	}
}

func TestSignatureMatchesHighBytes(t *testing.T) {
	// Regression guard for the regexp/UTF-8 pitfall this module
	// deliberately avoids: bytes >= 0x80 must match literally.
	sig, err := NewSignature("FF : 80 81")
	if err != nil {
		t.Fatalf("NewSignature: %v", err)
	}
	buf := []byte{0xFF, 0x80, 0x81}
	got := sig.FindAll(buf)
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("FindAll = %v, want [1]", got)
	}
}
