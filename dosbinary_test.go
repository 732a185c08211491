package sbt86

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// buildEntryZeroMZ is buildMZ's layout with the entry point pinned to
// offset 0, matching the fixed offsets fakeNdisasm always reports.
func buildEntryZeroMZ(t *testing.T) string {
	t.Helper()

	const headerParagraphs = 2
	headerSize := headerParagraphs * mzHeaderParagraph
	body := []byte{0xB8, 0x01, 0x00, 0xC3} // mov ax,1; ret
	total := headerSize + len(body)
	pages := (total + 511) / 512
	bytesInLastPage := total % 512

	raw := make([]byte, pages*512)
	raw[0], raw[1] = 'M', 'Z'
	binary.LittleEndian.PutUint16(raw[2:], uint16(bytesInLastPage))
	binary.LittleEndian.PutUint16(raw[4:], uint16(pages))
	binary.LittleEndian.PutUint16(raw[8:], headerParagraphs)
	binary.LittleEndian.PutUint16(raw[14:], 0)      // initial SS
	binary.LittleEndian.PutUint16(raw[16:], 0x0100) // initial SP
	binary.LittleEndian.PutUint16(raw[20:], 0)      // initial IP
	binary.LittleEndian.PutUint16(raw[22:], 0)      // initial CS
	binary.LittleEndian.PutUint16(raw[24:], 28)     // reloc table offset

	copy(raw[headerSize:], body)

	dir := t.TempDir()
	path := filepath.Join(dir, "entryzero.exe")
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatalf("write synthetic exe: %v", err)
	}
	return path
}

// fakeNdisasm writes a shell script that stands in for ndisasm: it ignores
// its arguments and stdin entirely and always reports the same two-
// instruction program, "mov ax,1" immediately followed by "ret" at offset 3.
// That's enough instructions to exercise one full subroutine discovery and
// emission pass without a real ndisasm binary in the test environment.
func fakeNdisasm(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-ndisasm.sh")
	script := "#!/bin/sh\ncat <<'EOF'\n" +
		"00000000  B80100            mov ax,1\n" +
		"00000003  C3                ret\n" +
		"EOF\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write fake ndisasm: %v", err)
	}
	return path
}

func newTestDOSBinary(t *testing.T) *DOSBinary {
	t.Helper()
	t.Setenv("SBT86_NDISASM", fakeNdisasm(t))
	bin, err := NewDOSBinary(buildEntryZeroMZ(t), 0x1000)
	if err != nil {
		t.Fatalf("NewDOSBinary: %v", err)
	}
	return bin
}

func TestPatchOverwritesImageBytes(t *testing.T) {
	bin := newTestDOSBinary(t)
	addr := NewAddress(0x1000, 0)
	bin.patch(addr, []byte{0x90, 0x90})
	b0, _ := bin.Image.Peek8(addr)
	b1, _ := bin.Image.Peek8(addr.Add(1))
	if b0 != 0x90 || b1 != 0x90 {
		t.Errorf("patch: got %#02x %#02x, want 0x90 0x90", b0, b1)
	}
}

func TestHookAndPatchAndHook(t *testing.T) {
	bin := newTestDOSBinary(t)
	addr := NewAddress(0x1000, 5)
	bin.hook(addr, "callHost();")
	if got := bin.hooks[addr.Linear]; len(got) != 1 || got[0] != "callHost();" {
		t.Errorf("hooks[addr] = %v, want [\"callHost();\"]", got)
	}

	addr2 := NewAddress(0x1000, 1)
	bin.patchAndHook(addr2, []byte{0x99}, "patched();")
	b, ok := bin.Image.Peek8(addr2)
	if !ok || b != 0x99 {
		t.Errorf("patchAndHook data not applied: got %#02x, ok=%v", b, ok)
	}
	if got := bin.hooks[addr2.Linear]; len(got) != 1 || got[0] != "patched();" {
		t.Errorf("hooks[addr2] = %v, want [\"patched();\"]", got)
	}
}

func TestPatchDynamicBranchRegistersTargets(t *testing.T) {
	bin := newTestDOSBinary(t)
	addr := NewAddress(0x1000, 0)
	targets := []Address{NewAddress(0x1000, 0x10), NewAddress(0x1000, 0x20)}
	bin.patchDynamicBranch(addr, targets, true)

	db, ok := bin.dynamicBranches[addr.Linear]
	if !ok {
		t.Fatal("patchDynamicBranch did not register an entry")
	}
	if !db.IsCall || len(db.Targets) != 2 {
		t.Errorf("got IsCall=%v len(Targets)=%d, want true 2", db.IsCall, len(db.Targets))
	}
}

// TestPatchDynamicLiteralMarksRangeNotValue is the regression test for the
// corrected patchDynamicLiteral semantics: it takes (addr, length) and marks
// a run of linear addresses, it does not search for a specific literal value
// at registration time.
func TestPatchDynamicLiteralMarksRangeNotValue(t *testing.T) {
	bin := newTestDOSBinary(t)
	addr := NewAddress(0x1000, 0)
	bin.patchDynamicLiteral(addr, 3)

	for i := 0; i < 3; i++ {
		if !bin.Image.hasDynLiteralOffset(addr.Add(i).Linear) {
			t.Errorf("offset %d not marked dynamic-literal", i)
		}
	}
	if bin.Image.hasDynLiteralOffset(addr.Add(3).Linear) {
		t.Error("offset 3 should be outside the marked range")
	}
}

func TestTraceRegistersWithAutoNameAndMode(t *testing.T) {
	bin := newTestDOSBinary(t)
	bin.trace("w", "return width == 2;", "logWrite(segment, offset);")
	bin.trace("r", "return 1;", "logRead(segment, offset);")

	if len(bin.traces) != 2 {
		t.Fatalf("len(traces) = %d, want 2", len(bin.traces))
	}
	if bin.traces[0].Name != "trace0" || bin.traces[1].Name != "trace1" {
		t.Errorf("trace names = %q, %q, want trace0, trace1", bin.traces[0].Name, bin.traces[1].Name)
	}
	if bin.traces[0].Mode != "w" || bin.traces[1].Mode != "r" {
		t.Errorf("trace modes = %q, %q, want w, r", bin.traces[0].Mode, bin.traces[1].Mode)
	}
}

func TestAnalyzeDiscoversEntrySubroutineAndIsIdempotent(t *testing.T) {
	bin := newTestDOSBinary(t)
	if err := bin.analyze(); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	entry := bin.Image.EntryPoint()
	sub, ok := bin.subroutines[entry.Linear]
	if !ok {
		t.Fatal("entry point was not discovered as a subroutine")
	}
	if len(sub.Instructions()) != 2 {
		t.Errorf("len(Instructions()) = %d, want 2 (mov, ret)", len(sub.Instructions()))
	}
	if !sub.Labels[entry.Linear] {
		t.Error("entry instruction must carry its own label for renderSubroutine's goto")
	}

	// A second call must be a no-op rather than re-running the DFS.
	subroutineCountBefore := len(bin.subroutines)
	if err := bin.analyze(); err != nil {
		t.Fatalf("second analyze: %v", err)
	}
	if len(bin.subroutines) != subroutineCountBefore {
		t.Errorf("second analyze changed subroutine count: %d -> %d", subroutineCountBefore, len(bin.subroutines))
	}
}

func TestAnalyzeMarksDynamicLiteralBytesPreserved(t *testing.T) {
	bin := newTestDOSBinary(t)
	entry := bin.Image.EntryPoint()
	// mov ax,1 occupies entry..entry+3; mark it dynamic-literal so analyze
	// must preserve its bytes in the emitted static image.
	bin.patchDynamicLiteral(entry, 1)

	if err := bin.analyze(); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	off := bin.Image.offsetOf(entry)
	for i := 0; i < 3; i++ {
		if !bin.Data.preserved[off+i] {
			t.Errorf("byte %d of dynamic-literal instruction not preserved", i)
		}
	}
}

func TestWriteCodeToFileSelfTriggersAnalysisAndEmitsStackWrapping(t *testing.T) {
	bin := newTestDOSBinary(t)
	out := filepath.Join(t.TempDir(), "out.cpp")

	if err := bin.writeCodeToFile(out, "TestGame"); err != nil {
		t.Fatalf("writeCodeToFile: %v", err)
	}
	if !bin.analyzed {
		t.Error("writeCodeToFile did not trigger analysis")
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read emitted file: %v", err)
	}
	src := string(data)
	for _, want := range []string{
		"gStack->pushret();",
		"goto ret;",
		"ret:\ngStack->popret();\nreturn;",
		"class TestGame : public DOSBinary",
	} {
		if !strings.Contains(src, want) {
			t.Errorf("emitted source missing %q", want)
		}
	}
}

func TestWriteCodeToFilePropagatesAnalysisError(t *testing.T) {
	bin := newTestDOSBinary(t)
	// The loaded image is only 4 bytes long; marking a subroutine entry at
	// offset 0x40 makes the disassembler reject the address as outside the
	// loaded image, which analyze must surface as an error rather than
	// silently continuing.
	bin.markSubroutine(NewAddress(0x1000, 0x0040))

	out := filepath.Join(t.TempDir(), "out.cpp")
	if err := bin.writeCodeToFile(out, "TestGame"); err == nil {
		t.Fatal("expected writeCodeToFile to propagate an analysis error")
	}
	if bin.analyzed {
		t.Error("a failed analysis must not be marked analyzed")
	}
}
