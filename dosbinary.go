package sbt86

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// DynamicBranch records one call to patchDynamicBranch: a jmp/call whose
// target set is fixed at build time even though the instruction's operand
// is computed at run time.
type DynamicBranch struct {
	Addr    Address
	Targets []Address
	IsCall  bool
}

// PublishedAddress names a linear address the emitted code exposes through
// getAddress(name), for host-side code to peek/poke driver state.
type PublishedAddress struct {
	Name string
	Addr Address
}

// DOSBinary is the top-level translation unit: one loaded BinaryImage plus
// all of the driver's patch/hook/publish declarations, and the subroutine
// discovery and code emission machinery that consumes them.
//
// This plays the role the original translator's DOSBinary class played:
// driver authors construct one, make a series of patch*/hook/publish*
// calls to describe the self-modifying and dynamically-dispatched regions
// of their target binary, then call writeCodeToFile to emit the
// translated source.
type DOSBinary struct {
	Image *BinaryImage
	Data  *BinaryData
	dis   *Disassembler

	dynamicBranches map[uint32]*DynamicBranch
	hooks           map[uint32][]string
	traces          []*Trace
	published       []PublishedAddress
	decls           []string

	subroutines map[uint32]*Subroutine
	entryOrder  []uint32

	analyzed bool
}

// NewDOSBinary loads path at relocSegment and returns a DOSBinary ready to
// accept patch/hook/publish declarations. The byte range from the start of
// the reloc segment through the entry CS paragraph is preserved by default,
// since it precedes the first instruction analysis will ever reach and so
// would otherwise be zeroed as unreached "code".
func NewDOSBinary(path string, relocSegment uint16) (*DOSBinary, error) {
	img, err := LoadBinaryImage(path, relocSegment)
	if err != nil {
		return nil, err
	}
	data := newBinaryData(img)
	data.markPreserved(NewAddress(img.RelocSegment, 0), int(img.EntryCS)<<4)
	return &DOSBinary{
		Image:           img,
		Data:            data,
		dis:             NewDisassembler(img),
		dynamicBranches: make(map[uint32]*DynamicBranch),
		hooks:           make(map[uint32][]string),
		subroutines:     make(map[uint32]*Subroutine),
	}, nil
}

// patch overwrites a byte range of the static image at build time, for
// drivers that need to neutralize a piece of code or substitute fixed data
// before translation begins.
func (d *DOSBinary) patch(addr Address, data []byte) {
	for i, b := range data {
		d.Image.Poke8(addr.Add(i), b)
	}
}

// hook registers a literal line of emitted C to splice in immediately
// before the instruction at addr's own generated code, e.g. to call back
// into host logic at a specific program point.
func (d *DOSBinary) hook(addr Address, code string) {
	d.hooks[addr.Linear] = append(d.hooks[addr.Linear], code)
}

// patchAndHook is a convenience combinator for the common case of patching
// a byte range and also hooking the first instruction at that address.
func (d *DOSBinary) patchAndHook(addr Address, data []byte, code string) {
	d.patch(addr, data)
	d.hook(addr, code)
}

// patchDynamicBranch registers the fixed target set of an indirect
// jmp/call at addr, so subroutine analysis can follow it statically and
// codegen can emit a dense switch instead of failing with
// DynamicBranchUnpatchedError.
func (d *DOSBinary) patchDynamicBranch(addr Address, targets []Address, isCall bool) {
	d.dynamicBranches[addr.Linear] = &DynamicBranch{Addr: addr, Targets: targets, IsCall: isCall}
}

// patchDynamicLiteral marks the half-open run of length code-segment offsets
// starting at addr as dynamic-literal: any instruction whose own address
// falls in that run has its immediate operands rendered as an indirect
// code-segment read rather than a baked-in constant, and has its full byte
// range preserved in the emitted static-data image.
func (d *DOSBinary) patchDynamicLiteral(addr Address, length int) {
	d.Image.markDynamicLiteralRange(addr, length)
}

// trace registers a memory-access trace: every Indirect operand access
// whose mode (read and/or write, expressed as a string containing 'r'
// and/or 'w') matches mode fires probeSrc/fireSrc, emitted into the output
// file as a pair of static functions and invoked inline at every qualifying
// access site.
func (d *DOSBinary) trace(mode, probeSrc, fireSrc string) {
	d.traces = append(d.traces, &Trace{
		Name:  fmt.Sprintf("trace%d", len(d.traces)),
		Mode:  mode,
		Probe: probeSrc,
		Fire:  fireSrc,
	})
}

// publishAddress exposes addr under name through the emitted getAddress
// dispatch function.
func (d *DOSBinary) publishAddress(name string, addr Address) {
	d.published = append(d.published, PublishedAddress{Name: name, Addr: addr})
}

// publishSubroutine is publishAddress specialized for a callable entry
// point, and additionally guarantees that entry is analyzed as a
// subroutine even if nothing else in the discovered call graph reaches it.
func (d *DOSBinary) publishSubroutine(name string, addr Address) {
	d.publishAddress(name, addr)
	d.markSubroutine(addr)
}

// markSubroutine forces addr to be treated as a subroutine entry point
// during analyze, in addition to any entries discovered via call
// instructions.
func (d *DOSBinary) markSubroutine(addr Address) {
	if _, ok := d.subroutines[addr.Linear]; !ok {
		d.subroutines[addr.Linear] = newSubroutine(addr)
		d.entryOrder = append(d.entryOrder, addr.Linear)
	}
}

// decl registers a literal line of C to splice into the emitted file's
// declaration section, ahead of any subroutine definitions.
func (d *DOSBinary) decl(code string) {
	d.decls = append(d.decls, code)
}

// findCode locates exactly one occurrence of sig in the loaded image and
// returns its match Address as the linear address RelocSegment*16 + file
// offset, split into segment:offset the way NewAddressFromLinear does; it
// is not re-expressed relative to the entry point's segment.
func (d *DOSBinary) findCode(sig *Signature) (Address, error) {
	matches, err := d.findCodeMultiple(sig, 1)
	if err != nil {
		return Address{}, err
	}
	return matches[0], nil
}

// findCodeMultiple locates exactly want occurrences of sig anywhere in the
// loaded image and returns their Addresses in file order.
func (d *DOSBinary) findCodeMultiple(sig *Signature, want int) ([]Address, error) {
	offs := sig.FindAll(d.Image.Data)
	if len(offs) != want {
		matches := make([]Address, len(offs))
		for i, o := range offs {
			matches[i] = NewAddressFromLinear(uint32(int(d.Image.RelocSegment)*16 + o))
		}
		return nil, &SignatureMismatchError{Pattern: sig.Text, Want: want, Got: len(offs), Matches: matches}
	}
	out := make([]Address, len(offs))
	for i, o := range offs {
		out[i] = NewAddressFromLinear(uint32(int(d.Image.RelocSegment)*16 + o))
	}
	return out, nil
}

// findData is findCode's counterpart for data signatures; in this
// translator data and code share one flat image, so the two are
// equivalent, but the method is kept distinct to match driver call sites
// that document intent.
func (d *DOSBinary) findData(sig *Signature) (Address, error) {
	return d.findCode(sig)
}

func (d *DOSBinary) findDataMultiple(sig *Signature, want int) ([]Address, error) {
	return d.findCodeMultiple(sig, want)
}

// peek8 reads a byte from the loaded (and relocated) image.
func (d *DOSBinary) peek8(addr Address) (byte, bool) { return d.Image.Peek8(addr) }

// peek16 reads a little-endian word from the loaded (and relocated) image.
func (d *DOSBinary) peek16(addr Address) (uint16, bool) { return d.Image.Peek16(addr) }

// Analyze is the exported entry point for subroutine discovery, for driver
// programs that live outside this package (such as the sbt86 command-line
// tool) and therefore can't call the lowercase analyze method directly.
func (d *DOSBinary) Analyze() error { return d.analyze() }

// WriteCodeToFile is the exported entry point for writeCodeToFile.
func (d *DOSBinary) WriteCodeToFile(path, className string) error {
	return d.writeCodeToFile(path, className)
}

// analyze runs subroutine discovery starting from the program's entry
// point (and any addresses already marked via markSubroutine/
// publishSubroutine), following call and static/dynamic branch edges
// until the reachable call graph is closed. Every instruction found to
// carry a dynamic literal (see patchDynamicLiteral) has its full byte
// range added to the static-data preserved set, per the invariant that the
// emitted data image must still hold the bytes the running code reads back
// through the code segment.
func (d *DOSBinary) analyze() error {
	if d.analyzed {
		return nil
	}

	d.markSubroutine(d.Image.EntryPoint())

	for i := 0; i < len(d.entryOrder); i++ {
		linear := d.entryOrder[i]
		sub := d.subroutines[linear]
		if err := d.applyDynamicBranches(sub); err != nil {
			return err
		}
		if err := sub.analyze(d.dis); err != nil {
			return err
		}
		for _, in := range sub.Instructions() {
			if in.HasDynamicLiteral() {
				d.Data.markPreserved(in.Addr, in.Length())
			}
		}
		for callee := range sub.CallsTo {
			if _, ok := d.subroutines[callee]; !ok {
				a := NewAddressFromLinear(callee)
				d.subroutines[callee] = newSubroutine(a)
				d.entryOrder = append(d.entryOrder, callee)
			}
		}
	}

	d.analyzed = true
	return nil
}

// applyDynamicBranches decodes every patched dynamic branch address and
// sets DynamicBranch/BranchTargets/BranchIsCall on the Disassembler's cached
// Instruction, so sub's DFS sees them when it reaches that address. Every
// registered entry is applied, not only those inside sub; an address that
// fails to decode is skipped, and an entry on an instruction that is not a
// jmp or call is an InternalError.
func (d *DOSBinary) applyDynamicBranches(sub *Subroutine) error {
	for linear, db := range d.dynamicBranches {
		addr := NewAddressFromLinear(linear)
		in, err := d.dis.Decode(addr)
		if err != nil {
			continue
		}
		if !in.IsUnconditionalJump() && !in.IsCall() {
			return &InternalError{Addr: addr, Reason: "dynamic branch registered on non-branch opcode " + in.Mnemonic}
		}
		in.DynamicBranch = true
		in.BranchTargets = db.Targets
		in.BranchIsCall = db.IsCall
	}
	_ = sub
	return nil
}

// writeCodeToFile renders the full translated program as className's
// emitted source and writes it atomically to path: the file is first
// written to path+".tmp" in the same directory, then renamed into place,
// so a reader never observes a partially written translation.
func (d *DOSBinary) writeCodeToFile(path, className string) error {
	if err := d.analyze(); err != nil {
		return err
	}

	src, err := d.renderSource(className)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(src), 0644); err != nil {
		return &IOFailureError{Op: "write", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &IOFailureError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

func (d *DOSBinary) renderSource(className string) (string, error) {
	subs := make([]*Subroutine, 0, len(d.subroutines))
	for _, s := range d.subroutines {
		subs = append(subs, s)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Entry.Less(subs[j].Entry) })

	bodies := make(map[uint32]string, len(subs))
	for _, sub := range subs {
		body, err := d.renderSubroutine(sub)
		if err != nil {
			return "", err
		}
		bodies[sub.Entry.Linear] = body
	}

	tv := &templateVars{
		ClassName:    className,
		SourcePath:   filepath.Base(d.Image.Path),
		MemorySize:   d.Image.Size(),
		RelocSegment: d.Image.RelocSegment,
		EntryLabel:   d.Image.EntryPoint().Label(),
		Decls:        d.decls,
		StaticData:   toHexArray(compressRLE(d.Data.trim())),
	}
	for _, t := range d.traces {
		tv.Traces = append(tv.Traces, t.codegen())
	}
	for _, sub := range subs {
		tv.Subroutines = append(tv.Subroutines, subroutineView{
			Label: sub.Entry.Label(),
			Body:  bodies[sub.Entry.Linear],
		})
	}
	for _, p := range d.published {
		tv.Published = append(tv.Published, p)
	}

	return renderSkeleton(tv)
}

// renderSubroutine renders sub's body wrapped in the stack abstraction's
// return-marker bracketing: gStack->pushret() before the body runs, a jump
// straight to the entry instruction's label (skipping the declaration-only
// gap between prologue and first statement a C function would otherwise
// need), and a single shared "ret:" exit label where every ret/retf/iret
// converges to pop the marker and return.
func (d *DOSBinary) renderSubroutine(sub *Subroutine) (string, error) {
	ctx := &codegenContext{clockEnable: sub.ClockEnable, traces: d.traces}
	out := fmt.Sprintf("gStack->pushret();\ngoto %s;\n", sub.Entry.Label())
	for _, in := range sub.Instructions() {
		if sub.Labels[in.Addr.Linear] {
			out += fmt.Sprintf("%s:\n", in.Addr.Label())
		}
		for _, h := range d.hooks[in.Addr.Linear] {
			out += h + "\n"
		}
		if isSelfModifyingWrite(in, d) {
			warnf("self-modifying write through the code segment at %s", in.Addr)
		}
		body, err := CodegenOne(in, ctx)
		if err != nil {
			return "", err
		}
		out += body + "\n"
	}
	out += "ret:\ngStack->popret();\nreturn;\n"
	return out, nil
}

// isSelfModifyingWrite reports whether in writes through an Indirect
// operand targeting the code segment, the run-time signal that a program
// is about to modify its own instructions. It does not check whether the
// written offset lies in a patchDynamicLiteral range, so covered writes are
// reported too.
func isSelfModifyingWrite(in *Instruction, d *DOSBinary) bool {
	if len(in.Operands) == 0 {
		return false
	}
	ind, ok := in.Operands[0].(*Indirect)
	if !ok || !ind.IsCodeSegment() {
		return false
	}
	switch in.Mnemonic {
	case "mov", "add", "sub", "and", "or", "xor", "inc", "dec", "not", "neg":
		return true
	}
	return false
}
