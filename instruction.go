package sbt86

import (
	"strconv"
	"strings"
)

// successorKind classifies how control flow continues after an Instruction,
// driving both the subroutine DFS and the emitted goto/return shape.
type successorKind int

const (
	successorFallthrough successorKind = iota
	successorBranch
	successorCall
	successorNone
)

// Instruction is one decoded 8086 instruction: its address, raw encoded
// bytes, mnemonic, operands, and the successor addresses control flow may
// take after it executes.
type Instruction struct {
	Addr    Address
	Raw     []byte
	Mnemonic string
	Rep      string // "", "rep", "repe", "repz", "repne", "repnz" - a merged string prefix
	Operands []Operand

	// DynamicBranch is true when this instruction is an indirect jmp/call
	// whose target set was registered by the driver via patchDynamicBranch.
	DynamicBranch  bool
	BranchTargets  []Address
	BranchIsCall   bool
}

// Length returns the number of encoded bytes this instruction occupies.
func (in *Instruction) Length() int { return len(in.Raw) }

// HasDynamicLiteral reports whether any of this instruction's top-level
// operands was promoted to a dynamic (self-modified) literal.
func (in *Instruction) HasDynamicLiteral() bool {
	for _, op := range in.Operands {
		if lit, ok := op.(*Literal); ok && lit.Dynamic {
			return true
		}
	}
	return false
}

// End returns the Address immediately following this instruction.
func (in *Instruction) End() Address { return in.Addr.Add(len(in.Raw)) }

// IsConditionalJump reports whether this is a Jcc or loop/jcxz instruction:
// one with both a fallthrough and a taken-branch successor.
func (in *Instruction) IsConditionalJump() bool {
	switch in.Mnemonic {
	case "jcxz", "loop", "loope", "loopne", "loopz", "loopnz":
		return true
	}
	return strings.HasPrefix(in.Mnemonic, "j") && in.Mnemonic != "jmp"
}

// IsUnconditionalJump reports a plain jmp (direct, far, or indirect).
func (in *Instruction) IsUnconditionalJump() bool {
	return in.Mnemonic == "jmp"
}

// IsCall reports a call instruction, direct or indirect.
func (in *Instruction) IsCall() bool {
	return in.Mnemonic == "call"
}

// IsReturn reports an instruction after which this instruction stream has
// no fallthrough and no statically known successor: ret, retf, iret.
func (in *Instruction) IsReturn() bool {
	switch in.Mnemonic {
	case "ret", "retf", "retn", "iret":
		return true
	}
	return false
}

// Successors computes the set of addresses control flow may transfer to
// immediately after this instruction executes, per the classification
// rules: ret/iret/retf -> none; jmp -> direct target (or dynamic branch
// targets) only, no fallthrough; call -> fallthrough plus callee; Jcc/loop
// -> fallthrough plus target.
func (in *Instruction) Successors() []Address {
	switch {
	case in.IsReturn():
		return nil
	case in.IsUnconditionalJump():
		if in.DynamicBranch {
			return append([]Address(nil), in.BranchTargets...)
		}
		if t, ok := in.directTarget(); ok {
			return []Address{t}
		}
		return nil
	case in.IsCall():
		out := []Address{in.End()}
		if in.DynamicBranch {
			out = append(out, in.BranchTargets...)
		} else if t, ok := in.directTarget(); ok {
			out = append(out, t)
		}
		return out
	case in.IsConditionalJump():
		out := []Address{in.End()}
		if t, ok := in.directTarget(); ok {
			out = append(out, t)
		}
		return out
	default:
		return []Address{in.End()}
	}
}

func (in *Instruction) directTarget() (Address, bool) {
	if len(in.Operands) == 0 {
		return Address{}, false
	}
	switch op := in.Operands[0].(type) {
	case *FarAddress:
		return op.Addr, true
	case *Literal:
		if !op.Dynamic {
			return in.End().Add(int(int16(op.Value))), true
		}
	}
	return Address{}, false
}

// registerNames lists every operand token ndisasm emits that names a
// register, keyed by its canonical width.
var registerNames = map[string]int{
	"al": 1, "cl": 1, "dl": 1, "bl": 1, "ah": 1, "ch": 1, "dh": 1, "bh": 1,
	"ax": 2, "cx": 2, "dx": 2, "bx": 2, "sp": 2, "bp": 2, "si": 2, "di": 2,
	"cs": 2, "ds": 2, "es": 2, "ss": 2,
}

var widthKeywords = map[string]int{
	"byte": 1, "word": 2,
}

// ParseInstructionLine parses one line of ndisasm -b16 output of the form
//
//	00000010  8BC3              mov ax,bx
//
// into an Instruction with Addr set to base and Raw set from the decoded hex
// bytes. The line's own offset field is not read here; the caller derives
// base from it, rebased into the image's real segment:offset space.
func ParseInstructionLine(line string, base Address) (*Instruction, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, &InternalError{Addr: base, Reason: "malformed disassembly line: " + line}
	}
	hexBytes := fields[1]
	raw := make([]byte, 0, len(hexBytes)/2)
	for i := 0; i+1 < len(hexBytes); i += 2 {
		b, err := hexByte(hexBytes[i : i+2])
		if err != nil {
			return nil, &InternalError{Addr: base, Reason: "bad hex in disassembly line: " + line}
		}
		raw = append(raw, b)
	}

	rest := strings.Join(fields[2:], " ")
	mnemonic, rep, operandsText := splitMnemonic(rest)

	in := &Instruction{
		Addr:     base,
		Raw:      raw,
		Mnemonic: mnemonic,
		Rep:      rep,
	}

	if strings.TrimSpace(operandsText) != "" {
		parts := splitOperands(operandsText)
		for _, p := range parts {
			op, err := parseOperand(strings.TrimSpace(p), base)
			if err != nil {
				return nil, err
			}
			in.Operands = append(in.Operands, op)
		}
		unifyWidths(in.Operands)
	}

	return in, nil
}

func splitMnemonic(rest string) (mnemonic, rep, operands string) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", "", ""
	}
	idx := 0
	switch fields[0] {
	case "rep", "repe", "repz", "repne", "repnz":
		rep = fields[0]
		idx = 1
	}
	if idx >= len(fields) {
		return "", rep, ""
	}
	mnemonic = fields[idx]
	rest2 := strings.Join(fields[idx+1:], " ")
	return mnemonic, rep, rest2
}

func splitOperands(s string) []string {
	var out []string
	depth := 0
	start := 0
	for i, c := range s {
		switch c {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

func unifyWidths(ops []Operand) {
	known := 0
	for _, o := range ops {
		if w := o.Width(); w != 0 {
			known = w
		}
	}
	if known == 0 {
		return
	}
	for _, o := range ops {
		if o.Width() == 0 {
			o.SetWidth(known)
		}
	}
}

// promoteDynamicLiterals checks whether in's own address was marked by a
// patchDynamicLiteral call, and if so, promotes each of its top-level
// Literal operands to dynamic rendering. Shifts/rotates and jump/call
// targets are excluded, matching the original's _decodeLiteral exclusion
// list: their immediates either aren't full-width encoded values (shift
// counts) or aren't supported as dynamic targets (branch displacements).
func promoteDynamicLiterals(in *Instruction, img *BinaryImage) error {
	if !img.hasDynLiteralOffset(in.Addr.Linear) {
		return nil
	}
	if literalExcludedFromDynamic(in.Mnemonic) {
		return nil
	}
	for _, op := range in.Operands {
		lit, ok := op.(*Literal)
		if !ok {
			continue
		}
		addr, ok := findLiteralEncoding(in, lit.Value)
		if !ok {
			return &DynamicLiteralUnlocatableError{Addr: in.Addr, Value: int(lit.Value)}
		}
		lit.Dynamic = true
		lit.Addr = addr
		lit.HasAddr = true
	}
	return nil
}

func literalExcludedFromDynamic(mnemonic string) bool {
	if strings.HasPrefix(mnemonic, "j") {
		return true
	}
	switch mnemonic {
	case "call", "shl", "shr", "rol", "ror", "sar", "rcl", "rcr":
		return true
	}
	return false
}

// findLiteralEncoding searches an instruction's raw encoded bytes, skipping
// the leading opcode byte, for the unique offset at which value appears as
// a little-endian 16-bit word, falling back to a unique 8-bit byte match if
// value fits in a byte. Ambiguous or absent encodings are reported to the
// caller as a failed lookup, matching the original's _findLiteralAddr, which
// declines to guess rather than pick an arbitrary occurrence.
func findLiteralEncoding(in *Instruction, value int64) (Address, bool) {
	raw := in.Raw
	if len(raw) < 2 {
		return Address{}, false
	}
	body := raw[1:]
	word := uint16(value)

	var matches []int
	for i := 0; i+1 < len(body); i++ {
		w := uint16(body[i]) | uint16(body[i+1])<<8
		if w == word {
			matches = append(matches, i)
		}
	}
	if len(matches) == 1 {
		return in.Addr.Add(matches[0] + 1), true
	}

	if word < 0x100 {
		matches = matches[:0]
		b := byte(word)
		for i := 0; i < len(body); i++ {
			if body[i] == b {
				matches = append(matches, i)
			}
		}
		if len(matches) == 1 {
			return in.Addr.Add(matches[0] + 1), true
		}
	}

	return Address{}, false
}

func parseOperand(text string, addr Address) (Operand, error) {
	width := 0
	for kw, w := range widthKeywords {
		if strings.HasPrefix(text, kw+" ") {
			width = w
			text = strings.TrimSpace(text[len(kw):])
		}
	}

	if strings.Contains(text, "[") {
		return parseIndirect(text, width, addr)
	}

	if w, ok := registerNames[text]; ok {
		if width == 0 {
			width = w
		}
		return &Register{Name: text}, nil
	}

	if idx := strings.IndexByte(text, ':'); idx > 0 && !strings.Contains(text, "[") {
		segText, offText := text[:idx], text[idx+1:]
		seg, err1 := strconv.ParseUint(strings.TrimPrefix(strings.TrimSuffix(segText, "h"), "0x"), 16, 16)
		off, err2 := strconv.ParseUint(strings.TrimPrefix(strings.TrimSuffix(offText, "h"), "0x"), 16, 16)
		if err1 == nil && err2 == nil {
			return &FarAddress{Addr: NewAddress(uint16(seg), uint16(off))}, nil
		}
	}

	v, err := parseImmediate(text)
	if err != nil {
		return nil, &InternalError{Addr: addr, Reason: "unparseable operand: " + text}
	}
	return NewLiteral(v, width), nil
}

func parseImmediate(text string) (int64, error) {
	text = strings.TrimSpace(text)
	neg := false
	if strings.HasPrefix(text, "-") {
		neg = true
		text = text[1:]
	}
	base := 10
	if strings.HasSuffix(text, "h") {
		base = 16
		text = strings.TrimSuffix(text, "h")
	} else if strings.HasPrefix(text, "0x") {
		base = 16
		text = text[2:]
	}
	v, err := strconv.ParseInt(text, base, 64)
	if err != nil {
		return 0, err
	}
	if neg {
		v = -v
	}
	return v, nil
}

// parseIndirect parses ndisasm's "[seg:reg+reg+disp]" bracketed memory
// operand syntax into an *Indirect with Register/Literal offset operands.
func parseIndirect(text string, width int, addr Address) (Operand, error) {
	open := strings.IndexByte(text, '[')
	close := strings.IndexByte(text, ']')
	if open < 0 || close < open {
		return nil, &InternalError{Addr: addr, Reason: "malformed memory operand: " + text}
	}
	inner := text[open+1 : close]

	segName := "ds"
	if idx := strings.IndexByte(inner, ':'); idx >= 0 {
		segName = inner[:idx]
		inner = inner[idx+1:]
	}

	var offsets []Operand
	sign := 1
	term := ""
	flush := func() error {
		term = strings.TrimSpace(term)
		if term == "" {
			return nil
		}
		if w, ok := registerNames[term]; ok {
			_ = w
			offsets = append(offsets, &Register{Name: term})
			return nil
		}
		v, err := parseImmediate(term)
		if err != nil {
			return &InternalError{Addr: addr, Reason: "bad displacement: " + term}
		}
		offsets = append(offsets, NewLiteral(int64(sign)*v, 2))
		return nil
	}
	for _, c := range inner {
		switch c {
		case '+':
			if err := flush(); err != nil {
				return nil, err
			}
			term = ""
			sign = 1
		case '-':
			if err := flush(); err != nil {
				return nil, err
			}
			term = ""
			sign = -1
		default:
			term += string(c)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if len(offsets) == 0 {
		offsets = []Operand{NewLiteral(0, 2)}
	}

	return &Indirect{
		Segment: &Register{Name: segName},
		Offsets: offsets,
		width:   width,
	}, nil
}
