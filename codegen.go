package sbt86

import "fmt"

// codegenContext threads the small amount of state an instruction's code
// generator needs beyond the instruction itself: whether clock accounting
// is enabled for the enclosing subroutine and the registered memory traces.
// onWarning is not set or called anywhere in this package; self-modifying
// write warnings are emitted by renderSubroutine.
type codegenContext struct {
	clockEnable bool
	traces      []*Trace
	onWarning   func(addr Address, msg string)
}

// access pairs an operand with the read/write mode an instruction touches
// it with, mirroring the original per-opcode codegen_* methods' own
// (operand, mode) arguments to _genTraces.
type access struct {
	op   Operand
	mode string
}

// memAccesses enumerates the (operand, mode) pairs an instruction's
// operands are read or written with, the information genMemoryEffects needs
// to fire segment-cache refreshes and memory traces. Instructions with no
// memory-relevant access (cmp/test, which never write; branches; string
// ops, which address memory through si/di rather than an Indirect operand)
// return nil.
func memAccesses(in *Instruction) []access {
	ops := in.Operands
	switch in.Mnemonic {
	case "mov", "lea", "in":
		if len(ops) < 2 {
			return nil
		}
		return []access{{ops[1], "r"}, {ops[0], "w"}}
	case "les", "lds":
		if len(ops) < 2 {
			return nil
		}
		segReg := "es"
		if in.Mnemonic == "lds" {
			segReg = "ds"
		}
		return []access{{ops[1], "r"}, {ops[0], "w"}, {&Register{Name: segReg}, "w"}}
	case "add", "adc", "sub", "sbb", "and", "or", "xor":
		if len(ops) < 2 {
			return nil
		}
		return []access{{ops[1], "r"}, {ops[0], "r"}, {ops[0], "w"}}
	case "shl", "sal", "shr", "sar", "rol", "ror", "rcl", "rcr":
		out := []access{{ops[0], "r"}, {ops[0], "w"}}
		if len(ops) > 1 {
			out = append([]access{{ops[1], "r"}}, out...)
		}
		return out
	case "xchg":
		if len(ops) < 2 {
			return nil
		}
		return []access{{ops[0], "r"}, {ops[1], "r"}, {ops[0], "w"}, {ops[1], "w"}}
	case "not", "neg", "inc", "dec":
		if len(ops) < 1 {
			return nil
		}
		return []access{{ops[0], "r"}, {ops[0], "w"}}
	case "push":
		if len(ops) < 1 {
			return nil
		}
		return []access{{ops[0], "r"}}
	case "pop":
		if len(ops) < 1 {
			return nil
		}
		return []access{{ops[0], "w"}}
	case "out":
		if len(ops) < 2 {
			return nil
		}
		return []access{{ops[1], "r"}}
	default:
		return nil
	}
}

// isSegmentRegisterName reports whether name is one of the 8086 segment
// registers, the set whose writes must refresh a cached base pointer.
func isSegmentRegisterName(name string) bool {
	switch name {
	case "cs", "ds", "es", "ss":
		return true
	}
	return false
}

// genMemoryEffects renders, in order, every segment-cache refresh and trace
// probe/fire call an instruction's memory-relevant operand accesses imply.
// It carries no overhead in the emitted file when there are no traces and
// the instruction never writes a segment register: memAccesses already
// scopes this to the same instruction categories the original's per-opcode
// _genTraces calls covered.
func genMemoryEffects(ctx *codegenContext, in *Instruction) string {
	if ctx == nil {
		return ""
	}
	var out string
	for _, a := range memAccesses(in) {
		if reg, ok := a.op.(*Register); ok && a.mode == "w" && isSegmentRegisterName(reg.Name) {
			out += fmt.Sprintf("s.load%s(proc, r);", upperName(reg.Name))
		}
		ind, ok := a.op.(*Indirect)
		if !ok {
			continue
		}
		for _, t := range ctx.traces {
			if !t.matches(a.mode) {
				continue
			}
			seg, off := ind.GenAddr()
			out += t.call(seg, off, in.Addr, ind.Width())
		}
	}
	return out
}

func upperName(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

// CodegenOne renders one Instruction as a single-line (or few-line) C
// statement sequence, without a trailing newline, following the same
// per-mnemonic dispatch the original translator's Instruction.codegen
// used. An unrecognized mnemonic yields UnsupportedOpcodeError so driver
// authors learn exactly which opcode needs a new rule.
func CodegenOne(in *Instruction, ctx *codegenContext) (string, error) {
	var body string
	var err error

	switch in.Mnemonic {
	case "mov":
		body = genMov(in)
	case "add", "adc", "sub", "sbb", "and", "or", "xor":
		body = genArith(in)
	case "cmp":
		body = genCmp(in)
	case "test":
		body = genTest(in)
	case "inc", "dec":
		body = genIncDec(in)
	case "neg":
		body = genNeg(in)
	case "not":
		body = genNot(in)
	case "shl", "sal", "shr", "sar", "rol", "ror", "rcl", "rcr":
		body = genShift(in)
	case "xchg":
		body = genXchg(in)
	case "mul", "imul":
		body = genMul(in)
	case "div", "idiv":
		body = genDiv(in)
	case "push":
		body = genPush(in)
	case "pop":
		body = genPop(in)
	case "pusha", "pushaw":
		body = genPushAll()
	case "popa", "popaw":
		body = genPopAll()
	case "pushf", "pushfw":
		body = "gStack->pushf(r);"
	case "popf", "popfw":
		body = "r = gStack->popf(r);"
	case "nop":
		body = ""
	case "cli", "sti", "cld", "std":
		body = fmt.Sprintf("r.%s = %t;", flagFieldFor(in.Mnemonic), flagValueFor(in.Mnemonic))
	case "clc", "stc":
		body = fmt.Sprintf("r.cf = %t;", in.Mnemonic == "stc")
	case "cmc":
		body = "r.cf = !r.cf;"
	case "cbw":
		body = "r.ax = (int16_t)(int8_t)r.al;"
	case "cwd":
		body = "r.dx = (r.ax & 0x8000) ? 0xFFFF : 0;"
	case "les", "lds":
		body = genLxs(in)
	case "lea":
		body = genLea(in)
	case "movsb", "movsw", "cmpsb", "cmpsw", "stosb", "stosw", "lodsb", "lodsw", "scasb", "scasw":
		body = genString(in)
	case "jmp":
		body, err = genJmp(in)
	case "call":
		body, err = genCall(in)
	case "ret", "retn", "retf", "iret":
		// A subroutine's body is wrapped in pushret/popret by
		// renderSubroutine; every return path funnels through the same
		// exit label so the return marker is always popped exactly once.
		body = "goto ret;"
	case "int":
		body = genInt(in)
	case "in":
		body = genIn(in)
	case "out":
		body = genOut(in)
	default:
		if isJcc(in.Mnemonic) || isLoop(in.Mnemonic) {
			body, err = genCondBranch(in)
		} else {
			return "", &UnsupportedOpcodeError{Addr: in.Addr, Mnemonic: in.Mnemonic}
		}
	}
	if err != nil {
		return "", err
	}

	body += genMemoryEffects(ctx, in)

	if ctx != nil && ctx.clockEnable {
		body = fmt.Sprintf("%s clock += %d;", body, cyclesFor(in))
	}

	return body, nil
}

func flagFieldFor(mnemonic string) string {
	switch mnemonic {
	case "cli", "sti":
		return "ifFlag"
	default:
		return "df"
	}
}

func flagValueFor(mnemonic string) bool {
	return mnemonic == "sti" || mnemonic == "std"
}

func assign(dst Operand, value string) string {
	return fmt.Sprintf("%s%s)", dst.CodegenWrite(), value)
}

func genMov(in *Instruction) string {
	dst, src := in.Operands[0], in.Operands[1]
	return assign(dst, src.CodegenRead()) + ";"
}

var arithOps = map[string]string{
	"add": "+", "sub": "-", "and": "&", "or": "|", "xor": "^",
}

func genArith(in *Instruction) string {
	dst, src := in.Operands[0], in.Operands[1]
	switch in.Mnemonic {
	case "adc":
		return fmt.Sprintf("%s%s + %s + r.cf); r.lastUnsigned = %s; r.lastSigned = (int32_t)%s;",
			dst.CodegenWrite(), dst.CodegenRead(), src.CodegenRead(), dst.CodegenRead(), dst.CodegenRead())
	case "sbb":
		return fmt.Sprintf("%s%s - %s - r.cf); r.lastUnsigned = %s; r.lastSigned = (int32_t)%s;",
			dst.CodegenWrite(), dst.CodegenRead(), src.CodegenRead(), dst.CodegenRead(), dst.CodegenRead())
	}
	op := arithOps[in.Mnemonic]
	return fmt.Sprintf("%s%s %s %s); r.lastUnsigned = %s; r.lastSigned = (int32_t)%s;",
		dst.CodegenWrite(), dst.CodegenRead(), op, src.CodegenRead(), dst.CodegenRead(), dst.CodegenRead())
}

func genCmp(in *Instruction) string {
	a, b := in.Operands[0], in.Operands[1]
	return fmt.Sprintf("r.lastUnsigned = (uint32_t)%s - (uint32_t)%s; r.lastSigned = %s - %s;",
		a.CodegenRead(), b.CodegenRead(), signedExpr(a), signedExpr(b))
}

func genTest(in *Instruction) string {
	a, b := in.Operands[0], in.Operands[1]
	return fmt.Sprintf("r.lastUnsigned = (uint32_t)(%s & %s); r.lastSigned = (int32_t)r.lastUnsigned; r.cf = 0;",
		a.CodegenRead(), b.CodegenRead())
}

func genIncDec(in *Instruction) string {
	dst := in.Operands[0]
	op := "+"
	if in.Mnemonic == "dec" {
		op = "-"
	}
	return fmt.Sprintf("{ int savedCF = r.cf; %s%s %s 1); r.lastUnsigned = %s; r.lastSigned = (int32_t)%s; r.cf = savedCF; }",
		dst.CodegenWrite(), dst.CodegenRead(), op, dst.CodegenRead(), dst.CodegenRead())
}

func genNeg(in *Instruction) string {
	dst := in.Operands[0]
	return fmt.Sprintf("%s0 - %s); r.lastUnsigned = %s; r.lastSigned = (int32_t)%s; r.cf = (%s != 0);",
		dst.CodegenWrite(), dst.CodegenRead(), dst.CodegenRead(), dst.CodegenRead(), dst.CodegenRead())
}

func genNot(in *Instruction) string {
	dst := in.Operands[0]
	return fmt.Sprintf("%s~%s); ", dst.CodegenWrite(), dst.CodegenRead())
}

func genShift(in *Instruction) string {
	dst := in.Operands[0]
	var countExpr string
	if len(in.Operands) > 1 {
		countExpr = in.Operands[1].CodegenRead()
	} else {
		countExpr = "1"
	}
	var op string
	switch in.Mnemonic {
	case "shl", "sal":
		op = "<<"
	case "shr":
		op = ">>"
	case "sar":
		op = ">>"
	default:
		// rotates are modeled as width-1 bit-shift loops: each iteration
		// shifts one place and folds the carried-out bit back in.
		bits := dst.Width() * 8
		value := fmt.Sprintf("((%s << 1) | (%s >> %d))", dst.CodegenRead(), dst.CodegenRead(), bits-1)
		if in.Mnemonic == "ror" || in.Mnemonic == "rcr" {
			value = fmt.Sprintf("((%s >> 1) | (%s << %d))", dst.CodegenRead(), dst.CodegenRead(), bits-1)
		}
		return fmt.Sprintf("for (int _i = 0; _i < (%s); _i++) { %s%s); }",
			countExpr, dst.CodegenWrite(), value)
	}
	return fmt.Sprintf("%s%s %s (%s)); r.lastUnsigned = %s; r.lastSigned = (int32_t)%s;",
		dst.CodegenWrite(), dst.CodegenRead(), op, countExpr, dst.CodegenRead(), dst.CodegenRead())
}

func genXchg(in *Instruction) string {
	a, b := in.Operands[0], in.Operands[1]
	return fmt.Sprintf("{ uint16_t _t = %s; %s%s); %s_t); }",
		a.CodegenRead(), a.CodegenWrite(), b.CodegenRead(), b.CodegenWrite())
}

func genMul(in *Instruction) string {
	src := in.Operands[0]
	if src.Width() == 1 {
		return fmt.Sprintf("r.ax = r.al * (%s);", src.CodegenRead())
	}
	return fmt.Sprintf("{ uint32_t _p = (uint32_t)r.ax * (%s); r.ax = (uint16_t)_p; r.dx = (uint16_t)(_p >> 16); }", src.CodegenRead())
}

func genDiv(in *Instruction) string {
	src := in.Operands[0]
	if src.Width() == 1 {
		return fmt.Sprintf("{ uint16_t _n = r.ax; r.al = _n / (%s); r.ah = _n %% (%s); }", src.CodegenRead(), src.CodegenRead())
	}
	return fmt.Sprintf("{ uint32_t _n = ((uint32_t)r.dx << 16) | r.ax; r.ax = (uint16_t)(_n / (%s)); r.dx = (uint16_t)(_n %% (%s)); }", src.CodegenRead(), src.CodegenRead())
}

// genPush and genPop route through the host stack abstraction rather than
// the linear memory stack: the emitted runtime keeps return addresses and
// pushed data in a strongly typed side channel so subroutines stay ordinary
// callable functions (see renderSubroutine's pushret/popret wrapping).
func genPush(in *Instruction) string {
	return fmt.Sprintf("gStack->pushw(%s);", in.Operands[0].CodegenRead())
}

func genPop(in *Instruction) string {
	return assign(in.Operands[0], "gStack->popw()") + ";"
}

// genPushAll and genPopAll implement pusha/popa over the same stack
// abstraction, one pushw/popw per register. memAccesses has no entry for
// pusha/popa, so no segment-cache refresh or trace call follows them.
func genPushAll() string {
	names := []string{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di"}
	var out string
	for _, n := range names {
		out += fmt.Sprintf("gStack->pushw(r.%s);", n)
	}
	return out
}

func genPopAll() string {
	// Reverse of genPushAll; sp is popped and discarded, matching POPA's
	// hardware behavior of not restoring SP from the stacked value.
	names := []string{"di", "si", "bp", "", "bx", "dx", "cx", "ax"}
	var out string
	for _, n := range names {
		if n == "" {
			out += "gStack->popw();"
			continue
		}
		out += fmt.Sprintf("r.%s = gStack->popw();", n)
	}
	return out
}

func genLxs(in *Instruction) string {
	dst, src := in.Operands[0], in.Operands[1]
	ind, ok := src.(*Indirect)
	if !ok {
		return assign(dst, src.CodegenRead()) + ";"
	}
	seg, off := ind.GenAddr()
	segReg := "es"
	if in.Mnemonic == "lds" {
		segReg = "ds"
	}
	return fmt.Sprintf("%s0); r.%s = R16(&s.%s[(uint16_t)(%s)+2]);", dst.CodegenWrite(), segReg, seg, off)
}

func genLea(in *Instruction) string {
	dst, src := in.Operands[0], in.Operands[1]
	ind, ok := src.(*Indirect)
	if !ok {
		return assign(dst, "0") + ";"
	}
	_, off := ind.GenAddr()
	return assign(dst, off) + ";"
}

func genString(in *Instruction) string {
	width := "B"
	if len(in.Mnemonic) > 0 && in.Mnemonic[len(in.Mnemonic)-1] == 'w' {
		width = "W"
	}
	op := in.Mnemonic[:len(in.Mnemonic)-1]
	call := fmt.Sprintf("r.str%s%s();", op, width)
	if in.Rep == "" {
		return call
	}
	cond := "r.cx != 0"
	switch in.Rep {
	case "repe", "repz":
		return fmt.Sprintf("while (%s) { %s r.cx--; if (!r.zf()) break; }", cond, call)
	case "repne", "repnz":
		return fmt.Sprintf("while (%s) { %s r.cx--; if (r.zf()) break; }", cond, call)
	default:
		return fmt.Sprintf("while (%s) { %s r.cx--; }", cond, call)
	}
}

func genInt(in *Instruction) string {
	return fmt.Sprintf("r.interrupt(%s);", in.Operands[0].CodegenRead())
}

func genIn(in *Instruction) string {
	dst, port := in.Operands[0], in.Operands[1]
	return assign(dst, fmt.Sprintf("r.in(%s)", port.CodegenRead())) + ";"
}

func genOut(in *Instruction) string {
	port, src := in.Operands[0], in.Operands[1]
	return fmt.Sprintf("r.out(%s, %s);", port.CodegenRead(), src.CodegenRead())
}

func isJcc(mnemonic string) bool {
	if len(mnemonic) < 2 || mnemonic[0] != 'j' {
		return false
	}
	return mnemonic != "jmp"
}

func isLoop(mnemonic string) bool {
	switch mnemonic {
	case "loop", "loope", "loopne", "loopz", "loopnz":
		return true
	}
	return false
}

// conditionExpr renders the C boolean expression for a Jcc/loop mnemonic,
// computed from the lazily-tracked lastUnsigned/lastSigned scratch values
// and the sticky carry flag rather than from eagerly updated ZF/SF/CF/OF.
func conditionExpr(mnemonic string) string {
	switch mnemonic {
	case "jz", "je":
		return "r.zf()"
	case "jnz", "jne":
		return "!r.zf()"
	case "jg", "jnle":
		return "!r.zf() && r.sf() == r.of()"
	case "jge", "jnl":
		return "r.sf() == r.of()"
	case "jl", "jnge":
		return "r.sf() != r.of()"
	case "jle", "jng":
		return "r.zf() || r.sf() != r.of()"
	case "ja", "jnbe":
		return "!r.cf && !r.zf()"
	case "jae", "jnb", "jnc":
		return "!r.cf"
	case "jb", "jnae", "jc":
		return "r.cf"
	case "jbe", "jna":
		return "r.cf || r.zf()"
	case "js":
		return "r.sf()"
	case "jns":
		return "!r.sf()"
	case "jo":
		return "r.of()"
	case "jno":
		return "!r.of()"
	case "jp", "jpe":
		return "r.pf()"
	case "jnp", "jpo":
		return "!r.pf()"
	case "jcxz":
		return "r.cx == 0"
	case "loop":
		return "--r.cx != 0"
	case "loope", "loopz":
		return "--r.cx != 0 && r.zf()"
	case "loopne", "loopnz":
		return "--r.cx != 0 && !r.zf()"
	default:
		return "0"
	}
}

func genCondBranch(in *Instruction) (string, error) {
	target, ok := in.directTarget()
	if !ok {
		return "", &InternalError{Addr: in.Addr, Reason: "conditional branch has no static target"}
	}
	return fmt.Sprintf("if (%s) goto %s;", conditionExpr(in.Mnemonic), target.Label()), nil
}

func genJmp(in *Instruction) (string, error) {
	if in.DynamicBranch {
		return genDynamicSwitch(in, false)
	}
	target, ok := in.directTarget()
	if !ok {
		return "", &InternalError{Addr: in.Addr, Reason: "jmp has no static target and no patched dynamic branch"}
	}
	return fmt.Sprintf("goto %s;", target.Label()), nil
}

func genCall(in *Instruction) (string, error) {
	if in.DynamicBranch {
		return genDynamicSwitch(in, true)
	}
	target, ok := in.directTarget()
	if !ok {
		return "", &InternalError{Addr: in.Addr, Reason: "call has no static target and no patched dynamic branch"}
	}
	return fmt.Sprintf("%s();", target.Label()), nil
}

// genDynamicSwitch renders a dense switch statement over a patched dynamic
// branch's target list, keeping control flow statically visible in the
// emitted source instead of falling back to an indirect function pointer.
func genDynamicSwitch(in *Instruction, isCall bool) (string, error) {
	if len(in.Operands) == 0 {
		return "", &InternalError{Addr: in.Addr, Reason: "dynamic branch instruction has no operand to switch on"}
	}
	selector := in.Operands[0].CodegenRead()
	out := fmt.Sprintf("switch (%s) {\n", selector)
	for _, t := range in.BranchTargets {
		if isCall {
			out += fmt.Sprintf("  case 0x%04x: %s(); break;\n", t.Offset, t.Label())
		} else {
			out += fmt.Sprintf("  case 0x%04x: goto %s;\n", t.Offset, t.Label())
		}
	}
	out += fmt.Sprintf("  default: r.dynamicBranchFault(0x%04x); break;\n}", in.Addr.Linear)
	return out, nil
}
