package sbt86

import "fmt"

// accessMode distinguishes a read-position render from a write-position
// render. A write render opens a store expression that the caller must close
// with a matching token (see Operand.CodegenWrite).
type accessMode int

const (
	modeRead accessMode = iota
	modeWrite
)

// Operand is the closed sum type {Literal, Register, Indirect, FarAddress}.
// Every Operand knows its width and can render itself as a read expression
// or as the opening half of a write expression.
type Operand interface {
	// Width returns the operand's width in bytes (1 or 2; 4 for a
	// FarAddress), or 0 if not yet determined (only possible transiently,
	// during parsing).
	Width() int
	// SetWidth assigns a width to an operand that was parsed without one.
	SetWidth(w int)
	// CodegenRead renders this operand as a C-like read expression.
	CodegenRead() string
	// CodegenWrite renders the opening half of a write expression; the
	// caller supplies the value expression and a closing ')'.
	CodegenWrite() string
}

// Literal is an integer operand value, optionally tied to the address where
// its immediate bytes occur in the encoded instruction, and optionally
// "dynamic" — meaning it must be rendered as an indirect read through the
// code segment rather than as a numeric constant, because the original
// program rewrites this immediate at run time.
type Literal struct {
	Value   int64
	width   int
	Addr    Address
	HasAddr bool
	Dynamic bool
}

// NewLiteral builds a static Literal with an explicit width (0 if unknown).
func NewLiteral(value int64, width int) *Literal {
	return &Literal{Value: value, width: width}
}

func (l *Literal) Width() int     { return l.width }
func (l *Literal) SetWidth(w int) { l.width = w }

// CodegenRead renders a plain numeric constant, or — for a dynamic literal —
// an indirect read of its captured address in the code segment.
func (l *Literal) CodegenRead() string {
	if l.Dynamic {
		ind := &Indirect{
			Segment: &Register{Name: "cs"},
			Offsets: []Operand{NewLiteral(int64(l.Addr.Offset), 2)},
			width:   l.width,
		}
		return ind.CodegenRead()
	}
	switch {
	case l.Value >= 0 && l.Value < 16:
		return fmt.Sprintf("%d", l.Value)
	case l.Value >= 0 && l.Value < 0x100:
		return fmt.Sprintf("0x%02x", l.Value)
	default:
		return fmt.Sprintf("0x%04x", uint16(l.Value))
	}
}

// CodegenWrite is not meaningful for a Literal; no instruction ever writes
// to an immediate operand.
func (l *Literal) CodegenWrite() string {
	panic("sbt86: attempt to write to a Literal operand")
}

// Register is one of the 8086 general/segment/flag-bearing registers. Its
// width is inferred from its name: an 8-bit low/high alias ends in 'l'/'h',
// everything else is a 16-bit register.
type Register struct {
	Name string
}

func (r *Register) Width() int {
	if len(r.Name) > 0 {
		last := r.Name[len(r.Name)-1]
		if last == 'l' || last == 'h' {
			return 1
		}
	}
	return 2
}

func (r *Register) SetWidth(int) {}

// CodegenRead renders a read of the register's field on the abstract
// register struct.
func (r *Register) CodegenRead() string {
	return fmt.Sprintf("r.%s", r.Name)
}

// CodegenWrite opens an assignment to the register's field; the caller
// supplies the value and a closing ')'.
func (r *Register) CodegenWrite() string {
	return fmt.Sprintf("r.%s =(", r.Name)
}

// Indirect is a segment register plus a list of offset sub-operands
// (literal, register, or register+literal forms) and an access width.
// Writing to an Indirect whose segment is the code segment is the signal
// for self-modifying code.
type Indirect struct {
	Segment Operand
	Offsets []Operand
	width   int
}

func (i *Indirect) Width() int     { return i.width }
func (i *Indirect) SetWidth(w int) { i.width = w }

// IsCodeSegment reports whether this Indirect's segment is the CS register.
func (i *Indirect) IsCodeSegment() bool {
	reg, ok := i.Segment.(*Register)
	return ok && reg.Name == "cs"
}

// GenAddr renders the (segment, offset) pair of C expressions that compute
// this Indirect's effective address.
func (i *Indirect) GenAddr() (segment, offset string) {
	parts := make([]string, len(i.Offsets))
	for idx, o := range i.Offsets {
		parts[idx] = o.CodegenRead()
	}
	off := parts[0]
	for _, p := range parts[1:] {
		off += " + " + p
	}
	return i.Segment.CodegenRead(), off
}

func (i *Indirect) segCache() string {
	reg, ok := i.Segment.(*Register)
	if !ok {
		panic("sbt86: Indirect segment must be a Register")
	}
	_, off := i.GenAddr()
	return fmt.Sprintf("s.%s[(uint16_t)(%s)]", reg.Name, off)
}

// CodegenRead renders a width-appropriate read through the segment cache:
// direct array access for byte width, a 16-bit helper for word width so
// endianness is explicit.
func (i *Indirect) CodegenRead() string {
	mem := i.segCache()
	switch i.width {
	case 1:
		return mem
	case 2:
		return fmt.Sprintf("R16(&%s)", mem)
	default:
		panic("sbt86: unsupported memory access width")
	}
}

// CodegenWrite opens a width-appropriate write through the segment cache.
func (i *Indirect) CodegenWrite() string {
	mem := i.segCache()
	switch i.width {
	case 1:
		return fmt.Sprintf("%s=(", mem)
	case 2:
		return fmt.Sprintf("W16(&%s,", mem)
	default:
		panic("sbt86: unsupported memory access width")
	}
}

// FarAddress is an explicit segment:offset pair appearing as an operand,
// e.g. the target of a direct far jmp/call.
type FarAddress struct {
	Addr Address
}

func (f *FarAddress) Width() int     { return 4 }
func (f *FarAddress) SetWidth(int)   {}

// CodegenRead renders the linear goto label for this far address's target.
func (f *FarAddress) CodegenRead() string {
	return f.Addr.Label()
}

func (f *FarAddress) CodegenWrite() string {
	panic("sbt86: attempt to write to a FarAddress operand")
}

// signedExpr renders a signed-width cast of an operand's read expression,
// used by arithmetic codegen to compute the overflow flag.
func signedExpr(o Operand) string {
	if o.Width() == 1 {
		return fmt.Sprintf("((int8_t)%s)", o.CodegenRead())
	}
	return fmt.Sprintf("((int16_t)%s)", o.CodegenRead())
}

// unsigned32Expr renders a 32-bit unsigned cast of an operand's read
// expression. Nothing in this package calls it.
func unsigned32Expr(o Operand) string {
	return fmt.Sprintf("((uint32_t)%s)", o.CodegenRead())
}
