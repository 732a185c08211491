package sbt86

import "fmt"

// traceArgs is the fixed parameter list every trace probe/fire function
// receives: the effective segment:offset of the memory access, the
// instruction's own cs:ip, and the access width in bytes.
const traceArgs = "uint16_t segment, uint16_t offset, uint16_t cs, uint16_t ip, int width"

// Trace is one registered memory-access trace: a probe expression that
// decides whether to fire, and a fire statement that runs when it does.
// Traces are driven from every Indirect operand access whose read/write
// mode matches Mode.
type Trace struct {
	Name  string
	Mode  string
	Probe string
	Fire  string
}

// matches reports whether this trace is interested in an access of the
// given mode ("r" or "w").
func (t *Trace) matches(mode string) bool {
	for _, m := range mode {
		for _, want := range t.Mode {
			if m == want {
				return true
			}
		}
	}
	return false
}

// codegen renders this trace's probe/fire pair as a pair of static
// functions, spliced into the emitted file ahead of any subroutine that
// calls them.
func (t *Trace) codegen() string {
	return fmt.Sprintf(
		"static inline int %s_probe(%s) {\n%s\n}\nstatic void %s_fire(%s) {\n%s\n}\n",
		t.Name, traceArgs, t.Probe, t.Name, traceArgs, t.Fire)
}

// call renders the inline "if (probe) fire;" invocation for one qualifying
// access, with args computed from the access site.
func (t *Trace) call(segExpr, offExpr string, at Address, width int) string {
	args := fmt.Sprintf("%s,%s,0x%04x,0x%04x,%d", segExpr, offExpr, at.Segment, at.Offset, width)
	return fmt.Sprintf("if (%s_probe(%s)) %s_fire(%s);", t.Name, args, t.Name, args)
}
