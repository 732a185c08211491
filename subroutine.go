package sbt86

import "sort"

// Subroutine is one statically discovered unit of control flow: a set of
// instructions reachable from a single entry address without ever being
// called as a separate routine from the middle (though another subroutine
// may still jump into it, which is recorded as a Label rather than
// triggering re-analysis).
type Subroutine struct {
	Entry Address

	instructions map[uint32]*Instruction
	Labels        map[uint32]bool
	CallsTo       map[uint32]bool
	ClockEnable   bool

	analyzed bool
}

// newSubroutine creates an unanalyzed Subroutine rooted at entry.
func newSubroutine(entry Address) *Subroutine {
	return &Subroutine{
		Entry:        entry,
		instructions: make(map[uint32]*Instruction),
		Labels:       make(map[uint32]bool),
		CallsTo:      make(map[uint32]bool),
	}
}

// analyze performs a depth-first walk of this subroutine's instructions
// starting at Entry, using dis to decode each address reached. It records
// every call target in CallsTo (for the caller to queue as a new
// Subroutine), every internal branch target in Labels, and flips
// ClockEnable on if any in/out instruction is reachable.
//
// Dynamic branch instructions must already have been patched (their
// DynamicBranch/BranchTargets/BranchIsCall fields populated) before
// analyze is called; an unpatched dynamic jmp/call is reported as a
// DynamicBranchUnpatchedError.
func (s *Subroutine) analyze(dis *Disassembler) error {
	if s.analyzed {
		return nil
	}
	// renderSubroutine always emits "goto <entry label>;" right after the
	// pushret prologue, so the entry instruction needs its label even when
	// nothing else inside the subroutine jumps back to it.
	s.Labels[s.Entry.Linear] = true

	work := []Address{s.Entry}
	visited := make(map[uint32]bool)

	for len(work) > 0 {
		addr := work[len(work)-1]
		work = work[:len(work)-1]
		if visited[addr.Linear] {
			continue
		}
		visited[addr.Linear] = true

		in, err := dis.Decode(addr)
		if err != nil {
			return err
		}

		if (in.IsUnconditionalJump() || in.IsCall()) && isIndirectOperand(in) && !in.DynamicBranch {
			return &DynamicBranchUnpatchedError{Addr: addr, Op: in.Mnemonic}
		}

		if in.Mnemonic == "in" || in.Mnemonic == "out" {
			s.ClockEnable = true
		}

		s.instructions[addr.Linear] = in

		if in.DynamicBranch {
			for _, t := range in.BranchTargets {
				if in.BranchIsCall {
					s.CallsTo[t.Linear] = true
				} else {
					s.Labels[t.Linear] = true
					if !visited[t.Linear] {
						work = append(work, t)
					}
				}
			}
		}

		for _, succ := range in.Successors() {
			switch {
			case in.IsCall() && succ.Linear != in.End().Linear:
				s.CallsTo[succ.Linear] = true
			case succ.Linear == in.End().Linear:
				if !visited[succ.Linear] {
					work = append(work, succ)
				}
			default:
				s.Labels[succ.Linear] = true
				if !visited[succ.Linear] {
					work = append(work, succ)
				}
			}
		}
	}

	s.analyzed = true
	return nil
}

func isIndirectOperand(in *Instruction) bool {
	if len(in.Operands) == 0 {
		return false
	}
	switch in.Operands[0].(type) {
	case *Indirect, *Register:
		return true
	}
	return false
}

// Instructions returns this subroutine's instructions sorted by address,
// the order they're emitted in.
func (s *Subroutine) Instructions() []*Instruction {
	out := make([]*Instruction, 0, len(s.instructions))
	for _, in := range s.instructions {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Less(out[j].Addr) })
	return out
}

// Contains reports whether addr is the starting address of one of this
// subroutine's decoded instructions; an address in the middle of an
// instruction is not matched.
func (s *Subroutine) Contains(addr Address) bool {
	_, ok := s.instructions[addr.Linear]
	return ok
}
