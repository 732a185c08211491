package sbt86

// cycleTable gives the nominal 8086 cycle cost of a mnemonic, used to
// accumulate an approximate clock count in subroutines that have clock
// accounting enabled (any subroutine whose own body contains an in/out
// instruction). Costs are the register/register-operand case; memory
// operands are not separately metered since the emitted code is not timed
// against real hardware, only used to drive the game's internal frame
// pacing logic the way the original binary's own busy-loops did.
var cycleTable = map[string]int{
	"mov":  2,
	"push": 11,
	"pop":  8,
	"add":  3, "adc": 3, "sub": 3, "sbb": 3,
	"and": 3, "or": 3, "xor": 3,
	"cmp": 3, "test": 3,
	"inc": 3, "dec": 3,
	"neg": 3, "not": 3,
	"mul": 70, "imul": 80,
	"div": 80, "idiv": 90,
	"shl": 2, "shr": 2, "sar": 2, "rol": 2, "ror": 2, "rcl": 2, "rcr": 2,
	"jmp":  15,
	"call": 19,
	"ret":  8, "retf": 8, "retn": 8,
	"jz": 16, "jnz": 16, "je": 16, "jne": 16,
	"jg": 16, "jge": 16, "jl": 16, "jle": 16,
	"ja": 16, "jae": 16, "jb": 16, "jbe": 16,
	"js": 16, "jns": 16, "jo": 16, "jno": 16,
	"jp": 16, "jnp": 16, "jcxz": 18,
	"loop": 17, "loope": 18, "loopne": 19,
	"nop": 3,
	"cli": 2, "sti": 2, "cld": 2, "std": 2, "clc": 2, "stc": 2, "cmc": 2,
	"int":  51,
	"iret": 24,
	"in":   10, "out": 10,
	"xchg": 4,
	"lea":  2,
	"les": 16, "lds": 16,
	"movsb": 18, "movsw": 18,
	"cmpsb": 22, "cmpsw": 22,
	"stosb": 11, "stosw": 11,
	"lodsb": 12, "lodsw": 12,
	"scasb": 15, "scasw": 15,
	"pushf": 10, "popf": 8,
	"cbw": 2, "cwd": 5,
}

// cyclesFor returns the cycle cost of in, defaulting to a conservative
// estimate for any mnemonic the table doesn't list explicitly.
func cyclesFor(in *Instruction) int {
	c, ok := cycleTable[in.Mnemonic]
	if !ok {
		return 4
	}
	if in.Rep != "" {
		return c * 3
	}
	return c
}
