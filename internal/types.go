// Package internal contains the bytecode model shared between the bytecode, provenance and vm packages.
package internal

import "fmt"

// Val represents any possible VM stack/register value.
type Val any

// Opcodes, in Lua 5.2 numbering.
const (
	OpMove uint8 = iota
	OpLoadK
	OpLoadKX
	OpLoadBool
	OpLoadNil
	OpGetUpval
	OpGetTabUp
	OpGetTable
	OpSetTabUp
	OpSetUpval
	OpSetTable
	OpNewTable
	OpSelf
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpPow
	OpUnm
	OpNot
	OpLen
	OpConcat
	OpJmp
	OpEq
	OpLt
	OpLe
	OpTest
	OpTestSet
	OpCall
	OpTailCall
	OpReturn
	OpForLoop
	OpForPrep
	OpTForCall
	OpTForLoop
	OpSetList
	OpClosure
	OpVararg
	OpExtraArg

	NumOpcodes
)

// Instruction formats
const (
	IABC uint8 = iota
	IABx
	IAsBx
	IAx
)

// Argument modes
const (
	ArgN uint8 = iota // not used
	ArgU              // used
	ArgR              // register or jump offset
	ArgK              // constant or register/constant
)

// Field sizes of a 32-bit instruction word.
const (
	SizeOp = 6
	SizeA  = 8
	SizeB  = 9
	SizeC  = 9
	SizeBx = SizeB + SizeC
	SizeAx = SizeA + SizeB + SizeC

	MaxArgBx  = 1<<SizeBx - 1
	MaxArgSBx = MaxArgBx >> 1

	// BitRK marks a B or C operand as a constant index rather than a register.
	BitRK = 1 << (SizeB - 1)

	// FieldsPerFlush is the number of list items accumulated before a SETLIST.
	FieldsPerFlush = 50
)

// IsK reports whether an RK operand refers to the constant pool.
func IsK(x int) bool {
	return x&BitRK != 0
}

// IndexK returns the constant index encoded in an RK operand.
func IndexK(x int) int {
	return x &^ BitRK
}

// OpInfo describes the operand layout of an opcode.
//
// SetsA reports whether the instruction writes register A, Test whether the
// next instruction is a jump taken conditionally.
type OpInfo struct {
	Name               string
	Mode, BMode, CMode uint8
	SetsA, Test        bool
}

// OpList holds the operand layout of every opcode, indexed by opcode.
var OpList = [NumOpcodes]OpInfo{
	{"MOVE", IABC, ArgR, ArgN, true, false},
	{"LOADK", IABx, ArgK, ArgN, true, false},
	{"LOADKX", IABx, ArgN, ArgN, true, false},
	{"LOADBOOL", IABC, ArgU, ArgU, true, false},
	{"LOADNIL", IABC, ArgU, ArgN, true, false},
	{"GETUPVAL", IABC, ArgU, ArgN, true, false},
	{"GETTABUP", IABC, ArgU, ArgK, true, false},
	{"GETTABLE", IABC, ArgR, ArgK, true, false},
	{"SETTABUP", IABC, ArgK, ArgK, false, false},
	{"SETUPVAL", IABC, ArgU, ArgN, false, false},
	{"SETTABLE", IABC, ArgK, ArgK, false, false},
	{"NEWTABLE", IABC, ArgU, ArgU, true, false},
	{"SELF", IABC, ArgR, ArgK, true, false},
	{"ADD", IABC, ArgK, ArgK, true, false},
	{"SUB", IABC, ArgK, ArgK, true, false},
	{"MUL", IABC, ArgK, ArgK, true, false},
	{"DIV", IABC, ArgK, ArgK, true, false},
	{"MOD", IABC, ArgK, ArgK, true, false},
	{"POW", IABC, ArgK, ArgK, true, false},
	{"UNM", IABC, ArgR, ArgN, true, false},
	{"NOT", IABC, ArgR, ArgN, true, false},
	{"LEN", IABC, ArgR, ArgN, true, false},
	{"CONCAT", IABC, ArgR, ArgR, true, false},
	{"JMP", IAsBx, ArgR, ArgN, false, false},
	{"EQ", IABC, ArgK, ArgK, false, true},
	{"LT", IABC, ArgK, ArgK, false, true},
	{"LE", IABC, ArgK, ArgK, false, true},
	{"TEST", IABC, ArgN, ArgU, false, true},
	{"TESTSET", IABC, ArgR, ArgU, true, true},
	{"CALL", IABC, ArgU, ArgU, true, false},
	{"TAILCALL", IABC, ArgU, ArgU, true, false},
	{"RETURN", IABC, ArgU, ArgN, false, false},
	{"FORLOOP", IAsBx, ArgR, ArgN, true, false},
	{"FORPREP", IAsBx, ArgR, ArgN, true, false},
	{"TFORCALL", IABC, ArgN, ArgU, false, false},
	{"TFORLOOP", IAsBx, ArgR, ArgN, true, false},
	{"SETLIST", IABC, ArgU, ArgU, false, false},
	{"CLOSURE", IABx, ArgU, ArgN, true, false},
	{"VARARG", IABC, ArgU, ArgN, true, false},
	{"EXTRAARG", IAx, ArgU, ArgU, false, false},
}

// Inst is a decoded instruction. Only the fields used by its format are set.
type Inst struct {
	OpInfo

	Opcode      uint8
	A, B, C     int
	Bx, SBx, Ax int
}

// Decode unpacks a raw instruction word.
func Decode(w uint32) (i Inst, err error) {
	op := uint8(w & (1<<SizeOp - 1))
	if op >= NumOpcodes {
		return Inst{}, fmt.Errorf("unknown opcode %d", op)
	}

	i = Inst{OpInfo: OpList[op], Opcode: op}
	switch i.Mode {
	case IABC:
		i.A = int(w>>SizeOp) & (1<<SizeA - 1)
		i.C = int(w>>(SizeOp+SizeA)) & (1<<SizeC - 1)
		i.B = int(w>>(SizeOp+SizeA+SizeC)) & (1<<SizeB - 1)
	case IABx:
		i.A = int(w>>SizeOp) & (1<<SizeA - 1)
		i.Bx = int(w >> (SizeOp + SizeA))
	case IAsBx:
		i.A = int(w>>SizeOp) & (1<<SizeA - 1)
		i.SBx = int(w>>(SizeOp+SizeA)) - MaxArgSBx
	case IAx:
		i.Ax = int(w >> SizeOp)
	}
	return
}

func (i Inst) String() string {
	switch i.Mode {
	case IABx:
		return fmt.Sprintf("%-9s %d %d", i.Name, i.A, i.Bx)
	case IAsBx:
		return fmt.Sprintf("%-9s %d %d", i.Name, i.A, i.SBx)
	case IAx:
		return fmt.Sprintf("%-9s %d", i.Name, i.Ax)
	}
	return fmt.Sprintf("%-9s %d %d %d", i.Name, i.A, i.B, i.C)
}

// LocVar is the liveness range of a declared local variable.
// The variable is active for StartPC <= pc < EndPC.
type LocVar struct {
	Name           string
	StartPC, EndPC int
}

// UpvalDesc describes where a closure captures an upvalue from: a register of
// the enclosing function (InStack) or one of its upvalues.
type UpvalDesc struct {
	Name    string
	InStack bool
	Idx     int
}

// Proto is the compiled form of one guest function.
type Proto struct {
	Source                       string
	LineDefined, LastLineDefined int
	NumParams, MaxStackSize      uint8
	IsVararg                     bool

	Code     []Inst
	K        []Val
	Protos   []*Proto
	Upvalues []UpvalDesc

	LineInfo []int
	LocVars  []LocVar
}

// Line returns the source line of the instruction at pc, or 0 if unknown.
func (p *Proto) Line(pc int) int {
	if pc < 0 || pc >= len(p.LineInfo) {
		return 0
	}
	return p.LineInfo[pc]
}

// LocalName returns the name of the local variable held in register reg at pc.
func (p *Proto) LocalName(reg, pc int) (string, bool) {
	n := reg + 1
	for _, lv := range p.LocVars {
		if lv.StartPC > pc {
			break
		}
		if pc < lv.EndPC {
			if n--; n == 0 {
				return lv.Name, true
			}
		}
	}
	return "", false
}

// UpvalName returns the debug name of upvalue i, or "" if stripped.
func (p *Proto) UpvalName(i int) string {
	if i < 0 || i >= len(p.Upvalues) {
		return ""
	}
	return p.Upvalues[i].Name
}

// ChunkID formats the source name the way error messages show it.
func (p *Proto) ChunkID() string {
	s := p.Source
	switch {
	case s == "":
		return "?"
	case s[0] == '=' || s[0] == '@':
		return s[1:]
	}
	if i := indexNewline(s); i >= 0 {
		s = s[:i] + "..."
	}
	return fmt.Sprintf("[string %q]", s)
}

func indexNewline(s string) int {
	for i := range len(s) {
		if s[i] == '\n' || s[i] == '\r' {
			return i
		}
	}
	return -1
}
