package bytecode

import "github.com/Heliodex/cocraft/internal"

func mustDecode(w uint32) internal.Inst {
	i, err := internal.Decode(w)
	if err != nil {
		panic(err)
	}
	return i
}

// ABC encodes an iABC instruction word.
func ABC(op uint8, a, b, c int) uint32 {
	return uint32(op) |
		uint32(a)<<internal.SizeOp |
		uint32(c)<<(internal.SizeOp+internal.SizeA) |
		uint32(b)<<(internal.SizeOp+internal.SizeA+internal.SizeC)
}

// ABx encodes an iABx instruction word.
func ABx(op uint8, a, bx int) uint32 {
	return uint32(op) |
		uint32(a)<<internal.SizeOp |
		uint32(bx)<<(internal.SizeOp+internal.SizeA)
}

// AsBx encodes an iAsBx instruction word with a signed offset.
func AsBx(op uint8, a, sbx int) uint32 {
	return ABx(op, a, sbx+internal.MaxArgSBx)
}

// Ax encodes an iAx instruction word.
func Ax(op uint8, ax int) uint32 {
	return uint32(op) | uint32(ax)<<internal.SizeOp
}

// RK marks constant index k as an RK operand.
func RK(k int) int {
	return k | internal.BitRK
}

// Assemble decodes a sequence of encoded words. It panics on an unknown
// opcode, so it is meant for fixed programs.
func Assemble(words ...uint32) []internal.Inst {
	code := make([]internal.Inst, len(words))
	for pc, w := range words {
		code[pc] = mustDecode(w)
	}
	return code
}

// Encode packs a decoded instruction back into its word.
func Encode(i internal.Inst) uint32 {
	switch i.Mode {
	case internal.IABx:
		return ABx(i.Opcode, i.A, i.Bx)
	case internal.IAsBx:
		return AsBx(i.Opcode, i.A, i.SBx)
	case internal.IAx:
		return Ax(i.Opcode, i.Ax)
	}
	return ABC(i.Opcode, i.A, i.B, i.C)
}
