package vm

import (
	"math"
	"math/bits"
)

const (
	nbits   = 32
	allones = ^uint32(0)
)

// bitmask builds a number with n ones, 1 <= n <= nbits.
func bitmask(n int) uint32 {
	return ^((allones - 1) << (n - 1))
}

// getUnsigned reads the next argument modulo 2^32.
func getUnsigned(args *Args) uint32 {
	n := math.Mod(args.GetNumber(), 1<<32)
	return uint32(int64(n))
}

func bitResult(x uint32) []Val {
	return []Val{float64(x)}
}

func andAux(args *Args) uint32 {
	x := allones
	for range args.List {
		x &= getUnsigned(args)
	}
	return x
}

func shift(x uint32, i int) uint32 {
	switch {
	case i <= -nbits, i >= nbits:
		return 0
	case i < 0:
		return x >> -i
	}
	return x << i
}

func bit32_arshift(args Args) (r []Val, err error) {
	x, i := getUnsigned(&args), args.GetInt()
	if i < 0 || x&(1<<(nbits-1)) == 0 {
		return bitResult(shift(x, -i)), nil
	}
	if i >= nbits {
		// arithmetic shift of a 'negative' number
		return bitResult(allones), nil
	}
	return bitResult(x>>i | ^(allones >> i)), nil
}

func bit32_band(args Args) (r []Val, err error) {
	return bitResult(andAux(&args)), nil
}

func bit32_bnot(args Args) (r []Val, err error) {
	return bitResult(^getUnsigned(&args)), nil
}

func bit32_bor(args Args) (r []Val, err error) {
	var x uint32
	for range args.List {
		x |= getUnsigned(&args)
	}
	return bitResult(x), nil
}

func bit32_btest(args Args) (r []Val, err error) {
	return []Val{andAux(&args) != 0}, nil
}

func bit32_bxor(args Args) (r []Val, err error) {
	var x uint32
	for range args.List {
		x ^= getUnsigned(&args)
	}
	return bitResult(x), nil
}

// fieldArgs reads the field and width arguments of extract and replace.
func fieldArgs(args *Args) (f, w int) {
	f, w = args.GetInt(), args.GetInt(1)
	switch {
	case f < 0:
		args.fail("field cannot be negative")
	case w < 1:
		args.fail("width must be positive")
	case f+w > nbits:
		args.fail("trying to access non-existent bits")
	}
	return
}

func bit32_extract(args Args) (r []Val, err error) {
	x := getUnsigned(&args)
	f, w := fieldArgs(&args)
	return bitResult(x >> f & bitmask(w)), nil
}

func bit32_replace(args Args) (r []Val, err error) {
	x, v := getUnsigned(&args), getUnsigned(&args)
	f, w := fieldArgs(&args)

	m := bitmask(w)
	v &= m // erase bits outside given width
	return bitResult(x&^(m<<f) | v<<f), nil
}

func bit32_lrotate(args Args) (r []Val, err error) {
	x, i := getUnsigned(&args), args.GetInt()
	return bitResult(bits.RotateLeft32(x, i%nbits)), nil
}

func bit32_lshift(args Args) (r []Val, err error) {
	x, i := getUnsigned(&args), args.GetInt()
	return bitResult(shift(x, i)), nil
}

func bit32_rrotate(args Args) (r []Val, err error) {
	x, i := getUnsigned(&args), args.GetInt()
	return bitResult(bits.RotateLeft32(x, -(i % nbits))), nil
}

func bit32_rshift(args Args) (r []Val, err error) {
	x, i := getUnsigned(&args), args.GetInt()
	return bitResult(shift(x, -i)), nil
}

func bit32Lib() *Table {
	return NewLib([]*GoFunction{
		MakeFn("arshift", bit32_arshift),
		MakeFn("band", bit32_band),
		MakeFn("bnot", bit32_bnot),
		MakeFn("bor", bit32_bor),
		MakeFn("btest", bit32_btest),
		MakeFn("bxor", bit32_bxor),
		MakeFn("extract", bit32_extract),
		MakeFn("lrotate", bit32_lrotate),
		MakeFn("lshift", bit32_lshift),
		MakeFn("replace", bit32_replace),
		MakeFn("rrotate", bit32_rrotate),
		MakeFn("rshift", bit32_rshift),
	})
}
