package vm

import (
	"errors"
	"math"
	"math/rand/v2"
)

var errWrongArgs = errors.New("wrong number of arguments")

func mathFn(name string, f func(float64) float64) *GoFunction {
	return MakeFn(name, func(args Args) (r []Val, err error) {
		return []Val{f(args.GetNumber())}, nil
	})
}

func math_atan2(args Args) (r []Val, err error) {
	y, x := args.GetNumber(), args.GetNumber()
	return []Val{math.Atan2(y, x)}, nil
}

func math_fmod(args Args) (r []Val, err error) {
	x, y := args.GetNumber(), args.GetNumber()
	return []Val{math.Mod(x, y)}, nil
}

func math_frexp(args Args) (r []Val, err error) {
	frac, exp := math.Frexp(args.GetNumber())
	return []Val{frac, float64(exp)}, nil
}

func math_ldexp(args Args) (r []Val, err error) {
	m, e := args.GetNumber(), args.GetInt()
	return []Val{math.Ldexp(m, e)}, nil
}

func math_log(args Args) (r []Val, err error) {
	x := args.GetNumber()
	if len(args.List) < 2 || args.List[1] == nil {
		return []Val{math.Log(x)}, nil
	}

	switch base := args.GetNumber(); base {
	case 2:
		return []Val{math.Log2(x)}, nil
	case 10:
		return []Val{math.Log10(x)}, nil
	default:
		return []Val{math.Log(x) / math.Log(base)}, nil
	}
}

func math_max(args Args) (r []Val, err error) {
	m := args.GetNumber()
	for range args.List[1:] {
		m = max(m, args.GetNumber())
	}
	return []Val{m}, nil
}

func math_min(args Args) (r []Val, err error) {
	m := args.GetNumber()
	for range args.List[1:] {
		m = min(m, args.GetNumber())
	}
	return []Val{m}, nil
}

func math_modf(args Args) (r []Val, err error) {
	x := args.GetNumber()
	if math.IsInf(x, 0) {
		return []Val{x, 0.0}, nil
	}
	i, frac := math.Modf(x)
	return []Val{i, frac}, nil
}

func math_pow(args Args) (r []Val, err error) {
	x, y := args.GetNumber(), args.GetNumber()
	return []Val{math.Pow(x, y)}, nil
}

func math_random(args Args) (r []Val, err error) {
	f := args.Co.m.rng().Float64()

	switch len(args.List) {
	case 0:
		return []Val{f}, nil
	case 1:
		u := args.GetNumber()
		if u < 1 {
			return nil, args.Error("interval is empty")
		}
		return []Val{math.Floor(f*u) + 1}, nil
	case 2:
		l, u := args.GetNumber(), args.GetNumber()
		if l > u {
			return nil, args.Error("interval is empty")
		}
		return []Val{math.Floor(f*(u-l+1)) + l}, nil
	}
	return nil, errWrongArgs
}

func math_randomseed(args Args) (r []Val, err error) {
	seed := uint64(int64(args.GetNumber()))
	args.Co.m.random = rand.New(rand.NewPCG(seed, seed))
	return
}

func mathLib() *Table {
	return NewLib([]*GoFunction{
		mathFn("abs", math.Abs),
		mathFn("acos", math.Acos),
		mathFn("asin", math.Asin),
		mathFn("atan", math.Atan),
		MakeFn("atan2", math_atan2),
		mathFn("ceil", math.Ceil),
		mathFn("cos", math.Cos),
		mathFn("cosh", math.Cosh),
		mathFn("deg", func(x float64) float64 { return x * (180 / math.Pi) }),
		mathFn("exp", math.Exp),
		mathFn("floor", math.Floor),
		MakeFn("fmod", math_fmod),
		MakeFn("frexp", math_frexp),
		MakeFn("ldexp", math_ldexp),
		MakeFn("log", math_log),
		mathFn("log10", math.Log10),
		MakeFn("max", math_max),
		MakeFn("min", math_min),
		MakeFn("modf", math_modf),
		MakeFn("pow", math_pow),
		mathFn("rad", func(x float64) float64 { return x * (math.Pi / 180) }),
		MakeFn("random", math_random),
		MakeFn("randomseed", math_randomseed),
		mathFn("sin", math.Sin),
		mathFn("sinh", math.Sinh),
		mathFn("sqrt", math.Sqrt),
		mathFn("tan", math.Tan),
		mathFn("tanh", math.Tanh),
	}, map[string]Val{
		"huge": math.Inf(1),
		"pi":   math.Pi,
	})
}
