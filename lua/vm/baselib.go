package vm

import (
	"errors"
	"strconv"
	"strings"
)

func base_assert(args Args) (r []Val, err error) {
	v := args.GetAny()
	if truthy(v) {
		return args.List, nil
	}
	return nil, errors.New(args.GetString("assertion failed!"))
}

func base_error(args Args) (r []Val, err error) {
	v := args.GetAny(nil)
	level := args.GetInt(1)

	if s, ok := v.(string); ok && level > 0 {
		v = args.Co.where(level) + s
	}
	return nil, &Error{Value: v}
}

func base_getmetatable(args Args) (r []Val, err error) {
	mt := args.Co.metatable(args.GetAny())
	if mt == nil {
		return []Val{nil}, nil
	}
	if protected := mt.getHash("__metatable"); protected != nil {
		return []Val{protected}, nil
	}
	return []Val{mt}, nil
}

func ipairs_iter(args Args) (r []Val, err error) {
	t := args.GetTable()
	i := args.GetInt() + 1

	v := t.GetInt(i)
	if v == nil {
		return []Val{nil}, nil
	}
	return []Val{float64(i), v}, nil
}

var ipairsIter = MakeFn("ipairs_iter", ipairs_iter)

func base_ipairs(args Args) (r []Val, err error) {
	t := args.GetAny()
	if mm := args.Co.metamethod(t, "__ipairs"); mm != nil {
		r, err := args.Co.Call(mm, t)
		if err != nil {
			return nil, err
		}
		return append(r, nil, nil, nil)[:3], nil
	}
	if _, ok := t.(*Table); !ok {
		return nil, args.Error("table expected, got " + TypeName(t))
	}
	return []Val{ipairsIter, t, float64(0)}, nil
}

func base_next(args Args) (r []Val, err error) {
	t := args.GetTable()
	k := args.GetAny(nil)

	nk, nv, err := t.Next(k)
	if err != nil {
		return
	}
	if nk == nil {
		return []Val{nil}, nil
	}
	return []Val{nk, nv}, nil
}

var libnext = MakeFn("next", base_next)

func base_pairs(args Args) (r []Val, err error) {
	t := args.GetAny()
	if mm := args.Co.metamethod(t, "__pairs"); mm != nil {
		r, err := args.Co.Call(mm, t)
		if err != nil {
			return nil, err
		}
		return append(r, nil, nil, nil)[:3], nil
	}
	if _, ok := t.(*Table); !ok {
		return nil, args.Error("table expected, got " + TypeName(t))
	}
	return []Val{libnext, t, nil}, nil
}

func base_print(args Args) (r []Val, err error) {
	parts := make([]string, len(args.List))
	for i, v := range args.List {
		if parts[i], err = args.Co.tostring(v); err != nil {
			return
		}
	}
	args.Co.m.printf("%s\n", strings.Join(parts, "\t"))
	return
}

func base_rawequal(args Args) (r []Val, err error) {
	a, b := args.GetAny(), args.GetAny()
	return []Val{RawEqual(a, b)}, nil
}

func base_rawget(args Args) (r []Val, err error) {
	t := args.GetTable()
	k := args.GetAny()
	return []Val{t.RawGet(k)}, nil
}

func base_rawlen(args Args) (r []Val, err error) {
	switch v := args.GetAny().(type) {
	case *Table:
		return []Val{float64(v.Len())}, nil
	case string:
		return []Val{float64(len(v))}, nil
	}
	return nil, args.Error("table or string expected")
}

func base_rawset(args Args) (r []Val, err error) {
	t := args.GetTable()
	k, v := args.GetAny(), args.GetAny()
	if err = args.Co.rawset(t, k, v); err != nil {
		return
	}
	return []Val{t}, nil
}

func base_select(args Args) (r []Val, err error) {
	if s, ok := args.GetAny().(string); ok && s == "#" {
		return []Val{float64(len(args.List) - 1)}, nil
	}
	args.pos = 0

	n := args.GetInt()
	rest := args.List[1:]
	switch {
	case n < 0:
		n += len(rest)
		if n < 0 {
			return nil, args.Error("index out of range")
		}
	case n == 0:
		return nil, args.Error("index out of range")
	default:
		n--
	}
	if n >= len(rest) {
		return
	}
	return rest[n:], nil
}

func base_setmetatable(args Args) (r []Val, err error) {
	t := args.GetTable()
	var mt *Table
	switch v := args.GetAny().(type) {
	case nil:
	case *Table:
		mt = v
	default:
		return nil, args.Error("nil or table expected")
	}

	if t.metamethod("__metatable") != nil {
		return nil, errors.New("cannot change a protected metatable")
	}
	t.Meta = mt
	return []Val{t}, nil
}

func base_tonumber(args Args) (r []Val, err error) {
	v := args.GetAny()
	if len(args.List) < 2 || args.List[1] == nil {
		n, ok := toNumber(v)
		if !ok {
			return []Val{nil}, nil
		}
		return []Val{n}, nil
	}

	base := args.GetInt()
	s, ok := v.(string)
	if !ok {
		args.pos = 1
		return nil, args.Error("string expected, got " + TypeName(v))
	}
	if base < 2 || base > 36 {
		return nil, args.Error("base out of range")
	}

	s = strings.ToLower(strings.TrimSpace(s))
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	// ParseInt takes prefixes and underscores we don't want
	for i := range len(s) {
		if !isalnum(s[i]) {
			return []Val{nil}, nil
		}
	}
	n, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return []Val{nil}, nil
	}
	f := float64(n)
	if neg {
		f = -f
	}
	return []Val{f}, nil
}

func base_tostring(args Args) (r []Val, err error) {
	s, err := args.Co.tostring(args.GetAny())
	if err != nil {
		return
	}
	return []Val{s}, nil
}

func base_type(args Args) (r []Val, err error) {
	return []Val{TypeName(args.GetAny())}, nil
}

func unpack(args Args) (r []Val, err error) {
	t := args.GetTable()
	i := args.GetInt(1)
	e := args.GetInt(t.Len())
	if i > e {
		return // empty range
	}
	// e-i overflows for ranges near the ends of int
	if n := uint64(e) - uint64(i); n >= 1<<20 {
		return nil, errors.New("too many results to unpack")
	}
	if err = args.Co.m.charge(16 * (e - i + 1)); err != nil {
		return
	}

	if i >= 1 && e <= len(t.Array) {
		return append([]Val(nil), t.Array[i-1:e]...), nil
	}
	r = make([]Val, e-i+1)
	for k := i; k <= e; k++ {
		r[k-i] = t.GetInt(k)
	}
	return
}

func (m *Machine) openBase() {
	g := m.Globals
	for _, f := range []*GoFunction{
		MakeFn("assert", base_assert),
		MakeFn("error", base_error),
		MakeFn("getmetatable", base_getmetatable),
		MakeFn("ipairs", base_ipairs),
		libnext,
		MakeFn("pairs", base_pairs),
		{Name: "pcall", Run: pcallGo, kind: kindPcall},
		MakeFn("print", base_print),
		MakeFn("rawequal", base_rawequal),
		MakeFn("rawget", base_rawget),
		MakeFn("rawlen", base_rawlen),
		MakeFn("rawset", base_rawset),
		MakeFn("select", base_select),
		MakeFn("setmetatable", base_setmetatable),
		MakeFn("tonumber", base_tonumber),
		MakeFn("tostring", base_tostring),
		MakeFn("type", base_type),
		MakeFn("unpack", unpack),
		{Name: "xpcall", Run: xpcallGo, kind: kindXpcall},
	} {
		g.SetString(f.Name, f)
	}
	g.SetString("_G", g)
	g.SetString("_VERSION", "Lua 5.2")
}

func (m *Machine) openLibs() {
	m.openBase()

	libstring := stringLib()
	m.stringMeta = NewTable(0, 1)
	m.stringMeta.SetString("__index", libstring)

	m.SetGlobal("string", libstring)
	m.SetGlobal("table", tableLib())
	m.SetGlobal("math", mathLib())
	m.SetGlobal("bit32", bit32Lib())
	m.SetGlobal("coroutine", coroutineLib())
}
