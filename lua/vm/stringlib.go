package vm

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// posrelat turns a relative string position, negative meaning back from
// the end, into an absolute one.
func posrelat(pos, l int) int {
	if pos >= 0 {
		return pos
	}
	if -pos > l {
		return 0
	}
	return l + pos + 1
}

func string_byte(args Args) (r []Val, err error) {
	s := args.GetString()
	l := len(s)

	posi := posrelat(args.GetInt(1), l)
	pose := posrelat(args.GetInt(posi), l)
	posi, pose = max(posi, 1), min(pose, l)
	if posi > pose {
		return // empty interval; return no values
	}

	r = make([]Val, pose-posi+1)
	for i := range r {
		r[i] = float64(s[posi+i-1])
	}
	return
}

func string_char(args Args) (r []Val, err error) {
	b := make([]byte, len(args.List))
	for i := range b {
		c := args.GetInt()
		if c < 0 || c > 255 {
			return nil, args.Error("value out of range")
		}
		b[i] = byte(c)
	}
	return []Val{string(b)}, nil
}

func findAux(args Args, find bool) (r []Val, err error) {
	s, p := args.GetString(), args.GetString()
	init := posrelat(args.GetInt(1), len(s))
	if init < 1 {
		init = 1
	} else if init > len(s)+1 {
		return []Val{nil}, nil // cannot find anything
	}

	plain := len(args.List) > 3 && truthy(args.List[3])
	if find && (plain || nospecials(p)) {
		i := strings.Index(s[init-1:], p)
		if i == -1 {
			return []Val{nil}, nil
		}
		return []Val{float64(i + init), float64(i + init + len(p) - 1)}, nil
	}

	ms := &matcher{m: args.Co.m, src: s, pat: p}
	anchor := len(p) > 0 && p[0] == '^'
	pi := 0
	if anchor {
		pi = 1
	}

	for si := init - 1; si <= len(s); si++ {
		ms.level = 0
		e, err := ms.match(si, pi)
		if err != nil {
			return nil, err
		}
		if e != -1 {
			if !find {
				return ms.captures(si, e, true)
			}
			caps, err := ms.captures(si, e, false)
			if err != nil {
				return nil, err
			}
			return append([]Val{float64(si + 1), float64(e)}, caps...), nil
		}
		if anchor {
			break
		}
	}
	return []Val{nil}, nil
}

func string_find(args Args) (r []Val, err error) {
	return findAux(args, true)
}

func string_match(args Args) (r []Val, err error) {
	return findAux(args, false)
}

func string_gmatch(args Args) (r []Val, err error) {
	s, p := args.GetString(), args.GetString()
	ms := &matcher{m: args.Co.m, src: s, pat: p}

	var pos int
	gmatch := func(args Args) (r []Val, err error) {
		for src := pos; src <= len(s); src++ {
			ms.level = 0
			e, err := ms.match(src, 0)
			if err != nil {
				return nil, err
			}
			if e == -1 {
				continue
			}

			pos = e
			if e == src {
				pos++ // empty match
			}
			return ms.captures(src, e, true)
		}
		pos = len(s) + 1
		return []Val{nil}, nil
	}
	return []Val{MakeFn("gmatch_iter", gmatch)}, nil
}

func addString(ms *matcher, b *strings.Builder, s, e int, news string) error {
	for i := 0; i < len(news); i++ {
		c := news[i]
		if c != patEsc {
			b.WriteByte(c)
			continue
		}

		i++
		switch {
		case i == len(news):
			return fmt.Errorf("invalid use of '%c' in replacement string", patEsc)
		case news[i] == '0':
			b.WriteString(ms.src[s:e])
		case isdigit(news[i]):
			v, err := ms.getCapture(int(news[i]-'1'), s, e)
			if err != nil {
				return err
			}
			b.WriteString(ToString(v))
		case news[i] == patEsc:
			b.WriteByte(patEsc)
		default:
			return fmt.Errorf("invalid use of '%c' in replacement string", patEsc)
		}
	}
	return nil
}

func addValue(co *Coroutine, ms *matcher, b *strings.Builder, s, e int, repl Val) error {
	var val Val
	switch rv := repl.(type) {
	case string:
		return addString(ms, b, s, e, rv)
	case float64:
		return addString(ms, b, s, e, num2str(rv))
	case *Table:
		k, err := ms.getCapture(0, s, e)
		if err != nil {
			return err
		}
		if val, err = co.index(rv, k); err != nil {
			return err
		}
	default:
		caps, err := ms.captures(s, e, true)
		if err != nil {
			return err
		}
		r, err := co.Call(repl, caps...)
		if err != nil {
			return err
		}
		val = first(r)
	}

	if !truthy(val) {
		b.WriteString(ms.src[s:e]) // keep original text
		return nil
	}
	str, ok := toStringCoerce(val)
	if !ok {
		return fmt.Errorf("invalid replacement value (a %s)", TypeName(val))
	}
	b.WriteString(str)
	return nil
}

func string_gsub(args Args) (r []Val, err error) {
	src, p := args.GetString(), args.GetString()
	repl := args.GetAny()
	switch repl.(type) {
	case string, float64, *Table, *Closure, *GoFunction:
	default:
		return nil, args.Error("string/function/table expected")
	}
	maxN := args.GetInt(len(src) + 1)

	anchor := len(p) > 0 && p[0] == '^'
	pi := 0
	if anchor {
		pi = 1
	}

	ms := &matcher{m: args.Co.m, src: src, pat: p}
	var b strings.Builder
	var si, n int
	for n < maxN {
		ms.level = 0
		e, err := ms.match(si, pi)
		if err != nil {
			return nil, err
		}
		if e != -1 {
			n++
			if err := addValue(args.Co, ms, &b, si, e, repl); err != nil {
				return nil, err
			}
		}

		if e != -1 && e > si { // non-empty match?
			si = e
		} else if si < len(src) {
			b.WriteByte(src[si])
			si++
		} else {
			break
		}
		if anchor {
			break
		}
	}
	b.WriteString(src[si:])

	if err := args.Co.m.charge(b.Len()); err != nil {
		return nil, err
	}
	return []Val{b.String(), float64(n)}, nil
}

func addQuoted(b *strings.Builder, s string) {
	b.WriteByte('"')
	for i := range len(s) {
		switch c := s[i]; {
		case c == '"' || c == '\\' || c == '\n':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '\r':
			b.WriteString("\\r")
		case c == 0 || iscntrl(c):
			if i+1 < len(s) && isdigit(s[i+1]) {
				fmt.Fprintf(b, "\\%03d", c)
			} else {
				fmt.Fprintf(b, "\\%d", c)
			}
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
}

// scanFormat reads the flags, width and precision of a format item,
// returning them and the conversion character.
func scanFormat(strfrmt string) (form string, conv byte, err error) {
	const flags = "-+ #0"

	var p int
	for p < len(strfrmt) && strings.IndexByte(flags, strfrmt[p]) != -1 {
		p++
	}
	if p > len(flags) {
		return "", 0, errors.New("invalid format (repeated flags)")
	}

	digits := func() {
		for range 2 {
			if p < len(strfrmt) && isdigit(strfrmt[p]) {
				p++
			}
		}
	}
	digits() // width
	if p < len(strfrmt) && strfrmt[p] == '.' {
		p++
		digits() // precision
	}
	if p >= len(strfrmt) {
		return "", 0, errors.New("invalid conversion to format string")
	}
	if isdigit(strfrmt[p]) {
		return "", 0, errors.New("invalid format (width or precision too long)")
	}
	return strfrmt[:p], strfrmt[p], nil
}

func formatItem(args *Args, b *strings.Builder, form string, conv byte) error {
	spec := func(c byte) string { return "%" + form + string(c) }

	switch conv {
	case 'c':
		b.WriteByte(byte(args.GetInt()))
	case 'd', 'i':
		n := args.GetNumber()
		fmt.Fprintf(b, spec('d'), int64(n))
	case 'o', 'u', 'x', 'X':
		n := args.GetNumber()
		v := uint64(int64(n))
		if n >= 0 {
			v = uint64(n)
		}
		if conv == 'u' {
			conv = 'd'
		}
		fmt.Fprintf(b, spec(conv), v)
	case 'e', 'E', 'f', 'g', 'G':
		n := args.GetNumber()
		if math.IsInf(n, 0) || math.IsNaN(n) {
			fmt.Fprintf(b, spec('s'), num2str(n))
			break
		}
		fmt.Fprintf(b, spec(conv), n)
	case 'q':
		addQuoted(b, args.GetString())
	case 's':
		s, err := args.Co.tostring(args.GetAny())
		if err != nil {
			return err
		}
		// no precision and string is too long to be formatted
		if !strings.ContainsRune(form, '.') && len(s) >= 100 || form == "" {
			b.WriteString(s)
			break
		}
		fmt.Fprintf(b, spec('s'), s)
	default:
		return fmt.Errorf("invalid option '%%%c' to 'format'", conv)
	}
	return nil
}

func string_format(args Args) (r []Val, err error) {
	strfrmt := args.GetString()

	var b strings.Builder
	for i := 0; i < len(strfrmt); {
		c := strfrmt[i]
		i++
		if c != patEsc {
			b.WriteByte(c)
			continue
		}
		if i < len(strfrmt) && strfrmt[i] == patEsc {
			b.WriteByte(patEsc) // %%
			i++
			continue
		}

		args.CheckNextArg()
		form, conv, err := scanFormat(strfrmt[i:])
		if err != nil {
			return nil, err
		}
		i += len(form) + 1
		if err := formatItem(&args, &b, form, conv); err != nil {
			return nil, err
		}
	}
	return []Val{b.String()}, nil
}

func string_len(args Args) (r []Val, err error) {
	return []Val{float64(len(args.GetString()))}, nil
}

func string_lower(args Args) (r []Val, err error) {
	s := []byte(args.GetString())
	for i, c := range s {
		s[i] = tolower(c)
	}
	return []Val{string(s)}, nil
}

func string_upper(args Args) (r []Val, err error) {
	s := []byte(args.GetString())
	for i, c := range s {
		if islower(c) {
			s[i] = c - 'a' + 'A'
		}
	}
	return []Val{string(s)}, nil
}

func string_rep(args Args) (r []Val, err error) {
	s := args.GetString()
	n := args.GetInt()
	sep := args.GetString("")
	if n <= 0 {
		return []Val{""}, nil
	}

	unit := len(s) + len(sep)
	if unit == 0 {
		return []Val{""}, nil
	}
	if n > math.MaxInt32/unit {
		return nil, errors.New("resulting string too large")
	}
	total := unit*n - len(sep)
	if err = args.Co.m.charge(total); err != nil {
		return
	}

	var b strings.Builder
	b.Grow(total)
	for i := range n {
		if i%pollInterval == 0 && args.Co.m.Aborted() {
			return nil, &AbortError{AbortHost}
		}
		if i > 0 {
			b.WriteString(sep)
		}
		b.WriteString(s)
	}
	return []Val{b.String()}, nil
}

func string_reverse(args Args) (r []Val, err error) {
	s := []byte(args.GetString())
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
	return []Val{string(s)}, nil
}

func string_sub(args Args) (r []Val, err error) {
	s := args.GetString()
	l := len(s)
	start := posrelat(args.GetInt(1), l)
	end := posrelat(args.GetInt(-1), l)
	start, end = max(start, 1), min(end, l)

	if end < start {
		return []Val{""}, nil
	}
	return []Val{s[start-1 : end]}, nil
}

func stringLib() *Table {
	return NewLib([]*GoFunction{
		MakeFn("byte", string_byte),
		MakeFn("char", string_char),
		MakeFn("find", string_find),
		MakeFn("format", string_format),
		MakeFn("gmatch", string_gmatch),
		MakeFn("gsub", string_gsub),
		MakeFn("len", string_len),
		MakeFn("lower", string_lower),
		MakeFn("match", string_match),
		MakeFn("rep", string_rep),
		MakeFn("reverse", string_reverse),
		MakeFn("sub", string_sub),
		MakeFn("upper", string_upper),
	})
}
