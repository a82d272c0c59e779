package provenance

import (
	"slices"
	"testing"

	"github.com/Heliodex/cocraft/lua/bytecode"
	"github.com/Heliodex/cocraft/internal"
)

func Expect(t *testing.T, got, want any) {
	t.Helper()
	if got != want {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

type table struct {
	hash map[internal.Val]internal.Val
	meta internal.Val // __index
}

func (t *table) RawGet(k internal.Val) internal.Val { return t.hash[k] }
func (t *table) MetaIndex() internal.Val            { return t.meta }

func (t *table) StringKeys() (keys []string) {
	for k := range t.hash {
		if s, ok := k.(string); ok {
			keys = append(keys, s)
		}
	}
	return
}

type frame struct {
	proto *internal.Proto
	pc    int
	regs  []internal.Val
	upvs  []internal.Val
}

func (f *frame) Proto() *internal.Proto { return f.proto }
func (f *frame) PC() int                { return f.pc }

func (f *frame) Register(i int) internal.Val {
	if i < len(f.regs) {
		return f.regs[i]
	}
	return nil
}

func (f *frame) Upvalue(i int) internal.Val {
	if i < len(f.upvs) {
		return f.upvs[i]
	}
	return nil
}

var (
	A    = bytecode.ABC
	Bx   = bytecode.ABx
	SBx  = bytecode.AsBx
	RK   = bytecode.RK
	envs = []internal.UpvalDesc{{Name: "_ENV", InStack: true}}
)

func proto(k []internal.Val, words ...uint32) *internal.Proto {
	return &internal.Proto{
		Code:     bytecode.Assemble(words...),
		K:        k,
		Upvalues: envs,
	}
}

func TestFindLastWriteBasic(t *testing.T) {
	p := proto([]internal.Val{1.0},
		A(internal.OpLoadNil, 0, 1, 0),
		A(internal.OpMove, 1, 0, 0),
		A(internal.OpMove, 2, 0, 0),
		Bx(internal.OpLoadK, 5, 0), // 3
		A(internal.OpMove, 2, 1, 0),
		A(internal.OpAdd, 3, 2, 1),
		A(internal.OpMove, 4, 3, 0),
		A(internal.OpEq, 0, 1, 2),
		A(internal.OpMove, 6, 4, 0),
		A(internal.OpMove, 7, 6, 0),
		A(internal.OpReturn, 5, 2, 0), // 10
	)

	Expect(t, FindLastWrite(p, 10, 5), 3)
	Expect(t, FindLastWrite(p, 3, 5), -1) // the write itself is excluded
	Expect(t, FindLastWrite(p, 10, 1), 1)
	Expect(t, FindLastWrite(p, 10, 0), 0)
	Expect(t, FindLastWrite(p, 10, 9), -1)
}

func TestFindLastWriteBranch(t *testing.T) {
	p := proto([]internal.Val{"a", "b"},
		A(internal.OpTest, 0, 0, 0),
		SBx(internal.OpJmp, 0, 3),  // 1 -> 5
		Bx(internal.OpLoadK, 3, 0), // 2, skipped
		A(internal.OpMove, 4, 3, 0),
		A(internal.OpMove, 5, 4, 0),
		A(internal.OpCall, 3, 1, 1), // 5
		Bx(internal.OpLoadK, 3, 1),
		A(internal.OpCall, 3, 1, 1),
	)

	Expect(t, FindLastWrite(p, 5, 3), -1)
	// a write after the jump target is trusted again
	Expect(t, FindLastWrite(p, 7, 3), 6)
	// the jump lands beyond pc, so it doesn't count
	Expect(t, FindLastWrite(p, 4, 3), 2)
}

func TestFindLastWriteMulti(t *testing.T) {
	p := proto(nil,
		A(internal.OpLoadNil, 2, 3, 0),   // 2..5
		A(internal.OpCall, 6, 1, 3),      // 6..
		A(internal.OpTForCall, 10, 0, 2), // 12..
		A(internal.OpSelf, 20, 0, RK(0)), // 20, 21
		A(internal.OpSetTable, 1, 2, 3),  // writes nothing
		A(internal.OpReturn, 0, 1, 0),
	)

	for reg, want := range map[int]int{
		1: -1, 2: 0, 5: 0, 6: 1, 9: 1,
		11: 1, 12: 2, 30: 2, 20: 3, 21: 3,
	} {
		if got := FindLastWrite(p, 5, reg); got != want {
			t.Errorf("register %d: expected %d, got %d", reg, want, got)
		}
	}
}

func TestAnalyzeGlobalCall(t *testing.T) {
	env := &table{hash: map[internal.Val]internal.Val{"print": "fn"}}
	p := proto([]internal.Val{"prnt", "hello"},
		A(internal.OpGetTabUp, 0, 0, RK(0)),
		Bx(internal.OpLoadK, 1, 1),
		A(internal.OpCall, 0, 2, 1),
		A(internal.OpReturn, 0, 1, 0),
	)

	d := Analyze(&frame{proto: p, pc: 2, upvs: []internal.Val{env}})
	if d == nil {
		t.Fatal("no diagnosis")
	}
	Expect(t, d.Op, OpCall)
	Expect(t, d.IsGlobal, true)
	Expect(t, d.Key, "prnt")
	Expect(t, d.Table, internal.Val(env))
	Expect(t, d.String(), "global 'prnt'")

	Expect(t, slices.Equal(Suggest(d, 3), []string{"print"}), true)

	// not a candidate opcode
	Expect(t, Analyze(&frame{proto: p, pc: 1, upvs: []internal.Val{env}}), (*Diagnosis)(nil))
}

func TestAnalyzeField(t *testing.T) {
	lib := &table{hash: map[internal.Val]internal.Val{"write": "fn", "wrote": "fn", "clear": "fn"}}
	p := &internal.Proto{
		Code: bytecode.Assemble(
			A(internal.OpGetTabUp, 0, 0, RK(0)), // local term = term
			A(internal.OpGetTable, 1, 0, RK(1)), // term.wirte
			Bx(internal.OpLoadK, 2, 2),
			A(internal.OpCall, 1, 2, 1),
			A(internal.OpSelf, 1, 0, RK(3)), // term:blit
			A(internal.OpCall, 1, 2, 1),
			A(internal.OpReturn, 0, 1, 0),
		),
		K:        []internal.Val{"term", "wirte", "hi", "blit"},
		Upvalues: envs,
		LocVars:  []internal.LocVar{{Name: "term", StartPC: 1, EndPC: 7}},
	}
	f := &frame{proto: p, pc: 3, regs: []internal.Val{lib}}

	d := Analyze(f)
	if d == nil {
		t.Fatal("no diagnosis")
	}
	Expect(t, d.Op, OpCall)
	Expect(t, d.IsGlobal, false)
	Expect(t, d.String(), "field 'wirte'")
	Expect(t, slices.Equal(Suggest(d, 1), []string{"write"}), true)
	Expect(t, slices.Equal(Suggest(d, 5), []string{"write", "wrote"}), true)

	f.pc = 5
	d = Analyze(f)
	if d == nil {
		t.Fatal("no method diagnosis")
	}
	Expect(t, d.String(), "method 'blit'")

	// without the environment the global can't be resolved
	f.pc = 4
	Expect(t, Analyze(f), (*Diagnosis)(nil))
}

func TestAnalyzeIndexChain(t *testing.T) {
	base := &table{hash: map[internal.Val]internal.Val{"inner": nil}}
	inner := &table{hash: map[internal.Val]internal.Val{}}
	proxy := &table{hash: map[internal.Val]internal.Val{}, meta: base}
	base.hash["inner"] = inner

	p := proto([]internal.Val{"cfg", "inner", "missing"},
		A(internal.OpGetTabUp, 0, 0, RK(0)),
		A(internal.OpGetTable, 1, 0, RK(1)), // cfg.inner through __index
		A(internal.OpGetTable, 2, 1, RK(2)),
		A(internal.OpCall, 2, 1, 1),
	)
	env := &table{hash: map[internal.Val]internal.Val{"cfg": proxy}}

	d := Analyze(&frame{proto: p, pc: 3, upvs: []internal.Val{env}})
	if d == nil {
		t.Fatal("no diagnosis")
	}
	Expect(t, d.Table, internal.Val(inner))
	Expect(t, d.Key, "missing")

	// an __index loop gives up instead of spinning
	proxy.meta = proxy
	Expect(t, Analyze(&frame{proto: p, pc: 3, upvs: []internal.Val{env}}), (*Diagnosis)(nil))

	// a function handler is never called
	proxy.meta = "function"
	Expect(t, Analyze(&frame{proto: p, pc: 3, upvs: []internal.Val{env}}), (*Diagnosis)(nil))
}

func TestDepthBound(t *testing.T) {
	tbl := &table{hash: map[internal.Val]internal.Val{}}

	chain := func(n int) *internal.Proto {
		words := []uint32{A(internal.OpGetUpval, 0, 1, 0)}
		for r := 1; r <= n; r++ {
			words = append(words, A(internal.OpMove, r, r-1, 0))
		}
		words = append(words,
			A(internal.OpGetTable, n+1, n, RK(0)),
			A(internal.OpCall, n+1, 1, 1),
		)
		p := proto([]internal.Val{"go"}, words...)
		p.Upvalues = append(p.Upvalues, internal.UpvalDesc{Name: "t"})
		return p
	}

	long := chain(20)
	f := &frame{proto: long, pc: len(long.Code) - 1, upvs: []internal.Val{nil, tbl}}
	Expect(t, Analyze(f), (*Diagnosis)(nil))
	v, ok := evaluate(f, len(long.Code)-2, 20, 0)
	Expect(t, ok, false)
	Expect(t, v, nil)

	short := chain(3)
	f = &frame{proto: short, pc: len(short.Code) - 1, upvs: []internal.Val{nil, tbl}}
	d := Analyze(f)
	if d == nil {
		t.Fatal("short chain unresolved")
	}
	Expect(t, d.Table, internal.Val(tbl))
	Expect(t, d.String(), "field 'go'")
}

func TestEvaluateConstants(t *testing.T) {
	p := proto([]internal.Val{"k", 2.5},
		Bx(internal.OpLoadK, 0, 1),
		A(internal.OpLoadBool, 1, 1, 0),
		A(internal.OpLoadNil, 2, 0, 0),
		Bx(internal.OpLoadKX, 3, 0),
		bytecode.Ax(internal.OpExtraArg, 0),
		A(internal.OpMove, 0, 4, 0), // moves from higher registers aren't followed
		A(internal.OpReturn, 0, 1, 0),
	)
	f := &frame{proto: p}

	v, ok := evaluate(f, 5, 0, 0)
	Expect(t, ok, true)
	Expect(t, v, 2.5)
	v, ok = evaluate(f, 5, 1, 0)
	Expect(t, ok, true)
	Expect(t, v, true)
	v, ok = evaluate(f, 5, 2, 0)
	Expect(t, ok, true)
	Expect(t, v, nil)
	v, ok = evaluate(f, 5, 3, 0)
	Expect(t, ok, true)
	Expect(t, v, "k")
	_, ok = evaluate(f, 6, 0, 0)
	Expect(t, ok, false)
}

func TestDistance(t *testing.T) {
	for _, c := range []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"print", "print", 0},
		{"prnt", "print", 1},
		{"pritn", "print", 1},
		{"wirte", "write", 1},
		{"kitten", "sitting", 3},
		{"", "abc", 3},
	} {
		Expect(t, distance(c.a, c.b), c.want)
	}
}
