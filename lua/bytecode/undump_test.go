package bytecode

import (
	"encoding/binary"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/Heliodex/cocraft/internal"
)

func Expect(t *testing.T, got, want any) {
	t.Helper()
	if got != want {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func helloProto() *internal.Proto {
	return &internal.Proto{
		Source:       "@hello.lua",
		MaxStackSize: 2,
		IsVararg:     true,
		Code: Assemble(
			ABC(internal.OpGetTabUp, 0, 0, RK(0)),
			ABx(internal.OpLoadK, 1, 1),
			ABC(internal.OpCall, 0, 2, 1),
			ABx(internal.OpClosure, 0, 0),
			AsBx(internal.OpJmp, 0, -3),
			ABC(internal.OpReturn, 0, 1, 0),
		),
		K: []internal.Val{"print", "hello", true, nil, 1.5},
		Protos: []*internal.Proto{{
			LineDefined:     3,
			LastLineDefined: 5,
			NumParams:       1,
			MaxStackSize:    2,
			Code:            Assemble(ABC(internal.OpReturn, 0, 1, 0)),
			LineInfo:        []int{5},
			LocVars:         []internal.LocVar{{Name: "x", StartPC: 0, EndPC: 1}},
		}},
		Upvalues: []internal.UpvalDesc{{Name: "_ENV", InStack: true}},
		LineInfo: []int{1, 1, 1, 5, 6, 6},
	}
}

func TestUndump(t *testing.T) {
	b, err := Dump(helloProto(), false)
	if err != nil {
		t.Fatal(err)
	}

	p, err := Undump(b, "hello")
	if err != nil {
		t.Fatal(err)
	}

	Expect(t, p.Source, "@hello.lua")
	Expect(t, p.ChunkID(), "hello.lua")
	Expect(t, p.IsVararg, true)
	Expect(t, len(p.Code), 6)
	Expect(t, p.Code[0].Opcode, internal.OpGetTabUp)
	Expect(t, internal.IsK(p.Code[0].C), true)
	Expect(t, internal.IndexK(p.Code[0].C), 0)
	Expect(t, p.Code[2].B, 2)
	Expect(t, p.Code[4].SBx, -3)
	Expect(t, p.Code[4].String(), "JMP       0 -3")

	Expect(t, len(p.K), 5)
	Expect(t, p.K[0], "print")
	Expect(t, p.K[2], true)
	Expect(t, p.K[3], nil)
	Expect(t, p.K[4], 1.5)

	Expect(t, p.Upvalues[0].Name, "_ENV")
	Expect(t, p.Upvalues[0].InStack, true)
	Expect(t, p.Line(3), 5)
	Expect(t, p.Line(99), 0)

	sub := p.Protos[0]
	Expect(t, sub.Source, "@hello.lua") // inherited
	Expect(t, sub.LineDefined, 3)
	Expect(t, sub.NumParams, uint8(1))
	name, ok := sub.LocalName(0, 0)
	Expect(t, ok, true)
	Expect(t, name, "x")
	_, ok = sub.LocalName(0, 1)
	Expect(t, ok, false)
}

func TestUndumpStripped(t *testing.T) {
	b, err := Dump(helloProto(), true)
	if err != nil {
		t.Fatal(err)
	}

	p, err := Undump(b, "hello")
	if err != nil {
		t.Fatal(err)
	}

	Expect(t, p.ChunkID(), "hello")
	Expect(t, p.Protos[0].ChunkID(), "hello")
	Expect(t, p.UpvalName(0), "")
	Expect(t, len(p.LineInfo), 0)
}

// a chunk from a 32-bit luac, built by hand
func TestUndumpSizeT4(t *testing.T) {
	b := []byte("\x1bLua\x52\x00\x01\x04\x04\x04\x08\x00\x19\x93\r\n\x1a\n")
	le := func(n uint32) {
		b = binary.LittleEndian.AppendUint32(b, n)
	}
	le(0)                  // linedefined
	le(0)                  // lastlinedefined
	b = append(b, 0, 1, 2) // params, vararg, stack
	le(1)                  // sizecode
	le(ABC(internal.OpReturn, 0, 1, 0))
	le(1) // sizek
	b = append(b, tString)
	le(3)
	b = append(b, 'h', 'i', 0)
	le(0) // protos
	le(0) // upvalues
	le(0) // source
	le(0) // lineinfo
	le(0) // locvars
	le(0) // upvalue names

	p, err := Undump(b, "tiny")
	if err != nil {
		t.Fatal(err)
	}
	Expect(t, p.K[0], "hi")
	Expect(t, p.Code[0].Opcode, internal.OpReturn)
	Expect(t, p.ChunkID(), "tiny")
}

func TestUndumpErrors(t *testing.T) {
	good, err := Dump(helloProto(), false)
	if err != nil {
		t.Fatal(err)
	}

	_, err = Undump([]byte("print('hi')"), "src")
	Expect(t, errors.Is(err, ErrNotChunk), true)

	bad := append([]byte{}, good...)
	bad[4] = 0x51
	_, err = Undump(bad, "old")
	Expect(t, errors.Is(err, ErrVersion), true)

	bad = append([]byte{}, good...)
	bad[8] = 2 // size_t
	_, err = Undump(bad, "weird")
	Expect(t, errors.Is(err, ErrIncompat), true)

	_, err = Undump(append(good, 0), "long")
	Expect(t, errors.Is(err, ErrTrailing), true)

	// every truncation must fail cleanly
	for n := range len(good) {
		if _, err := Undump(good[:n], "short"); err == nil {
			t.Fatalf("prefix of %d bytes decoded", n)
		}
	}
}

func TestCompileFile(t *testing.T) {
	if _, err := exec.LookPath(DefaultLuac); err != nil {
		t.Skip("luac not installed")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "hello.lua")
	if err := os.WriteFile(path, []byte("print('hello')\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewCompiler("")
	p, err := c.CompileFile(filepath.Join(dir, "hello"))
	if err != nil {
		t.Fatal(err)
	}
	Expect(t, p.ChunkID(), "hello.lua")

	again, err := c.CompileFile(path)
	if err != nil {
		t.Fatal(err)
	}
	Expect(t, again, p)

	_, err = c.CompileFile(filepath.Join(dir, "missing"))
	Expect(t, errors.Is(err, ErrNotFound), true)
}
