// Package bytecode loads Lua 5.2 binary chunks into prototypes.
package bytecode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/Heliodex/cocraft/internal"
)

const (
	signature = "\x1bLua"
	version   = 0x52
	format    = 0
	tail      = "\x19\x93\r\n\x1a\n"
)

// constant tags
const (
	tNil     = 0
	tBoolean = 1
	tNumber  = 3
	tString  = 4
)

var (
	ErrNotChunk  = errors.New("not a precompiled chunk")
	ErrVersion   = errors.New("version mismatch")
	ErrIncompat  = errors.New("incompatible chunk")
	ErrTruncated = errors.New("truncated chunk")
	ErrTrailing  = errors.New("deserialiser position mismatch")
)

const maxNested = 200

// stream reads little-endian chunk data. The first failure sticks in err and
// every later read returns a zero value.
type stream struct {
	data   []byte
	pos    int
	sizeT  int
	err    error
	nested int
}

func (s *stream) need(n int) bool {
	if s.err != nil {
		return false
	}
	if n < 0 || len(s.data)-s.pos < n {
		s.err = ErrTruncated
		return false
	}
	return true
}

func (s *stream) rByte() (b byte) {
	if !s.need(1) {
		return
	}
	b = s.data[s.pos]
	s.pos++
	return
}

func (s *stream) rBool() bool {
	return s.rByte() != 0
}

func (s *stream) rUint32() (w uint32) {
	if !s.need(4) {
		return
	}
	w = binary.LittleEndian.Uint32(s.data[s.pos:])
	s.pos += 4
	return
}

func (s *stream) rInt() int {
	return int(int32(s.rUint32()))
}

// rCount reads a non-negative element count no larger than the rest of the
// chunk, so a corrupt count can't make us allocate a huge slice.
func (s *stream) rCount() int {
	n := s.rInt()
	if s.err == nil && (n < 0 || n > len(s.data)-s.pos) {
		s.err = ErrTruncated
		return 0
	}
	return n
}

func (s *stream) rSizeT() (n uint64) {
	if s.sizeT == 4 {
		return uint64(s.rUint32())
	}
	if !s.need(8) {
		return
	}
	n = binary.LittleEndian.Uint64(s.data[s.pos:])
	s.pos += 8
	return
}

func (s *stream) rFloat64() (r float64) {
	if !s.need(8) {
		return
	}
	r = math.Float64frombits(binary.LittleEndian.Uint64(s.data[s.pos:]))
	s.pos += 8
	return
}

// rString reads a size_t length that counts the trailing NUL. Zero means no string.
func (s *stream) rString() (str string, ok bool) {
	size := s.rSizeT()
	if size == 0 || s.err != nil {
		return
	}
	if size > uint64(len(s.data)-s.pos) {
		s.err = ErrTruncated
		return
	}
	n := int(size)
	str = string(s.data[s.pos : s.pos+n-1])
	s.pos += n
	return str, true
}

func (s *stream) header() error {
	if !bytes.HasPrefix(s.data, []byte(signature)) {
		return ErrNotChunk
	}
	s.pos = len(signature)
	if !s.need(8 + len(tail)) {
		return s.err
	}

	if s.rByte() != version {
		return ErrVersion
	}
	if s.rByte() != format {
		return fmt.Errorf("%w: format", ErrIncompat)
	}
	if s.rByte() != 1 {
		return fmt.Errorf("%w: big endian", ErrIncompat)
	}
	if s.rByte() != 4 {
		return fmt.Errorf("%w: int size", ErrIncompat)
	}
	switch st := s.rByte(); st {
	case 4, 8:
		s.sizeT = int(st)
	default:
		return fmt.Errorf("%w: size_t size %d", ErrIncompat, st)
	}
	if s.rByte() != 4 {
		return fmt.Errorf("%w: instruction size", ErrIncompat)
	}
	if s.rByte() != 8 {
		return fmt.Errorf("%w: number size", ErrIncompat)
	}
	if s.rByte() != 0 {
		return fmt.Errorf("%w: integral numbers", ErrIncompat)
	}
	if string(s.data[s.pos:s.pos+len(tail)]) != tail {
		return fmt.Errorf("%w: corrupted", ErrIncompat)
	}
	s.pos += len(tail)
	return s.err
}

func (s *stream) readCode(p *internal.Proto) error {
	n := s.rCount()
	p.Code = make([]internal.Inst, n)
	for pc := range n {
		i, err := internal.Decode(s.rUint32())
		if err != nil {
			return fmt.Errorf("instruction %d: %w", pc, err)
		}
		p.Code[pc] = i
	}
	return s.err
}

func (s *stream) readConstants(p *internal.Proto) error {
	n := s.rCount()
	p.K = make([]internal.Val, n)
	for i := range n {
		switch kt := s.rByte(); kt {
		case tNil:
			// yeah
		case tBoolean:
			p.K[i] = s.rBool()
		case tNumber:
			p.K[i] = s.rFloat64()
		case tString:
			str, _ := s.rString()
			p.K[i] = str
		default:
			if s.err != nil {
				return s.err
			}
			return fmt.Errorf("unknown constant type %d", kt)
		}
	}

	np := s.rCount()
	p.Protos = make([]*internal.Proto, np)
	for i := range np {
		sub, err := s.readProto()
		if err != nil {
			return err
		}
		p.Protos[i] = sub
	}
	return s.err
}

func (s *stream) readUpvalues(p *internal.Proto) {
	n := s.rCount()
	p.Upvalues = make([]internal.UpvalDesc, n)
	for i := range n {
		p.Upvalues[i].InStack = s.rBool()
		p.Upvalues[i].Idx = int(s.rByte())
	}
}

func (s *stream) readDebug(p *internal.Proto) {
	if src, ok := s.rString(); ok {
		p.Source = src
	}

	if n := s.rCount(); n > 0 {
		p.LineInfo = make([]int, n)
		for i := range n {
			p.LineInfo[i] = s.rInt()
		}
	}

	if n := s.rCount(); n > 0 {
		p.LocVars = make([]internal.LocVar, n)
		for i := range n {
			name, _ := s.rString()
			p.LocVars[i] = internal.LocVar{
				Name:    name,
				StartPC: s.rInt(),
				EndPC:   s.rInt(),
			}
		}
	}

	n := s.rCount()
	for i := range n {
		name, _ := s.rString()
		if i < len(p.Upvalues) {
			p.Upvalues[i].Name = name
		}
	}
}

func (s *stream) readProto() (p *internal.Proto, err error) {
	if s.nested++; s.nested > maxNested {
		return nil, errors.New("function nesting too deep")
	}
	defer func() { s.nested-- }()

	p = &internal.Proto{
		LineDefined:     s.rInt(),
		LastLineDefined: s.rInt(),
		NumParams:       s.rByte(),
		IsVararg:        s.rByte() != 0,
		MaxStackSize:    s.rByte(),
	}

	if err = s.readCode(p); err != nil {
		return nil, err
	}
	if err = s.readConstants(p); err != nil {
		return nil, err
	}
	s.readUpvalues(p)
	s.readDebug(p)

	if s.err != nil {
		return nil, s.err
	}
	return p, nil
}

// inheritSource gives stripped functions the source name of their parent.
func inheritSource(p *internal.Proto, src string) {
	if p.Source == "" {
		p.Source = src
	}
	for _, sub := range p.Protos {
		inheritSource(sub, p.Source)
	}
}

// Undump decodes a Lua 5.2 binary chunk. name is used as the source name when
// the chunk carries no debug information.
func Undump(b []byte, name string) (*internal.Proto, error) {
	s := &stream{data: b}
	if err := s.header(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	p, err := s.readProto()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if s.pos != len(s.data) {
		return nil, fmt.Errorf("%s: %w", name, ErrTrailing)
	}

	inheritSource(p, "="+name)
	return p, nil
}
