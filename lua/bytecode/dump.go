package bytecode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/Heliodex/cocraft/internal"
)

type dumper struct {
	bytes.Buffer
	strip bool
}

func (d *dumper) wInt(n int) {
	d.Write(binary.LittleEndian.AppendUint32(nil, uint32(int32(n))))
}

func (d *dumper) wString(s string, present bool) {
	if !present {
		d.Write(make([]byte, 8))
		return
	}
	d.Write(binary.LittleEndian.AppendUint64(nil, uint64(len(s)+1)))
	d.WriteString(s)
	d.WriteByte(0)
}

func (d *dumper) wProto(p *internal.Proto) error {
	d.wInt(p.LineDefined)
	d.wInt(p.LastLineDefined)
	d.WriteByte(p.NumParams)
	if p.IsVararg {
		d.WriteByte(1)
	} else {
		d.WriteByte(0)
	}
	d.WriteByte(p.MaxStackSize)

	d.wInt(len(p.Code))
	for _, i := range p.Code {
		d.Write(binary.LittleEndian.AppendUint32(nil, Encode(i)))
	}

	d.wInt(len(p.K))
	for _, k := range p.K {
		switch k := k.(type) {
		case nil:
			d.WriteByte(tNil)
		case bool:
			d.WriteByte(tBoolean)
			if k {
				d.WriteByte(1)
			} else {
				d.WriteByte(0)
			}
		case float64:
			d.WriteByte(tNumber)
			d.Write(binary.LittleEndian.AppendUint64(nil, math.Float64bits(k)))
		case string:
			d.WriteByte(tString)
			d.wString(k, true)
		default:
			return fmt.Errorf("can't dump constant of type %T", k)
		}
	}

	d.wInt(len(p.Protos))
	for _, sub := range p.Protos {
		if err := d.wProto(sub); err != nil {
			return err
		}
	}

	d.wInt(len(p.Upvalues))
	for _, uv := range p.Upvalues {
		if uv.InStack {
			d.WriteByte(1)
		} else {
			d.WriteByte(0)
		}
		d.WriteByte(byte(uv.Idx))
	}

	if d.strip {
		d.wString("", false)
		d.wInt(0)
		d.wInt(0)
		d.wInt(0)
		return nil
	}

	d.wString(p.Source, true)
	d.wInt(len(p.LineInfo))
	for _, l := range p.LineInfo {
		d.wInt(l)
	}
	d.wInt(len(p.LocVars))
	for _, lv := range p.LocVars {
		d.wString(lv.Name, true)
		d.wInt(lv.StartPC)
		d.wInt(lv.EndPC)
	}
	d.wInt(len(p.Upvalues))
	for _, uv := range p.Upvalues {
		d.wString(uv.Name, true)
	}
	return nil
}

// Dump encodes p as a Lua 5.2 binary chunk with an 8-byte size_t. With strip
// set, debug information is left out.
func Dump(p *internal.Proto, strip bool) ([]byte, error) {
	d := &dumper{strip: strip}
	d.WriteString(signature)
	d.Write([]byte{version, format, 1, 4, 8, 4, 8, 0})
	d.WriteString(tail)

	if err := d.wProto(p); err != nil {
		return nil, err
	}
	return d.Bytes(), nil
}
