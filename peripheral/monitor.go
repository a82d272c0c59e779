package peripheral

import (
	"fmt"
	"math/bits"

	"github.com/Heliodex/cocraft/lua/vm"
	"github.com/Heliodex/cocraft/terminal"
)

// ColourValue is the guest value of a colour index, a single bit flag.
func ColourValue(c uint8) float64 {
	return float64(uint(1) << c)
}

// ColourArg reads a guest colour: the highest bit set picks the colour.
func ColourArg(args *vm.Args) (int, error) {
	n := args.GetInt()
	if n <= 0 {
		return 0, args.Error("colour out of range")
	}
	c := bits.Len(uint(n)) - 1
	if c >= terminal.NumColours {
		return 0, args.Error("colour out of range")
	}
	return c, nil
}

// ColoursLib is the guest colour constants table.
func ColoursLib() *vm.Table {
	names := []string{
		"white", "orange", "magenta", "lightBlue", "yellow", "lime", "pink", "gray",
		"lightGray", "cyan", "purple", "blue", "brown", "green", "red", "black",
	}
	consts := map[string]vm.Val{}
	for i, n := range names {
		consts[n] = ColourValue(uint8(i))
	}
	consts["grey"] = consts["gray"]
	consts["lightGrey"] = consts["lightGray"]
	return vm.NewLib(nil, consts)
}

func alias(f *vm.GoFunction, name string) *vm.GoFunction {
	g := *f
	g.Name = name
	return &g
}

// TermMethods are the guest functions drawing on t, shared by the term API
// and monitors. Positions are 1-based.
func TermMethods(t *terminal.Terminal) []*vm.GoFunction {
	setText := vm.MakeFn("setTextColour", func(args vm.Args) (r []vm.Val, err error) {
		c, err := ColourArg(&args)
		if err != nil {
			return
		}
		return nil, t.SetTextColour(c)
	})
	setBg := vm.MakeFn("setBackgroundColour", func(args vm.Args) (r []vm.Val, err error) {
		c, err := ColourArg(&args)
		if err != nil {
			return
		}
		return nil, t.SetBackgroundColour(c)
	})
	getText := vm.MakeFn("getTextColour", func(args vm.Args) (r []vm.Val, err error) {
		fg, _ := t.Colours()
		return []vm.Val{ColourValue(fg)}, nil
	})
	getBg := vm.MakeFn("getBackgroundColour", func(args vm.Args) (r []vm.Val, err error) {
		_, bg := t.Colours()
		return []vm.Val{ColourValue(bg)}, nil
	})
	isColour := vm.MakeFn("isColour", func(args vm.Args) (r []vm.Val, err error) {
		return []vm.Val{t.IsColour()}, nil
	})
	setPalette := vm.MakeFn("setPaletteColour", func(args vm.Args) (r []vm.Val, err error) {
		c, err := ColourArg(&args)
		if err != nil {
			return
		}
		if len(args.List) == 2 {
			rgb := uint32(args.GetInt())
			return nil, t.SetPaletteColour(c,
				float64(rgb>>16&0xFF)/255, float64(rgb>>8&0xFF)/255, float64(rgb&0xFF)/255)
		}
		return nil, t.SetPaletteColour(c, args.GetNumber(), args.GetNumber(), args.GetNumber())
	})
	getPalette := vm.MakeFn("getPaletteColour", func(args vm.Args) (r []vm.Val, err error) {
		c, err := ColourArg(&args)
		if err != nil {
			return
		}
		red, green, blue, err := t.PaletteColour(c)
		return []vm.Val{red, green, blue}, err
	})

	return []*vm.GoFunction{
		vm.MakeFn("write", func(args vm.Args) (r []vm.Val, err error) {
			t.Write(args.GetString())
			return
		}),
		vm.MakeFn("blit", func(args vm.Args) (r []vm.Val, err error) {
			return nil, t.Blit(args.GetString(), args.GetString(), args.GetString())
		}),
		vm.MakeFn("clear", func(args vm.Args) (r []vm.Val, err error) {
			t.Clear()
			return
		}),
		vm.MakeFn("clearLine", func(args vm.Args) (r []vm.Val, err error) {
			t.ClearLine()
			return
		}),
		vm.MakeFn("scroll", func(args vm.Args) (r []vm.Val, err error) {
			t.Scroll(args.GetInt())
			return
		}),
		vm.MakeFn("getCursorPos", func(args vm.Args) (r []vm.Val, err error) {
			x, y := t.CursorPos()
			return []vm.Val{float64(x + 1), float64(y + 1)}, nil
		}),
		vm.MakeFn("setCursorPos", func(args vm.Args) (r []vm.Val, err error) {
			x, y := args.GetInt(), args.GetInt()
			return nil, t.SetCursorPos(x-1, y-1)
		}),
		vm.MakeFn("getCursorBlink", func(args vm.Args) (r []vm.Val, err error) {
			return []vm.Val{t.CursorBlink()}, nil
		}),
		vm.MakeFn("setCursorBlink", func(args vm.Args) (r []vm.Val, err error) {
			t.SetCursorBlink(args.GetBool())
			return
		}),
		vm.MakeFn("getSize", func(args vm.Args) (r []vm.Val, err error) {
			w, h := t.Size()
			return []vm.Val{float64(w), float64(h)}, nil
		}),
		vm.MakeFn("getLine", func(args vm.Args) (r []vm.Val, err error) {
			text, fg, bg, ok := t.Line(args.GetInt() - 1)
			if !ok {
				return []vm.Val{nil}, nil
			}
			return []vm.Val{text, fg, bg}, nil
		}),
		setText, alias(setText, "setTextColor"),
		setBg, alias(setBg, "setBackgroundColor"),
		getText, alias(getText, "getTextColor"),
		getBg, alias(getBg, "getBackgroundColor"),
		isColour, alias(isColour, "isColor"),
		setPalette, alias(setPalette, "setPaletteColor"),
		getPalette, alias(getPalette, "getPaletteColor"),
	}
}

// Monitor is an external screen.
type Monitor struct {
	Term    *terminal.Terminal
	methods []*vm.GoFunction
}

func (m *Monitor) Type() string {
	return "monitor"
}

func (m *Monitor) Methods() []*vm.GoFunction {
	return m.methods
}

// NewMonitor makes a monitor of the given size.
func NewMonitor(w, h int, colour bool) (*Monitor, error) {
	t, err := terminal.New(w, h, colour)
	if err != nil {
		return nil, err
	}
	return &Monitor{Term: t, methods: TermMethods(t)}, nil
}

func intOption(cfg map[string]any, key string, def int) (int, error) {
	switch v := cfg[key].(type) {
	case nil:
		return def, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	}
	return 0, fmt.Errorf("option %s must be a number", key)
}

// MonitorType builds monitors. Options: width, height, colour.
var MonitorType = Type{
	ID: "monitor",
	New: func(env Env, cfg map[string]any) (Peripheral, error) {
		w, err := intOption(cfg, "width", 15)
		if err != nil {
			return nil, err
		}
		h, err := intOption(cfg, "height", 10)
		if err != nil {
			return nil, err
		}
		colour, _ := cfg["colour"].(bool)
		return NewMonitor(w, h, colour)
	},
}
