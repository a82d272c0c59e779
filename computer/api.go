package computer

import (
	"github.com/Heliodex/cocraft/lua/vm"
	"github.com/Heliodex/cocraft/peripheral"
	"github.com/Heliodex/cocraft/terminal"
)

// termWriter sends print output to the terminal, wrapped and scrolled.
type termWriter struct {
	t *terminal.Terminal
}

func (w termWriter) Write(p []byte) (int, error) {
	w.t.WriteWrapped(string(p))
	return len(p), nil
}

func errTerminated() error {
	return &vm.Error{Value: "Terminated"}
}

// install loads the computer's libraries into the worker's machine.
func (w *worker) install() {
	m, c := w.m, w.c
	m.Stdout = termWriter{c.term}

	os := w.osLib()
	m.SetGlobal("os", os)
	m.SetGlobal("sleep", os.RawGet("sleep"))
	m.SetGlobal("term", vm.NewLib(peripheral.TermMethods(c.term)))

	colours := peripheral.ColoursLib()
	m.SetGlobal("colours", colours)
	m.SetGlobal("colors", colours)

	m.SetGlobal("peripheral", c.bus.Lib())
	if c.opts.World != nil {
		m.SetGlobal("world", peripheral.WorldLib(w.ctx, c.opts.World))
	}

	m.SetGlobal("write", vm.MakeFn("write", func(args vm.Args) (r []vm.Val, err error) {
		s, err := m.String(args.GetAny())
		if err != nil {
			return
		}
		return []vm.Val{float64(c.term.WriteWrapped(s))}, nil
	}))
	m.SetGlobal("printError", vm.MakeFn("printError", func(args vm.Args) (r []vm.Val, err error) {
		var msg string
		for i, v := range args.List {
			s, err := m.String(v)
			if err != nil {
				return nil, err
			}
			if i > 0 {
				msg += "\t"
			}
			msg += s
		}
		w.printError(msg)
		return
	}))
}

// pull yields with an optional event name filter.
func pull(args vm.Args) ([]vm.Val, error) {
	if len(args.List) == 0 || args.List[0] == nil {
		return nil, nil
	}
	return []vm.Val{args.GetString()}, nil
}

// terminable raises an error for a terminate event.
func terminable(args vm.Args) ([]vm.Val, error) {
	if len(args.List) > 0 && args.List[0] == "terminate" {
		return nil, errTerminated()
	}
	return args.List, nil
}

func (w *worker) osLib() *vm.Table {
	c := w.c

	power := func(name string, req request) *vm.GoFunction {
		return vm.YieldFn(name, func(args vm.Args) ([]vm.Val, error) {
			w.request = req
			return nil, nil
		}, nil)
	}

	return vm.NewLib([]*vm.GoFunction{
		vm.YieldFn("pullEvent", pull, terminable),
		vm.YieldFn("pullEventRaw", pull, nil),
		vm.YieldFn("sleep", func(args vm.Args) ([]vm.Val, error) {
			n, err := c.startTimer(args.GetNumber(0))
			if err != nil {
				return nil, err
			}
			id := float64(n)
			w.match = func(e Event) bool {
				return e.Name == "timer" && len(e.Args) > 0 && e.Args[0] == id
			}
			return []vm.Val{"timer"}, nil
		}, func(args vm.Args) ([]vm.Val, error) {
			_, err := terminable(args)
			return nil, err
		}),
		vm.MakeFn("queueEvent", func(args vm.Args) (r []vm.Val, err error) {
			name := args.GetString()
			c.QueueEvent(name, args.Rest()...)
			return
		}),
		vm.MakeFn("getComputerID", func(args vm.Args) (r []vm.Val, err error) {
			return []vm.Val{float64(c.id)}, nil
		}),
		vm.MakeFn("getComputerLabel", func(args vm.Args) (r []vm.Val, err error) {
			if l := c.Label(); l != "" {
				return []vm.Val{l}, nil
			}
			return []vm.Val{nil}, nil
		}),
		vm.MakeFn("setComputerLabel", func(args vm.Args) (r []vm.Val, err error) {
			var label string
			if len(args.List) > 0 && args.List[0] != nil {
				label = args.GetString()
			}
			c.SetLabel(label)
			return
		}),
		power("shutdown", requestShutdown),
		power("reboot", requestReboot),
		vm.MakeFn("clock", func(args vm.Args) (r []vm.Val, err error) {
			return []vm.Val{c.clock()}, nil
		}),
		vm.MakeFn("startTimer", func(args vm.Args) (r []vm.Val, err error) {
			id, err := c.startTimer(args.GetNumber())
			if err != nil {
				return nil, err
			}
			return []vm.Val{float64(id)}, nil
		}),
		vm.MakeFn("cancelTimer", func(args vm.Args) (r []vm.Val, err error) {
			c.cancelTimer(args.GetInt())
			return
		}),
	})
}
