package peripheral

import (
	"fmt"
	"sync"

	"github.com/Heliodex/cocraft/lua/vm"
)

// MaxChannel is the highest modem channel.
const MaxChannel = 65535

// maxMessageDepth bounds the nesting of a transmitted table.
const maxMessageDepth = 64

// Network connects the modems of every computer on one host.
type Network struct {
	mu     sync.RWMutex
	modems map[*Modem]struct{}
}

// NewNetwork makes an empty network.
func NewNetwork() *Network {
	return &Network{modems: map[*Modem]struct{}{}}
}

// Type builds modems on this network.
func (n *Network) Type() Type {
	return Type{
		ID: "modem",
		New: func(env Env, cfg map[string]any) (Peripheral, error) {
			return n.NewModem(env), nil
		},
	}
}

// Modem sends and receives messages on numbered channels.
type Modem struct {
	net     *Network
	env     Env
	methods []*vm.GoFunction

	mu   sync.Mutex
	open map[int]bool
}

// NewModem makes a modem attached to env's computer.
func (n *Network) NewModem(env Env) *Modem {
	m := &Modem{net: n, env: env, open: map[int]bool{}}
	m.methods = m.lib()

	n.mu.Lock()
	n.modems[m] = struct{}{}
	n.mu.Unlock()
	return m
}

func (m *Modem) Type() string {
	return "modem"
}

func (m *Modem) Methods() []*vm.GoFunction {
	return m.methods
}

// Detach removes the modem from the network.
func (m *Modem) Detach() {
	m.net.mu.Lock()
	delete(m.net.modems, m)
	m.net.mu.Unlock()
}

func (m *Modem) isOpen(ch int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[ch]
}

// transmit delivers a message to every other modem listening on ch.
func (m *Modem) transmit(ch, reply int, msg vm.Val) (delivered int) {
	m.net.mu.RLock()
	defer m.net.mu.RUnlock()

	for other := range m.net.modems {
		if other == m || !other.isOpen(ch) || other.env.Queue == nil {
			continue
		}
		// each receiver gets its own copy, so no table is shared between machines
		c, err := copyValue(msg, map[*vm.Table]*vm.Table{}, 0)
		if err != nil {
			log.Warningf("modem message dropped: %s", err)
			return
		}
		other.env.Queue("modem_message", other.env.Side, float64(ch), float64(reply), c, 0.0)
		delivered++
	}
	return
}

// copyValue deep copies a message. Functions and coroutines can't leave
// their machine.
func copyValue(v vm.Val, seen map[*vm.Table]*vm.Table, depth int) (vm.Val, error) {
	switch v := v.(type) {
	case nil, bool, float64, string:
		return v, nil
	case *vm.Table:
		if c, ok := seen[v]; ok {
			return c, nil
		}
		if depth >= maxMessageDepth {
			return nil, fmt.Errorf("message nested too deeply")
		}

		c := vm.NewTable(v.Len(), 0)
		seen[v] = c
		for k, e := range v.All() {
			ck, err := copyValue(k, seen, depth+1)
			if err != nil {
				return nil, err
			}
			ce, err := copyValue(e, seen, depth+1)
			if err != nil {
				return nil, err
			}
			if err := c.RawSet(ck, ce); err != nil {
				return nil, err
			}
		}
		return c, nil
	}
	return nil, fmt.Errorf("cannot transmit %s values", vm.TypeName(v))
}

func channelArg(args *vm.Args) (int, error) {
	ch := args.GetInt()
	if ch < 0 || ch > MaxChannel {
		return 0, args.Error("channel out of range")
	}
	return ch, nil
}

func (m *Modem) lib() []*vm.GoFunction {
	return []*vm.GoFunction{
		vm.MakeFn("open", func(args vm.Args) (r []vm.Val, err error) {
			ch, err := channelArg(&args)
			if err != nil {
				return
			}
			m.mu.Lock()
			m.open[ch] = true
			m.mu.Unlock()
			return
		}),
		vm.MakeFn("close", func(args vm.Args) (r []vm.Val, err error) {
			ch, err := channelArg(&args)
			if err != nil {
				return
			}
			m.mu.Lock()
			delete(m.open, ch)
			m.mu.Unlock()
			return
		}),
		vm.MakeFn("closeAll", func(args vm.Args) (r []vm.Val, err error) {
			m.mu.Lock()
			clear(m.open)
			m.mu.Unlock()
			return
		}),
		vm.MakeFn("isOpen", func(args vm.Args) (r []vm.Val, err error) {
			ch, err := channelArg(&args)
			if err != nil {
				return
			}
			return []vm.Val{m.isOpen(ch)}, nil
		}),
		vm.MakeFn("transmit", func(args vm.Args) (r []vm.Val, err error) {
			ch, err := channelArg(&args)
			if err != nil {
				return
			}
			reply, err := channelArg(&args)
			if err != nil {
				return
			}
			msg := args.GetAny()
			if _, err = copyValue(msg, map[*vm.Table]*vm.Table{}, 0); err != nil {
				return
			}
			m.transmit(ch, reply, msg)
			return
		}),
	}
}
