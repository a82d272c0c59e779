package peripheral

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/Heliodex/cocraft/lua/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("cocraft.peripheral")

// Sides a peripheral can be attached to.
var Sides = []string{"bottom", "top", "back", "front", "right", "left"}

var (
	ErrUnknownType = errors.New("unknown peripheral type")
	ErrSide        = errors.New("invalid side")
	ErrOccupied    = errors.New("side already has a peripheral")
)

// Peripheral is a device attached to a computer. Its methods run on the
// computer's worker.
type Peripheral interface {
	Type() string
	Methods() []*vm.GoFunction
}

// Detacher is implemented by peripherals holding resources that must be
// released when they are removed.
type Detacher interface {
	Detach()
}

// Env is what a peripheral knows about the computer it is attached to.
type Env struct {
	ComputerID int
	Side       string
	// Queue delivers an event to the computer. It never blocks.
	Queue func(name string, args ...vm.Val)
}

// Type builds peripherals of one kind from a stable string ID.
type Type struct {
	ID  string
	New func(env Env, cfg map[string]any) (Peripheral, error)
}

// Registry holds the peripheral types a host supports. It is created by the
// host and handed to the scheduler.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Type
}

// NewRegistry makes a registry holding types.
func NewRegistry(types ...Type) *Registry {
	r := &Registry{types: map[string]Type{}}
	for _, t := range types {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a type. IDs must be unique.
func (r *Registry) Register(t Type) error {
	if t.ID == "" || t.New == nil {
		return errors.New("peripheral type needs an ID and a constructor")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[t.ID]; ok {
		return fmt.Errorf("peripheral type %q registered twice", t.ID)
	}
	r.types[t.ID] = t
	log.Debugf("registered peripheral type %s", t.ID)
	return nil
}

// IDs returns the registered type IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.types))
}

// New builds a peripheral of type id.
func (r *Registry) New(id string, env Env, cfg map[string]any) (Peripheral, error) {
	r.mu.RLock()
	t, ok := r.types[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, id)
	}
	return t.New(env, cfg)
}

func validSide(side string) bool {
	return slices.Contains(Sides, side)
}

// Bus is the set of peripherals attached to one computer. The host attaches
// and detaches; the computer's worker reads.
type Bus struct {
	mu       sync.RWMutex
	attached map[string]Peripheral
}

// NewBus makes an empty bus.
func NewBus() *Bus {
	return &Bus{attached: map[string]Peripheral{}}
}

// Attach connects p to side.
func (b *Bus) Attach(side string, p Peripheral) error {
	if !validSide(side) {
		return fmt.Errorf("%w: %s", ErrSide, side)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.attached[side]; ok {
		return fmt.Errorf("%w: %s", ErrOccupied, side)
	}
	b.attached[side] = p
	return nil
}

// Detach removes the peripheral on side, reporting whether there was one.
func (b *Bus) Detach(side string) bool {
	b.mu.Lock()
	p, ok := b.attached[side]
	delete(b.attached, side)
	b.mu.Unlock()

	if d, isDetacher := p.(Detacher); ok && isDetacher {
		d.Detach()
	}
	return ok
}

// DetachAll removes every peripheral.
func (b *Bus) DetachAll() {
	for _, side := range b.Names() {
		b.Detach(side)
	}
}

// Get returns the peripheral on side, or nil.
func (b *Bus) Get(side string) Peripheral {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.attached[side]
}

// Names returns the sides with a peripheral, in side order.
func (b *Bus) Names() (names []string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, side := range Sides {
		if _, ok := b.attached[side]; ok {
			names = append(names, side)
		}
	}
	return
}

func method(p Peripheral, name string) *vm.GoFunction {
	for _, f := range p.Methods() {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func methodNames(p Peripheral) []vm.Val {
	fs := p.Methods()
	names := make([]string, len(fs))
	for i, f := range fs {
		names[i] = f.Name
	}
	slices.Sort(names)

	vals := make([]vm.Val, len(names))
	for i, n := range names {
		vals[i] = n
	}
	return vals
}

func list(vals []vm.Val) *vm.Table {
	t := vm.NewTable(len(vals), 0)
	for i, v := range vals {
		t.SetInt(i+1, v)
	}
	return t
}

func (b *Bus) side(args *vm.Args) (string, Peripheral) {
	side := args.GetString()
	return side, b.Get(side)
}

// Lib is the guest peripheral API over the bus.
func (b *Bus) Lib() *vm.Table {
	return vm.NewLib([]*vm.GoFunction{
		vm.MakeFn("getNames", func(args vm.Args) (r []vm.Val, err error) {
			names := b.Names()
			vals := make([]vm.Val, len(names))
			for i, n := range names {
				vals[i] = n
			}
			return []vm.Val{list(vals)}, nil
		}),
		vm.MakeFn("isPresent", func(args vm.Args) (r []vm.Val, err error) {
			_, p := b.side(&args)
			return []vm.Val{p != nil}, nil
		}),
		vm.MakeFn("getType", func(args vm.Args) (r []vm.Val, err error) {
			if _, p := b.side(&args); p != nil {
				return []vm.Val{p.Type()}, nil
			}
			return []vm.Val{nil}, nil
		}),
		vm.MakeFn("getMethods", func(args vm.Args) (r []vm.Val, err error) {
			if _, p := b.side(&args); p != nil {
				return []vm.Val{list(methodNames(p))}, nil
			}
			return []vm.Val{nil}, nil
		}),
		vm.MakeFn("call", func(args vm.Args) (r []vm.Val, err error) {
			side, p := b.side(&args)
			name := args.GetString()
			if p == nil {
				return nil, fmt.Errorf("no peripheral attached to %s", side)
			}
			f := method(p, name)
			if f == nil {
				return nil, fmt.Errorf("no such method %s", name)
			}
			return args.Co.Call(f, args.Rest()...)
		}),
		vm.MakeFn("wrap", func(args vm.Args) (r []vm.Val, err error) {
			if _, p := b.side(&args); p != nil {
				return []vm.Val{vm.NewLib(p.Methods())}, nil
			}
			return []vm.Val{nil}, nil
		}),
	})
}
