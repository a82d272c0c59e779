package peripheral

import (
	"context"
	"fmt"

	"github.com/Heliodex/cocraft/lua/vm"
)

// Direction is where a command acts, relative to the computer.
type Direction uint8

// Directions
const (
	Forward Direction = iota
	Up
	Down
	Back
)

var directionNames = map[string]Direction{
	"forward": Forward,
	"up":      Up,
	"down":    Down,
	"back":    Back,
}

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	case Back:
		return "back"
	}
	return "forward"
}

// Side is a turning direction.
type Side uint8

// Sides
const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Right {
		return "right"
	}
	return "left"
}

// Command is a request to change or observe the world. The set of commands
// is closed: Move, Turn, Dig, Place and Inspect.
type Command interface {
	command()
}

type (
	Move    struct{ Dir Direction }
	Turn    struct{ Side Side }
	Dig     struct{ Dir Direction }
	Place   struct{ Dir Direction }
	Inspect struct{ Dir Direction }
)

func (Move) command()    {}
func (Turn) command()    {}
func (Dig) command()     {}
func (Place) command()   {}
func (Inspect) command() {}

// World carries out commands for one computer. Implementations live in the
// host simulation.
type World interface {
	Move(ctx context.Context, d Direction) Result
	Turn(ctx context.Context, s Side) Result
	Dig(ctx context.Context, d Direction) Result
	Place(ctx context.Context, d Direction) Result
	Inspect(ctx context.Context, d Direction) Result
}

// Executor runs commands.
type Executor interface {
	Execute(ctx context.Context, c Command) Result
}

// Dispatch runs c against w.
func Dispatch(ctx context.Context, w World, c Command) Result {
	if err := ctx.Err(); err != nil {
		return Fail(err.Error())
	}

	switch c := c.(type) {
	case Move:
		if c.Dir == Back {
			return Result{Kind: NotApplicable}
		}
		return w.Move(ctx, c.Dir)
	case Turn:
		return w.Turn(ctx, c.Side)
	case Dig:
		return w.Dig(ctx, c.Dir)
	case Place:
		return w.Place(ctx, c.Dir)
	case Inspect:
		return w.Inspect(ctx, c.Dir)
	}
	return Result{Kind: NotApplicable}
}

type worldExecutor struct {
	w World
}

func (e worldExecutor) Execute(ctx context.Context, c Command) Result {
	return Dispatch(ctx, e.w, c)
}

// NewExecutor runs commands against a world.
func NewExecutor(w World) Executor {
	return worldExecutor{w}
}

// WorldLib is the guest world API: each function runs one command and
// returns its result.
func WorldLib(ctx context.Context, ex Executor) *vm.Table {
	run := func(name string, build func(args *vm.Args) (Command, error)) *vm.GoFunction {
		return vm.MakeFn(name, func(args vm.Args) (r []vm.Val, err error) {
			c, err := build(&args)
			if err != nil {
				return
			}
			return ex.Execute(ctx, c).Values(), nil
		})
	}
	dir := func(f func(Direction) Command) func(args *vm.Args) (Command, error) {
		return func(args *vm.Args) (c Command, err error) {
			name := args.GetString("forward")
			d, ok := directionNames[name]
			if !ok {
				return nil, args.Error(fmt.Sprintf("unknown direction '%s'", name))
			}
			return f(d), nil
		}
	}

	return vm.NewLib([]*vm.GoFunction{
		run("move", dir(func(d Direction) Command { return Move{d} })),
		run("turn", func(args *vm.Args) (Command, error) {
			switch s := args.GetString(); s {
			case "left":
				return Turn{Left}, nil
			case "right":
				return Turn{Right}, nil
			default:
				return nil, args.Error(fmt.Sprintf("unknown side '%s'", s))
			}
		}),
		run("dig", dir(func(d Direction) Command { return Dig{d} })),
		run("place", dir(func(d Direction) Command { return Place{d} })),
		run("inspect", dir(func(d Direction) Command { return Inspect{d} })),
	})
}
