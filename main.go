// Command cocraft hosts virtual computers: it ticks them, serves their
// terminals to viewers and takes input from a console or HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Heliodex/cocraft/computer"
	"github.com/Heliodex/cocraft/config"
	"github.com/Heliodex/cocraft/lua/bytecode"
	"github.com/Heliodex/cocraft/lua/vm"
	"github.com/Heliodex/cocraft/netsync"
	"github.com/Heliodex/cocraft/peripheral"
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("cocraft")

// loader compiles the program at path each time a computer boots, so edits
// take effect on reboot.
func loader(comp *bytecode.Compiler, path string) computer.Program {
	return func(m *vm.Machine) (*vm.Closure, error) {
		p, err := comp.CompileFile(path)
		if err != nil {
			return nil, err
		}
		return m.Load(p), nil
	}
}

type host struct{}

func (host) Fault(c *computer.Computer, err error) {
	fmt.Printf("Computer %d forced off: %v\n", c.ID(), err)
}

func (host) Abandoned(c *computer.Computer) {
	fmt.Printf("Computer %d abandoned\n", c.ID())
}

// Host is everything one process runs.
type Host struct {
	cfg   *config.Config
	comp  *bytecode.Compiler
	sched *computer.Scheduler
	world *flatWorld
	srv   *netsync.Server
}

// NewHost sets up the computers of cfg, switched off.
func NewHost(cfg *config.Config) (*Host, error) {
	h := &Host{
		cfg:   cfg,
		comp:  bytecode.NewCompiler(cfg.Luac),
		world: newFlatWorld(),
	}

	opts := cfg.Options()
	opts.Registry = peripheral.NewRegistry(peripheral.MonitorType, peripheral.NewNetwork().Type())
	opts.Host = host{}
	if cfg.Network.Listen != "" {
		h.srv = netsync.NewServer()
		opts.Broadcaster = h.srv
	}
	h.sched = computer.NewScheduler(opts)

	for _, cc := range cfg.Computers {
		if _, err := h.Add(cc); err != nil {
			h.sched.Close()
			return nil, err
		}
	}
	return h, nil
}

// Add creates a computer from its config and attaches its peripherals.
func (h *Host) Add(cc config.Computer) (*computer.Computer, error) {
	c, err := h.sched.Add(cc.ID, loader(h.comp, cc.Program), cc.Apply, func(o *computer.Options) {
		o.World = peripheral.NewExecutor(h.world.turtle(cc.ID))
	})
	if err != nil {
		return nil, err
	}

	for _, p := range cc.Peripherals {
		if err := c.Attach(p.Side, p.Type, p.Options); err != nil {
			h.sched.Remove(cc.ID)
			return nil, fmt.Errorf("computer %d: %w", cc.ID, err)
		}
	}
	return c, nil
}

// Run boots every computer and serves until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	defer h.sched.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := make(chan error, 2)

	if h.srv != nil {
		cert, err := netsync.SelfSigned(hostname(h.cfg.Network.Listen))
		if err != nil {
			return err
		}
		ln, err := netsync.Listen(h.cfg.Network.Listen, cert)
		if err != nil {
			return err
		}
		defer ln.Close()
		fmt.Println("Viewers can connect on", ln.Addr())
		go func() { errs <- h.srv.Serve(ctx, ln, h.sched) }()
	}

	if h.cfg.Network.HTTP != "" {
		hs := &http.Server{Addr: h.cfg.Network.HTTP, Handler: newAPI(h.sched)}
		go func() {
			<-ctx.Done()
			hs.Close()
		}()
		go func() {
			fmt.Println("HTTP API on", h.cfg.Network.HTTP)
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("failed to start HTTP server: %w", err)
			}
		}()
	}

	for _, c := range h.sched.List() {
		c.TurnOn()
	}
	go h.sched.Run(ctx, h.cfg.Runtime.TickInterval())

	select {
	case <-ctx.Done():
		return nil
	case err := <-errs:
		return err
	}
}

func hostname(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return "localhost"
	}
	return host
}

func usage() {
	fmt.Println("Usage: cocraft <command> [flags]")
	fmt.Println("Available commands:")
	fmt.Println("  serve [-config file] [-console] [-watch]   run the computers of a config file")
	fmt.Println("  run [-luac path] <program>                 run one program with a console")
}

func main() {
	if len(os.Args) <= 1 {
		usage()
		os.Exit(1)
	}

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	verbose := fs.Int("v", 0, "log verbosity, -4 (none) to 2 (debug)")
	logPath := fs.String("log", "", "log to this file instead of stderr")

	var (
		cfg *config.Config
		err error
	)
	console, watch := true, false

	switch os.Args[1] {
	case "serve":
		cfgPath := fs.String("config", "cocraft.toml", "config file (.toml, .json or .hujson)")
		fconsole := fs.Bool("console", false, "read commands from standard input")
		fwatch := fs.Bool("watch", false, "reboot computers when their programs change")
		fs.Parse(os.Args[2:])
		console, watch = *fconsole, *fwatch

		if cfg, err = config.Load(*cfgPath); err != nil {
			fmt.Println("Failed to load config:", err)
			os.Exit(1)
		}
	case "run":
		luac := fs.String("luac", bytecode.DefaultLuac, "Lua 5.2 compiler")
		colour := fs.Bool("colour", true, "colour terminal")
		fs.Parse(os.Args[2:])
		if fs.NArg() != 1 {
			usage()
			os.Exit(1)
		}

		path, err := filepath.Abs(fs.Arg(0))
		if err != nil {
			fmt.Println("Invalid program path:", err)
			os.Exit(1)
		}
		cfg = config.Default()
		cfg.Luac = *luac
		cfg.Terminal.Colour = *colour
		cfg.Computers = []config.Computer{{ID: 0, Program: path}}
	default:
		usage()
		os.Exit(1)
	}

	if *logPath != "" {
		commonlog.Configure(*verbose, logPath)
	} else {
		commonlog.Configure(*verbose, nil)
	}

	h, err := NewHost(cfg)
	if err != nil {
		fmt.Println("Failed to start:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watch {
		for _, cc := range cfg.Computers {
			go watchProgram(ctx, h.sched, cc.ID, cc.Program)
		}
	}
	if console {
		go func() {
			runConsole(h.sched)
			stop()
		}()
	}

	if err := h.Run(ctx); err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	log.Notice("stopped")
}
