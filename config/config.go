// Package config loads host configuration from TOML or JSON-with-comments
// files.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Heliodex/cocraft/computer"
	"github.com/Heliodex/cocraft/lua/bytecode"
	"github.com/Heliodex/cocraft/lua/vm"
	"github.com/Heliodex/cocraft/peripheral"
	"github.com/Heliodex/cocraft/terminal"
	"github.com/tailscale/hujson"
)

var (
	ErrFormat     = errors.New("unsupported config format")
	ErrUnknownKey = errors.New("unknown config key")
	ErrInvalid    = errors.New("invalid config")
)

// Duration is a time.Duration written as a string like "7s".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the configuration of one host.
type Config struct {
	// Luac is the compiler used for program source.
	Luac      string     `toml:"luac" json:"luac"`
	Runtime   Runtime    `toml:"runtime" json:"runtime"`
	Terminal  Terminal   `toml:"terminal" json:"terminal"`
	Network   Network    `toml:"network" json:"network"`
	Computers []Computer `toml:"computer" json:"computer"`

	// Dir is the directory holding the config file, set at load time.
	Dir string `toml:"-" json:"-"`
}

// Runtime holds the scheduling budgets shared by every computer.
type Runtime struct {
	TickRate        float64  `toml:"tick-rate" json:"tick-rate"`
	MaxInstructions int64    `toml:"max-instructions" json:"max-instructions"`
	MaxAllocBytes   int64    `toml:"max-alloc-bytes" json:"max-alloc-bytes"`
	MaxCallDepth    int      `toml:"max-call-depth" json:"max-call-depth"`
	Timeout         Duration `toml:"timeout" json:"timeout"`
	LivenessTicks   int      `toml:"liveness-ticks" json:"liveness-ticks"`
	MaxQueuedEvents int      `toml:"max-queued-events" json:"max-queued-events"`
}

// Terminal is the default screen of a computer.
type Terminal struct {
	Width  int  `toml:"width" json:"width"`
	Height int  `toml:"height" json:"height"`
	Colour bool `toml:"colour" json:"colour"`
}

type Network struct {
	// Listen is the UDP address viewers connect to. Empty disables it.
	Listen string `toml:"listen" json:"listen"`
	// HTTP is the address of the status API. Empty disables it.
	HTTP string `toml:"http" json:"http"`
}

// Computer is one computer the host runs from startup.
type Computer struct {
	ID      int    `toml:"id" json:"id"`
	Label   string `toml:"label" json:"label"`
	Program string `toml:"program" json:"program"`
	// Colour overrides the terminal default when set.
	Colour *bool `toml:"colour" json:"colour"`
	// Persistent computers never need keep-alives. Defaults to true.
	Persistent  *bool        `toml:"persistent" json:"persistent"`
	Peripherals []Peripheral `toml:"peripheral" json:"peripheral"`
}

// Peripheral is attached to a computer when it is created.
type Peripheral struct {
	Side    string         `toml:"side" json:"side"`
	Type    string         `toml:"type" json:"type"`
	Options map[string]any `toml:"options" json:"options"`
}

// Default returns a config with every default set and no computers.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.Luac == "" {
		c.Luac = bytecode.DefaultLuac
	}

	r := &c.Runtime
	if r.TickRate == 0 {
		r.TickRate = computer.DefaultTickRate
	}
	if r.MaxInstructions == 0 {
		r.MaxInstructions = vm.DefaultLimits.MaxInstructions
	}
	if r.MaxAllocBytes == 0 {
		r.MaxAllocBytes = vm.DefaultLimits.MaxAllocBytes
	}
	if r.MaxCallDepth == 0 {
		r.MaxCallDepth = vm.DefaultLimits.MaxCallDepth
	}
	if r.Timeout == 0 {
		r.Timeout = Duration(computer.DefaultTimeout)
	}
	if r.LivenessTicks == 0 {
		r.LivenessTicks = computer.DefaultLivenessTicks
	}
	if r.MaxQueuedEvents == 0 {
		r.MaxQueuedEvents = computer.DefaultMaxQueuedEvents
	}

	if c.Terminal.Width == 0 && c.Terminal.Height == 0 {
		c.Terminal.Width, c.Terminal.Height = computer.DefaultWidth, computer.DefaultHeight
	}
}

func invalid(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, a...))
}

// Validate rejects values no host could run with.
func (c *Config) Validate() error {
	r := c.Runtime
	switch {
	case r.TickRate <= 0 || r.TickRate > 1000:
		return invalid("tick-rate %v out of range", r.TickRate)
	case r.MaxInstructions < 0, r.MaxAllocBytes < 0, r.MaxCallDepth < 0, r.MaxQueuedEvents < 0:
		return invalid("budgets can't be negative")
	case r.Timeout < 0:
		return invalid("timeout can't be negative")
	}

	t := c.Terminal
	if t.Width < 1 || t.Height < 1 || t.Width > terminal.MaxSize || t.Height > terminal.MaxSize {
		return invalid("terminal size %dx%d out of range", t.Width, t.Height)
	}

	ids := map[int]bool{}
	for _, cc := range c.Computers {
		if cc.ID < 0 {
			return invalid("computer id %d is negative", cc.ID)
		}
		if ids[cc.ID] {
			return invalid("computer id %d used twice", cc.ID)
		}
		ids[cc.ID] = true
		if cc.Program == "" {
			return invalid("computer %d has no program", cc.ID)
		}

		sides := map[string]bool{}
		for _, p := range cc.Peripherals {
			if !slices.Contains(peripheral.Sides, p.Side) {
				return invalid("computer %d: no side %q", cc.ID, p.Side)
			}
			if sides[p.Side] {
				return invalid("computer %d: two peripherals on %s", cc.ID, p.Side)
			}
			sides[p.Side] = true
			if p.Type == "" {
				return invalid("computer %d: peripheral on %s has no type", cc.ID, p.Side)
			}
		}
	}
	return nil
}

// Parse decodes a config in the format named by ext, ".toml", ".json" or
// ".hujson", then sets defaults and validates it.
func Parse(data []byte, ext string) (*Config, error) {
	var c Config
	switch strings.ToLower(ext) {
	case ".toml":
		md, err := toml.Decode(string(data), &c)
		if err != nil {
			return nil, err
		}
		if u := md.Undecoded(); len(u) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKey, u[0])
		}
	case ".json", ".hujson":
		std, err := hujson.Standardize(data)
		if err != nil {
			return nil, err
		}
		d := json.NewDecoder(bytes.NewReader(std))
		d.DisallowUnknownFields()
		if err := d.Decode(&c); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrFormat, ext)
	}

	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads the config file at path. Program paths are made relative to
// the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("error in %s: %w", path, err)
	}

	if c.Dir, err = filepath.Abs(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	for i, cc := range c.Computers {
		if !filepath.IsAbs(cc.Program) {
			c.Computers[i].Program = filepath.Join(c.Dir, cc.Program)
		}
	}
	return c, nil
}

// Options returns the scheduler options every computer starts from.
func (c *Config) Options() computer.Options {
	r := c.Runtime
	return computer.Options{
		Width:  c.Terminal.Width,
		Height: c.Terminal.Height,
		Colour: c.Terminal.Colour,
		Limits: vm.Limits{
			MaxInstructions: r.MaxInstructions,
			MaxAllocBytes:   r.MaxAllocBytes,
			MaxCallDepth:    r.MaxCallDepth,
		},
		Timeout:         time.Duration(r.Timeout),
		LivenessTicks:   r.LivenessTicks,
		MaxQueuedEvents: r.MaxQueuedEvents,
		TickRate:        r.TickRate,
		Persistent:      true,
	}
}

// Apply changes scheduler options for this computer.
func (cc Computer) Apply(o *computer.Options) {
	o.Label = cc.Label
	if cc.Colour != nil {
		o.Colour = *cc.Colour
	}
	if cc.Persistent != nil {
		o.Persistent = *cc.Persistent
	}
}

// TickInterval is the time between host ticks.
func (r Runtime) TickInterval() time.Duration {
	return time.Duration(float64(time.Second) / r.TickRate)
}
