package bytecode

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/Heliodex/cocraft/internal"
	"golang.org/x/crypto/blake2b"
)

const Ext = ".lua"

// DefaultLuac is the compiler binary used when none is configured.
const DefaultLuac = "luac5.2"

var ErrNotFound = errors.New("error finding file")

// Compiler turns source files into prototypes with an external luac. Results
// are cached by the hash of the source text, so unchanged programs are only
// compiled once however often they are reloaded.
type Compiler struct {
	Luac string

	mu    sync.Mutex
	cache map[[32]byte]*internal.Proto
}

// NewCompiler creates a new compiler using the given luac binary.
func NewCompiler(luac string) *Compiler {
	if luac == "" {
		luac = DefaultLuac
	}
	return &Compiler{
		Luac:  luac,
		cache: make(map[[32]byte]*internal.Proto),
	}
}

func (c *Compiler) luac(path string) ([]byte, error) {
	// run next to the file so chunk names stay short
	cmd := exec.Command(c.Luac, "-o", "-", filepath.Base(path))
	cmd.Dir = filepath.Dir(path)
	b, err := cmd.Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && len(ee.Stderr) > 0 {
			return nil, fmt.Errorf("%s", ee.Stderr)
		}
		return nil, err
	}
	return b, nil
}

// ResolvePath finds the program at path: either path itself, path with the
// source extension, or the startup file of a directory.
func ResolvePath(path string) (string, error) {
	for _, p := range []string{path, path + Ext, filepath.Join(path, "startup"+Ext)} {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, path)
}

// CompileFile compiles the program at path and returns its main prototype.
func (c *Compiler) CompileFile(path string) (*internal.Proto, error) {
	path, err := ResolvePath(path)
	if err != nil {
		return nil, err
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	hash := blake2b.Sum256(src)
	c.mu.Lock()
	p, ok := c.cache[hash]
	c.mu.Unlock()
	if ok {
		return p, nil
	}

	b, err := c.luac(path)
	if err != nil {
		return nil, fmt.Errorf("error compiling file: %w", err)
	}

	if p, err = Undump(b, filepath.Base(path)); err != nil {
		return nil, fmt.Errorf("error deserialising bytecode: %w", err)
	}

	c.mu.Lock()
	c.cache[hash] = p
	c.mu.Unlock()
	return p, nil
}

// Load returns the prototype for b, which may be a precompiled chunk or
// source text. Source text needs luac and is written to a temporary file.
func (c *Compiler) Load(b []byte, name string) (*internal.Proto, error) {
	if len(b) >= len(signature) && string(b[:len(signature)]) == signature {
		return Undump(b, name)
	}

	dir, err := os.MkdirTemp("", "cocraft")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, name+Ext)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return nil, err
	}
	return c.CompileFile(path)
}

// Forget drops every cached prototype.
func (c *Compiler) Forget() {
	c.mu.Lock()
	clear(c.cache)
	c.mu.Unlock()
}
