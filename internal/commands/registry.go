// Package commands holds the subcommands of the cellarsync CLI.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/cellarsync/cellar"
	"github.com/briangreenhill/cellarsync/credential"
	"github.com/briangreenhill/cellarsync/internal/config"
	"github.com/briangreenhill/cellarsync/transport"
)

// ErrUsage is returned when a command is called with bad arguments.
var ErrUsage = errors.New("usage")

// Env is what a command runs against.
type Env struct {
	Client *cellar.Client
	API    *transport.Client
	Creds  credential.Store
	Config *config.Config
	// ConfigPath is the file setup writes; empty means the default location.
	ConfigPath string
	In         io.Reader
	Out        io.Writer
	Logger     zerolog.Logger
}

// Command is one CLI subcommand.
type Command interface {
	Name() string
	Summary() string
	Run(ctx context.Context, env *Env, args []string) error
}

// Func adapts a function to Command.
type Func struct {
	name    string
	summary string
	run     func(ctx context.Context, env *Env, args []string) error
}

func NewFunc(name, summary string, run func(ctx context.Context, env *Env, args []string) error) *Func {
	return &Func{name: name, summary: summary, run: run}
}

func (f *Func) Name() string    { return f.name }
func (f *Func) Summary() string { return f.summary }

func (f *Func) Run(ctx context.Context, env *Env, args []string) error {
	return f.run(ctx, env, args)
}

// Registry maps command names to commands.
type Registry struct {
	commands map[string]Command
}

func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// Register adds c, replacing any command of the same name.
func (r *Registry) Register(c Command) {
	r.commands[c.Name()] = c
}

func (r *Registry) Get(name string) (Command, bool) {
	c, ok := r.commands[name]
	return c, ok
}

// List returns the registered names in order.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run dispatches args[0] to its command.
func (r *Registry) Run(ctx context.Context, env *Env, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: no command given", ErrUsage)
	}
	c, ok := r.Get(args[0])
	if !ok {
		return fmt.Errorf("unknown command %q. Available commands: %v", args[0], r.List())
	}
	return c.Run(ctx, env, args[1:])
}

// Usage writes one line per command.
func (r *Registry) Usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: cellarsync <command> [options]")
	fmt.Fprintln(w, "Commands:")
	for _, name := range r.List() {
		fmt.Fprintf(w, "  %-12s %s\n", name, r.commands[name].Summary())
	}
}
