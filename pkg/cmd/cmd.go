// Package cmd is a small transport-agnostic command core: a command has a
// name, a description and Run(ctx, invocation). Adapters (console, chat)
// parse their input into an Invocation and dispatch through a Registry.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrUnknownCommand = errors.New("unknown command")

// Invocation carries the arguments after the command name and an opaque
// payload set by the adapter.
type Invocation struct {
	Name string
	Args []string
	Data any
}

// Arg returns the i-th argument or "".
func (inv *Invocation) Arg(i int) string {
	if i < 0 || i >= len(inv.Args) {
		return ""
	}
	return inv.Args[i]
}

type Command interface {
	Name() string
	Description() string
	Run(ctx context.Context, inv *Invocation) error
}

type funcCommand struct {
	name, desc string
	run        func(ctx context.Context, inv *Invocation) error
}

func (f *funcCommand) Name() string        { return f.name }
func (f *funcCommand) Description() string { return f.desc }
func (f *funcCommand) Run(ctx context.Context, inv *Invocation) error {
	return f.run(ctx, inv)
}

// New builds a command from a function.
func New(name, description string, run func(ctx context.Context, inv *Invocation) error) Command {
	return &funcCommand{name: name, desc: description, run: run}
}

// Middleware wraps a command (logging, access checks).
type Middleware func(Command) Command

// Wrapped runs RunFunc in place of Inner.Run while keeping Inner's identity.
type Wrapped struct {
	Inner   Command
	RunFunc func(ctx context.Context, inv *Invocation) error
}

func (w *Wrapped) Name() string        { return w.Inner.Name() }
func (w *Wrapped) Description() string { return w.Inner.Description() }

func (w *Wrapped) Run(ctx context.Context, inv *Invocation) error {
	if w.RunFunc == nil {
		return w.Inner.Run(ctx, inv)
	}
	return w.RunFunc(ctx, inv)
}

// Wrap is the building block for middleware.
func Wrap(c Command, run func(ctx context.Context, inv *Invocation) error) Command {
	return &Wrapped{Inner: c, RunFunc: run}
}

// Registry stores commands by name, each wrapped in the registry's
// middleware. The first middleware is the outermost. It is safe for
// concurrent use.
type Registry struct {
	mu          sync.RWMutex
	commands    map[string]Command
	aliases     map[string]string
	middlewares []Middleware
}

func NewRegistry(mws ...Middleware) *Registry {
	return &Registry{
		commands:    make(map[string]Command),
		aliases:     make(map[string]string),
		middlewares: mws,
	}
}

// Register adds c under its name and any aliases.
func (r *Registry) Register(c Command, aliases ...string) {
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		c = r.middlewares[i](c)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[c.Name()] = c
	for _, a := range aliases {
		r.aliases[a] = c.Name()
	}
}

// Get resolves name or an alias, or returns nil.
func (r *Registry) Get(name string) Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.aliases[name]; ok {
		name = target
	}
	return r.commands[name]
}

// All returns the registered commands sorted by name.
func (r *Registry) All() []Command {
	r.mu.RLock()
	list := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		list = append(list, c)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].Name() < list[j].Name()
	})
	return list
}

// Dispatch splits line into a name and arguments and runs the command.
// Blank lines do nothing.
func (r *Registry) Dispatch(ctx context.Context, line string, data any) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	name := strings.ToLower(fields[0])
	c := r.Get(name)
	if c == nil {
		return fmt.Errorf("%q: %w", name, ErrUnknownCommand)
	}
	return c.Run(ctx, &Invocation{Name: name, Args: fields[1:], Data: data})
}
