package jobmanager

import (
	"context"
	"io"
	"maps"
	"slices"
)

// IO holds the standard streams of a built-in. Inside a pipeline they are the
// pipe ends or redirection files of the stage.
type IO struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Builtin is a command executed inside the shell process. Main receives the
// full argv, including the command name, and returns the exit code. ctx is
// cancelled when the built-in's job is interrupted.
type Builtin interface {
	Main(ctx context.Context, stdio IO, args []string) int
}

// BuiltinFunc adapts a function to the Builtin interface.
type BuiltinFunc func(ctx context.Context, stdio IO, args []string) int

func (f BuiltinFunc) Main(ctx context.Context, stdio IO, args []string) int {
	return f(ctx, stdio, args)
}

var _ Builtin = (BuiltinFunc)(nil)

// BuiltinLookup resolves a command name to a built-in.
type BuiltinLookup interface {
	Lookup(name string) (Builtin, bool)
}

// Registry is a BuiltinLookup backed by a map of names to built-ins.
type Registry map[string]Builtin

var _ BuiltinLookup = Registry(nil)

func (r Registry) Lookup(name string) (Builtin, bool) {
	b, ok := r[name]
	return b, ok
}

// Names returns the registered names in sorted order.
func (r Registry) Names() []string {
	return slices.Sorted(maps.Keys(r))
}
