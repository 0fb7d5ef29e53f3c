// Package builtins implements the commands that run inside the shell process:
// job control (jobs, ps, fg, bg, stop, kill), shell state (cd, exit, alias,
// export, history, source) and a few stream utilities that behave like any
// other pipeline stage.
package builtins

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"syscall"

	"github.com/nixpig/jobshell/internal/jobmanager"
	"github.com/pborman/getopt/v2"
)

// JobControl is the job table and control surface used by the job built-ins.
// *jobmanager.Manager implements it.
type JobControl interface {
	Jobs(w io.Writer, format jobmanager.StatusFormatter) error
	PS(w io.Writer, activeOnly bool, format jobmanager.StatusFormatter) error
	Fg(ctx context.Context, id int) (int, error)
	Bg(id int) error
	Stop(id int) error
	Kill(id int, sig syscall.Signal) error
	Current() (jobmanager.JobInfo, bool)
}

var _ JobControl = (*jobmanager.Manager)(nil)

// Session is the interactive state owned by the shell.
type Session interface {
	// Exit asks the shell to terminate with code once the current line is done.
	Exit(code int)
	LastStatus() int

	History() []string
	ClearHistory() error

	Aliases() map[string]string
	SetAlias(name, value string)
	Unalias(name string) bool

	// RunScript runs the lines of the file at path in the current shell.
	RunScript(ctx context.Context, path string, args []string) int
}

// Options configures the built-ins.
type Options struct {
	Jobs    JobControl
	Session Session

	// Color enables coloured job statuses.
	Color bool

	// KillSignal is sent by kill when no signal is named.
	KillSignal syscall.Signal
}

type mainFunc func(ctx context.Context, stdio jobmanager.IO, args []string) int

// command is a built-in with getopt flag parsing and a generated help text.
type command struct {
	Use   string
	Short string

	// special marks built-ins that change the state of the shell itself.
	special bool

	// rawArgs skips flag parsing entirely.
	rawArgs bool

	// rewrite adjusts the arguments before flag parsing.
	rewrite func(args []string) []string

	// setup defines the command's flags and returns the body, which is called
	// with the remaining arguments after successful parsing.
	setup func(flags *getopt.Set) mainFunc
}

var _ jobmanager.Builtin = (*command)(nil)

// PrintHelp writes help for the command to the given writer.
func (c *command) PrintHelp(w io.Writer) {
	flags := getopt.New()
	flags.BoolLong("help", 'h', "show this help and exit")
	c.setup(flags)

	fmt.Fprint(w, "usage: ")
	fmt.Fprintln(w, c.Use)
	fmt.Fprintln(w, c.Short)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	flags.PrintOptions(w)
}

// Main parses flags and runs the command.
func (c *command) Main(ctx context.Context, stdio jobmanager.IO, args []string) int {
	flags := getopt.New()
	showHelp := flags.BoolLong("help", 'h', "show this help and exit")
	body := c.setup(flags)

	if c.rawArgs {
		return body(ctx, stdio, args)
	}

	if c.rewrite != nil {
		args = c.rewrite(args)
	}

	if err := flags.Getopt(args, nil); err != nil {
		fmt.Fprintf(stdio.Stderr, "%s: %v\n", args[0], err)
		fmt.Fprintf(stdio.Stderr, "usage: %s\n", c.Use)
		return 2
	}

	if *showHelp {
		c.PrintHelp(stdio.Stdout)
		return 0
	}

	return body(ctx, stdio, append([]string{args[0]}, flags.Args()...))
}

// Special reports whether b changes the state of the shell, like cd or fg.
// The shell runs such a built-in directly rather than as a job when it makes
// up the whole command.
func Special(b jobmanager.Builtin) bool {
	c, ok := b.(*command)
	return ok && c.special
}

type builtins struct {
	opts     Options
	commands map[string]*command
}

// Register adds every built-in to reg.
func Register(reg jobmanager.Registry, opts Options) {
	if opts.KillSignal == 0 {
		opts.KillSignal = syscall.SIGTERM
	}

	b := &builtins{opts: opts}

	b.commands = map[string]*command{
		// Job control.
		"jobs": b.jobs(),
		"ps":   b.ps(),
		"fg":   b.fg(),
		"bg":   b.bg(),
		"stop": b.stop(),
		"kill": b.kill(),

		// Shell state.
		"cd":      cd(),
		"pwd":     pwd(),
		"exit":    b.exit(),
		"history": b.history(),
		"alias":   b.alias(),
		"unalias": b.unalias(),
		"export":  export(),
		"source":  b.source(),
		"help":    b.help(),

		// Streams.
		"echo":  echo(),
		"cat":   cat(),
		"head":  head(),
		"tail":  tail(),
		"true":  exitWith("true", jobmanager.ExitSuccess, "Return a successful result."),
		"false": exitWith("false", jobmanager.ExitFailure, "Return an unsuccessful result."),
	}

	for name, c := range b.commands {
		reg[name] = c
	}
}

func (b *builtins) names() []string {
	return slices.Sorted(maps.Keys(b.commands))
}

func (b *builtins) statusFormatter() jobmanager.StatusFormatter {
	return StatusFormatter(b.opts.Color)
}
