package builtins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"syscall"

	"github.com/nixpig/jobshell/internal/jobmanager"
	"github.com/nixpig/jobshell/internal/jobmanager/pgroup"
	"github.com/pborman/getopt/v2"
)

var errNoCurrentJob = errors.New("no current job")

const killUsage = "kill [-s SIGNAL | -SIGNAL | -N] %job ..."

// parseJobSpec parses "%N", "N", "%%" or "%+". The last two, like an empty
// spec, name the current job.
func parseJobSpec(jc JobControl, spec string) (int, error) {
	switch spec {
	case "", "%", "%%", "%+":
		info, ok := jc.Current()
		if !ok {
			return 0, errNoCurrentJob
		}

		return info.ID, nil
	}

	id, err := strconv.Atoi(strings.TrimPrefix(spec, "%"))
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s: %w", spec, jobmanager.ErrJobNotFound)
	}

	return id, nil
}

// optionalJob returns the single job named by args, or the current job.
func (b *builtins) optionalJob(stdio jobmanager.IO, args []string) (int, bool) {
	if len(args) > 2 {
		fmt.Fprintf(stdio.Stderr, "%s: too many arguments\n", args[0])
		return 0, false
	}

	spec := ""
	if len(args) == 2 {
		spec = args[1]
	}

	id, err := parseJobSpec(b.opts.Jobs, spec)
	if err != nil {
		fmt.Fprintf(stdio.Stderr, "%s: %v\n", args[0], err)
		return 0, false
	}

	return id, true
}

func (b *builtins) jobs() *command {
	return &command{
		Use:     "jobs",
		Short:   "List running and stopped jobs.",
		special: true,
		setup: func(flags *getopt.Set) mainFunc {
			return func(ctx context.Context, stdio jobmanager.IO, args []string) int {
				if err := b.opts.Jobs.Jobs(stdio.Stdout, b.statusFormatter()); err != nil {
					fmt.Fprintf(stdio.Stderr, "%s: %v\n", args[0], err)
					return jobmanager.ExitFailure
				}

				return jobmanager.ExitSuccess
			}
		},
	}
}

func (b *builtins) ps() *command {
	return &command{
		Use:     "ps [-a]",
		Short:   "Show a table of jobs, including finished ones not yet reported.",
		special: true,
		setup: func(flags *getopt.Set) mainFunc {
			active := flags.BoolLong("active", 'a', "only show running and stopped jobs")

			return func(ctx context.Context, stdio jobmanager.IO, args []string) int {
				if err := b.opts.Jobs.PS(stdio.Stdout, *active, b.statusFormatter()); err != nil {
					fmt.Fprintf(stdio.Stderr, "%s: %v\n", args[0], err)
					return jobmanager.ExitFailure
				}

				return jobmanager.ExitSuccess
			}
		},
	}
}

func (b *builtins) fg() *command {
	return &command{
		Use:     "fg [%job]",
		Short:   "Resume a job in the foreground and wait for it.",
		special: true,
		setup: func(flags *getopt.Set) mainFunc {
			return func(ctx context.Context, stdio jobmanager.IO, args []string) int {
				id, ok := b.optionalJob(stdio, args)
				if !ok {
					return jobmanager.ExitFailure
				}

				code, err := b.opts.Jobs.Fg(ctx, id)
				if err != nil {
					fmt.Fprintf(stdio.Stderr, "%s: %v\n", args[0], err)
				}

				return code
			}
		},
	}
}

func (b *builtins) bg() *command {
	return &command{
		Use:     "bg [%job]",
		Short:   "Resume a stopped job in the background.",
		special: true,
		setup: func(flags *getopt.Set) mainFunc {
			return func(ctx context.Context, stdio jobmanager.IO, args []string) int {
				id, ok := b.optionalJob(stdio, args)
				if !ok {
					return jobmanager.ExitFailure
				}

				if err := b.opts.Jobs.Bg(id); err != nil {
					fmt.Fprintf(stdio.Stderr, "%s: %v\n", args[0], err)
					return jobmanager.ExitFailure
				}

				return jobmanager.ExitSuccess
			}
		},
	}
}

func (b *builtins) stop() *command {
	return &command{
		Use:     "stop [%job]",
		Short:   "Stop every process of a job.",
		special: true,
		setup: func(flags *getopt.Set) mainFunc {
			return func(ctx context.Context, stdio jobmanager.IO, args []string) int {
				id, ok := b.optionalJob(stdio, args)
				if !ok {
					return jobmanager.ExitFailure
				}

				if err := b.opts.Jobs.Stop(id); err != nil {
					fmt.Fprintf(stdio.Stderr, "%s: %v\n", args[0], err)
					return jobmanager.ExitFailure
				}

				return jobmanager.ExitSuccess
			}
		},
	}
}

func (b *builtins) kill() *command {
	return &command{
		Use:     killUsage + " or kill -l",
		Short:   "Send a signal to every process of a job.",
		special: true,
		rewrite: killArgs,
		setup: func(flags *getopt.Set) mainFunc {
			name := flags.StringLong("signal", 's', "", "signal name or number to send")
			list := flags.BoolLong("list", 'l', "list signal names")

			return func(ctx context.Context, stdio jobmanager.IO, args []string) int {
				if *list {
					listSignals(stdio.Stdout)
					return jobmanager.ExitSuccess
				}

				sig := b.opts.KillSignal
				specs := args[1:]

				// -SIGNAL and -N are only accepted as the first argument.
				if len(specs) > 0 && strings.HasPrefix(specs[0], "-") {
					s, err := pgroup.ParseSignal(specs[0][1:])
					if err != nil {
						fmt.Fprintf(stdio.Stderr, "%s: %v\n", args[0], err)
						return jobmanager.ExitFailure
					}

					sig = s
					specs = specs[1:]
				}

				if *name != "" {
					s, err := pgroup.ParseSignal(*name)
					if err != nil {
						fmt.Fprintf(stdio.Stderr, "%s: %v\n", args[0], err)
						return jobmanager.ExitFailure
					}

					sig = s
				}

				if len(specs) == 0 {
					fmt.Fprintf(stdio.Stderr, "usage: %s\n", killUsage)
					return 2
				}

				code := jobmanager.ExitSuccess

				for _, spec := range specs {
					id, err := parseJobSpec(b.opts.Jobs, spec)
					if err == nil {
						err = b.opts.Jobs.Kill(id, sig)
					}

					if err != nil {
						fmt.Fprintf(stdio.Stderr, "%s: %v\n", args[0], err)
						code = jobmanager.ExitFailure
					}
				}

				return code
			}
		},
	}
}

// killArgs moves a leading -SIGNAL or -N argument behind a "--" so getopt
// leaves it for the command body.
func killArgs(args []string) []string {
	if len(args) < 2 {
		return args
	}

	first := args[1]
	if len(first) < 2 || first[0] != '-' || first[1] == '-' {
		return args
	}

	if strings.HasPrefix(first, "-s") || first == "-l" || first == "-h" {
		return args
	}

	out := make([]string, 0, len(args)+1)
	out = append(out, args[0], "--")

	return append(out, args[1:]...)
}

func listSignals(w io.Writer) {
	var names []string

	for n := 1; n < 65; n++ {
		if name := pgroup.SignalName(syscall.Signal(n)); name != "" {
			names = append(names, fmt.Sprintf("%2d) %s", n, name))
		}
	}

	for i, name := range names {
		sep := "\t"
		if (i+1)%4 == 0 || i == len(names)-1 {
			sep = "\n"
		}

		fmt.Fprintf(w, "%-12s%s", name, sep)
	}
}
