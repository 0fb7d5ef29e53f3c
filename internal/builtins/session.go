package builtins

import (
	"context"
	"fmt"
	"maps"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/nixpig/jobshell/internal/jobmanager"
	"github.com/pborman/getopt/v2"
)

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func cd() *command {
	return &command{
		Use:     "cd [DIR | -]",
		Short:   "Change the working directory. Without DIR, change to $HOME.",
		special: true,
		setup: func(flags *getopt.Set) mainFunc {
			return func(ctx context.Context, stdio jobmanager.IO, args []string) int {
				var dir string

				switch len(args) {
				case 1:
					dir = os.Getenv("HOME")
				case 2:
					dir = args[1]
				default:
					fmt.Fprintf(stdio.Stderr, "%s: too many arguments\n", args[0])
					return jobmanager.ExitFailure
				}

				if dir == "-" {
					dir = os.Getenv("OLDPWD")
					fmt.Fprintln(stdio.Stdout, dir)
				}

				if dir == "" {
					fmt.Fprintf(stdio.Stderr, "%s: no directory\n", args[0])
					return jobmanager.ExitFailure
				}

				old, _ := os.Getwd()

				if err := os.Chdir(dir); err != nil {
					fmt.Fprintf(stdio.Stderr, "%s: %v\n", args[0], err)
					return jobmanager.ExitFailure
				}

				wd, err := os.Getwd()
				if err != nil {
					wd = dir
				}

				os.Setenv("OLDPWD", old)
				os.Setenv("PWD", wd)

				return jobmanager.ExitSuccess
			}
		},
	}
}

func pwd() *command {
	return &command{
		Use:   "pwd",
		Short: "Print the working directory.",
		setup: func(flags *getopt.Set) mainFunc {
			return func(ctx context.Context, stdio jobmanager.IO, args []string) int {
				wd, err := os.Getwd()
				if err != nil {
					fmt.Fprintf(stdio.Stderr, "%s: %v\n", args[0], err)
					return jobmanager.ExitFailure
				}

				fmt.Fprintln(stdio.Stdout, wd)

				return jobmanager.ExitSuccess
			}
		},
	}
}

func (b *builtins) exit() *command {
	return &command{
		Use:     "exit [N]",
		Short:   "Exit the shell with status N, or the status of the last command.",
		special: true,
		setup: func(flags *getopt.Set) mainFunc {
			return func(ctx context.Context, stdio jobmanager.IO, args []string) int {
				code := b.opts.Session.LastStatus()

				switch len(args) {
				case 1:
				case 2:
					n, err := strconv.Atoi(args[1])
					if err != nil {
						fmt.Fprintf(stdio.Stderr, "%s: %s: numeric argument required\n", args[0], args[1])
						n = 2
					}

					code = n & 0xff
				default:
					fmt.Fprintf(stdio.Stderr, "%s: too many arguments\n", args[0])
					return jobmanager.ExitFailure
				}

				b.opts.Session.Exit(code)

				return code
			}
		},
	}
}

func (b *builtins) history() *command {
	return &command{
		Use:     "history [-c]",
		Short:   "Display or clear the history list.",
		special: true,
		setup: func(flags *getopt.Set) mainFunc {
			clear := flags.Bool('c', "clear the history by deleting all entries")

			return func(ctx context.Context, stdio jobmanager.IO, args []string) int {
				if *clear {
					if err := b.opts.Session.ClearHistory(); err != nil {
						fmt.Fprintf(stdio.Stderr, "%s: %v\n", args[0], err)
						return jobmanager.ExitFailure
					}

					return jobmanager.ExitSuccess
				}

				for i, line := range b.opts.Session.History() {
					fmt.Fprintf(stdio.Stdout, "% 5d  %s\n", i+1, line)
				}

				return jobmanager.ExitSuccess
			}
		},
	}
}

func (b *builtins) alias() *command {
	return &command{
		Use:     "alias [NAME[=VALUE] ...]",
		Short:   "Define or display aliases.",
		special: true,
		setup: func(flags *getopt.Set) mainFunc {
			return func(ctx context.Context, stdio jobmanager.IO, args []string) int {
				aliases := b.opts.Session.Aliases()

				if len(args) == 1 {
					for _, name := range slices.Sorted(maps.Keys(aliases)) {
						fmt.Fprintf(stdio.Stdout, "alias %s=%s\n", name, quote(aliases[name]))
					}

					return jobmanager.ExitSuccess
				}

				code := jobmanager.ExitSuccess

				for _, arg := range args[1:] {
					name, value, ok := strings.Cut(arg, "=")

					switch {
					case name == "" || strings.ContainsAny(name, " \t|&;()<>"):
						fmt.Fprintf(stdio.Stderr, "%s: %s: invalid alias name\n", args[0], name)
						code = jobmanager.ExitFailure
					case ok:
						b.opts.Session.SetAlias(name, value)
					default:
						v, found := aliases[name]
						if !found {
							fmt.Fprintf(stdio.Stderr, "%s: %s: not found\n", args[0], name)
							code = jobmanager.ExitFailure
							continue
						}

						fmt.Fprintf(stdio.Stdout, "alias %s=%s\n", name, quote(v))
					}
				}

				return code
			}
		},
	}
}

func (b *builtins) unalias() *command {
	return &command{
		Use:     "unalias [-a] NAME ...",
		Short:   "Remove aliases.",
		special: true,
		setup: func(flags *getopt.Set) mainFunc {
			all := flags.Bool('a', "remove every alias")

			return func(ctx context.Context, stdio jobmanager.IO, args []string) int {
				names := args[1:]
				if *all {
					names = slices.Collect(maps.Keys(b.opts.Session.Aliases()))
				}

				code := jobmanager.ExitSuccess

				for _, name := range names {
					if !b.opts.Session.Unalias(name) {
						fmt.Fprintf(stdio.Stderr, "%s: %s: not found\n", args[0], name)
						code = jobmanager.ExitFailure
					}
				}

				return code
			}
		},
	}
}

func export() *command {
	return &command{
		Use:     "export [NAME[=VALUE] ...]",
		Short:   "Set environment variables for the shell and the commands it runs.",
		special: true,
		setup: func(flags *getopt.Set) mainFunc {
			return func(ctx context.Context, stdio jobmanager.IO, args []string) int {
				if len(args) == 1 {
					env := os.Environ()
					slices.Sort(env)

					for _, kv := range env {
						name, value, _ := strings.Cut(kv, "=")
						fmt.Fprintf(stdio.Stdout, "export %s=%s\n", name, quote(value))
					}

					return jobmanager.ExitSuccess
				}

				code := jobmanager.ExitSuccess

				for _, arg := range args[1:] {
					name, value, ok := strings.Cut(arg, "=")
					if !envName.MatchString(name) {
						fmt.Fprintf(stdio.Stderr, "%s: %s: not a valid identifier\n", args[0], name)
						code = jobmanager.ExitFailure
						continue
					}

					if !ok {
						value = os.Getenv(name)
					}

					if err := os.Setenv(name, value); err != nil {
						fmt.Fprintf(stdio.Stderr, "%s: %v\n", args[0], err)
						code = jobmanager.ExitFailure
					}
				}

				return code
			}
		},
	}
}

func (b *builtins) source() *command {
	return &command{
		Use:     "source FILE [ARG ...]",
		Short:   "Run the commands in FILE in the current shell.",
		special: true,
		setup: func(flags *getopt.Set) mainFunc {
			return func(ctx context.Context, stdio jobmanager.IO, args []string) int {
				if len(args) < 2 {
					fmt.Fprintf(stdio.Stderr, "%s: filename argument required\n", args[0])
					return 2
				}

				return b.opts.Session.RunScript(ctx, args[1], args[2:])
			}
		},
	}
}

func (b *builtins) help() *command {
	return &command{
		Use:   "help [NAME]",
		Short: "Describe the built-in commands.",
		setup: func(flags *getopt.Set) mainFunc {
			return func(ctx context.Context, stdio jobmanager.IO, args []string) int {
				if len(args) > 1 {
					code := jobmanager.ExitSuccess

					for _, name := range args[1:] {
						c, ok := b.commands[name]
						if !ok {
							fmt.Fprintf(stdio.Stderr, "%s: no help topics match '%s'\n", args[0], name)
							code = jobmanager.ExitFailure
							continue
						}

						c.PrintHelp(stdio.Stdout)
					}

					return code
				}

				names := b.names()
				width := 0

				for _, name := range names {
					width = max(width, len(name))
				}

				fmt.Fprintln(stdio.Stdout, "These commands are built into the shell. Type `help NAME' to find out more")
				fmt.Fprintln(stdio.Stdout, "about the command NAME.")
				fmt.Fprintln(stdio.Stdout)

				for _, name := range names {
					fmt.Fprintf(stdio.Stdout, "  %-*s  %s\n", width, name, b.commands[name].Short)
				}

				return jobmanager.ExitSuccess
			}
		},
	}
}

// quote single-quotes s for display unless it is a plain word.
func quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$|&;()<>*?") {
		return s
	}

	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
