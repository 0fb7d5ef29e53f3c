package builtins

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/nixpig/jobshell/internal/jobmanager"
	"github.com/pborman/getopt/v2"
)

// interruptedCode is returned by built-ins whose context is cancelled, the
// same code as an external command killed by SIGINT.
const interruptedCode = 128 + int(syscall.SIGINT)

func echo() *command {
	return &command{
		Use:     "echo [-n] [ARG ...]",
		Short:   "Write the arguments to standard output.",
		rawArgs: true,
		setup: func(flags *getopt.Set) mainFunc {
			flags.Bool('n', "do not output the trailing newline")

			return func(ctx context.Context, stdio jobmanager.IO, args []string) int {
				words := args[1:]
				newline := true

				for len(words) > 0 && words[0] == "-n" {
					newline = false
					words = words[1:]
				}

				out := strings.Join(words, " ")
				if newline {
					out += "\n"
				}

				if _, err := io.WriteString(stdio.Stdout, out); err != nil {
					return jobmanager.ExitFailure
				}

				return jobmanager.ExitSuccess
			}
		},
	}
}

// copyContext copies src to dst until EOF, a write error, or ctx is done. A
// read already in progress is not interrupted.
func copyContext(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, 32*1024)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}

		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}
	}
}

// inputs calls fn with each named file, or with stdin when there are none or
// the name is "-".
func inputs(
	stdio jobmanager.IO,
	name string,
	files []string,
	fn func(r io.Reader) error,
) int {
	if len(files) == 0 {
		files = []string{"-"}
	}

	code := jobmanager.ExitSuccess

	for _, file := range files {
		var err error

		if file == "-" {
			err = fn(stdio.Stdin)
		} else {
			var f *os.File

			f, err = os.Open(file)
			if err == nil {
				err = fn(f)
				f.Close()
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			return interruptedCode
		case errors.Is(err, syscall.EPIPE):
			// The reader went away, e.g. head further down the pipeline.
			return jobmanager.ExitFailure
		default:
			fmt.Fprintf(stdio.Stderr, "%s: %v\n", name, err)
			code = jobmanager.ExitFailure
		}
	}

	return code
}

func cat() *command {
	return &command{
		Use:   "cat [FILE ...]",
		Short: "Concatenate files, or standard input, to standard output.",
		setup: func(flags *getopt.Set) mainFunc {
			return func(ctx context.Context, stdio jobmanager.IO, args []string) int {
				return inputs(stdio, args[0], args[1:], func(r io.Reader) error {
					return copyContext(ctx, stdio.Stdout, r)
				})
			}
		},
	}
}

func head() *command {
	return &command{
		Use:   "head [-n LINES] [FILE ...]",
		Short: "Write the first lines of files, or standard input.",
		setup: func(flags *getopt.Set) mainFunc {
			lines := flags.Int('n', 10, "number of lines to print")

			return func(ctx context.Context, stdio jobmanager.IO, args []string) int {
				return inputs(stdio, args[0], args[1:], func(r io.Reader) error {
					br := bufio.NewReader(r)

					for i := 0; i < *lines; i++ {
						if err := ctx.Err(); err != nil {
							return err
						}

						line, err := br.ReadString('\n')
						if line != "" {
							if _, werr := io.WriteString(stdio.Stdout, line); werr != nil {
								return werr
							}
						}

						if errors.Is(err, io.EOF) {
							return nil
						}

						if err != nil {
							return err
						}
					}

					return nil
				})
			}
		},
	}
}

func tail() *command {
	return &command{
		Use:   "tail [-n LINES] [FILE ...]",
		Short: "Write the last lines of files, or standard input.",
		setup: func(flags *getopt.Set) mainFunc {
			lines := flags.Int('n', 10, "number of lines to print")

			return func(ctx context.Context, stdio jobmanager.IO, args []string) int {
				return inputs(stdio, args[0], args[1:], func(r io.Reader) error {
					if *lines <= 0 {
						_, err := io.Copy(io.Discard, r)
						return err
					}

					ring := make([]string, 0, *lines)

					scanner := bufio.NewScanner(r)
					scanner.Buffer(make([]byte, 64*1024), 1024*1024)

					for scanner.Scan() {
						if err := ctx.Err(); err != nil {
							return err
						}

						if len(ring) == *lines {
							ring = ring[1:]
						}

						ring = append(ring, scanner.Text())
					}

					if err := scanner.Err(); err != nil {
						return err
					}

					for _, line := range ring {
						if _, err := fmt.Fprintln(stdio.Stdout, line); err != nil {
							return err
						}
					}

					return nil
				})
			}
		},
	}
}

func exitWith(name string, code int, short string) *command {
	return &command{
		Use:     name,
		Short:   short,
		rawArgs: true,
		setup: func(flags *getopt.Set) mainFunc {
			return func(ctx context.Context, stdio jobmanager.IO, args []string) int {
				return code
			}
		},
	}
}
