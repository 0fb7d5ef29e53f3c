package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/nixpig/jobshell/internal/builtins"
	"github.com/nixpig/jobshell/internal/config"
	"github.com/nixpig/jobshell/internal/joblog"
	"github.com/nixpig/jobshell/internal/jobmanager"
	"github.com/nixpig/jobshell/internal/jobmanager/pgroup"
	"github.com/nixpig/jobshell/internal/shell"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

// usageExitCode is returned when the command line itself is invalid.
const usageExitCode = 2

type cli struct {
	stdin  *os.File
	stdout io.Writer
	stderr io.Writer
	fs     afero.Fs

	exitCode int
}

func newCLI(stdin *os.File, stdout, stderr io.Writer) *cli {
	return &cli{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		fs:     afero.NewOsFs(),
	}
}

func (c *cli) rootCmd() *cobra.Command {
	cfg := &cliConfig{}

	command := &cobra.Command{
		Use:   "jobshell [flags] [SCRIPT [ARGS]]",
		Short: "Interactive command shell with job control",
		Example: "  jobshell\n" +
			"  jobshell -c 'sleep 10 & jobs'\n" +
			"  jobshell deploy.sh staging",
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}

			code, err := c.runShell(cmd.Context(), cfg, args)
			c.exitCode = code

			return err
		},
	}

	command.SetIn(c.stdin)
	command.SetOut(c.stdout)
	command.SetErr(c.stderr)

	// Flags after the script name belong to the script:
	//	`jobshell deploy.sh --dry-run`
	command.Flags().SetInterspersed(false)

	cfg.bindFlags(command.Flags())
	cfg.bindPersistentFlags(command.PersistentFlags())

	command.AddCommand(
		c.logCmd(cfg),
		c.builtinsCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	return command
}

func (c *cli) runShell(ctx context.Context, cfg *cliConfig, args []string) (int, error) {
	logger := newLogger(c.stderr, cfg.debug)

	conf, err := c.loadConfiguration(cfg.configPath)
	if err != nil {
		return jobmanager.ExitFailure, err
	}

	colorMode := conf.Color
	if cfg.color != "" {
		colorMode = cfg.color
	}

	colorOn := useColor(colorMode, c.stdout)

	killSignal, err := pgroup.ParseSignal(conf.KillSignal)
	if err != nil {
		return jobmanager.ExitFailure, fmt.Errorf("kill_signal: %w", err)
	}

	home, _ := os.UserHomeDir()

	interactive := cfg.command == "" &&
		len(args) == 0 &&
		isatty.IsTerminal(c.stdin.Fd())

	var journal jobmanager.Journal

	if conf.JobLog.Enabled {
		l, err := joblog.Open(c.fs, config.ExpandPath(conf.JobLog.Path, home))
		if err != nil {
			return jobmanager.ExitFailure, err
		}
		defer l.Close()

		logger.Debug("job log opened", "session", l.SessionID())

		journal = l
	}

	reg := jobmanager.Registry{}

	managerOpts := jobmanager.Options{
		Stdin:          c.stdin,
		Stdout:         c.stdout,
		Stderr:         c.stderr,
		Builtins:       reg,
		Journal:        journal,
		Logger:         logger,
		ForwardSignals: true,
	}

	if interactive {
		managerOpts.Terminal = c.stdin
	}

	manager := jobmanager.NewManager(managerOpts)

	if interactive {
		defer manager.Shutdown()
	} else {
		defer manager.Close()
	}

	name := "jobshell"
	positional := args

	// As with sh -c, the first argument after the command string is $0.
	if len(args) > 0 {
		name, positional = args[0], args[1:]
	}

	sh := shell.New(shell.Options{
		Jobs:         manager,
		Builtins:     reg,
		Fs:           c.fs,
		Stdin:        c.stdin,
		Stdout:       c.stdout,
		Stderr:       c.stderr,
		Logger:       logger,
		Name:         name,
		Prompt:       conf.Prompt,
		HistoryFile:  config.ExpandPath(conf.HistoryFile, home),
		HistoryLimit: conf.HistoryLimit,
		NotifyDone:   conf.NotifyDone,
		Aliases:      conf.Aliases,
		Color:        colorOn,
	})

	builtins.Register(reg, builtins.Options{
		Jobs:       manager,
		Session:    sh,
		Color:      colorOn,
		KillSignal: killSignal,
	})

	logger.Debug(
		"shell started",
		"interactive", interactive,
		"script", cfg.command == "" && len(args) > 0,
		"pid", os.Getpid(),
	)

	switch {
	case cfg.command != "":
		return sh.RunCommand(ctx, cfg.command, positional), nil

	case len(args) > 0:
		code := sh.RunScript(ctx, args[0], positional)
		if exitCode, ok := sh.Exited(); ok {
			code = exitCode
		}

		return code, nil

	case interactive:
		return sh.Interactive(ctx, c.stdin)

	default:
		return sh.RunReader(ctx, c.stdin, name, nil), nil
	}
}

func (c *cli) loadConfiguration(path string) (*config.Configuration, error) {
	return loadConfiguration(func(p string) (*config.Configuration, error) {
		return config.Load(c.fs, p)
	}, path)
}

func (c *cli) logCmd(cfg *cliConfig) *cobra.Command {
	var (
		path    string
		session string
	)

	command := &cobra.Command{
		Use:     "log [flags]",
		Short:   "Print the job log",
		Example: "  jobshell log --session 6f1c2a8e",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				conf, err := c.loadConfiguration(cfg.configPath)
				if err != nil {
					return err
				}

				home, _ := os.UserHomeDir()
				path = config.ExpandPath(conf.JobLog.Path, home)
			}

			entries, err := joblog.Read(c.fs, path)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintf(w, "SESSION\tJOB\tPID\tSTATUS\tSTARTED\tENDED\tEXIT\tCOMMAND\n")

			for _, e := range entries {
				if session != "" && !strings.HasPrefix(e.SessionID, session) {
					continue
				}

				fmt.Fprintf(
					w,
					"%s\t%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
					shortID(e.SessionID),
					e.JobID,
					e.LeaderPID,
					e.Status,
					formatTime(e.StartTime),
					formatTime(e.EndTime),
					formatExitCode(e.ExitCode),
					e.Command,
				)
			}

			return w.Flush()
		},
	}

	command.Flags().StringVar(&path, "file", "", "Path to the job log (default is job_log.path from the configuration)")
	command.Flags().StringVar(&session, "session", "", "Only show jobs from sessions with this id prefix")

	return command
}

func (c *cli) builtinsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "builtins",
		Short: "List the built-in commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := jobmanager.Registry{}
			builtins.Register(reg, builtins.Options{})

			for _, name := range reg.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}

			return nil
		},
	}
}

func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}

	return id
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	return t.Local().Format(time.DateTime)
}

func formatExitCode(code int) string {
	if code < 0 {
		return "-"
	}

	return fmt.Sprint(code)
}
