// Package shell reads command lines, evaluates their lists and groups, and
// hands the resulting pipelines to the job manager.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/nixpig/jobshell/internal/builtins"
	"github.com/nixpig/jobshell/internal/jobmanager"
	"github.com/spf13/afero"
	"mvdan.cc/sh/v3/syntax"
)

// maxSourceDepth bounds nested source calls.
const maxSourceDepth = 64

// Jobs runs pipelines as jobs. *jobmanager.Manager implements it.
type Jobs interface {
	RunStages(
		ctx context.Context,
		command string,
		stages []jobmanager.Stage,
		background bool,
	) (jobmanager.Result, error)
	ReportFinished(w io.Writer, format jobmanager.StatusFormatter) int
}

var _ Jobs = (*jobmanager.Manager)(nil)

// Options configures a Shell.
type Options struct {
	Jobs     Jobs
	Builtins jobmanager.BuiltinLookup

	// Fs is used to read scripts and the history file.
	Fs afero.Fs

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Logger *slog.Logger

	// Name is the value of $0.
	Name string

	Prompt       string
	HistoryFile  string
	HistoryLimit int

	// NotifyDone reports finished background jobs before each prompt.
	NotifyDone bool

	Aliases map[string]string

	Color bool
}

// Shell evaluates command lines. It implements builtins.Session.
type Shell struct {
	jobs     Jobs
	builtins jobmanager.BuiltinLookup
	fs       afero.Fs

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	logger   *slog.Logger
	errColor *color.Color

	name         string
	prompt       string
	historyFile  string
	historyLimit int
	notifyDone   bool
	format       jobmanager.StatusFormatter

	mu         sync.Mutex
	aliases    map[string]string
	history    []string
	args       []string
	status     int
	exitCode   int
	exiting    bool
	depth      int
	saveLine   func(line string) error
	resetLines func()
}

var _ builtins.Session = (*Shell)(nil)

// New creates a Shell.
func New(opts Options) *Shell {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	stdout := opts.Stdout
	if stdout == nil {
		stdout = io.Discard
	}

	stderr := opts.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	name := opts.Name
	if name == "" {
		name = "jobshell"
	}

	errColor := color.New(color.FgRed)
	if opts.Color {
		errColor.EnableColor()
	} else {
		errColor.DisableColor()
	}

	aliases := make(map[string]string, len(opts.Aliases))
	maps.Copy(aliases, opts.Aliases)

	s := &Shell{
		jobs:         opts.Jobs,
		builtins:     opts.Builtins,
		fs:           fs,
		stdin:        opts.Stdin,
		stdout:       stdout,
		stderr:       stderr,
		logger:       logger,
		errColor:     errColor,
		name:         name,
		prompt:       opts.Prompt,
		historyFile:  opts.HistoryFile,
		historyLimit: opts.HistoryLimit,
		notifyDone:   opts.NotifyDone,
		format:       builtins.StatusFormatter(opts.Color),
		aliases:      aliases,
	}

	s.loadHistory()

	return s
}

// Exit asks the shell to stop once the running command returns.
func (s *Shell) Exit(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.exiting = true
	s.exitCode = code
}

// Exited reports whether exit has been requested, and with which code.
func (s *Shell) Exited() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.exitCode, s.exiting
}

func (s *Shell) LastStatus() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

func (s *Shell) setStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = code
}

// History returns the lines entered in this and earlier sessions, oldest
// first.
func (s *Shell) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.history...)
}

func (s *Shell) ClearHistory() error {
	s.mu.Lock()
	s.history = nil
	reset := s.resetLines
	s.mu.Unlock()

	if reset != nil {
		reset()
	}

	if s.historyFile == "" {
		return nil
	}

	if err := afero.WriteFile(s.fs, s.historyFile, nil, 0o600); err != nil {
		return fmt.Errorf("clear history file: %w", err)
	}

	return nil
}

// addHistory records a non-blank line.
func (s *Shell) addHistory(line string) {
	line = strings.TrimRight(line, "\n")
	if strings.TrimSpace(line) == "" || s.historyLimit < 0 {
		return
	}

	s.mu.Lock()
	s.history = append(s.history, line)
	if s.historyLimit > 0 && len(s.history) > s.historyLimit {
		s.history = s.history[len(s.history)-s.historyLimit:]
	}
	save := s.saveLine
	s.mu.Unlock()

	if save != nil {
		if err := save(line); err != nil {
			s.logger.Debug("save history", "err", err)
		}
	}
}

// loadHistory reads the history file written by earlier sessions.
func (s *Shell) loadHistory() {
	if s.historyFile == "" || s.historyLimit < 0 {
		return
	}

	data, err := afero.ReadFile(s.fs, s.historyFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("read history", "path", s.historyFile, "err", err)
		}

		return
	}

	var lines []string

	for line := range strings.Lines(string(data)) {
		if line = strings.TrimRight(line, "\n"); line != "" {
			lines = append(lines, line)
		}
	}

	if s.historyLimit > 0 && len(lines) > s.historyLimit {
		lines = lines[len(lines)-s.historyLimit:]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = lines
}

func (s *Shell) Aliases() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return maps.Clone(s.aliases)
}

func (s *Shell) SetAlias(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.aliases[name] = value
}

func (s *Shell) Unalias(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.aliases[name]; !ok {
		return false
	}

	delete(s.aliases, name)

	return true
}

// positional returns the script arguments, $1 onwards.
func (s *Shell) positional() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.args...)
}

// diagnose prints a one-line error.
func (s *Shell) diagnose(err error) {
	fmt.Fprintln(s.stderr, s.errColor.Sprintf("%s: %v", s.name, err))
}

// parser returns a parser for the subset of shell grammar the evaluator
// supports. POSIX mode keeps export and friends plain commands.
func parser() *syntax.Parser {
	return syntax.NewParser(syntax.Variant(syntax.LangPOSIX))
}
