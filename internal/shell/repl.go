package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/abiosoft/readline"
	"github.com/nixpig/jobshell/internal/jobmanager"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

const (
	DefaultPrompt      = `\u@\h:\w\$ `
	ContinuationPrompt = "> "
)

// Interactive reads lines from the terminal with line editing and history
// until end of input or exit, and returns the shell's exit status.
func (s *Shell) Interactive(ctx context.Context, stdin io.ReadCloser) (int, error) {
	cfg := &readline.Config{
		Prompt:                 s.Prompt(),
		HistoryFile:            s.historyFile,
		HistoryLimit:           s.historyLimit,
		DisableAutoSaveHistory: true,
		AutoComplete:           &completer{s: s},
		Stdin:                  stdin,
		Stdout:                 s.stdout,
		Stderr:                 s.stderr,
	}

	rl, err := readline.NewEx(cfg)
	if err != nil {
		return jobmanager.ExitFailure, fmt.Errorf("start line editor: %w", err)
	}
	defer rl.Close()

	s.mu.Lock()
	s.saveLine = rl.SaveHistory
	s.resetLines = rl.ResetHistory
	s.mu.Unlock()

	var pending strings.Builder

	for !s.stopped(ctx) {
		if pending.Len() == 0 {
			s.notify()
			rl.SetPrompt(s.Prompt())
		} else {
			rl.SetPrompt(ContinuationPrompt)
		}

		line, err := rl.Readline()

		switch {
		case errors.Is(err, readline.ErrInterrupt):
			pending.Reset()
			continue

		case errors.Is(err, io.EOF):
			if pending.Len() > 0 {
				s.diagnose(fmt.Errorf("%w: unexpected end of input", jobmanager.ErrSyntax))
			}

			return s.exitStatus(s.LastStatus()), nil

		case err != nil:
			return jobmanager.ExitFailure, fmt.Errorf("read line: %w", err)
		}

		pending.WriteString(line)
		pending.WriteByte('\n')

		text := pending.String()

		f, err := parser().Parse(strings.NewReader(text), "")
		if syntax.IsIncomplete(err) {
			continue
		}

		pending.Reset()
		s.addHistory(text)

		if err != nil {
			s.diagnose(fmt.Errorf("%w: %w", jobmanager.ErrSyntax, err))
			s.setStatus(jobmanager.ExitFailure)

			continue
		}

		s.runStmts(ctx, f.Stmts)
	}

	return s.exitStatus(s.LastStatus()), nil
}

// notify reports background jobs that finished since the last prompt.
func (s *Shell) notify() {
	if !s.notifyDone || s.jobs == nil {
		return
	}

	s.jobs.ReportFinished(s.stderr, s.format)
}

// Prompt renders the configured prompt. The escapes \u (user), \h (host), \w
// (working directory, with $HOME as ~) and \$ ("#" for root, otherwise "$")
// are replaced, then variables are expanded.
func (s *Shell) Prompt() string {
	prompt := s.prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}

	username := os.Getenv("USER")
	if username == "" {
		if u, err := user.Current(); err == nil {
			username = u.Username
		}
	}

	host, _ := os.Hostname()
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}

	wd, _ := os.Getwd()
	if home := os.Getenv("HOME"); home != "" {
		if rel, err := filepath.Rel(home, wd); err == nil && !strings.HasPrefix(rel, "..") {
			wd = filepath.Join("~", rel)
		}
	}

	sign := "$"
	if os.Geteuid() == 0 {
		sign = "#"
	}

	prompt = strings.NewReplacer(
		`\u`, username,
		`\h`, host,
		`\w`, wd,
		`\$`, sign,
	).Replace(prompt)

	word, err := parser().Document(strings.NewReader(prompt))
	if err != nil {
		return prompt
	}

	expanded, err := expand.Document(s.expandConfig(), word)
	if err != nil {
		return prompt
	}

	return expanded
}
