package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/nixpig/jobshell/internal/builtins"
	"github.com/nixpig/jobshell/internal/jobmanager"
	"mvdan.cc/sh/v3/syntax"
)

var (
	errBackgroundList = fmt.Errorf("%w: only a pipeline can run in the background", jobmanager.ErrSyntax)
	errNotPipeline    = fmt.Errorf("%w: only simple commands can be piped", jobmanager.ErrSyntax)
	errEmptyCommand   = fmt.Errorf("%w: empty command", jobmanager.ErrSyntax)
)

func unsupported(what string) error {
	return fmt.Errorf("%w: %s is not supported", jobmanager.ErrSyntax, what)
}

// runStmts runs statements in order and returns the status of the last one.
// It stops early when exit was requested or ctx is done.
func (s *Shell) runStmts(ctx context.Context, stmts []*syntax.Stmt) int {
	code := s.LastStatus()

	for _, stmt := range stmts {
		if s.stopped(ctx) {
			break
		}

		code = s.runStmt(ctx, stmt)
	}

	return code
}

// runStmt runs one statement, reports its error, if any, and records its
// status as $?.
func (s *Shell) runStmt(ctx context.Context, stmt *syntax.Stmt) int {
	code, err := s.execStmt(ctx, stmt)
	if err != nil {
		s.diagnose(err)
	}

	s.setStatus(code)

	return code
}

func (s *Shell) stopped(ctx context.Context) bool {
	_, exiting := s.Exited()
	return exiting || ctx.Err() != nil
}

func (s *Shell) execStmt(ctx context.Context, stmt *syntax.Stmt) (int, error) {
	if stmt.Coprocess {
		return jobmanager.ExitFailure, unsupported("coprocess")
	}

	code, err := s.execCommand(ctx, stmt)

	if stmt.Negated {
		if code == jobmanager.ExitSuccess {
			code = jobmanager.ExitFailure
		} else {
			code = jobmanager.ExitSuccess
		}
	}

	return code, err
}

func (s *Shell) execCommand(ctx context.Context, stmt *syntax.Stmt) (int, error) {
	if stmt.Background {
		stages, err := s.pipeline(stmt, nil)
		if errors.Is(err, errNotPipeline) {
			err = errBackgroundList
		}

		if err != nil {
			return jobmanager.ExitCode(err), err
		}

		return s.runPipeline(ctx, commandText(stmt), stages, true)
	}

	switch cmd := stmt.Cmd.(type) {
	case *syntax.BinaryCmd:
		switch cmd.Op {
		case syntax.AndStmt, syntax.OrStmt:
			if len(stmt.Redirs) > 0 {
				return jobmanager.ExitFailure, unsupported("redirecting a list")
			}

			code := s.runStmt(ctx, cmd.X)
			if s.stopped(ctx) {
				return code, nil
			}

			if (cmd.Op == syntax.AndStmt) == (code == jobmanager.ExitSuccess) {
				code = s.runStmt(ctx, cmd.Y)
			}

			return code, nil

		case syntax.Pipe:
			stages, err := s.pipeline(stmt, nil)
			if err != nil {
				return jobmanager.ExitCode(err), err
			}

			return s.runPipeline(ctx, commandText(stmt), stages, false)

		default:
			return jobmanager.ExitFailure, unsupported(cmd.Op.String())
		}

	case *syntax.Subshell:
		return s.group(ctx, stmt, cmd.Stmts)

	case *syntax.Block:
		return s.group(ctx, stmt, cmd.Stmts)

	case *syntax.CallExpr:
		if len(cmd.Args) == 0 {
			if len(stmt.Redirs) > 0 {
				return jobmanager.ExitFailure, errEmptyCommand
			}

			return s.assign(cmd.Assigns)
		}

		stages, err := s.pipeline(stmt, nil)
		if err != nil {
			return jobmanager.ExitCode(err), err
		}

		if code, ok := s.runSpecial(ctx, stages); ok {
			return code, nil
		}

		return s.runPipeline(ctx, commandText(stmt), stages, false)

	case nil:
		return jobmanager.ExitFailure, errEmptyCommand

	default:
		return jobmanager.ExitFailure, unsupported(nodeName(cmd))
	}
}

// group runs a parenthesised list in the current shell. Its status is the
// status of the last statement.
func (s *Shell) group(ctx context.Context, stmt *syntax.Stmt, stmts []*syntax.Stmt) (int, error) {
	if len(stmt.Redirs) > 0 {
		return jobmanager.ExitFailure, unsupported("redirecting a group")
	}

	return s.runStmts(ctx, stmts), nil
}

// assign sets variables given without a command. They are exported to the
// commands the shell runs.
func (s *Shell) assign(assigns []*syntax.Assign) (int, error) {
	for _, a := range assigns {
		if a.Array != nil || a.Index != nil {
			return jobmanager.ExitFailure, unsupported("array assignment")
		}

		value, err := s.literal(a.Value)
		if err != nil {
			return jobmanager.ExitFailure, err
		}

		if a.Append {
			value = os.Getenv(a.Name.Value) + value
		}

		if err := os.Setenv(a.Name.Value, value); err != nil {
			return jobmanager.ExitFailure, err
		}
	}

	return jobmanager.ExitSuccess, nil
}

// pipeline flattens a pipeline statement into stages, expanding words and
// separating redirections.
func (s *Shell) pipeline(stmt *syntax.Stmt, stages []jobmanager.Stage) ([]jobmanager.Stage, error) {
	switch cmd := stmt.Cmd.(type) {
	case *syntax.BinaryCmd:
		if cmd.Op != syntax.Pipe {
			return nil, errNotPipeline
		}

		if len(stmt.Redirs) > 0 {
			return nil, unsupported("redirecting a pipeline")
		}

		for _, side := range []*syntax.Stmt{cmd.X, cmd.Y} {
			if side.Negated || side.Background || side.Coprocess {
				return nil, errNotPipeline
			}

			var err error
			if stages, err = s.pipeline(side, stages); err != nil {
				return nil, err
			}
		}

		return stages, nil

	case *syntax.CallExpr:
		stage, err := s.stage(stmt, cmd)
		if err != nil {
			return nil, err
		}

		return append(stages, stage), nil

	default:
		return nil, errNotPipeline
	}
}

func (s *Shell) stage(stmt *syntax.Stmt, call *syntax.CallExpr) (jobmanager.Stage, error) {
	if len(call.Assigns) > 0 {
		return jobmanager.Stage{}, unsupported("assignment before a command")
	}

	args, err := s.fields(call.Args)
	if err != nil {
		return jobmanager.Stage{}, err
	}

	if len(args) == 0 {
		return jobmanager.Stage{}, errEmptyCommand
	}

	stage := jobmanager.Stage{Args: args}

	for _, r := range stmt.Redirs {
		op, err := redirectOp(r)
		if err != nil {
			return jobmanager.Stage{}, err
		}

		target, err := s.literal(r.Word)
		if err != nil {
			return jobmanager.Stage{}, err
		}

		stage.Redirections = append(stage.Redirections, jobmanager.Redirection{
			Op:     op,
			Target: target,
		})
	}

	return stage, nil
}

func redirectOp(r *syntax.Redirect) (jobmanager.RedirectOp, error) {
	var (
		op jobmanager.RedirectOp
		fd string
	)

	switch r.Op {
	case syntax.RdrIn:
		op, fd = jobmanager.RedirectIn, "0"
	case syntax.RdrOut, syntax.ClbOut:
		op, fd = jobmanager.RedirectOut, "1"
	case syntax.AppOut:
		op, fd = jobmanager.RedirectAppend, "1"
	default:
		return 0, unsupported(r.Op.String() + " redirection")
	}

	if r.N != nil && r.N.Value != fd {
		return 0, unsupported(r.N.Value + r.Op.String() + " redirection")
	}

	return op, nil
}

// runSpecial runs a built-in that changes the shell itself, like cd or fg,
// directly when it makes up the whole command, so it does not occupy a job.
func (s *Shell) runSpecial(ctx context.Context, stages []jobmanager.Stage) (int, bool) {
	if s.builtins == nil || len(stages) != 1 || len(stages[0].Redirections) > 0 {
		return 0, false
	}

	b, ok := s.builtins.Lookup(stages[0].Name())
	if !ok || !builtins.Special(b) {
		return 0, false
	}

	s.logger.Debug("run special builtin", "args", stages[0].Args)

	stdin := s.stdin
	if stdin == nil {
		stdin = strings.NewReader("")
	}

	return b.Main(ctx, jobmanager.IO{
		Stdin:  stdin,
		Stdout: s.stdout,
		Stderr: s.stderr,
	}, stages[0].Args), true
}

func (s *Shell) runPipeline(
	ctx context.Context,
	command string,
	stages []jobmanager.Stage,
	background bool,
) (int, error) {
	res, err := s.jobs.RunStages(ctx, command, stages, background)
	if err != nil {
		s.logger.Debug("run pipeline", "stages", len(stages), "err", err)
	}

	return res.ExitCode, err
}

// commandText renders a pipeline statement as it was written, for the job
// table, without its trailing & or comments.
func commandText(stmt *syntax.Stmt) string {
	c := *stmt
	c.Background = false
	c.Negated = false
	c.Comments = nil
	c.Semicolon = syntax.Pos{}

	var sb strings.Builder
	if err := syntax.NewPrinter(syntax.SingleLine(true)).Print(&sb, &c); err != nil {
		return ""
	}

	return strings.TrimSpace(sb.String())
}

func nodeName(cmd syntax.Command) string {
	switch cmd.(type) {
	case *syntax.IfClause:
		return "if"
	case *syntax.WhileClause:
		return "while"
	case *syntax.ForClause:
		return "for"
	case *syntax.CaseClause:
		return "case"
	case *syntax.FuncDecl:
		return "function definition"
	case *syntax.ArithmCmd:
		return "arithmetic command"
	default:
		return fmt.Sprintf("%T", cmd)
	}
}
