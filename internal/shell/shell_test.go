package shell_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nixpig/jobshell/internal/builtins"
	"github.com/nixpig/jobshell/internal/jobmanager"
	"github.com/nixpig/jobshell/internal/shell"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

type harness struct {
	*shell.Shell
	jobs   *jobmanager.Manager
	fs     afero.Fs
	stdout *lockedBuffer
	stderr *lockedBuffer
}

func newHarness(t *testing.T, opts shell.Options) *harness {
	t.Helper()

	h := &harness{
		fs:     afero.NewMemMapFs(),
		stdout: &lockedBuffer{},
		stderr: &lockedBuffer{},
	}

	reg := jobmanager.Registry{}

	h.jobs = jobmanager.NewManager(jobmanager.Options{
		Stdout:   h.stdout,
		Stderr:   h.stderr,
		Builtins: reg,
	})
	t.Cleanup(h.jobs.Shutdown)

	opts.Jobs = h.jobs
	opts.Builtins = reg
	opts.Stdout = h.stdout
	opts.Stderr = h.stderr

	if opts.Fs == nil {
		opts.Fs = h.fs
	}

	h.fs = opts.Fs
	h.Shell = shell.New(opts)

	builtins.Register(reg, builtins.Options{Jobs: h.jobs, Session: h.Shell})

	return h
}

func TestRunLine(t *testing.T) {
	t.Parallel()

	scenarios := map[string]struct {
		line   string
		stdout string
		status int
		stderr string
	}{
		"Simple command":         {line: "echo hi", stdout: "hi\n"},
		"Quoting":                {line: `echo 'a  b' "c  d" e\ f`, stdout: "a  b c  d e f\n"},
		"Sequence":               {line: "echo one; echo two", stdout: "one\ntwo\n"},
		"And runs on success":    {line: "true && echo yes", stdout: "yes\n"},
		"And skips on failure":   {line: "false && echo yes", status: 1},
		"Or runs on failure":     {line: "false || echo no", stdout: "no\n"},
		"Or skips on success":    {line: "true || echo no; echo after", stdout: "after\n"},
		"Mixed chain":            {line: "false && echo a || echo b", stdout: "b\n"},
		"Status group":           {line: "(false || true) && echo grouped", stdout: "grouped\n"},
		"Nested groups":          {line: "( (false) || (true && false) ) || echo nested", stdout: "nested\n"},
		"Negation":               {line: "! true", status: 1},
		"Pipeline":               {line: "echo one | cat | head -n 1", stdout: "one\n"},
		"External exit code":     {line: "sh -c 'exit 3'", status: 3},
		"Last status parameter":  {line: "sh -c 'exit 3'; echo $?", stdout: "3\n"},
		"Positional count":       {line: "echo $#", stdout: "0\n"},
		"Comment":                {line: "echo visible # hidden", stdout: "visible\n"},
		"Pipeline of externals":  {line: "echo abc | sh -c 'cat; echo done'", stdout: "abc\ndone\n"},
		"Status of last stage":   {line: "sh -c 'exit 4' | true", status: 0},
		"Exit stops the line":    {line: "exit 5; echo unreachable", status: 5},
		"Not found":              {line: "no-such-command-jobshell", status: 127, stderr: "command not found"},
		"Syntax error":           {line: "echo (", status: 1, stderr: "syntax error"},
		"Unsupported construct":  {line: "if true; then echo x; fi", status: 1, stderr: "if is not supported"},
		"Background list":        {line: "true && true &", status: 1, stderr: "only a pipeline can run in the background"},
		"Background group":       {line: "(true) &", status: 1, stderr: "only a pipeline can run in the background"},
		"Here document":          {line: "cat <<EOF\nx\nEOF", status: 1, stderr: "<< redirection is not supported"},
		"Stderr redirection":     {line: "echo x 2>/dev/null", status: 1, stderr: "2> redirection is not supported"},
		"Command substitution":   {line: "echo $(true)", status: 1, stderr: "command substitution"},
		"Piped compound command": {line: "(echo x) | cat", status: 1, stderr: "only simple commands can be piped"},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, shell.Options{})

			status := h.RunLine(context.Background(), config.line)

			assert.Equal(t, config.status, status)
			assert.Equal(t, config.status, h.LastStatus())
			assert.Equal(t, config.stdout, h.stdout.String())

			if config.stderr != "" {
				assert.Contains(t, h.stderr.String(), config.stderr)
			} else {
				assert.Empty(t, h.stderr.String())
			}
		})
	}
}

func TestRedirections(t *testing.T) {
	t.Parallel()

	h := newHarness(t, shell.Options{})
	out := filepath.Join(t.TempDir(), "out file.txt")

	line := `echo one > "$OUT"; echo two >>"$OUT"; cat < "$OUT" | head -n 1 > "$OUT.first"`
	line = strings.ReplaceAll(line, "$OUT", out)

	require.Equal(t, 0, h.RunLine(context.Background(), line))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(got))

	first, err := os.ReadFile(out + ".first")
	require.NoError(t, err)
	assert.Equal(t, "one\n", string(first))

	status := h.RunLine(context.Background(), "cat < "+filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, 126, status)
}

func TestAliases(t *testing.T) {
	t.Parallel()

	h := newHarness(t, shell.Options{
		Aliases: map[string]string{
			"greet": "echo hello",
			"loud":  "greet 'big  world'",
			"self":  "self again",
			"empty": "",
		},
	})

	ctx := context.Background()

	assert.Equal(t, 0, h.RunLine(ctx, "greet there"))
	assert.Equal(t, 0, h.RunLine(ctx, "loud"))
	assert.Equal(t, "hello there\nhello big  world\n", h.stdout.String())

	assert.Equal(t, 127, h.RunLine(ctx, "'greet'"))
	assert.Equal(t, 127, h.RunLine(ctx, "self"))
	assert.Contains(t, h.stderr.String(), "self: command not found")

	assert.Equal(t, 1, h.RunLine(ctx, "empty"))
	assert.Contains(t, h.stderr.String(), "empty command")

	h.SetAlias("later", "echo defined")
	assert.Equal(t, 0, h.RunLine(ctx, "alias now='echo inline'; now; later"))
	assert.Contains(t, h.stdout.String(), "inline\ndefined\n")

	assert.True(t, h.Unalias("later"))
	assert.False(t, h.Unalias("later"))
	assert.NotContains(t, h.Aliases(), "later")
}

func TestBackground(t *testing.T) {
	t.Parallel()

	h := newHarness(t, shell.Options{NotifyDone: true})
	ctx := context.Background()

	require.Equal(t, 0, h.RunLine(ctx, "sleep 0.05 | cat &"))
	assert.Regexp(t, `^\[1\] \d+\n$`, h.stderr.String())

	require.Eventually(t, func() bool {
		info, err := h.jobs.Get(1)
		return err == nil && info.Status == jobmanager.JobStatusDone
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, h.RunLine(ctx, "jobs"))
	assert.Empty(t, h.stdout.String())

	assert.Equal(t, 1, h.jobs.ReportFinished(h.stdout, nil))
	assert.Equal(t, "[1] Done\tsleep 0.05 | cat\n", h.stdout.String())
}

func TestSpecialBuiltinsRunInline(t *testing.T) {
	t.Parallel()

	h := newHarness(t, shell.Options{})
	ctx := context.Background()

	require.Equal(t, 0, h.RunLine(ctx, "sleep 5 &"))
	assert.Equal(t, 0, h.RunLine(ctx, "kill %1"))

	require.Eventually(t, func() bool {
		info, err := h.jobs.Get(1)
		return err == nil && info.Status == jobmanager.JobStatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, h.RunLine(ctx, "fg"))
	assert.Contains(t, h.stderr.String(), "fg: no current job")

	assert.Equal(t, 2, h.RunLine(ctx, "exit 2"))

	code, exited := h.Exited()
	assert.True(t, exited)
	assert.Equal(t, 2, code)
}

func TestStopAndResumeSleep(t *testing.T) {
	t.Parallel()

	h := newHarness(t, shell.Options{})
	ctx := context.Background()

	require.Equal(t, 0, h.RunLine(ctx, "sleep 5 &"))

	info, err := h.jobs.Get(1)
	require.NoError(t, err)
	assert.NotZero(t, info.PGID)
	assert.Equal(t, info.PGID, info.LeaderPID)

	status := func(want jobmanager.JobStatus) func() bool {
		return func() bool {
			info, err := h.jobs.Get(1)
			return err == nil && info.Status == want
		}
	}

	require.Equal(t, 0, h.RunLine(ctx, "stop %1"))
	require.Eventually(t, status(jobmanager.JobStatusStopped), 5*time.Second, 10*time.Millisecond)

	require.Equal(t, 0, h.RunLine(ctx, "bg %1"))
	require.Eventually(t, status(jobmanager.JobStatusRunning), 5*time.Second, 10*time.Millisecond)

	require.Equal(t, 0, h.RunLine(ctx, "kill %1"))
	require.Eventually(t, status(jobmanager.JobStatusFailed), 5*time.Second, 10*time.Millisecond)

	assert.NotContains(t, h.stderr.String(), "no process group")
}

func TestProcessState(t *testing.T) {
	dir := t.TempDir()

	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv("JOBSHELL_TEST_VALUE", "")

	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	h := newHarness(t, shell.Options{})
	ctx := context.Background()

	assert.Equal(t, 0, h.RunLine(ctx, "JOBSHELL_TEST_VALUE=a; JOBSHELL_TEST_VALUE=${JOBSHELL_TEST_VALUE}b"))
	assert.Equal(t, "ab", os.Getenv("JOBSHELL_TEST_VALUE"))

	assert.Equal(t, 0, h.RunLine(ctx, `sh -c 'echo "$JOBSHELL_TEST_VALUE"'`))
	assert.Equal(t, "ab\n", h.stdout.String())

	assert.Equal(t, 1, h.RunLine(ctx, "JOBSHELL_TEST_VALUE=c true"))
	assert.Contains(t, h.stderr.String(), "assignment before a command is not supported")

	assert.Equal(t, 0, h.RunLine(ctx, "cd ~/sub"))

	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, "sub", filepath.Base(wd))

	h.Shell = shell.New(shell.Options{Prompt: `\w [$JOBSHELL_TEST_VALUE]> `})
	assert.Equal(t, "~/sub [ab]> ", h.Prompt())
}

func TestRunScript(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	h := newHarness(t, shell.Options{Fs: fs})
	ctx := context.Background()

	require.NoError(t, afero.WriteFile(fs, "/args.sh", []byte("echo $1 $#\nfalse\necho $?\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/broken.sh", []byte("echo first\necho (\necho never\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/exit.sh", []byte("echo before\nexit 7\necho after\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/loop.sh", []byte("source /loop.sh\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/alias.sh", []byte("alias hi='echo hi from alias'\n"), 0o644))

	assert.Equal(t, 0, h.RunScript(ctx, "/args.sh", []string{"a"}))
	assert.Equal(t, "a 1\n1\n", h.stdout.String())

	assert.Equal(t, 1, h.RunScript(ctx, "/broken.sh", nil))
	assert.Contains(t, h.stdout.String(), "first\n")
	assert.NotContains(t, h.stdout.String(), "never")
	assert.Contains(t, h.stderr.String(), "/broken.sh:2")

	assert.Equal(t, 1, h.RunScript(ctx, "/missing.sh", nil))

	assert.Equal(t, 1, h.RunLine(ctx, "source /loop.sh"))
	assert.Contains(t, h.stderr.String(), "maximum nesting depth exceeded")

	assert.Equal(t, 0, h.RunLine(ctx, "source /alias.sh && hi"))
	assert.Contains(t, h.stdout.String(), "hi from alias\n")

	assert.Equal(t, 7, h.RunScript(ctx, "/exit.sh", nil))
	assert.NotContains(t, h.stdout.String(), "after")
}

func TestRunCommand(t *testing.T) {
	t.Parallel()

	h := newHarness(t, shell.Options{})

	status := h.RunCommand(context.Background(), `echo "$@" $2; exit 9`, []string{"x", "y z"})

	assert.Equal(t, 9, status)
	assert.Equal(t, "x y z y z\n", h.stdout.String())
}

func TestRunReader(t *testing.T) {
	t.Parallel()

	h := newHarness(t, shell.Options{})

	input := strings.NewReader("echo a |\n  cat\nfalse\n")
	status := h.RunReader(context.Background(), input, "stdin", nil)

	assert.Equal(t, 1, status)
	assert.Equal(t, "a\n", h.stdout.String())
}

func TestHistory(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/history", []byte("one\ntwo\nthree\n"), 0o600))

	h := newHarness(t, shell.Options{
		Fs:           fs,
		HistoryFile:  "/history",
		HistoryLimit: 2,
	})

	assert.Equal(t, []string{"two", "three"}, h.History())

	require.NoError(t, h.ClearHistory())
	assert.Empty(t, h.History())

	data, err := afero.ReadFile(fs, "/history")
	require.NoError(t, err)
	assert.Empty(t, data)
}
