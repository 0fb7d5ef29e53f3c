package shell

import (
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/abiosoft/readline"
	"github.com/nixpig/jobshell/internal/jobmanager"
)

// completer completes command names from built-ins, aliases and $PATH in
// command position, and file names everywhere else.
type completer struct {
	s *Shell
}

var _ readline.AutoCompleter = (*completer)(nil)

func (c *completer) Do(line []rune, pos int) ([][]rune, int) {
	head := string(line[:pos])

	start := strings.LastIndexAny(head, " \t|&;()<>") + 1
	word := head[start:]

	var candidates []string
	if commandPosition(head[:start]) && !strings.Contains(word, "/") {
		candidates = c.commands(word)
	} else {
		candidates = files(word)
	}

	out := make([][]rune, 0, len(candidates))
	for _, candidate := range candidates {
		out = append(out, []rune(strings.TrimPrefix(candidate, word)))
	}

	return out, len([]rune(word))
}

// commandPosition reports whether a word following before starts a command.
func commandPosition(before string) bool {
	before = strings.TrimRight(before, " \t")

	return before == "" || strings.ContainsAny(before[len(before)-1:], "|&;(")
}

func (c *completer) commands(prefix string) []string {
	names := map[string]struct{}{}

	if reg, ok := c.s.builtins.(jobmanager.Registry); ok {
		for _, name := range reg.Names() {
			names[name] = struct{}{}
		}
	}

	for name := range c.s.Aliases() {
		names[name] = struct{}{}
	}

	if prefix != "" {
		for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
			entries, err := os.ReadDir(dir)
			if err != nil {
				continue
			}

			for _, e := range entries {
				if strings.HasPrefix(e.Name(), prefix) && !e.IsDir() {
					names[e.Name()] = struct{}{}
				}
			}
		}
	}

	var out []string
	for _, name := range slices.Sorted(maps.Keys(names)) {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name+" ")
		}
	}

	return out
}

func files(prefix string) []string {
	matches, err := filepath.Glob(escapeGlob(prefix) + "*")
	if err != nil {
		return nil
	}

	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if strings.HasPrefix(prefix, "./") && !strings.HasPrefix(m, "./") {
			m = "./" + m
		}

		if fi, err := os.Stat(m); err == nil && fi.IsDir() {
			m += string(filepath.Separator)
		} else {
			m += " "
		}

		out = append(out, m)
	}

	return out
}

func escapeGlob(s string) string {
	return strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `\`, `\\`).Replace(s)
}
