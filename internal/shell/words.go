package shell

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/anmitsu/go-shlex"
	"github.com/nixpig/jobshell/internal/jobmanager"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

// maxAliasDepth bounds alias-to-alias expansion.
const maxAliasDepth = 16

// environ exposes the process environment plus the shell's special
// parameters to word expansion.
type environ struct {
	s *Shell
}

var _ expand.Environ = environ{}

func (e environ) Get(name string) expand.Variable {
	switch name {
	case "@", "*":
		return expand.Variable{Kind: expand.Indexed, List: e.s.positional()}
	case "#":
		return stringVar(strconv.Itoa(len(e.s.positional())))
	case "?":
		return stringVar(strconv.Itoa(e.s.LastStatus()))
	case "$":
		return stringVar(strconv.Itoa(os.Getpid()))
	case "PPID":
		return stringVar(strconv.Itoa(os.Getppid()))
	case "0":
		return stringVar(e.s.name)
	}

	if n, err := strconv.Atoi(name); err == nil && n > 0 {
		args := e.s.positional()
		if n > len(args) {
			return expand.Variable{}
		}

		return stringVar(args[n-1])
	}

	value, ok := os.LookupEnv(name)
	if !ok {
		return expand.Variable{}
	}

	v := stringVar(value)
	v.Exported = true

	return v
}

func (e environ) Each(fn func(name string, vr expand.Variable) bool) {
	for _, kv := range os.Environ() {
		name, value, _ := strings.Cut(kv, "=")

		v := stringVar(value)
		v.Exported = true

		if !fn(name, v) {
			return
		}
	}
}

func stringVar(value string) expand.Variable {
	return expand.Variable{Kind: expand.String, Str: value}
}

// expandConfig expands parameters, quotes and tildes. Globbing is disabled
// and command substitution is rejected.
func (s *Shell) expandConfig() *expand.Config {
	return &expand.Config{Env: environ{s: s}}
}

// fields expands the words of a simple command into its argv, substituting an
// alias for an unquoted command name.
func (s *Shell) fields(words []*syntax.Word) ([]string, error) {
	var argv []string

	if len(words) > 0 {
		if name := words[0].Lit(); name != "" {
			replacement, ok, err := s.resolveAlias(name)
			if err != nil {
				return nil, err
			}

			if ok {
				argv = replacement
				words = words[1:]
			}
		}
	}

	rest, err := expand.Fields(s.expandConfig(), words...)
	if err != nil {
		return nil, expansionError(err)
	}

	return append(argv, rest...), nil
}

// resolveAlias splits the value of alias name into words. An alias whose
// first word is itself an alias is expanded again, each name at most once.
func (s *Shell) resolveAlias(name string) ([]string, bool, error) {
	aliases := s.Aliases()

	if _, ok := aliases[name]; !ok {
		return nil, false, nil
	}

	seen := map[string]bool{}

	var tail []string

	for depth := 0; depth < maxAliasDepth; depth++ {
		value, ok := aliases[name]
		if !ok || seen[name] {
			return append([]string{name}, tail...), true, nil
		}

		seen[name] = true

		words, err := shlex.Split(value, true)
		if err != nil {
			return nil, false, fmt.Errorf("%w: alias %s: %w", jobmanager.ErrSyntax, name, err)
		}

		if len(words) == 0 {
			return tail, true, nil
		}

		name = words[0]
		tail = append(words[1:], tail...)
	}

	return append([]string{name}, tail...), true, nil
}

// literal expands a single word without field splitting, e.g. a redirection
// target.
func (s *Shell) literal(word *syntax.Word) (string, error) {
	if word == nil {
		return "", nil
	}

	value, err := expand.Literal(s.expandConfig(), word)
	if err != nil {
		return "", expansionError(err)
	}

	return value, nil
}

func expansionError(err error) error {
	return fmt.Errorf("%w: %w", jobmanager.ErrSyntax, err)
}
