package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/nixpig/jobshell/internal/config"
	"github.com/spf13/pflag"
)

type cliConfig struct {
	command    string
	configPath string
	color      string
	debug      bool
}

func (c *cliConfig) bindFlags(flags *pflag.FlagSet) {
	flags.StringVarP(
		&c.command,
		"command",
		"c",
		"",
		"Run the commands in the given string and exit",
	)

	flags.StringVar(
		&c.color,
		"color",
		"",
		"Colour output: always, auto or never (overrides the configuration file)",
	)
}

func (c *cliConfig) bindPersistentFlags(flags *pflag.FlagSet) {
	flags.StringVar(
		&c.configPath,
		"config",
		"",
		"Path to configuration file (default is $XDG_CONFIG_HOME/jobshell/config.yaml)",
	)

	flags.BoolVar(&c.debug, "debug", false, "Enable debug logs")
}

func (c *cliConfig) validate() error {
	switch c.color {
	case "", config.ColorAlways, config.ColorAuto, config.ColorNever:
	default:
		return fmt.Errorf("color must be one of always, auto or never: got '%s'", c.color)
	}

	return nil
}

// loadConfiguration reads the configuration file at path, or at the default
// location when path is empty. A missing default file gives the built-in
// configuration. A missing file named with --config is an error.
func loadConfiguration(load func(path string) (*config.Configuration, error), path string) (*config.Configuration, error) {
	explicit := path != ""

	if !explicit {
		p, err := config.DefaultPath()
		if err != nil {
			return config.Default(), nil
		}

		path = p
	}

	conf, err := load(path)
	if errors.Is(err, config.ErrNotFound) && !explicit {
		return config.Default(), nil
	}

	return conf, err
}

// useColor reports whether output to w should be coloured in the given mode.
func useColor(mode string, w io.Writer) bool {
	switch mode {
	case config.ColorAlways:
		return true
	case config.ColorNever:
		return false
	}

	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
