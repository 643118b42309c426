// Package main is stepsim, which runs the motion core against a virtual clock and
// writes the resulting pulse train as CSV.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "stepsim.yml"
)

// loadConfig layers the YAML file at path over the defaults.  A missing file is
// not an error.
func loadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return Config{}, err
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) && !strings.Contains(err.Error(), "no such") {
			return Config{}, errors.Wrap(err, "error loading config")
		}
	}
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

func root() {
	str := `stepsim runs the stepper motion core against a simulated clock and writes every
step, direction change, sleep and wake as CSV.

Usage:
	stepsim <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `stepsim is configured via its .yaml file, stepsim.yml in the working directory.
mkconf writes one holding the defaults.

Limits are in steps/s and steps/s^2:
	max_speed, acceleration, deceleration (0 means same as acceleration)

duration is the simulated time in seconds; 0 runs until the axis is at rest after
the last command.  output is a file path, or - for stdout.

commands is a list of {at, op, value}, at in seconds.  ops:
	position      move to value steps
	speed         run continuously at value steps/s
	max_speed     change the speed limit
	acceleration  change the acceleration limit
	deceleration  change the deceleration limit
	report        declare the current position to be value steps`
	fmt.Println(str)
}

func mkconf(c Config) error {
	f, err := os.Create(ConfigFileName)
	if err != nil {
		return err
	}
	defer f.Close()
	return yml.NewEncoder(f).Encode(c)
}

func printconf(c Config) error {
	return yml.NewEncoder(os.Stdout).Encode(c)
}

func pversion() {
	fmt.Printf("stepsim version %v\n", Version)
}

func run(ctx context.Context, c Config, logger logging.Logger) error {
	res, err := Simulate(ctx, c, logger)
	if err != nil {
		return err
	}
	if res.Fault != nil {
		logger.Warnw("move halted", "error", res.Fault)
	}
	logger.Infow("simulated", "position", res.Position, "elapsed", res.Elapsed, "events", len(res.Events),
		"rejected", res.Rejected)

	var w io.Writer = os.Stdout
	if c.Output != "" && c.Output != "-" {
		f, err := os.Create(c.Output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return WriteCSV(w, res.Events)
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	logger := logging.NewLogger("stepsim")
	c, err := loadConfig(ConfigFileName)
	if err != nil {
		logger.Error(err)
		os.Exit(1)
	}

	switch strings.ToLower(args[1]) {
	case "help":
		help()
	case "mkconf":
		err = mkconf(c)
	case "conf":
		err = printconf(c)
	case "run":
		err = run(context.Background(), c, logger)
	case "version":
		pversion()
	default:
		err = errors.Errorf("unknown command %q", args[1])
	}
	if err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}
