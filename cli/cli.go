// Copyright 2024 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

// Package cli is the command-line front end: it parses flags, loads the
// migration configuration document, and wires the five core packages
// (probe, bootmgr, asset, stage1, stage2) together into a runnable
// command. The front end only consumes parsed values; it holds none of
// the engine's decision logic itself.
package cli

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/fieldkit-os/brownfield-migrate/conf"
)

// logOptionsType groups the logging flags, mirroring how the daemon
// generation of this front end kept them separate from run-specific
// options.
type logOptionsType struct {
	logLevel string
	logFile  string
}

// runOptionsType carries every flag destination across all subcommands.
// It is a single struct, not one per command, since migrate and
// stage2-run share most of their inputs (config paths, work dir, debug
// overrides).
type runOptionsType struct {
	configPath         string
	fallbackConfigPath string
	workDir            string
	deviceConfigPath   string
	imagePath          string
	imageDigest        string
	rebootAfter        int
	pretend            bool
	noNetworkRequired  bool
	skipOSWhitelist    bool
	skipFlash          bool
	forceFlashDevice   string
	deviceClass        string
	wifis              []string
	allWifis           bool
	logOptions         logOptionsType
}

// ShowVersion reports the build's version string alongside the Go
// runtime it was built with.
func ShowVersion() string {
	return fmt.Sprintf("%s\truntime: %s", conf.VersionString(), runtime.Version())
}

func (o *runOptionsType) handleLogFlags(_ *cli.Context) error {
	if o.logOptions.logLevel != "" {
		level, err := log.ParseLevel(o.logOptions.logLevel)
		if err != nil {
			return err
		}
		log.SetLevel(level)
	}
	if o.logOptions.logFile != "" {
		fd, err := os.Create(o.logOptions.logFile)
		if err != nil {
			return err
		}
		log.SetOutput(fd)
	}
	return nil
}

// NewApp builds the command-line application. args[0] is conventionally
// the binary name; NewApp itself does not run anything, callers pass the
// result to app.Run(args).
func NewApp() *cli.App {
	runOptions := &runOptionsType{}

	globalFlags := []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Aliases:     []string{"l"},
			Usage:       "Set logging `level` (debug, info, warning, error, fatal, panic).",
			Value:       "info",
			Destination: &runOptions.logOptions.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-file",
			Aliases:     []string{"L"},
			Usage:       "`FILE` to log to, instead of stderr.",
			Destination: &runOptions.logOptions.logFile,
		},
	}

	app := &cli.App{
		Name:    "migrate",
		Usage:   "migrate a host in-place from its current OS to an appliance image.",
		Version: ShowVersion(),
		Before:  runOptions.handleLogFlags,
		Flags:   globalFlags,
		Commands: []*cli.Command{
			migrateCommand(runOptions),
			stage2RunCommand(runOptions),
			printConfigCommand(runOptions),
			statusCommand(runOptions),
			versionCommand(),
		},
	}
	return app
}

// Main is the entry point main.go delegates to.
func Main(args []string) error {
	app := NewApp()
	return app.Run(args)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
