// evmdecompile turns EVM runtime bytecode into a register based listing.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/bnb-chain/evm-decompiler/core/decompiler"
	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	logFileFlag = &cli.StringFlag{
		Name:  "logfile",
		Usage: "Also write logs to the given file, rotated at 100MB",
	}
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Trace every decompiler stage",
	}
)

var app = &cli.App{
	Name:  "evmdecompile",
	Usage: "the EVM bytecode decompiler",
	Flags: []cli.Flag{
		configFileFlag,
		verbosityFlag,
		logFileFlag,
		debugFlag,
	},
	Commands: []*cli.Command{
		decompileCommand,
		disasmCommand,
		cfgCommand,
		batchCommand,
		dumpConfigCommand,
	},
	Before: setupLogging,
	After: func(ctx *cli.Context) error {
		if logOutputFile != nil {
			return logOutputFile.Close()
		}
		return nil
	},
}

var logOutputFile io.WriteCloser

// setupLogging installs the root log handler from the global flags.
func setupLogging(ctx *cli.Context) error {
	var (
		output   io.Writer = colorable.NewColorableStderr()
		useColor           = (isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())) && os.Getenv("TERM") != "dumb"
	)
	if file := ctx.String(logFileFlag.Name); file != "" {
		logOutputFile = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100,
			MaxBackups: 3,
			Compress:   true,
		}
		output = io.MultiWriter(os.Stderr, logOutputFile)
		useColor = false
	}
	glogger := log.NewGlogHandler(log.NewTerminalHandler(output, useColor))
	glogger.Verbosity(log.FromLegacyLevel(ctx.Int(verbosityFlag.Name)))
	log.SetDefault(log.NewLogger(glogger))

	if ctx.Bool(debugFlag.Name) {
		decompiler.EnableDebugLogs(true)
	}
	return nil
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
