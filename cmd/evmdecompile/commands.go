package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bnb-chain/evm-decompiler/core/decompiler"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
)

var (
	hexFlag = &cli.StringFlag{
		Name:  "hex",
		Usage: "Runtime bytecode as hex (with or without 0x prefix)",
	}
	fileFlag = &cli.StringFlag{
		Name:  "file",
		Usage: "Path to a file containing runtime bytecode hex",
	}
	inlineFlag = &cli.BoolFlag{
		Name:  "inline",
		Usage: "Inline method invocations",
	}
	constPropFlag = &cli.BoolFlag{
		Name:  "constprop",
		Usage: "Propagate constants through memory and storage",
	}
	noTrustFlag = &cli.BoolFlag{
		Name:  "no-trust",
		Usage: "Skip method detection and destack jumps directly",
	}
	noFallbackFlag = &cli.BoolFlag{
		Name:  "no-fallback",
		Usage: "Fail instead of retrying without method detection",
	}
	maxStepsFlag = &cli.IntFlag{
		Name:  "maxsteps",
		Usage: "Bound on symbolic execution steps during control flow analysis (0 = unbounded)",
	}
	methodsFlag = &cli.BoolFlag{
		Name:  "methods",
		Usage: "Print a table of the detected methods",
	}
	outFlag = &cli.StringFlag{
		Name:  "out",
		Usage: "Output file path (.dot or .svg), stdout when empty",
	}
	formatFlag = &cli.StringFlag{
		Name:  "format",
		Usage: "Output format: dot or svg (inferred from --out when omitted)",
	}
	titleFlag = &cli.StringFlag{
		Name:  "title",
		Usage: "Graph title",
	}
)

var (
	inputFlags     = []cli.Flag{hexFlag, fileFlag}
	decompileFlags = []cli.Flag{inlineFlag, constPropFlag, noTrustFlag, noFallbackFlag, maxStepsFlag}

	decompileCommand = &cli.Command{
		Action: decompileCmd,
		Name:   "decompile",
		Usage:  "Decompile runtime bytecode into a listing",
		Flags:  append(append([]cli.Flag{methodsFlag}, inputFlags...), decompileFlags...),
		Description: `
The decompile command prints one instruction per line. Stack operations are
replaced by named variables and method calls are recovered where the code
follows the usual calling convention.`,
	}
	disasmCommand = &cli.Command{
		Action: disasmCmd,
		Name:   "disasm",
		Usage:  "Print the raw instructions",
		Flags:  inputFlags,
	}
	cfgCommand = &cli.Command{
		Action: cfgCmd,
		Name:   "cfg",
		Usage:  "Render the control flow graph as DOT or SVG",
		Flags:  append([]cli.Flag{outFlag, formatFlag, titleFlag, maxStepsFlag}, inputFlags...),
		Description: `
SVG output requires the graphviz dot binary in PATH.`,
	}
)

// applyFlags overrides the configuration with the flags set on the command line.
func applyFlags(ctx *cli.Context, cfg *decompiler.Config) {
	if ctx.IsSet(inlineFlag.Name) {
		cfg.Inline = ctx.Bool(inlineFlag.Name)
	}
	if ctx.IsSet(constPropFlag.Name) {
		cfg.PropagateConstants = ctx.Bool(constPropFlag.Name)
	}
	if ctx.IsSet(noTrustFlag.Name) {
		cfg.TrustMethods = !ctx.Bool(noTrustFlag.Name)
	}
	if ctx.IsSet(noFallbackFlag.Name) {
		cfg.AllowFallback = !ctx.Bool(noFallbackFlag.Name)
	}
	if ctx.IsSet(maxStepsFlag.Name) {
		cfg.MaxSteps = ctx.Int(maxStepsFlag.Name)
	}
}

func inputCode(ctx *cli.Context) ([]byte, error) {
	hexArg, fileArg := ctx.String(hexFlag.Name), ctx.String(fileFlag.Name)
	if hexArg == "" && fileArg == "" {
		return nil, errors.New("one of --hex or --file is required")
	}
	return loadBytecode(hexArg, fileArg)
}

func decompileCmd(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	code, err := inputCode(ctx)
	if err != nil {
		return err
	}
	prog, err := decompiler.Decompile(code, &cfg.Decompiler)
	if err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "not decompilable: %v\n", decompiler.FailureClass(err))
		return err
	}
	if prog.Fallback {
		color.New(color.FgYellow).Fprintln(os.Stderr, "decompiled without method detection")
	}
	for _, d := range prog.Diagnostics {
		log.Warn("Decompiler diagnostic", "msg", d)
	}
	if err := decompiler.Fprint(os.Stdout, prog); err != nil {
		return err
	}
	if ctx.Bool(methodsFlag.Name) {
		fmt.Println()
		printMethods(prog.MethodInfos())
	}
	return nil
}

func printMethods(methods []*decompiler.MethodInfo) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Method", "Head", "Selector", "Args", "Returns", "Calls"})
	for _, m := range methods {
		selector := "-"
		if m.Selector != nil {
			selector = hexutil.Encode(m.Selector)
		}
		table.Append([]string{
			m.Label,
			fmt.Sprintf("%#x", m.Head),
			selector,
			fmt.Sprint(m.Args),
			fmt.Sprint(m.Rets),
			fmt.Sprint(len(m.Calls)),
		})
	}
	table.Render()
}

func disasmCmd(ctx *cli.Context) error {
	code, err := inputCode(ctx)
	if err != nil {
		return err
	}
	stream, err := decompiler.ParseBytecode(code)
	if err != nil {
		return err
	}
	return decompiler.Disassemble(os.Stdout, stream)
}

func cfgCmd(ctx *cli.Context) error {
	code, err := inputCode(ctx)
	if err != nil {
		return err
	}
	stream, err := decompiler.ParseBytecode(code)
	if err != nil {
		return err
	}
	graph, err := decompiler.BuildControlFlowGraph(stream, ctx.Int(maxStepsFlag.Name))
	if err != nil {
		return fmt.Errorf("build CFG: %w", err)
	}
	var dot bytes.Buffer
	if err := decompiler.WriteDOT(&dot, graph, ctx.String(titleFlag.Name)); err != nil {
		return err
	}

	out := ctx.String(outFlag.Name)
	format := graphFormat(ctx.String(formatFlag.Name), out)
	var data []byte
	switch format {
	case "dot":
		data = dot.Bytes()
	case "svg":
		if data, err = renderSVG(dot.Bytes()); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown format %q (use dot or svg)", format)
	}
	if out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(out, data, 0o644)
}

// graphFormat picks the output format, falling back to the extension of out.
func graphFormat(format, out string) string {
	if format != "" {
		return format
	}
	if strings.ToLower(filepath.Ext(out)) == ".svg" {
		return "svg"
	}
	return "dot"
}

func renderSVG(dot []byte) ([]byte, error) {
	if _, err := exec.LookPath("dot"); err != nil {
		return nil, errors.New("dot not found in PATH; install graphviz or choose --format=dot")
	}
	var svg bytes.Buffer
	cmd := exec.Command("dot", "-Tsvg")
	cmd.Stdin = bytes.NewReader(dot)
	cmd.Stdout = &svg
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("dot render: %w", err)
	}
	return svg.Bytes(), nil
}
