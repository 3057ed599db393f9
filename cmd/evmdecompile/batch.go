package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bnb-chain/evm-decompiler/core/decompiler"
	"github.com/ethereum/go-ethereum/log"
	"github.com/fatih/color"
	"github.com/panjf2000/ants/v2"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var (
	manifestFlag = &cli.StringFlag{
		Name:     "manifest",
		Usage:    "YAML file listing the inputs",
		Required: true,
	}
	workersFlag = &cli.IntFlag{
		Name:  "workers",
		Usage: "Number of inputs decompiled concurrently",
	}
	summaryFlag = &cli.StringFlag{
		Name:  "summary",
		Usage: "Write a YAML summary of the results to this file",
	}

	batchCommand = &cli.Command{
		Action: batchCmd,
		Name:   "batch",
		Usage:  "Decompile many inputs concurrently",
		Flags:  append([]cli.Flag{manifestFlag, workersFlag, summaryFlag}, decompileFlags...),
		Description: `
The manifest lists the inputs by name with either inline hex or a file path
relative to the manifest:

  inputs:
    - name: token
      file: token.hex
    - name: tiny
      hex: 0x600060005500

An input that cannot be decompiled is reported and the batch continues.`,
	}
)

type manifestEntry struct {
	Name string `yaml:"name"`
	Hex  string `yaml:"hex,omitempty"`
	File string `yaml:"file,omitempty"`
}

type manifest struct {
	Inputs []manifestEntry `yaml:"inputs"`
}

// batchResult is one line of the summary.
type batchResult struct {
	Name         string `yaml:"name"`
	Status       string `yaml:"status"` // trusted, fallback or failed
	Methods      int    `yaml:"methods,omitempty"`
	Instructions int    `yaml:"instructions,omitempty"`
	Error        string `yaml:"error,omitempty"`
}

const (
	statusTrusted  = "trusted"
	statusFallback = "fallback"
	statusFailed   = "failed"
)

func readManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := new(manifest)
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for i, e := range m.Inputs {
		if (e.Hex == "") == (e.File == "") {
			return nil, fmt.Errorf("%s: input %d (%s) needs exactly one of hex or file", path, i, e.Name)
		}
	}
	return m, nil
}

// runBatch decompiles every input on a pool of workers. Results keep the
// manifest order.
func runBatch(m *manifest, dir string, cfg *decompiler.Config, workers int) ([]batchResult, error) {
	if workers <= 0 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	var (
		results = make([]batchResult, len(m.Inputs))
		wg      sync.WaitGroup
	)
	for i := range m.Inputs {
		i := i
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			results[i] = decompileEntry(m.Inputs[i], dir, cfg)
		})
		if err != nil {
			wg.Done()
			results[i] = batchResult{Name: m.Inputs[i].Name, Status: statusFailed, Error: err.Error()}
		}
	}
	wg.Wait()
	return results, nil
}

func decompileEntry(e manifestEntry, dir string, cfg *decompiler.Config) batchResult {
	res := batchResult{Name: e.Name}
	file := e.File
	if file != "" && !filepath.IsAbs(file) {
		file = filepath.Join(dir, file)
	}
	code, err := loadBytecode(e.Hex, file)
	if err == nil {
		var prog *decompiler.Program
		if prog, err = decompiler.Decompile(code, cfg); err == nil {
			res.Status = statusTrusted
			if prog.Fallback {
				res.Status = statusFallback
			}
			res.Methods = len(prog.MethodInfos())
			res.Instructions = len(prog.Order())
			return res
		}
	}
	log.Debug("Input not decompilable", "name", e.Name, "err", err)
	res.Status, res.Error = statusFailed, err.Error()
	return res
}

func batchCmd(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	path := ctx.String(manifestFlag.Name)
	m, err := readManifest(path)
	if err != nil {
		return err
	}
	results, err := runBatch(m, filepath.Dir(path), &cfg.Decompiler, cfg.Batch.Workers)
	if err != nil {
		return err
	}

	var (
		ok   = color.New(color.FgGreen)
		warn = color.New(color.FgYellow)
		bad  = color.New(color.FgRed)
	)
	failed := 0
	for _, r := range results {
		switch r.Status {
		case statusTrusted:
			ok.Printf("%-24s %s (%d methods)\n", r.Name, r.Status, r.Methods)
		case statusFallback:
			warn.Printf("%-24s %s\n", r.Name, r.Status)
		default:
			failed++
			bad.Printf("%-24s not decompilable: %s\n", r.Name, r.Error)
		}
	}
	log.Info("Batch finished", "inputs", len(results), "failed", failed)

	if out := ctx.String(summaryFlag.Name); out != "" {
		data, err := yaml.Marshal(results)
		if err != nil {
			return err
		}
		return os.WriteFile(out, data, 0o644)
	}
	return nil
}
