package decompiler

import (
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/exp/slices"
)

// Decompile turns runtime bytecode into a linked program. A nil config
// selects DefaultConfig. When the run with method detection fails and
// fallback is allowed, the code is destacked again without methods; if
// that fails too a *DecompileError carrying both failures is returned.
func Decompile(code []byte, config *Config) (*Program, error) {
	if config == nil {
		c := DefaultConfig
		config = &c
	}
	cacheable := config.Cache && config.ReturnPredicate == nil
	var key cacheKey
	if cacheable {
		key = cacheKey{code: crypto.Keccak256Hash(code), config: config.fingerprint()}
		if prog, ok := programCache.get(key); ok {
			return prog, nil
		}
	}
	prog, err := decompile(code, config)
	if err != nil {
		failedCounter.Inc(1)
		return nil, err
	}
	if prog.Fallback {
		fallbackCounter.Inc(1)
	} else {
		trustedCounter.Inc(1)
	}
	if cacheable {
		programCache.add(key, prog)
	}
	return prog, nil
}

func decompile(code []byte, config *Config) (*Program, error) {
	stream, err := ParseBytecode(code)
	if err != nil {
		return nil, &DecompileError{Trusted: err}
	}
	cfg, err := BuildControlFlowGraph(stream, config.MaxSteps)
	if err != nil {
		return nil, &DecompileError{Trusted: err}
	}
	var trustedErr error
	if config.TrustMethods {
		prog, err := runPasses(cfg, config, true)
		if err == nil {
			return prog, nil
		}
		if !config.AllowFallback {
			return nil, &DecompileError{Trusted: err}
		}
		trustedErr = err
		DebugWarn("Method detection failed, retrying without methods", "err", err)
	}
	prog, err := runPasses(cfg, config, false)
	if err != nil {
		DebugError("Fallback failed", "err", err)
		return nil, &DecompileError{Trusted: trustedErr, Fallback: err}
	}
	if trustedErr != nil {
		log.Info("Decompiled without method detection", "size", len(code), "reason", trustedErr)
	}
	return prog, nil
}

// runPasses destacks the analyzed code and applies the configured passes.
func runPasses(cfg *ControlFlowGraph, config *Config, trusted bool) (*Program, error) {
	labels := newLabelTable(cfg.Stream())
	var methods *methodTable
	if trusted {
		methods = findMethodHeads(cfg, config.returnPredicate())
		if err := detectArity(cfg, methods); err != nil {
			return nil, err
		}
		labelMethods(cfg, methods, labels)
	}
	d := newDestacker(cfg, labels, methods)
	prog, err := d.run()
	if err != nil {
		return nil, err
	}
	if err := prog.buildOrder(d.entries()); err != nil {
		return nil, err
	}
	if err := prog.cleanup(); err != nil {
		return nil, err
	}
	if config.Inline {
		if err := prog.inline(); err != nil {
			return nil, err
		}
	}
	if config.PropagateConstants {
		if err := prog.propagateConstants(); err != nil {
			return nil, err
		}
	}
	DebugInfo("Decompiled", "trusted", trusted, "instructions", len(prog.order), "methods", len(prog.methods))
	return prog, nil
}

// entries returns the instruction at offset zero followed by the method
// heads in offset order.
func (d *destacker) entries() []InstrID {
	out := []InstrID{d.instrs[0]}
	if d.methods == nil {
		return out
	}
	heads := make([]int, 0, len(d.methods.heads))
	for _, m := range d.methods.ordered {
		heads = append(heads, m.Head)
	}
	slices.Sort(heads)
	for _, h := range heads {
		if d.instrs[h] != NoInstr {
			out = append(out, d.instrs[h])
		}
	}
	return out
}
