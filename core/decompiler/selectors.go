package decompiler

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// selectorSize is the width of an ABI function selector.
const selectorSize = 4

// maxHeadSearch bounds the branch points polled while looking for the
// method head behind a dispatcher branch.
const maxHeadSearch = 256

// provenance is a value of the dispatcher simulation together with the
// values it was computed from.
type provenance struct {
	op   ByteCode
	data []byte
	deps []*provenance
}

// selector returns the first 4-byte push found depth first, inputs taken
// top of stack first.
func (p *provenance) selector(seen map[*provenance]bool) []byte {
	for _, d := range p.deps {
		if d.op.IsPush() && len(d.data) == selectorSize {
			return d.data
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		if sel := d.selector(seen); sel != nil {
			return sel
		}
	}
	return nil
}

// findSelectorBranches simulates the dispatcher block at the start of the
// code and maps the taken target of every conditional jump that compares
// against a 4-byte constant to that constant.
func findSelectorBranches(cfg *ControlFlowGraph) map[int][]byte {
	stream := cfg.Stream()
	branches := make(map[int][]byte)
	var stack []*provenance
	for pc := 0; pc >= 0; pc = stream.Next(pc) {
		raw := stream.At(pc)
		op := raw.Op
		if op.IsInvalid() || op == JUMP ||
			op == JUMPI && slices.Contains(cfg.Successors(pc), ErrorNode) {
			break
		}
		var node *provenance
		switch {
		case op.IsDup():
			n := op.DupDepth()
			if len(stack) < n {
				return branches
			}
			stack = append(stack, stack[len(stack)-n])
			continue
		case op.IsSwap():
			n := op.SwapDepth()
			if len(stack) < n+1 {
				return branches
			}
			top := len(stack) - 1
			stack[top], stack[top-n] = stack[top-n], stack[top]
			continue
		default:
			pops, pushes := StackEffect(op)
			if len(stack) < pops {
				return branches
			}
			node = &provenance{op: op, data: raw.Data}
			for i := 0; i < pops; i++ {
				node.deps = append(node.deps, stack[len(stack)-1])
				stack = stack[:len(stack)-1]
			}
			for i := 0; i < pushes; i++ {
				stack = append(stack, node)
			}
		}
		if op == JUMPI {
			sel := node.selector(make(map[*provenance]bool))
			if sel == nil {
				continue
			}
			targets := cfg.JumpTargets(pc)
			if len(targets) == 1 && !IsSentinel(targets[0]) {
				branches[targets[0]] = sel
			}
		}
		if op.IsTerminal() {
			break
		}
	}
	return branches
}

// findHeadForBranch searches breadth first from the successors of branch
// for the nearest method head.
func findHeadForBranch(cfg *ControlFlowGraph, branch int, isHead func(int) bool) (int, bool) {
	queue := slices.Clone(cfg.Successors(branch))
	for polls := 0; len(queue) > 0 && polls < maxHeadSearch; polls++ {
		node := queue[0]
		queue = queue[1:]
		if isHead(node) {
			return node, true
		}
		queue = append(queue, cfg.Successors(node)...)
	}
	return 0, false
}

// labelMethods names the heads of public methods after their selector and
// all remaining heads after their offset.
func labelMethods(cfg *ControlFlowGraph, methods *methodTable, labels *labelTable) {
	branches := findSelectorBranches(cfg)
	keys := maps.Keys(branches)
	slices.Sort(keys)
	for _, branch := range keys {
		sel := branches[branch]
		head, ok := findHeadForBranch(cfg, branch, methods.isHead)
		if !ok {
			DebugWarn("No method head behind selector branch", "selector", hexutil.Encode(sel), "branch", labels.name(branch))
			continue
		}
		m := methods.heads[head]
		m.Selector = sel
		m.Label = fmt.Sprintf("%s%x", abiMethodPrefix, sel)
	}
	for _, m := range methods.ordered {
		labels.rename(m.Head, m.Label)
	}
}
