package decompiler

import (
	"container/heap"
	"fmt"
	"math"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// stackStateWindow is the number of top stack entries that distinguish two
// visits of the same branch.
const stackStateWindow = 20

// absValue is a symbolic stack entry of the control flow analysis. A nil
// value is opaque, anything else is a known constant.
type absValue []byte

func (v absValue) offset() (int, bool) {
	if v == nil {
		return 0, false
	}
	var x uint256.Int
	x.SetBytes(v)
	if !x.IsUint64() || x.Uint64() > math.MaxInt32 {
		return math.MaxInt32, true
	}
	return int(x.Uint64()), true
}

func andValues(a, b absValue) absValue {
	if a == nil || b == nil {
		return nil
	}
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make(absValue, n)
	for i := range out {
		var x, y byte
		if j := len(a) - n + i; j >= 0 {
			x = a[j]
		}
		if j := len(b) - n + i; j >= 0 {
			y = b[j]
		}
		out[i] = x & y
	}
	return out
}

// ControlFlowGraph maps branch points to their successors. Branch points
// are branch start offsets, jump and terminal instruction offsets and the
// ERROR and EXIT sentinels.
type ControlFlowGraph struct {
	stream  *InstructionStream
	forward *graph
	reverse *graph
	targets map[int][]int // JUMP/JUMPI offset -> resolved jump targets
}

type cfaTask struct {
	start  int
	pc     int
	linear bool
	stack  []absValue
}

type cfaBuilder struct {
	stream   *InstructionStream
	flow     *graph
	targets  map[int][]int
	dummies  map[int]int
	visited  mapset.Set[string]
	work     []cfaTask
	steps    int
	maxSteps int
}

// BuildControlFlowGraph symbolically executes every reachable branch of the
// stream and records the successors of every branch point. maxSteps bounds
// the number of executed instructions, zero means unbounded.
func BuildControlFlowGraph(stream *InstructionStream, maxSteps int) (*ControlFlowGraph, error) {
	b := &cfaBuilder{
		stream:   stream,
		flow:     newGraph(),
		targets:  make(map[int][]int),
		dummies:  make(map[int]int),
		visited:  mapset.NewThreadUnsafeSet[string](),
		maxSteps: maxSteps,
	}
	b.work = append(b.work, cfaTask{start: 0, pc: 0})
	for len(b.work) > 0 {
		t := b.work[len(b.work)-1]
		b.work = b.work[:len(b.work)-1]
		if err := b.execute(t); err != nil {
			return nil, err
		}
	}
	if err := b.joinDummies(); err != nil {
		return nil, err
	}
	cfg := &ControlFlowGraph{
		stream:  stream,
		forward: b.flow,
		reverse: b.flow.transpose(),
		targets: b.targets,
	}
	DebugInfo("Control flow graph built", "nodes", len(b.flow.edges), "steps", b.steps)
	return cfg, nil
}

func stateKey(src, dst int, stack []absValue) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d>%d:", src, dst)
	from := len(stack) - stackStateWindow
	if from < 0 {
		from = 0
	}
	for i, v := range stack[from:] {
		if i > 0 {
			sb.WriteByte(',')
		}
		if v == nil {
			sb.WriteByte('?')
		} else {
			sb.WriteString(hexutil.Encode(v))
		}
	}
	return sb.String()
}

func (b *cfaBuilder) addExecution(start, pc int) {
	if start != pc {
		b.flow.add(start, pc)
	}
}

func (b *cfaBuilder) addTarget(pc, dest int) {
	if !slices.Contains(b.targets[pc], dest) {
		b.targets[pc] = append(b.targets[pc], dest)
	}
}

func (b *cfaBuilder) spawn(pc, dest int, linear bool, stack []absValue) {
	b.work = append(b.work, cfaTask{start: dest, pc: dest, linear: linear, stack: slices.Clone(stack)})
}

// jumpTo records the taken edge of a jump. Targets that are not a JUMPDEST
// end in the EVM exception handler.
func (b *cfaBuilder) jumpTo(pc, dest int, stack []absValue) {
	if b.stream.IsJumpDest(dest) {
		b.flow.add(pc, dest)
		b.addTarget(pc, dest)
		b.spawn(pc, dest, false, stack)
		return
	}
	b.flow.add(pc, ErrorNode)
	b.addTarget(pc, ErrorNode)
	if dest != 0 {
		DebugWarn("Invalid jump destination", "dest", fmt.Sprintf("%#x", dest), "from", fmt.Sprintf("%#x", pc))
	}
}

func (b *cfaBuilder) execute(t cfaTask) error {
	stack := t.stack
	start := t.start
	pop := func(pc int) (absValue, error) {
		if len(stack) == 0 {
			return nil, errors.Wrapf(ErrMalformedBytecode, "stack underflow at %#x", pc)
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}
	for pc := t.pc; pc >= 0; pc = b.stream.Next(pc) {
		b.steps++
		if b.maxSteps > 0 && b.steps > b.maxSteps {
			return errors.Wrapf(ErrAmbiguousControlFlow, "step budget of %d exhausted at %#x", b.maxSteps, pc)
		}
		ins := b.stream.At(pc)
		op := ins.Op
		switch {
		case op == JUMP:
			target, err := pop(pc)
			if err != nil {
				return err
			}
			b.addExecution(start, pc)
			dest, ok := target.offset()
			if !ok {
				return errors.Wrapf(ErrAmbiguousControlFlow, "unresolvable jump target at %#x", pc)
			}
			key := stateKey(pc, dest, stack)
			if !b.visited.Contains(key) {
				b.visited.Add(key)
				b.jumpTo(pc, dest, stack)
			}
			return nil

		case op == JUMPI:
			target, err := pop(pc)
			if err != nil {
				return err
			}
			if _, err := pop(pc); err != nil {
				return err
			}
			b.addExecution(start, pc)
			dest, ok := target.offset()
			if !ok {
				return errors.Wrapf(ErrAmbiguousControlFlow, "unresolvable conditional jump target at %#x", pc)
			}
			destKey := stateKey(pc, dest, stack)
			localKey := stateKey(pc, pc+1, stack)
			visitedDest := b.visited.Contains(destKey)
			visitedLocal := b.visited.Contains(localKey)
			b.visited.Add(localKey)
			b.flow.add(pc, pc+1)
			if !b.stream.IsJumpDest(pc + 1) {
				b.dummies[pc] = pc + 1
			}
			// The taken branch runs first, so it is pushed last.
			if !visitedLocal {
				b.spawn(pc, pc+1, true, stack)
			}
			if !visitedDest {
				b.visited.Add(destKey)
				b.jumpTo(pc, dest, stack)
			}
			return nil

		case op.IsExit():
			b.addExecution(start, pc)
			b.flow.add(pc, ExitNode)
			return nil

		case op.IsTerminal():
			b.addExecution(start, pc)
			b.flow.add(pc, ErrorNode)
			return nil

		case op == JUMPDEST && (pc != start || t.linear):
			b.addExecution(start, pc)
			start = pc
			continue

		case op == AND:
			x, err := pop(pc)
			if err != nil {
				return err
			}
			y, err := pop(pc)
			if err != nil {
				return err
			}
			stack = append(stack, andValues(x, y))

		case op.IsPush():
			stack = append(stack, absValue(ins.Data))

		case op.IsDup():
			n := op.DupDepth()
			if len(stack) < n {
				return errors.Wrapf(ErrMalformedBytecode, "stack underflow at %#x (%s)", pc, op)
			}
			stack = append(stack, stack[len(stack)-n])

		case op.IsSwap():
			n := op.SwapDepth()
			if len(stack) < n+1 {
				return errors.Wrapf(ErrMalformedBytecode, "stack underflow at %#x (%s)", pc, op)
			}
			top := len(stack) - 1
			stack[top], stack[top-n] = stack[top-n], stack[top]

		default:
			pops, pushes := StackEffect(op)
			for i := 0; i < pops; i++ {
				if _, err := pop(pc); err != nil {
					return err
				}
			}
			for i := 0; i < pushes; i++ {
				stack = append(stack, nil)
			}
		}
	}
	return nil
}

// joinDummies folds the not-taken arm of a conditional jump into the jump
// when that arm does not start at a JUMPDEST: the jump directly reaches the
// arm's continuation. Arms that go straight to ERROR or EXIT are kept.
func (b *cfaBuilder) joinDummies() error {
	srcs := make([]int, 0, len(b.dummies))
	for src := range b.dummies {
		srcs = append(srcs, src)
	}
	// Descending, so a chain of adjacent conditional jumps folds inner first.
	slices.Sort(srcs)
	slices.Reverse(srcs)
	for _, src := range srcs {
		inter := b.dummies[src]
		succ := b.flow.get(inter)
		if slices.Contains(succ, ErrorNode) || slices.Contains(succ, ExitNode) {
			continue
		}
		if len(succ) == 0 {
			return errors.Wrapf(ErrMalformedBytecode, "missing continuation of %#x implied by %#x", inter, src)
		}
		b.flow.remove(src, inter)
		for _, dst := range succ {
			b.flow.add(src, dst)
		}
		b.flow.removeAll(inter)
	}
	return nil
}

// Stream returns the underlying instruction stream.
func (c *ControlFlowGraph) Stream() *InstructionStream { return c.stream }

// Successors returns the successor branch points of node.
func (c *ControlFlowGraph) Successors(node int) []int { return c.forward.get(node) }

// Predecessors returns the branch points with an edge into node.
func (c *ControlFlowGraph) Predecessors(node int) []int { return c.reverse.get(node) }

// Nodes returns all branch points with outgoing edges, ascending.
func (c *ControlFlowGraph) Nodes() []int { return c.forward.nodes() }

// JumpTargets returns the resolved targets of the jump at pc: JUMPDEST
// offsets or ErrorNode. For JUMPI only the taken arm is listed.
func (c *ControlFlowGraph) JumpTargets(pc int) []int { return c.targets[pc] }

// IsReachable reports whether the branch point can be reached from entry.
func (c *ControlFlowGraph) IsReachable(node int) bool {
	return node == 0 || c.reverse.hasNode(node)
}

// Reachable returns every node reachable from source.
func (c *ControlFlowGraph) Reachable(source int) map[int]bool { return c.forward.reachable(source) }

type distItem struct {
	node int
	dist int
}

type distQueue []distItem

func (q distQueue) Len() int { return len(q) }
func (q distQueue) Less(i, j int) bool {
	if q[i].dist != q[j].dist {
		return q[i].dist < q[j].dist
	}
	return q[i].node < q[j].node
}
func (q distQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *distQueue) Push(x interface{}) { *q = append(*q, x.(distItem)) }
func (q *distQueue) Pop() interface{} {
	old := *q
	it := old[len(old)-1]
	*q = old[:len(old)-1]
	return it
}

// methodHeadEdgeCost is the cost of entering a method head when searching
// for the quickest way out of a method body.
const methodHeadEdgeCost = 100000

// QuickestJumpTowardsExit returns the successor of src that starts the
// cheapest path to one of returnJumps. Edges into method heads are
// expensive so that paths through nested calls are avoided.
func (c *ControlFlowGraph) QuickestJumpTowardsExit(src int, returnJumps mapset.Set[int], isHead func(int) bool) (int, bool) {
	dist := map[int]int{src: 0}
	pred := make(map[int]int)
	done := make(map[int]bool)
	q := &distQueue{{node: src}}
	for q.Len() > 0 {
		it := heap.Pop(q).(distItem)
		if done[it.node] {
			continue
		}
		done[it.node] = true
		for _, dst := range c.forward.get(it.node) {
			cost := 1
			if isHead(dst) {
				cost = methodHeadEdgeCost
			}
			nd := it.dist + cost
			if d, ok := dist[dst]; !ok || nd < d {
				dist[dst] = nd
				pred[dst] = it.node
				heap.Push(q, distItem{node: dst, dist: nd})
			}
		}
	}
	best, bestDist := -1, math.MaxInt
	for _, ret := range returnJumps.ToSlice() {
		if d, ok := dist[ret]; ok && ret != src && (d < bestDist || (d == bestDist && ret < best)) {
			best, bestDist = ret, d
		}
	}
	if best < 0 {
		return 0, false
	}
	n := best
	for pred[n] != src {
		n = pred[n]
	}
	return n, true
}
