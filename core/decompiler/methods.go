package decompiler

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Label name prefixes of method heads.
const (
	abiMethodPrefix     = "method_abi_"
	privateMethodPrefix = "method_private_"
)

// ReturnPredicate decides whether the JUMP at pc is a method return by the
// calling convention of the producing compiler.
type ReturnPredicate func(stream *InstructionStream, pc int) bool

// JumpNotAfterPush is the solc convention: call sites push the target
// right before jumping, returns jump to an address taken from the stack.
func JumpNotAfterPush(stream *InstructionStream, pc int) bool {
	ins := stream.At(pc)
	if ins == nil || ins.Op != JUMP {
		return false
	}
	prev := stream.At(stream.Prev(pc))
	return prev == nil || !prev.Op.IsPush()
}

// MethodInfo describes a subroutine recovered from call/return patterns.
type MethodInfo struct {
	Head        int    // offset of the head JUMPDEST
	Label       string // method_abi_<selector> or method_private_<offset>
	Selector    []byte // 4-byte ABI selector when known
	Calls       []int  // call JUMP offsets
	ReturnDests []int  // JUMPDESTs following the calls
	Returns     []int  // return JUMP offsets
	Args        int
	Rets        int

	known bool // arity determined
}

// methodTable holds the method heads of one program.
type methodTable struct {
	heads   map[int]*MethodInfo
	owner   map[int][]int // return jump -> heads returning through it
	ordered []*MethodInfo
}

func (t *methodTable) isHead(pc int) bool { return t.heads[pc] != nil }

// returnOf returns the single method the jump at pc returns from.
func (t *methodTable) returnOf(pc int) (*MethodInfo, bool, error) {
	owners := t.owner[pc]
	switch len(owners) {
	case 0:
		return nil, false, nil
	case 1:
		return t.heads[owners[0]], true, nil
	}
	return nil, false, errors.Wrapf(ErrUnsupportedCallingConvention, "jump at %#x returns from %d methods", pc, len(owners))
}

// findMethodHeads classifies every reachable JUMPDEST. A head is reached
// only from call jumps whose continuation is a JUMPDEST reached only from
// return jumps placed after the head.
func findMethodHeads(cfg *ControlFlowGraph, isReturn ReturnPredicate) *methodTable {
	stream := cfg.Stream()
	t := &methodTable{heads: make(map[int]*MethodInfo), owner: make(map[int][]int)}
	for _, head := range stream.JumpDests() {
		calls := cfg.Predecessors(head)
		if len(calls) == 0 {
			continue
		}
		ok := true
		for _, call := range calls {
			if !isCallSite(cfg, isReturn, head, call) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		m := &MethodInfo{Head: head, Label: fmt.Sprintf("%s%x", privateMethodPrefix, head)}
		for _, call := range calls {
			m.Calls = append(m.Calls, call)
			dest := stream.Next(call)
			m.ReturnDests = append(m.ReturnDests, dest)
			for _, ret := range cfg.Predecessors(dest) {
				if !slices.Contains(m.Returns, ret) {
					m.Returns = append(m.Returns, ret)
				}
			}
		}
		slices.Sort(m.Calls)
		slices.Sort(m.ReturnDests)
		m.ReturnDests = slices.Compact(m.ReturnDests)
		slices.Sort(m.Returns)
		t.heads[head] = m
		t.ordered = append(t.ordered, m)
		for _, ret := range m.Returns {
			t.owner[ret] = append(t.owner[ret], head)
		}
	}
	return t
}

func isCallSite(cfg *ControlFlowGraph, isReturn ReturnPredicate, head, call int) bool {
	stream := cfg.Stream()
	ins := stream.At(call)
	if ins == nil || ins.Op != JUMP || isReturn(stream, call) {
		return false
	}
	dest := stream.Next(call)
	if !stream.IsJumpDest(dest) || dest == head {
		return false
	}
	rets := cfg.Predecessors(dest)
	if len(rets) == 0 {
		return false
	}
	for _, ret := range rets {
		r := stream.At(ret)
		if r == nil || r.Op != JUMP || ret <= head || !isReturn(stream, ret) {
			return false
		}
	}
	return true
}

type callFrame struct {
	src  int // call jump
	head int
}

// arityDetector re-simulates the stack depth with an explicit call stack
// to find the number of arguments and return values of every method.
type arityDetector struct {
	cfg     *ControlFlowGraph
	stream  *InstructionStream
	methods *methodTable

	belongs    []int // offset -> method head, -1 when unvisited
	entryDepth map[int]int
	access     map[int]int // call stack size -> lowest accessed stack index
}

func newArityDetector(cfg *ControlFlowGraph, methods *methodTable) *arityDetector {
	d := &arityDetector{
		cfg:        cfg,
		stream:     cfg.Stream(),
		methods:    methods,
		belongs:    make([]int, cfg.Stream().Len()),
		entryDepth: map[int]int{0: 0},
		access:     map[int]int{0: 0},
	}
	for i := range d.belongs {
		d.belongs[i] = -1
	}
	return d
}

func detectArity(cfg *ControlFlowGraph, methods *methodTable) error {
	d := newArityDetector(cfg, methods)
	if err := d.detect(0, 0, nil); err != nil {
		return err
	}
	for _, m := range methods.ordered {
		if !m.known {
			DebugWarn("Method arity undetermined", "head", fmt.Sprintf("%#x", m.Head))
		}
	}
	return nil
}

func (d *arityDetector) current(cs []callFrame) int {
	if len(cs) == 0 {
		return 0
	}
	return cs[len(cs)-1].head
}

func (d *arityDetector) detect(pc, size int, cs []callFrame) error {
	if d.methods.isHead(pc) {
		if len(cs) == 0 || cs[len(cs)-1].head != pc {
			return errors.Wrapf(ErrUnsupportedCallingConvention, "method head %#x entered without a call", pc)
		}
		d.entryDepth[pc] = size
		d.access[len(cs)] = size
	}
	for ; pc >= 0; pc = d.stream.Next(pc) {
		raw := d.stream.At(pc)
		op := raw.Op
		cur := d.current(cs)

		if owner := d.belongs[pc]; owner != -1 {
			if owner != cur {
				return errors.Wrapf(ErrUnsupportedCallingConvention, "code at %#x is shared by methods %#x and %#x", pc, owner, cur)
			}
			if op == JUMPDEST {
				return nil
			}
			return errors.Wrapf(ErrUnsupportedCallingConvention, "code at %#x reached twice", pc)
		}
		d.belongs[pc] = cur

		ret, isReturn, err := d.methods.returnOf(pc)
		if err != nil {
			return err
		}
		if !op.IsInvalid() {
			pops, pushes := StackEffect(op)
			lowest := size - pops
			switch {
			case op.IsDup():
				lowest = size - op.DupDepth()
			case op.IsSwap(), op == JUMP && isReturn:
				// A callee never swaps an argument up to read it, and the
				// return jump consumes the return address below the arguments.
				lowest = size
			}
			if lowest < d.access[len(cs)] {
				d.access[len(cs)] = lowest
			}
			size += pushes - pops
		}

		switch {
		case op == JUMP && isReturn:
			if len(cs) == 0 {
				return errors.Wrapf(ErrUnsupportedCallingConvention, "return at %#x outside of a method", pc)
			}
			if cur != ret.Head {
				return errors.Wrapf(ErrUnsupportedCallingConvention, "return at %#x belongs to %#x, inside %#x", pc, ret.Head, cur)
			}
			entry := d.entryDepth[cur]
			args := entry - d.access[len(cs)]
			rets := size - entry + args + 1
			if ret.known && (ret.Args != args || ret.Rets != rets) {
				return errors.Wrapf(ErrUnsupportedCallingConvention, "method %#x returns with (%d,%d) and (%d,%d)",
					cur, ret.Args, ret.Rets, args, rets)
			}
			ret.Args, ret.Rets, ret.known = args, rets, true

			frame := cs[len(cs)-1]
			cs = cs[:len(cs)-1]
			cont := d.stream.Next(frame.src)
			if cont >= 0 && d.belongs[cont] == -1 {
				return d.detect(cont, size, slices.Clone(cs))
			}
			return nil

		case op == JUMP:
			targets := d.cfg.JumpTargets(pc)
			if len(targets) != 1 {
				return errors.Wrapf(ErrAmbiguousControlFlow, "jump at %#x has %d targets", pc, len(targets))
			}
			dest := targets[0]
			if IsSentinel(dest) {
				return nil
			}
			callee := d.methods.heads[dest]
			switch {
			case d.belongs[dest] != -1 && d.belongs[dest] != cur && callee == nil:
				return errors.Wrapf(ErrUnsupportedCallingConvention, "jump at %#x enters method %#x", pc, d.belongs[dest])
			case d.belongs[dest] == -1:
				next := slices.Clone(cs)
				if callee != nil {
					next = append(next, callFrame{src: pc, head: dest})
				}
				return d.detect(dest, size, next)
			case callee != nil:
				if !callee.known {
					return errors.Wrapf(ErrUnsupportedCallingConvention, "recursive call to %#x before its signature is known", dest)
				}
				size += callee.Rets - callee.Args - 1
				continue
			}
			return nil

		case op == JUMPI:
			targets := d.cfg.JumpTargets(pc)
			if len(targets) != 1 {
				return errors.Wrapf(ErrAmbiguousControlFlow, "conditional jump at %#x has %d targets", pc, len(targets))
			}
			dest := targets[0]
			if IsSentinel(dest) {
				continue
			}
			if d.belongs[dest] != -1 && d.belongs[dest] != cur {
				return errors.Wrapf(ErrUnsupportedCallingConvention, "conditional jump at %#x enters method %#x", pc, d.belongs[dest])
			}
			if d.belongs[dest] != -1 {
				continue
			}
			linear := pc + 1
			first := linear
			if len(cs) > 0 {
				rets := mapset.NewThreadUnsafeSet[int](d.methods.heads[cur].Returns...)
				if n, ok := d.cfg.QuickestJumpTowardsExit(pc, rets, d.methods.isHead); ok {
					first = n
				}
			}
			if first == dest {
				if err := d.detect(dest, size, slices.Clone(cs)); err != nil {
					return err
				}
				if d.belongs[linear] == -1 {
					return d.detect(linear, size, slices.Clone(cs))
				}
				return nil
			}
			if err := d.detect(linear, size, slices.Clone(cs)); err != nil {
				return err
			}
			if d.belongs[dest] == -1 {
				return d.detect(dest, size, slices.Clone(cs))
			}
			return nil

		case op.IsTerminal():
			return nil
		}
	}
	return nil
}
