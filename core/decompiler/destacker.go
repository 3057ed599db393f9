package decompiler

import (
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// placeholderDepth is the number of placeholder variables put under the
// canonical stack of a join label in fallback mode.
const placeholderDepth = 20

// destacker replaces the operand stack by variables, branch by branch.
type destacker struct {
	prog     *Program
	cfg      *ControlFlowGraph
	stream   *InstructionStream
	labels   *labelTable
	methods  *methodTable // nil in fallback mode
	fallback bool

	instrs         []InstrID         // offset -> instruction
	cascades       map[int][]InstrID // dynamic jump offset -> replacement
	cascadeTargets map[InstrID]int
	sources        map[int][]int // label offset -> explicit jump sources
	canonical      map[int][]VarID

	merges  map[mergeKey]bool
	pending []*reassignment

	args map[int][]VarID // head -> arguments, top of stack first
	rets map[int][]VarID // head -> return variables, top of stack first
}

func newDestacker(cfg *ControlFlowGraph, labels *labelTable, methods *methodTable) *destacker {
	stream := cfg.Stream()
	d := &destacker{
		prog:           newProgram(),
		cfg:            cfg,
		stream:         stream,
		labels:         labels,
		methods:        methods,
		fallback:       methods == nil,
		instrs:         make([]InstrID, stream.Len()),
		cascades:       make(map[int][]InstrID),
		cascadeTargets: make(map[InstrID]int),
		sources:        make(map[int][]int),
		canonical:      make(map[int][]VarID),
		merges:         make(map[mergeKey]bool),
		args:           make(map[int][]VarID),
		rets:           make(map[int][]VarID),
	}
	for i := range d.instrs {
		d.instrs[i] = NoInstr
	}
	for _, pc := range stream.Instructions() {
		for _, dest := range cfg.JumpTargets(pc.Offset) {
			if !IsSentinel(dest) {
				d.sources[dest] = append(d.sources[dest], pc.Offset)
			}
		}
	}
	return d
}

// run destacks the whole program starting at offset 0.
func (d *destacker) run() (*Program, error) {
	if err := d.walk(0, nil, 0, mergeKey{src: NoInstr}); err != nil {
		return nil, err
	}
	if err := d.link(); err != nil {
		return nil, err
	}
	if d.methods != nil {
		for _, m := range d.methods.ordered {
			d.prog.methods = append(d.prog.methods, m)
			d.prog.byLabel[m.Label] = m
		}
	}
	d.prog.Fallback = d.fallback
	return d.prog, nil
}

func (d *destacker) isHead(pc int) bool {
	return d.methods != nil && d.methods.isHead(pc)
}

// peek returns the n topmost variables, top first.
func peek(stack []VarID, n int) []VarID {
	out := make([]VarID, n)
	for i := range out {
		out[i] = stack[len(stack)-1-i]
	}
	return out
}

func (d *destacker) underflow(pc, method int) error {
	if method != 0 {
		return errors.Wrapf(ErrUnsupportedCallingConvention, "stack underflow at %#x inside method %#x", pc, method)
	}
	return errors.Wrapf(ErrMalformedBytecode, "stack underflow at %#x", pc)
}

// apply creates the instruction for raw and applies its stack effect.
func (d *destacker) apply(raw *RawInstruction, stack []VarID, method int) (*Instruction, []VarID, error) {
	op := raw.Op
	switch {
	case op.IsDup():
		n := op.DupDepth()
		if len(stack) < n {
			return nil, nil, d.underflow(raw.Offset, method)
		}
		ins := d.prog.newInstr(KindNoOp, op)
		ins.Raw = raw
		return ins, append(stack, stack[len(stack)-n]), nil
	case op.IsSwap():
		n := op.SwapDepth()
		if len(stack) < n+1 {
			return nil, nil, d.underflow(raw.Offset, method)
		}
		ins := d.prog.newInstr(KindNoOp, op)
		ins.Raw = raw
		top := len(stack) - 1
		stack[top], stack[top-n] = stack[top-n], stack[top]
		return ins, stack, nil
	case op == POP:
		if len(stack) < 1 {
			return nil, nil, d.underflow(raw.Offset, method)
		}
		ins := d.prog.newInstr(KindNoOp, op)
		ins.Raw = raw
		return ins, stack[:len(stack)-1], nil
	}

	kind := KindOp
	switch op {
	case JUMP:
		kind = KindJump
	case JUMPI:
		kind = KindJumpI
	case JUMPDEST:
		kind = KindLabel
	}
	ins := d.prog.newInstr(kind, op)
	ins.Raw = raw
	if op.IsPush() {
		ins.Data = raw.Data
	}
	if kind == KindLabel {
		ins.Label = d.labels.name(raw.Offset)
	}
	pops, pushes := 0, 0
	if !op.IsInvalid() {
		pops, pushes = StackEffect(op)
	}
	if len(stack) < pops {
		return nil, nil, d.underflow(raw.Offset, method)
	}
	if pops > 0 {
		ins.Inputs = peek(stack, pops)
		stack = stack[:len(stack)-pops]
	}
	if pushes > 0 {
		ins.Outputs = d.prog.newVars(pushes)
		for i := pushes - 1; i >= 0; i-- {
			stack = append(stack, ins.Outputs[i])
		}
	}
	return ins, stack, nil
}

// walk destacks one branch. arrival identifies the edge the branch was
// entered through, it receives the reassignments that un-duplicate the
// canonical stack of a starting label.
func (d *destacker) walk(start int, stack []VarID, method int, arrival mergeKey) error {
	for pc := start; pc >= 0; pc = d.stream.Next(pc) {
		raw := d.stream.At(pc)
		if d.instrs[pc] != NoInstr {
			prev := d.stream.Prev(pc)
			if pc != start && raw.Op == JUMPDEST && prev >= 0 && d.stream.At(prev).Op != JUMP {
				return d.merge(stack, mergeKey{src: d.tail(prev), kind: edgeFallthrough}, pc)
			}
			return errors.Wrapf(ErrUnsupportedCallingConvention, "instruction at %#x already processed", pc)
		}
		if pc != start {
			arrival = mergeKey{src: d.tail(d.stream.Prev(pc)), kind: edgeFallthrough}
		}

		ins, next, err := d.apply(raw, stack, method)
		if err != nil {
			return err
		}
		stack = next
		d.instrs[pc] = ins.ID

		switch {
		case raw.Op == JUMP:
			after, cont, err := d.jump(pc, ins, stack, method)
			if err != nil || !cont {
				return err
			}
			stack = after

		case raw.Op == JUMPI:
			if err := d.jumpi(pc, ins, stack, method); err != nil {
				return err
			}

		case raw.Op.IsTerminal():
			return nil

		case raw.Op == JUMPDEST && d.isHead(pc):
			m := d.methods.heads[pc]
			ins.Kind = KindMethodHead
			ins.Label = m.Label
			ins.Outputs = d.args[pc]

		case raw.Op == JUMPDEST:
			if _, ok := d.canonical[pc]; !ok {
				if stack, err = d.establish(pc, stack, arrival); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// tail returns the last instruction emitted for the offset pc.
func (d *destacker) tail(pc int) InstrID {
	if seq, ok := d.cascades[pc]; ok {
		return seq[len(seq)-1]
	}
	return d.instrs[pc]
}

// follow enters dest from src, or merges into it when already destacked.
func (d *destacker) follow(src InstrID, dest int, stack []VarID, method int) error {
	key := mergeKey{src: src, kind: edgeTaken}
	if d.instrs[dest] == NoInstr {
		return d.walk(dest, slices.Clone(stack), method, key)
	}
	return d.merge(stack, key, dest)
}

// jump handles an unconditional jump. It reports whether the branch
// continues linearly, which is the case for method calls.
func (d *destacker) jump(pc int, ins *Instruction, stack []VarID, method int) ([]VarID, bool, error) {
	if d.methods != nil {
		m, ok, err := d.methods.returnOf(pc)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return nil, false, d.methodReturn(ins, m, stack, method)
		}
	}
	targets := d.cfg.JumpTargets(pc)
	if len(targets) != 1 {
		if !d.fallback {
			return nil, false, errors.Wrapf(ErrAmbiguousControlFlow, "jump at %#x has %d targets", pc, len(targets))
		}
		return nil, false, d.cascade(pc, ins, stack)
	}
	dest := targets[0]
	if dest == ErrorNode {
		// A jump to a non-jumpdest always throws.
		ins.Kind = KindOp
		ins.Op = INVALID
		ins.Inputs = nil
		return nil, false, nil
	}
	if d.isHead(dest) {
		stack, err := d.call(pc, ins, stack, dest)
		return stack, err == nil, err
	}
	ins.Label = d.labels.name(dest)
	return nil, false, d.follow(ins.ID, dest, stack, method)
}

func (d *destacker) jumpi(pc int, ins *Instruction, stack []VarID, method int) error {
	targets := d.cfg.JumpTargets(pc)
	if len(targets) != 1 {
		return errors.Wrapf(ErrAmbiguousControlFlow, "conditional jump at %#x has %d targets", pc, len(targets))
	}
	dest := targets[0]
	ins.Label = d.labels.name(dest)
	if IsSentinel(dest) {
		return nil
	}
	if dest == d.stream.Next(pc) {
		msg := fmt.Sprintf("conditional jump at %#x branches to its own fallthrough %s", pc, d.labels.name(dest))
		d.prog.Diagnostics = append(d.prog.Diagnostics, msg)
		log.Warn("Conditional jump with identical arms", "pc", pc, "label", d.labels.name(dest))
	}
	if d.isHead(dest) {
		return errors.Wrapf(ErrUnsupportedCallingConvention, "conditional jump at %#x calls %#x", pc, dest)
	}
	return d.follow(ins.ID, dest, stack, method)
}

// call turns the jump at pc into an invocation of head. The callee body is
// destacked once, on a stack holding only the return address and fresh
// argument variables.
func (d *destacker) call(pc int, ins *Instruction, stack []VarID, head int) ([]VarID, error) {
	m := d.methods.heads[head]
	if len(stack) < m.Args+1 {
		return nil, errors.Wrapf(ErrUnsupportedCallingConvention, "call at %#x passes %d of %d arguments", pc, len(stack)-1, m.Args)
	}
	if _, done := d.args[head]; !done {
		sub := []VarID{stack[len(stack)-m.Args-1]}
		sub = append(sub, d.prog.newVars(m.Args)...)
		d.args[head] = peek(sub, m.Args)
		if err := d.walk(head, sub, head, mergeKey{src: NoInstr}); err != nil {
			return nil, err
		}
	}
	next := d.stream.Next(pc)
	if !d.stream.IsJumpDest(next) {
		return nil, errors.Wrapf(ErrUnsupportedCallingConvention, "call at %#x is not followed by a jumpdest", pc)
	}
	for _, src := range d.sources[next] {
		if len(d.methods.owner[src]) == 0 {
			return nil, errors.Wrapf(ErrUnsupportedCallingConvention, "return destination %#x is reached by the jump at %#x", next, src)
		}
	}

	ins.Kind = KindMethodInvoke
	ins.Label = m.Label
	ins.Inputs = peek(stack, m.Args)
	stack = stack[:len(stack)-m.Args-1]
	ins.Outputs = d.prog.newVars(m.Rets)
	for i := m.Rets - 1; i >= 0; i-- {
		stack = append(stack, ins.Outputs[i])
	}
	return stack, nil
}

// methodReturn turns a return jump into a MethodReturn. The first return
// of a method fixes its return variables, later ones are reassigned onto
// them.
func (d *destacker) methodReturn(ins *Instruction, m *MethodInfo, stack []VarID, method int) error {
	if method != m.Head {
		return errors.Wrapf(ErrUnsupportedCallingConvention, "return at %#x reached outside of method %#x", ins.Offset(), m.Head)
	}
	if len(stack) < m.Rets {
		return errors.Wrapf(ErrUnsupportedCallingConvention, "return at %#x has %d of %d values", ins.Offset(), len(stack), m.Rets)
	}
	ins.Kind = KindMethodReturn
	ins.Label = m.Label
	key := mergeKey{src: ins.ID, kind: edgeTaken}
	vals := peek(stack, m.Rets)
	first, ok := d.rets[m.Head]
	if !ok {
		vals, assigns := d.undup(vals)
		d.rets[m.Head] = vals
		ins.Inputs = vals
		return d.record(key, -1, assigns)
	}
	ins.Inputs = first
	var assigns []assignment
	for i, v := range vals {
		if v != first[i] {
			assigns = append(assigns, assignment{dst: first[i], src: v})
		}
	}
	return d.record(key, -1, d.breakCycles(assigns))
}

// cascade materializes a jump with several targets as a sequence of
// equality tests, one conditional jump per target, ending in a trap.
func (d *destacker) cascade(pc int, ins *Instruction, stack []VarID) error {
	jumpVar := ins.Inputs[0]
	targets := slices.Clone(d.cfg.JumpTargets(pc))
	slices.Sort(targets)
	var seq []InstrID
	comment := fmt.Sprintf("dynamic jump at %#x", pc)
	for _, t := range targets {
		if IsSentinel(t) {
			continue
		}
		data := offsetBytes(t)
		push := d.prog.newInstr(KindOp, PUSH1+ByteCode(len(data)-1))
		push.Data = data
		push.Outputs = d.prog.newVars(1)
		push.Comment = comment

		eq := d.prog.newInstr(KindOp, EQ)
		eq.Inputs = []VarID{jumpVar, push.Outputs[0]}
		eq.Outputs = d.prog.newVars(1)

		ji := d.prog.newInstr(KindJumpI, JUMPI)
		ji.Inputs = []VarID{eq.Outputs[0]}
		ji.Label = d.labels.name(t)
		d.cascadeTargets[ji.ID] = t

		seq = append(seq, push.ID, eq.ID, ji.ID)
		if err := d.follow(ji.ID, t, stack, 0); err != nil {
			return err
		}
	}
	trap := d.prog.newInstr(KindOp, INVALID)
	trap.Comment = comment
	d.cascades[pc] = append(seq, trap.ID)
	return nil
}

// offsetBytes encodes a code offset as a minimal big-endian immediate.
func offsetBytes(off int) []byte {
	var out []byte
	for v := off; v > 0; v >>= 8 {
		out = append([]byte{byte(v)}, out...)
	}
	if len(out) == 0 {
		out = []byte{0}
	}
	return out
}
