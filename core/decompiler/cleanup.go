package decompiler

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// buildOrder lists the reachable instructions method by method. Every
// entry starts a breadth-first walk over branches; calls and returns are
// not followed, their targets are entries of their own.
func (p *Program) buildOrder(entries []InstrID) error {
	processed := make(map[InstrID]bool)
	emitted := make(map[InstrID]bool)
	p.order = p.order[:0]
	for _, entry := range entries {
		queue := []InstrID{entry}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if processed[id] {
				continue
			}
			for ; id != NoInstr; id = p.instrs[id].Next {
				ins := p.instrs[id]
				if ins.Kind.IsLabel() {
					if processed[id] {
						break
					}
					processed[id] = true
				}
				if emitted[id] {
					return errors.Wrapf(ErrUnsupportedCallingConvention, "instruction %d at %#x ordered twice", id, ins.Offset())
				}
				emitted[id] = true
				p.order = append(p.order, id)
				if ins.Kind.IsBranch() && ins.Kind != KindMethodInvoke && ins.Kind != KindMethodReturn {
					queue = append(queue, ins.Out...)
				}
			}
		}
	}
	return nil
}

// removeFromOrder unlinks every ordered instruction matching drop.
func (p *Program) removeFromOrder(drop func(*Instruction) bool) bool {
	removed := false
	p.order = slices.DeleteFunc(p.order, func(id InstrID) bool {
		ins := p.instrs[id]
		if !drop(ins) {
			return false
		}
		p.unlink(id)
		removed = true
		return true
	})
	return removed
}

// cleanup removes stack shuffling, labels nobody jumps to and the jump
// target operands, then resolves dependencies and removes unused pure
// instructions.
func (p *Program) cleanup() error {
	p.removeFromOrder(func(ins *Instruction) bool { return ins.Kind == KindNoOp })
	p.removeFromOrder(func(ins *Instruction) bool { return ins.Kind == KindLabel && len(ins.In) == 0 })
	for _, id := range p.order {
		ins := p.instrs[id]
		if ins.IsVirtual() {
			continue
		}
		switch ins.Kind {
		case KindJump:
			ins.Inputs = nil
		case KindJumpI:
			if len(ins.Inputs) == 2 {
				ins.Inputs = ins.Inputs[1:]
			}
		}
	}
	if err := p.resolveDependencies(); err != nil {
		return err
	}
	p.removeUnused()
	return nil
}

// removable reports whether ins has no effect besides its outputs.
func removable(ins *Instruction) bool {
	switch ins.Kind {
	case KindAssign:
		return true
	case KindOp:
		return ins.Op.isPure() && len(ins.Outputs) > 0
	}
	return false
}

// removeUnused drops pure instructions whose results nobody depends on,
// until nothing changes. The last instruction of a chain stays.
func (p *Program) removeUnused() {
	for {
		used := make(map[InstrID]bool)
		for _, id := range p.order {
			for _, dep := range p.instrs[id].Deps {
				used[dep] = true
			}
		}
		removed := p.removeFromOrder(func(ins *Instruction) bool {
			return !used[ins.ID] && removable(ins) && ins.Next != NoInstr
		})
		if !removed {
			return
		}
	}
}
