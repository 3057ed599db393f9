package decompiler

import (
	"github.com/pkg/errors"
)

// producers searches backwards from ins for the instructions defining v.
// The search follows prev links and the incoming branches of labels and
// stops at method heads; every path ends at its first producer.
func (p *Program) producers(ins *Instruction, v VarID) []InstrID {
	var (
		found []InstrID
		queue []InstrID
		seen  = make(map[InstrID]bool)
	)
	cur := ins.Prev
	for {
		if cur == NoInstr {
			if len(queue) == 0 {
				return found
			}
			cur, queue = queue[0], queue[1:]
		}
		if seen[cur] {
			cur = NoInstr
			continue
		}
		seen[cur] = true
		c := p.instrs[cur]
		if containsVar(c.Outputs, v) {
			found = append(found, cur)
			cur = NoInstr
			continue
		}
		if c.Kind == KindLabel {
			queue = append(queue, c.In...)
		}
		cur = c.Prev
	}
}

func containsVar(vars []VarID, v VarID) bool {
	for _, x := range vars {
		if x == v {
			return true
		}
	}
	return false
}

// resolveDependencies recomputes Deps of every ordered instruction. In
// fallback mode, reassignments reading a placeholder that was never
// defined are pruned first. Memory inputs may stay unresolved since
// pollution values have no producer.
func (p *Program) resolveDependencies() error {
	if p.Fallback {
		for {
			pruned := p.removeFromOrder(func(ins *Instruction) bool {
				if ins.Kind != KindAssign {
					return false
				}
				v := ins.Inputs[0]
				return p.vars[v].placeholder && len(p.producers(ins, v)) == 0
			})
			if !pruned {
				break
			}
		}
	}
	for _, id := range p.order {
		ins := p.instrs[id]
		ins.Deps = ins.Deps[:0]
		for i, list := range [][]VarID{ins.Inputs, ins.MemInputs} {
			for _, v := range list {
				if v == NoVar {
					continue
				}
				deps := p.producers(ins, v)
				if len(deps) == 0 && i == 0 {
					return errors.Wrapf(ErrMergeInconsistency, "%s at %#x reads %s which is never defined",
						ins.Kind, ins.Offset(), varName(v))
				}
				for _, dep := range deps {
					p.addDep(id, dep)
				}
			}
		}
	}
	return nil
}
