package decompiler

import (
	"github.com/pkg/errors"
)

// link connects the destacked instructions in offset order, resolves
// branches to instructions and places the pending reassignments.
func (d *destacker) link() error {
	p := d.prog
	prev := NoInstr
	for pc, id := range d.instrs {
		if id == NoInstr {
			continue
		}
		seq := []InstrID{id}
		if c, ok := d.cascades[pc]; ok {
			seq = c
		}
		first := p.Instr(seq[0])
		if prev != NoInstr && !p.Instr(prev).IsTerminal() && first.Kind != KindMethodHead {
			p.link(prev, seq[0])
		}
		p.chain(seq...)
		prev = seq[len(seq)-1]

		ins := p.Instr(id)
		switch {
		case len(seq) > 1:
			for _, sid := range seq {
				if t, ok := d.cascadeTargets[sid]; ok {
					p.addBranch(sid, d.instrs[t])
				}
			}
		case ins.Kind == KindJump || ins.Kind == KindJumpI:
			for _, t := range d.cfg.JumpTargets(pc) {
				if IsSentinel(t) {
					continue
				}
				if d.instrs[t] == NoInstr {
					return errors.Wrapf(ErrMergeInconsistency, "jump at %#x targets %#x which was never destacked", pc, t)
				}
				p.addBranch(id, d.instrs[t])
			}
		case ins.Kind == KindMethodInvoke:
			head := d.cfg.JumpTargets(pc)[0]
			p.addBranch(id, d.instrs[head])
		}
	}

	for _, r := range d.pending {
		if err := d.inject(r); err != nil {
			return err
		}
	}
	return nil
}

// inject materializes one set of reassignments on its edge.
func (d *destacker) inject(r *reassignment) error {
	p := d.prog
	ids := make([]InstrID, len(r.assigns))
	for i, a := range r.assigns {
		ids[i] = p.newAssign(a.dst, a.src).ID
	}
	src := p.Instr(r.key.src)
	switch {
	case r.key.kind == edgeFallthrough:
		// src -> assignments -> label
		next := src.Next
		p.chain(append(append([]InstrID{src.ID}, ids...), next)...)

	case src.Kind == KindJump || src.Kind == KindMethodReturn:
		// prev -> assignments -> jump
		seq := append([]InstrID{}, ids...)
		seq = append(seq, src.ID)
		if src.Prev != NoInstr {
			seq = append([]InstrID{src.Prev}, seq...)
		}
		p.chain(seq...)

	case src.Kind == KindJumpI:
		// jumpi -> tmp label -> assignments -> jump -> label
		dest := d.instrs[r.dest]
		tmp := p.newInstr(KindLabel, JUMPDEST)
		tmp.Label = d.labels.fresh()
		p.removeBranch(src.ID, dest)
		p.addBranch(src.ID, tmp.ID)
		src.Label = tmp.Label

		j := p.newInstr(KindJump, JUMP)
		j.Label = p.Instr(dest).Label
		p.chain(append(append([]InstrID{tmp.ID}, ids...), j.ID)...)
		p.addBranch(j.ID, dest)

	default:
		return errors.Wrapf(ErrMergeInconsistency, "cannot place reassignments after %s", src.Kind)
	}
	return nil
}
