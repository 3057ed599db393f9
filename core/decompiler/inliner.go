package decompiler

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// inliner splices copies of method bodies over their invocations.
type inliner struct {
	p      *Program
	bodies map[string][]InstrID // head label -> ordered body, head first
	heads  map[string]InstrID
	copies int // numbers the labels of every copied body
}

// inline replaces every non-recursive method invocation by a copy of the
// invoked body. Method bodies themselves are kept.
func (p *Program) inline() error {
	parts := p.Methods()
	if len(parts) == 0 || (len(parts) == 1 && parts[0].Head == NoInstr) {
		return nil
	}
	in := &inliner{p: p, bodies: make(map[string][]InstrID), heads: make(map[string]InstrID)}
	for _, part := range parts {
		if part.Head != NoInstr {
			in.bodies[part.Label] = part.Instrs
			in.heads[part.Label] = part.Head
		}
	}
	// Copies are taken from the untouched bodies before any call site is
	// replaced.
	plans := make([][]splice, len(parts))
	for i, part := range parts {
		var stack []string
		if part.Head != NoInstr {
			stack = []string{part.Label}
		}
		plans[i] = in.collect(part.Instrs, stack)
	}
	var order []InstrID
	for i, part := range parts {
		order = append(order, in.apply(slices.Clone(part.Instrs), plans[i])...)
	}
	p.order = order
	p.Inlined = true
	if err := p.resolveDependencies(); err != nil {
		return err
	}
	// Return addresses pushed for the replaced calls are dead now.
	p.removeUnused()
	DebugInfo("Methods inlined", "methods", len(in.bodies), "instructions", len(p.order))
	return nil
}

type splice struct {
	call        InstrID
	copied      []InstrID
	entry, exit InstrID
}

// collect copies the bodies of all inlinable invocations in body.
func (in *inliner) collect(body []InstrID, callstack []string) []splice {
	var out []splice
	for _, id := range body {
		call := in.p.instrs[id]
		if call.Kind != KindMethodInvoke {
			continue
		}
		if copied, entry, exit, ok := in.copyBody(call, callstack); ok {
			out = append(out, splice{call: id, copied: copied, entry: entry, exit: exit})
		}
	}
	return out
}

// apply replaces the invocations in body by their copies.
func (in *inliner) apply(body []InstrID, splices []splice) []InstrID {
	p := in.p
	for _, s := range splices {
		call := p.instrs[s.call]
		i := slices.Index(body, s.call)
		prev, next := call.Prev, call.Next
		p.removeBranch(call.ID, in.heads[call.Label])
		call.Prev, call.Next = NoInstr, NoInstr
		body = slices.Replace(body, i, i+1, s.copied...)
		if s.entry == NoInstr {
			p.link(prev, next)
		} else {
			p.link(prev, s.entry)
			p.link(s.exit, next)
		}
		switch len(s.copied) {
		case 0:
		case 1:
			p.instrs[s.copied[0]].Comment = "inlined method " + call.Label
		default:
			p.instrs[s.copied[0]].Comment = "start of inlined method " + call.Label
			p.instrs[s.copied[len(s.copied)-1]].Comment = "end of inlined method " + call.Label
		}
	}
	return body
}

// copyBody clones the body invoked by call with its variables renamed and
// its returns rewritten. It reports false for recursive invocations. entry
// and exit are the first and last instruction of the copy on the linear
// path through the call site, NoInstr when the copy is empty there.
func (in *inliner) copyBody(call *Instruction, callstack []string) (copied []InstrID, entry, exit InstrID, ok bool) {
	p := in.p
	label := call.Label
	body, known := in.bodies[label]
	if !known || slices.Contains(callstack, label) {
		DebugInfo("Method not inlined", "method", label, "recursive", known)
		return nil, NoInstr, NoInstr, false
	}
	callstack = append(slices.Clone(callstack), label)
	in.copies++
	n := in.copies

	head := p.instrs[body[0]]
	rename := make(map[VarID]VarID)
	for i, v := range head.Outputs {
		rename[v] = call.Inputs[i]
	}
	var returns int
	for _, id := range body {
		if p.instrs[id].Kind == KindMethodReturn {
			returns++
		}
	}
	simple := returns == 1 && p.instrs[body[len(body)-1]].Kind == KindMethodReturn
	var tail []assignment
	if simple {
		for i, v := range p.instrs[body[len(body)-1]].Inputs {
			if _, taken := rename[v]; taken {
				tail = append(tail, assignment{dst: call.Outputs[i], src: rename[v]})
				continue
			}
			rename[v] = call.Outputs[i]
		}
	}
	translate := func(vars []VarID) []VarID {
		if vars == nil {
			return nil
		}
		out := make([]VarID, len(vars))
		for i, v := range vars {
			n, ok := rename[v]
			if !ok {
				n = p.NewVar()
				rename[v] = n
			}
			out[i] = n
		}
		return out
	}

	copies := make(map[InstrID]InstrID, len(body))
	copied = make([]InstrID, 0, len(body))
	for _, id := range body {
		c := p.clone(p.instrs[id])
		c.Inputs = translate(c.Inputs)
		c.Outputs = translate(c.Outputs)
		c.MemInputs = translate(c.MemInputs)
		if c.Kind == KindLabel {
			c.Label = fmt.Sprintf("%s__%d", c.Label, n)
		}
		copies[id] = c.ID
		copied = append(copied, c.ID)
	}
	mapped := func(id InstrID) InstrID {
		if c, ok := copies[id]; ok {
			return c
		}
		return NoInstr
	}
	for _, id := range body {
		orig, c := p.instrs[id], p.instrs[copies[id]]
		c.Prev, c.Next = mapped(orig.Prev), mapped(orig.Next)
		switch c.Kind {
		case KindMethodInvoke:
			for _, dst := range orig.Out {
				p.addBranch(c.ID, dst)
			}
		case KindJump, KindJumpI:
			for _, dst := range orig.Out {
				if m := mapped(dst); m != NoInstr {
					p.addBranch(c.ID, m)
					c.Label = p.instrs[m].Label
				}
			}
		}
	}

	// Nested calls first, the returns still mark the method exits.
	copied = in.apply(copied, in.collect(copied, callstack))
	headCopy := copied[0]

	if simple {
		ret := p.instrs[copied[len(copied)-1]]
		copied = copied[:len(copied)-1]
		last := ret.Prev
		p.unlink(ret.ID)
		for _, a := range tail {
			as := p.newAssign(a.dst, a.src)
			p.link(last, as.ID)
			copied = append(copied, as.ID)
			last = as.ID
		}
		if last != headCopy {
			exit = last
		}
	} else {
		end := p.newInstr(KindLabel, JUMPDEST)
		end.Label = fmt.Sprintf("end_of_%s__%d", label, n)
		for i := 0; i < len(copied); i++ {
			ret := p.instrs[copied[i]]
			if ret.Kind != KindMethodReturn {
				continue
			}
			var seq []InstrID
			for j, v := range ret.Inputs {
				if call.Outputs[j] != v {
					seq = append(seq, p.newAssign(call.Outputs[j], v).ID)
				}
			}
			jump := p.newInstr(KindJump, JUMP)
			jump.Label = end.Label
			p.addBranch(jump.ID, end.ID)
			seq = append(seq, jump.ID)
			prev := ret.Prev
			p.unlink(ret.ID)
			if prev != NoInstr {
				p.chain(append([]InstrID{prev}, seq...)...)
			} else {
				p.chain(seq...)
			}
			copied = slices.Replace(copied, i, i+1, seq...)
			i += len(seq) - 1
		}
		copied = append(copied, end.ID)
		exit = end.ID
	}

	entry = p.instrs[headCopy].Next
	if entry == NoInstr {
		entry = exit
	} else {
		p.instrs[entry].Prev = NoInstr
	}
	p.instrs[headCopy].Next = NoInstr
	return copied[1:], entry, exit, true
}

// clone allocates a copy of ins without links and dependencies.
func (p *Program) clone(ins *Instruction) *Instruction {
	c := p.newInstr(ins.Kind, ins.Op)
	id := c.ID
	*c = *ins
	c.ID = id
	c.Prev, c.Next = NoInstr, NoInstr
	c.In, c.Out, c.Deps = nil, nil, nil
	c.Inputs = slices.Clone(ins.Inputs)
	c.Outputs = slices.Clone(ins.Outputs)
	c.MemInputs = slices.Clone(ins.MemInputs)
	return c
}
