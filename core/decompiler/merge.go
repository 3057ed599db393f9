package decompiler

import (
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
)

type edgeKind uint8

const (
	edgeTaken       edgeKind = iota // jump, conditional jump taken arm, return
	edgeFallthrough                 // linear flow into a label
)

// mergeKey identifies the edge reassignments are placed on.
type mergeKey struct {
	src  InstrID
	kind edgeKind
}

type assignment struct {
	dst VarID
	src VarID
}

type reassignment struct {
	key     mergeKey
	dest    int // label offset, -1 for returns
	assigns []assignment
}

// derivedVar allocates a fresh variable standing in for v.
func (d *destacker) derivedVar(v VarID) VarID {
	n := d.prog.NewVar()
	d.prog.Var(n).placeholder = d.prog.Var(v).placeholder
	return n
}

// undup replaces every repeated occurrence of a variable, bottom first, by
// a fresh one and returns the copies needed to initialize them.
func (d *destacker) undup(stack []VarID) ([]VarID, []assignment) {
	seen := make(map[VarID]bool, len(stack))
	out := make([]VarID, len(stack))
	var assigns []assignment
	for i, v := range stack {
		if seen[v] {
			n := d.derivedVar(v)
			out[i] = n
			assigns = append(assigns, assignment{dst: n, src: v})
			continue
		}
		seen[v] = true
		out[i] = v
	}
	return out, assigns
}

// establish fixes the canonical stack of the label at pc from the first
// branch that reaches it.
func (d *destacker) establish(pc int, stack []VarID, arrival mergeKey) ([]VarID, error) {
	stack, assigns := d.undup(stack)
	if d.fallback && len(d.sources[pc]) > 1 {
		bottom := make([]VarID, placeholderDepth, placeholderDepth+len(stack))
		for i := range bottom {
			bottom[i] = d.prog.NewVar()
			d.prog.Var(bottom[i]).placeholder = true
		}
		stack = append(bottom, stack...)
	}
	d.canonical[pc] = append([]VarID(nil), stack...)
	if len(assigns) > 0 && arrival.src == NoInstr {
		return nil, errors.Wrapf(ErrMergeInconsistency, "duplicate stack entries at entry label %#x", pc)
	}
	return stack, d.record(arrival, pc, assigns)
}

// merge maps the local stack of a branch entering the already destacked
// label dest onto its canonical stack.
func (d *destacker) merge(stack []VarID, key mergeKey, dest int) error {
	canon, ok := d.canonical[dest]
	if !ok {
		return errors.Wrapf(ErrMergeInconsistency, "label %#x destacked without a canonical stack", dest)
	}
	n := len(stack)
	if len(canon) != n {
		msg := fmt.Sprintf("stack size mismatch merging into %s: canonical %d, local %d", d.labels.name(dest), len(canon), len(stack))
		d.prog.Diagnostics = append(d.prog.Diagnostics, msg)
		log.Warn("Stack size mismatch at merge", "label", d.labels.name(dest), "canonical", len(canon), "local", len(stack))
		if len(canon) < n {
			n = len(canon)
		}
	}
	if n == 0 {
		return nil
	}
	assigned := make(map[VarID]bool, n)
	var assigns []assignment
	for i := 1; i <= n; i++ {
		local, c := stack[len(stack)-i], canon[len(canon)-i]
		if assigned[c] {
			return errors.Wrapf(ErrMergeInconsistency, "canonical variable %s of %s assigned twice", varName(c), d.labels.name(dest))
		}
		assigned[c] = true
		if local != c {
			assigns = append(assigns, assignment{dst: c, src: local})
		}
	}
	return d.record(key, dest, d.breakCycles(assigns))
}

// breakCycles routes every source that is overwritten before it is read
// through a temporary copied up front.
func (d *destacker) breakCycles(assigns []assignment) []assignment {
	written := make(map[VarID]bool, len(assigns))
	temps := make(map[VarID]VarID)
	var order []VarID
	for _, a := range assigns {
		if written[a.src] {
			if _, ok := temps[a.src]; !ok {
				temps[a.src] = d.derivedVar(a.src)
				order = append(order, a.src)
			}
		}
		written[a.dst] = true
	}
	if len(temps) == 0 {
		return assigns
	}
	out := make([]assignment, 0, len(assigns)+len(temps))
	for _, v := range order {
		out = append(out, assignment{dst: temps[v], src: v})
	}
	for _, a := range assigns {
		if t, ok := temps[a.src]; ok {
			a.src = t
		}
		out = append(out, a)
	}
	return out
}

func (d *destacker) record(key mergeKey, dest int, assigns []assignment) error {
	if len(assigns) == 0 {
		return nil
	}
	if d.merges[key] {
		return errors.Wrapf(ErrMergeInconsistency, "reassignments for instruction %d already exist", key.src)
	}
	d.merges[key] = true
	d.pending = append(d.pending, &reassignment{key: key, dest: dest, assigns: assigns})
	reassignCounter.Inc(int64(len(assigns)))
	return nil
}
