package decompiler

import (
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// propagator runs constant propagation over a linked program.
type propagator struct {
	p         *Program
	processed map[InstrID]bool
	states    map[InstrID]*programState
	queue     []InstrID
	delayed   int
}

// propagateConstants computes the constant state and tags of every
// variable and records memory and storage reads as MemInputs.
func (p *Program) propagateConstants() error {
	if len(p.order) == 0 {
		return nil
	}
	pr := &propagator{
		p:         p,
		processed: make(map[InstrID]bool),
		states:    make(map[InstrID]*programState),
	}
	entry := p.order[0]
	pr.states[entry] = newProgramState()
	pr.queue = append(pr.queue, entry)
	for len(pr.queue) > 0 {
		id := pr.queue[0]
		pr.queue = pr.queue[1:]
		if pr.processed[id] {
			continue
		}
		st := pr.states[id]
		if st == nil {
			return errors.Wrapf(ErrMergeInconsistency, "no state for %s at %#x", p.instrs[id].Kind, p.instrs[id].Offset())
		}
		pr.run(id, st)
	}
	return p.resolveDependencies()
}

// hasUnprocessedPredecessor reports whether some path into the label
// has not been visited yet.
func (pr *propagator) hasUnprocessedPredecessor(ins *Instruction) bool {
	if ins.Prev != NoInstr && !pr.processed[ins.Prev] {
		return true
	}
	for _, src := range ins.In {
		if !pr.processed[src] {
			return true
		}
	}
	return false
}

// run processes the straight-line code starting at id.
func (pr *propagator) run(id InstrID, st *programState) {
	p := pr.p
	for ; id != NoInstr; id = p.instrs[id].Next {
		ins := p.instrs[id]
		if pr.processed[id] {
			return
		}
		if ins.Kind.IsLabel() {
			pending := pr.hasUnprocessedPredecessor(ins)
			if pending && pr.delayed <= len(pr.queue) {
				// wait for the other paths; keep what flowed in linearly
				pr.delayed++
				pr.queue = append(pr.queue, id)
				if c, ok := pr.states[id]; ok {
					if c != st {
						c.merge(st)
					}
				} else {
					pr.states[id] = st.copy()
				}
				return
			}
			pr.delayed = 0
			if c, ok := pr.states[id]; ok && c != st {
				st.merge(c)
			}
			if pending {
				v := p.NewVar()
				p.vars[v].SetAny()
				st.pollute(v)
			}
		}

		pr.applyWrites(ins, st)
		if pr.dependsOnUnprocessed(ins) {
			for _, o := range ins.Outputs {
				p.vars[o].SetAny()
			}
		} else if ins.Kind != KindMethodHead {
			p.evaluate(ins)
			pr.applyReads(ins, st)
		}
		pr.processed[id] = true

		if ins.Kind.IsBranch() && ins.Kind != KindMethodReturn {
			for _, dst := range ins.Out {
				pr.fork(ins, dst, st)
			}
		}
	}
}

// fork passes the state along a branch edge and binds invoke inputs to
// method arguments.
func (pr *propagator) fork(src *Instruction, dst InstrID, st *programState) {
	p := pr.p
	pr.queue = append(pr.queue, dst)
	if c, ok := pr.states[dst]; ok {
		c.merge(st)
	} else {
		pr.states[dst] = st.copy()
	}
	head := p.instrs[dst]
	if head.Kind != KindMethodHead || src.Kind != KindMethodInvoke {
		return
	}
	for i, in := range src.Inputs {
		if i >= len(head.Outputs) {
			break
		}
		from, to := p.vars[in], p.vars[head.Outputs[i]]
		switch from.State {
		case ConstValue:
			to.SetConstant(from.Value)
		case ConstAny:
			to.SetAny()
		}
		to.AddTags(from.Tags)
	}
}

func (pr *propagator) dependsOnUnprocessed(ins *Instruction) bool {
	for _, v := range ins.Inputs {
		if v == NoVar {
			continue
		}
		for _, dep := range pr.p.producers(ins, v) {
			if !pr.processed[dep] {
				return true
			}
		}
	}
	return false
}

// constWord returns the constant value of v as a word.
func (pr *propagator) constWord(v VarID) (*uint256.Int, bool) {
	x := pr.p.vars[v]
	if !x.HasConstant() {
		return nil, false
	}
	return toWord(x.Value), true
}

// callLayout returns the input and output memory operand positions of a
// call-family opcode.
func callLayout(op ByteCode) (inOff, outOff int, ok bool) {
	switch op {
	case CALL, CALLCODE:
		return 3, 5, true
	case DELEGATECALL, STATICCALL:
		return 2, 4, true
	}
	return 0, 0, false
}

// applyWrites updates the state for stores and call outputs.
func (pr *propagator) applyWrites(ins *Instruction, st *programState) {
	if ins.Kind != KindOp {
		return
	}
	p := pr.p
	switch ins.Op {
	case SSTORE:
		if key, ok := pr.constWord(ins.Inputs[0]); ok {
			st.storage[*key] = cell{v: ins.Inputs[1], size: 32}
		} else {
			st.polluteStorage(ins.Inputs[1])
		}
	case MSTORE, MSTORE8:
		size := 32
		if ins.Op == MSTORE8 {
			size = 1
		}
		if off, ok := pr.constWord(ins.Inputs[0]); ok {
			st.store(off, ins.Inputs[1], size)
			st.updateMsize(new(uint256.Int).AddUint64(off, uint64(size)))
		} else {
			st.polluteMemory(ins.Inputs[1])
			st.msize = -1
		}
	case CALL, CALLCODE, DELEGATECALL, STATICCALL:
		_, outPos, _ := callLayout(ins.Op)
		off, offOK := pr.constWord(ins.Inputs[outPos])
		size, sizeOK := pr.constWord(ins.Inputs[outPos+1])
		if sizeOK && size.IsZero() {
			return
		}
		if !offOK {
			v := p.NewVar()
			p.vars[v].SetAny()
			st.polluteMemory(v)
			st.msize = -1
			return
		}
		var end *uint256.Int
		if sizeOK {
			end = new(uint256.Int).Add(off, size)
			st.updateMsize(end)
		} else {
			st.msize = -1
		}
		st.clearRange(off, end)
	}
}

// applyReads completes the outputs of loads, hashes and msize and records
// the cells they read.
func (pr *propagator) applyReads(ins *Instruction, st *programState) {
	if ins.Kind != KindOp {
		return
	}
	p := pr.p
	switch ins.Op {
	case MLOAD:
		pr.load(ins, st.heap, st.heapPollution.ToSlice(), func(off *uint256.Int) []uint256.Int {
			return st.cellsIn(off, new(uint256.Int).AddUint64(off, 32))
		})
	case SLOAD:
		pr.load(ins, st.storage, st.storagePollution.ToSlice(), func(off *uint256.Int) []uint256.Int {
			if _, ok := st.storage[*off]; ok {
				return []uint256.Int{*off}
			}
			return nil
		})
	case MSIZE:
		if st.msize >= 0 {
			p.vars[ins.Outputs[0]].SetConstant(wordBytes(uint256.NewInt(uint64(st.msize))))
		} else {
			p.vars[ins.Outputs[0]].SetAny()
		}
	case KECCAK256:
		pr.hash(ins, st)
	case CALL, CALLCODE, DELEGATECALL, STATICCALL:
		inPos, _, _ := callLayout(ins.Op)
		off, offOK := pr.constWord(ins.Inputs[inPos])
		size, sizeOK := pr.constWord(ins.Inputs[inPos+1])
		if (sizeOK && size.IsZero()) || !offOK {
			return
		}
		var end *uint256.Int
		if sizeOK {
			end = new(uint256.Int).Add(off, size)
		}
		for _, k := range st.cellsIn(off, end) {
			pr.readCell(ins, st.heap[k].v)
		}
	}
}

// readCell records a cell read and carries its tags to the outputs.
func (pr *propagator) readCell(ins *Instruction, v VarID) {
	if containsVar(ins.MemInputs, v) {
		return
	}
	ins.MemInputs = append(ins.MemInputs, v)
	for _, o := range ins.Outputs {
		pr.p.vars[o].AddTags(pr.p.vars[v].Tags)
	}
}

// load reads the cells overlapping the word at a constant offset. The
// result is constant only when a single aligned word cell covers it.
func (pr *propagator) load(ins *Instruction, cells map[uint256.Int]cell, pollution []VarID, overlapping func(off *uint256.Int) []uint256.Int) {
	out := pr.p.vars[ins.Outputs[0]]
	constant := false
	if off, ok := pr.constWord(ins.Inputs[0]); ok {
		keys := overlapping(off)
		for _, k := range keys {
			pr.readCell(ins, cells[k].v)
		}
		if len(keys) == 1 && keys[0].Eq(off) && len(pollution) == 0 {
			c := cells[keys[0]]
			if src := pr.p.vars[c.v]; c.size == 32 && src.HasConstant() {
				out.SetConstant(src.Value)
				constant = out.HasConstant()
			}
		}
	} else {
		for _, k := range sortedKeys(cells) {
			pr.readCell(ins, cells[k].v)
		}
	}
	for _, v := range sortedVars(pollution) {
		pr.readCell(ins, v)
	}
	if !constant {
		out.SetAny()
	}
}

func (pr *propagator) hash(ins *Instruction, st *programState) {
	p := pr.p
	out := p.vars[ins.Outputs[0]]
	off, offOK := pr.constWord(ins.Inputs[0])
	size, sizeOK := pr.constWord(ins.Inputs[1])
	if !offOK {
		for _, k := range sortedKeys(st.heap) {
			pr.readCell(ins, st.heap[k].v)
		}
	} else {
		var end *uint256.Int
		if sizeOK {
			end = new(uint256.Int).Add(off, size)
		}
		keys := st.cellsIn(off, end)
		for _, k := range keys {
			v := st.heap[k].v
			pr.readCell(ins, v)
			if p.vars[v].HasConstant() {
				out.AddHashConstant(p.vars[v].Value)
			}
		}
		if sizeOK && st.heapPollution.Cardinality() == 0 {
			if preimage, ok := pr.preimage(off, size, keys, st); ok {
				out.SetConstant(crypto.Keccak256(preimage))
				return
			}
		}
	}
	for _, v := range sortedVars(st.heapPollution.ToSlice()) {
		pr.readCell(ins, v)
	}
	out.SetAny()
}

// maxPreimage bounds the hashed ranges folded to constants.
const maxPreimage = 1024

// preimage rebuilds the bytes of [off, off+size) when the range is
// covered exactly by word-aligned constant cells.
func (pr *propagator) preimage(off, size *uint256.Int, keys []uint256.Int, st *programState) ([]byte, bool) {
	if !size.IsUint64() || size.Uint64() > maxPreimage {
		return nil, false
	}
	n := size.Uint64()
	words := (n + 31) / 32
	if uint64(len(keys)) != words {
		return nil, false
	}
	buf := make([]byte, 0, words*32)
	for i, k := range keys {
		want := new(uint256.Int).AddUint64(off, uint64(i)*32)
		c := st.heap[k]
		if !k.Eq(want) || c.size != 32 || !pr.p.vars[c.v].HasConstant() {
			return nil, false
		}
		word := toWord(pr.p.vars[c.v].Value).Bytes32()
		buf = append(buf, word[:]...)
	}
	return buf[:n], true
}

func sortedVars(vs []VarID) []VarID {
	out := slices.Clone(vs)
	slices.Sort(out)
	return out
}
