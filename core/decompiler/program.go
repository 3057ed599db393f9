package decompiler

import (
	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/exp/slices"
)

// InstrID is the handle of an Instruction inside a Program.
type InstrID int32

// NoInstr marks an absent instruction link.
const NoInstr InstrID = -1

// Kind discriminates the instruction variants.
type Kind uint8

const (
	KindOp           Kind = iota // ordinary opcode
	KindJump                     // unconditional jump
	KindJumpI                    // conditional jump, input is the condition
	KindLabel                    // jump destination
	KindMethodHead               // method entry, outputs are the arguments
	KindMethodInvoke             // call, inputs are arguments, outputs are returns
	KindMethodReturn             // return, inputs are the returned values
	KindAssign                   // forced copy at a merge point
	KindNoOp                     // stack shuffling without effect
)

var kindNames = [...]string{"op", "jump", "jumpi", "label", "head", "invoke", "return", "assign", "nop"}

func (k Kind) String() string { return kindNames[k] }

// IsBranch reports whether the kind carries incoming or outgoing branches.
func (k Kind) IsBranch() bool {
	switch k {
	case KindJump, KindJumpI, KindLabel, KindMethodHead, KindMethodInvoke, KindMethodReturn:
		return true
	}
	return false
}

// IsLabel reports whether the kind is a jump destination.
func (k Kind) IsLabel() bool { return k == KindLabel || k == KindMethodHead }

// Instruction is one IR node.
type Instruction struct {
	ID   InstrID
	Kind Kind
	Op   ByteCode        // opcode for KindOp, the originating opcode otherwise
	Raw  *RawInstruction // nil for synthesized instructions

	// Label is the own name of labels and heads and the target name of
	// jumps and invokes.
	Label string
	Data  []byte // push immediate

	Inputs    []VarID
	Outputs   []VarID
	MemInputs []VarID   // memory and storage cells read, filled by constant propagation
	Deps      []InstrID // producers of the inputs

	Prev InstrID
	Next InstrID
	In   []InstrID // incoming branches of labels
	Out  []InstrID // outgoing branches of jumps and invokes

	Comment string
}

// IsVirtual reports whether the instruction has no bytecode counterpart.
func (ins *Instruction) IsVirtual() bool { return ins.Raw == nil }

// Offset returns the bytecode offset, or -1 for synthesized instructions.
func (ins *Instruction) Offset() int {
	if ins.Raw == nil {
		return -1
	}
	return ins.Raw.Offset
}

// IsTerminal reports whether control never falls through.
func (ins *Instruction) IsTerminal() bool {
	switch ins.Kind {
	case KindJump, KindMethodReturn:
		return true
	case KindOp:
		return ins.Op.IsTerminal()
	}
	return false
}

// Program is the decompiled IR. Variables and instructions live in arenas
// and reference each other through handles.
type Program struct {
	vars   []*Variable
	instrs []*Instruction
	order  []InstrID

	methods  []*MethodInfo
	byLabel  map[string]*MethodInfo
	Fallback bool // produced without method detection
	Inlined  bool

	// Diagnostics collects tolerated inconsistencies, e.g. merges of stacks
	// with different sizes.
	Diagnostics []string
}

func newProgram() *Program {
	return &Program{byLabel: make(map[string]*MethodInfo)}
}

// NewVar allocates a fresh variable.
func (p *Program) NewVar() VarID {
	id := VarID(len(p.vars))
	p.vars = append(p.vars, &Variable{ID: id, Tags: mapset.NewThreadUnsafeSet[Tag]()})
	return id
}

func (p *Program) newVars(n int) []VarID {
	out := make([]VarID, n)
	for i := range out {
		out[i] = p.NewVar()
	}
	return out
}

// Var returns the variable behind a handle.
func (p *Program) Var(id VarID) *Variable { return p.vars[id] }

// NumVars returns the number of allocated variables.
func (p *Program) NumVars() int { return len(p.vars) }

func (p *Program) newInstr(kind Kind, op ByteCode) *Instruction {
	ins := &Instruction{ID: InstrID(len(p.instrs)), Kind: kind, Op: op, Prev: NoInstr, Next: NoInstr}
	p.instrs = append(p.instrs, ins)
	return ins
}

func (p *Program) newAssign(dst, src VarID) *Instruction {
	ins := p.newInstr(KindAssign, 0)
	ins.Inputs = []VarID{src}
	ins.Outputs = []VarID{dst}
	return ins
}

// Instr returns the instruction behind a handle.
func (p *Program) Instr(id InstrID) *Instruction { return p.instrs[id] }

// Order returns the reachable instructions grouped by method, entry first.
func (p *Program) Order() []InstrID { return p.order }

// Instructions returns the ordered instructions.
func (p *Program) Instructions() []*Instruction {
	out := make([]*Instruction, len(p.order))
	for i, id := range p.order {
		out[i] = p.instrs[id]
	}
	return out
}

// MethodInfos returns the detected methods ordered by head offset.
func (p *Program) MethodInfos() []*MethodInfo { return p.methods }

// MethodByLabel returns the method whose head carries label.
func (p *Program) MethodByLabel(label string) *MethodInfo { return p.byLabel[label] }

// MethodBody is the slice of the ordered instructions belonging to one
// method. The entry code has Head == NoInstr.
type MethodBody struct {
	Head   InstrID
	Label  string
	Instrs []InstrID
}

// Methods splits the ordered instructions at method heads.
func (p *Program) Methods() []MethodBody {
	var out []MethodBody
	cur := MethodBody{Head: NoInstr}
	for _, id := range p.order {
		ins := p.instrs[id]
		if ins.Kind == KindMethodHead {
			if cur.Head != NoInstr || len(cur.Instrs) > 0 {
				out = append(out, cur)
			}
			cur = MethodBody{Head: id, Label: ins.Label}
		}
		cur.Instrs = append(cur.Instrs, id)
	}
	if cur.Head != NoInstr || len(cur.Instrs) > 0 {
		out = append(out, cur)
	}
	return out
}

// ExpectedArity returns the number of inputs and outputs the kind (and
// opcode) of ins declares.
func (p *Program) ExpectedArity(ins *Instruction) (in, out int) {
	switch ins.Kind {
	case KindOp:
		if ins.Op.IsInvalid() {
			return 0, 0
		}
		return StackEffect(ins.Op)
	case KindJumpI:
		return 1, 0
	case KindAssign:
		return 1, 1
	case KindMethodHead:
		if m := p.byLabel[ins.Label]; m != nil {
			return 0, m.Args
		}
	case KindMethodInvoke:
		if m := p.byLabel[ins.Label]; m != nil {
			return m.Args, m.Rets
		}
	case KindMethodReturn:
		if m := p.byLabel[ins.Label]; m != nil {
			return m.Rets, 0
		}
	}
	return 0, 0
}

func (p *Program) link(a, b InstrID) {
	if a != NoInstr {
		p.instrs[a].Next = b
	}
	if b != NoInstr {
		p.instrs[b].Prev = a
	}
}

// chain links ids in sequence.
func (p *Program) chain(ids ...InstrID) {
	for i := 1; i < len(ids); i++ {
		p.link(ids[i-1], ids[i])
	}
}

// unlink splices id out of the prev/next chain.
func (p *Program) unlink(id InstrID) {
	ins := p.instrs[id]
	if ins.Prev != NoInstr && p.instrs[ins.Prev].Next == id {
		p.instrs[ins.Prev].Next = ins.Next
	}
	if ins.Next != NoInstr && p.instrs[ins.Next].Prev == id {
		p.instrs[ins.Next].Prev = ins.Prev
	}
	ins.Prev, ins.Next = NoInstr, NoInstr
}

func (p *Program) addBranch(src, dst InstrID) {
	s, d := p.instrs[src], p.instrs[dst]
	if !slices.Contains(s.Out, dst) {
		s.Out = append(s.Out, dst)
	}
	if !slices.Contains(d.In, src) {
		d.In = append(d.In, src)
	}
}

func (p *Program) removeBranch(src, dst InstrID) {
	s, d := p.instrs[src], p.instrs[dst]
	if i := slices.Index(s.Out, dst); i >= 0 {
		s.Out = slices.Delete(s.Out, i, i+1)
	}
	if i := slices.Index(d.In, src); i >= 0 {
		d.In = slices.Delete(d.In, i, i+1)
	}
}

func (p *Program) addDep(id, dep InstrID) {
	ins := p.instrs[id]
	if !slices.Contains(ins.Deps, dep) {
		ins.Deps = append(ins.Deps, dep)
	}
}
