package decompiler

import (
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDestackStraightLine(t *testing.T) {
	prog := mustDecompile(t, revertCode, trustedConfig())

	instrs := prog.Instructions()
	require.Len(t, instrs, 3)
	assert.Equal(t, PUSH1, instrs[0].Op)
	assert.Equal(t, PUSH1, instrs[1].Op)
	assert.Equal(t, REVERT, instrs[2].Op)
	// REVERT(offset, size): offset is the last push
	assert.Equal(t, []VarID{instrs[1].Outputs[0], instrs[0].Outputs[0]}, instrs[2].Inputs)
	assert.Empty(t, prog.MethodInfos())
	assert.False(t, prog.Fallback)
}

func TestDestackSeparateArms(t *testing.T) {
	prog := mustDecompile(t, splitCode, trustedConfig())

	assert.Equal(t, 1, countKind(prog, KindJumpI))
	assert.Equal(t, 0, countKind(prog, KindAssign))

	jumpi := instrAt(prog, 0x03)
	require.NotNil(t, jumpi)
	require.Equal(t, KindJumpI, jumpi.Kind)
	// condition only, the target operand is resolved
	require.Len(t, jumpi.Inputs, 1)
	require.Len(t, jumpi.Out, 1)
	taken := prog.Instr(jumpi.Out[0])
	assert.Equal(t, KindLabel, taken.Kind)
	assert.Equal(t, 0x0a, taken.Offset())
	require.NotEqual(t, NoInstr, jumpi.Next)
	assert.NotEqual(t, jumpi.Out[0], jumpi.Next)
	assert.Equal(t, 0x04, prog.Instr(jumpi.Next).Offset())
}

func TestDestackMethod(t *testing.T) {
	prog := mustDecompile(t, callCode, trustedConfig())

	assert.Equal(t, 1, countKind(prog, KindMethodHead))
	assert.Equal(t, 2, countKind(prog, KindMethodInvoke))
	assert.Equal(t, 1, countKind(prog, KindMethodReturn))
	require.Len(t, prog.MethodInfos(), 1)
	assert.Equal(t, 1, prog.MethodInfos()[0].Args)

	head := instrAt(prog, 0x12)
	require.NotNil(t, head)
	require.Len(t, head.Outputs, 1)
	assert.ElementsMatch(t, []InstrID{instrAt(prog, 0x06).ID, instrAt(prog, 0x0e).ID}, head.In)

	first, second := instrAt(prog, 0x06), instrAt(prog, 0x0e)
	require.Len(t, first.Inputs, 1)
	require.Len(t, first.Outputs, 1)
	assert.Equal(t, []byte{0x05}, prog.Instr(first.Deps[0]).Data)
	assert.Equal(t, []byte{0x06}, prog.Instr(second.Deps[0]).Data)

	// SSTORE(key, value) stores the second result under the first
	store := instrAt(prog, 0x10)
	require.NotNil(t, store)
	assert.Equal(t, []VarID{second.Outputs[0], first.Outputs[0]}, store.Inputs)

	parts := prog.Methods()
	require.Len(t, parts, 2)
	assert.Equal(t, NoInstr, parts[0].Head)
	assert.Equal(t, "method_private_12", parts[1].Label)
	assert.Equal(t, head.ID, parts[1].Instrs[0])
}

func TestDestackJoin(t *testing.T) {
	prog := mustDecompile(t, joinCode, trustedConfig())

	require.Equal(t, 1, countKind(prog, KindAssign), spew.Sdump(prog.Instructions()))
	var assign *Instruction
	for _, ins := range prog.Instructions() {
		if ins.Kind == KindAssign {
			assign = ins
		}
	}
	// placed on the jumping branch, the linear branch defines the slot
	jump := instrAt(prog, 0x08)
	require.NotNil(t, jump)
	assert.Equal(t, assign.ID, jump.Prev)
	assert.Equal(t, assign.Next, jump.ID)

	canonical := instrAt(prog, 0x0d)
	assert.Equal(t, canonical.Outputs, assign.Outputs)
	assert.Equal(t, []byte{0x01}, prog.Instr(assign.Deps[0]).Data)

	store := instrAt(prog, 0x12)
	assert.ElementsMatch(t, []InstrID{canonical.ID, assign.ID}, producersOf(prog, store, store.Inputs[1]))
	assert.Empty(t, prog.Diagnostics)
}

func producersOf(p *Program, ins *Instruction, v VarID) []InstrID {
	var out []InstrID
	for _, dep := range ins.Deps {
		if containsVar(p.Instr(dep).Outputs, v) {
			out = append(out, dep)
		}
	}
	return out
}

func TestDestackFallbackCascade(t *testing.T) {
	_, err := Decompile(dispatchCode, trustedConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAmbiguousControlFlow)
	var derr *DecompileError
	require.ErrorAs(t, err, &derr)
	assert.Nil(t, derr.Fallback)

	prog := mustDecompile(t, dispatchCode, testConfig())
	assert.True(t, prog.Fallback)

	var tests, traps int
	for _, ins := range prog.Instructions() {
		if ins.Kind == KindJumpI && ins.IsVirtual() {
			tests++
			require.Len(t, ins.Out, 1)
		}
		if ins.Kind == KindOp && ins.Op == INVALID && ins.Comment == "dynamic jump at 0x10" {
			traps++
		}
	}
	assert.Equal(t, 2, tests)
	assert.Equal(t, 1, traps)
	assert.Equal(t, 1, countKind(prog, KindAssign))
}

// Every used variable has a producer, and the declared arity of every
// instruction matches its operands.
func TestProgramInvariants(t *testing.T) {
	for _, code := range [][]byte{revertCode, splitCode, callCode, joinCode, selectorCode, memoryCode} {
		for _, config := range []*Config{trustedConfig(), {AllowFallback: true}} {
			prog := mustDecompile(t, code, config)
			for _, ins := range prog.Instructions() {
				in, out := prog.ExpectedArity(ins)
				assert.Len(t, ins.Inputs, in, "%s at %#x", ins.Kind, ins.Offset())
				assert.Len(t, ins.Outputs, out, "%s at %#x", ins.Kind, ins.Offset())
				for _, v := range ins.Inputs {
					assert.NotEmpty(t, producersOf(prog, ins, v), "%s at %#x reads %s", ins.Kind, ins.Offset(), varName(v))
				}
			}
		}
	}
}

func TestDestackJumpIToFallthrough(t *testing.T) {
	code := []byte{
		0x60, 0x2a, // 0x00 PUSH1 0x2a
		0x34,       // 0x02 CALLVALUE
		0x60, 0x06, // 0x03 PUSH1 0x06
		0x57,       // 0x05 JUMPI
		0x5b,       // 0x06 JUMPDEST
		0x60, 0x00, // 0x07 PUSH1 0x00
		0x55, //       0x09 SSTORE
		0x00, //       0x0a STOP
	}
	prog := mustDecompile(t, code, trustedConfig())

	require.Len(t, prog.Diagnostics, 1)
	assert.Contains(t, prog.Diagnostics[0], "conditional jump at 0x5 branches to its own fallthrough tag_1")
	// both arms carry the same stack, nothing to reassign
	assert.Zero(t, countKind(prog, KindAssign))

	jumpi := instrAt(prog, 0x05)
	label := instrAt(prog, 0x06)
	assert.Equal(t, label.ID, jumpi.Next)
	assert.Equal(t, []InstrID{label.ID}, jumpi.Out)

	// conditional jumps with distinct arms stay quiet
	assert.Empty(t, mustDecompile(t, splitCode, trustedConfig()).Diagnostics)
}

// The back edge at 0x0e enters tag_1 with another variable on top.
var loopCode = []byte{
	0x60, 0x01, // 0x00 PUSH1 0x01
	0x60, 0x05, // 0x02 PUSH1 0x05
	0x56,       // 0x04 JUMP
	0x5b,       // 0x05 JUMPDEST
	0x60, 0x00, // 0x06 PUSH1 0x00
	0x55,       // 0x08 SSTORE
	0x60, 0x02, // 0x09 PUSH1 0x02
	0x34,       // 0x0b CALLVALUE
	0x60, 0x05, // 0x0c PUSH1 0x05
	0x57, //       0x0e JUMPI
	0x00, //       0x0f STOP
}

func TestDestackMergeOnTakenArm(t *testing.T) {
	prog := mustDecompile(t, loopCode, trustedConfig())

	jumpi := instrAt(prog, 0x0e)
	require.NotNil(t, jumpi)
	assert.Equal(t, "tmp_1", jumpi.Label)
	require.Len(t, jumpi.Out, 1)

	// jumpi -> tmp_1 -> assignment -> jump tag_1
	tmp := prog.Instr(jumpi.Out[0])
	assert.Equal(t, KindLabel, tmp.Kind)
	assert.Equal(t, "tmp_1", tmp.Label)
	assert.True(t, tmp.IsVirtual())
	assert.Equal(t, []InstrID{jumpi.ID}, tmp.In)

	assign := prog.Instr(tmp.Next)
	require.Equal(t, KindAssign, assign.Kind)
	assert.Equal(t, instrAt(prog, 0x00).Outputs, assign.Outputs)
	assert.Equal(t, instrAt(prog, 0x09).Outputs, assign.Inputs)

	back := prog.Instr(assign.Next)
	require.Equal(t, KindJump, back.Kind)
	assert.Equal(t, "tag_1", back.Label)
	label := instrAt(prog, 0x05)
	assert.Equal(t, []InstrID{label.ID}, back.Out)
	assert.ElementsMatch(t, []InstrID{instrAt(prog, 0x04).ID, back.ID}, label.In)

	store := instrAt(prog, 0x08)
	assert.ElementsMatch(t, []InstrID{instrAt(prog, 0x00).ID, assign.ID}, producersOf(prog, store, store.Inputs[1]))
	assert.Contains(t, prog.String(), "tmp_1:")
}

// The taken arm establishes tag_1 first, the linear arm falls into it.
var fallthroughCode = []byte{
	0x34,       // 0x00 CALLVALUE
	0x60, 0x0b, // 0x01 PUSH1 0x0b
	0x57,       // 0x03 JUMPI
	0x60, 0x01, // 0x04 PUSH1 0x01
	0x5b,       // 0x06 JUMPDEST
	0x60, 0x00, // 0x07 PUSH1 0x00
	0x55,       // 0x09 SSTORE
	0x00,       // 0x0a STOP
	0x5b,       // 0x0b JUMPDEST
	0x60, 0x02, // 0x0c PUSH1 0x02
	0x60, 0x06, // 0x0e PUSH1 0x06
	0x56, //       0x10 JUMP
}

func TestDestackFallthroughReassignment(t *testing.T) {
	prog := mustDecompile(t, fallthroughCode, trustedConfig())

	require.Equal(t, 1, countKind(prog, KindAssign))
	var assign *Instruction
	for _, ins := range prog.Instructions() {
		if ins.Kind == KindAssign {
			assign = ins
		}
	}
	// placed between the linear predecessor and the label
	linear, label := instrAt(prog, 0x04), instrAt(prog, 0x06)
	assert.Equal(t, linear.ID, assign.Prev)
	assert.Equal(t, label.ID, assign.Next)
	assert.Equal(t, assign.ID, label.Prev)
	assert.Equal(t, instrAt(prog, 0x0c).Outputs, assign.Outputs)
	assert.Equal(t, linear.Outputs, assign.Inputs)

	// the jumping arm defines the canonical variable itself
	jump := instrAt(prog, 0x10)
	assert.Equal(t, instrAt(prog, 0x0c).ID, jump.Prev)
	assert.Equal(t, []InstrID{label.ID}, jump.Out)
}

func TestDestackStackSizeMismatch(t *testing.T) {
	code := []byte{
		0x34,       // 0x00 CALLVALUE
		0x60, 0x0c, // 0x01 PUSH1 0x0c
		0x57,       // 0x03 JUMPI
		0x60, 0x01, // 0x04 PUSH1 0x01
		0x60, 0x02, // 0x06 PUSH1 0x02
		0x60, 0x0f, // 0x08 PUSH1 0x0f
		0x56,       // 0x0a JUMP
		0xfe,       // 0x0b INVALID
		0x5b,       // 0x0c JUMPDEST
		0x60, 0x03, // 0x0d PUSH1 0x03
		0x5b,       // 0x0f JUMPDEST
		0x60, 0x00, // 0x10 PUSH1 0x00
		0x55, //       0x12 SSTORE
		0x00, //       0x13 STOP
	}
	prog := mustDecompile(t, code, trustedConfig())

	require.Len(t, prog.Diagnostics, 1)
	assert.Equal(t, "stack size mismatch merging into tag_2: canonical 1, local 2", prog.Diagnostics[0])

	// only the tops are merged
	require.Equal(t, 1, countKind(prog, KindAssign))
	jump := instrAt(prog, 0x0a)
	assign := prog.Instr(jump.Prev)
	require.Equal(t, KindAssign, assign.Kind)
	assert.Equal(t, instrAt(prog, 0x0d).Outputs, assign.Outputs)
	assert.Equal(t, instrAt(prog, 0x06).Outputs, assign.Inputs)
	// the value below the merged top is dead
	assert.Nil(t, instrAt(prog, 0x04))
}

func TestUndup(t *testing.T) {
	d := &destacker{prog: newProgram()}
	a, b := d.prog.NewVar(), d.prog.NewVar()
	d.prog.Var(a).placeholder = true

	stack, assigns := d.undup([]VarID{a, b, a, a})
	require.Len(t, stack, 4)
	assert.Equal(t, []VarID{a, b}, stack[:2])
	c1, c2 := stack[2], stack[3]
	assert.NotEqual(t, c1, c2)
	assert.Equal(t, []assignment{{dst: c1, src: a}, {dst: c2, src: a}}, assigns)
	// copies of a placeholder are placeholders too
	assert.True(t, d.prog.Var(c1).placeholder)

	stack, assigns = d.undup([]VarID{a, b})
	assert.Equal(t, []VarID{a, b}, stack)
	assert.Empty(t, assigns)
}

func TestBreakCycles(t *testing.T) {
	d := &destacker{prog: newProgram()}
	a, b, c := d.prog.NewVar(), d.prog.NewVar(), d.prog.NewVar()

	// independent assignments pass unchanged
	plain := []assignment{{dst: a, src: c}, {dst: b, src: c}}
	assert.Equal(t, plain, d.breakCycles(plain))

	// swap: a is overwritten before b reads it
	out := d.breakCycles([]assignment{{dst: a, src: b}, {dst: b, src: a}})
	require.Len(t, out, 3)
	tmp := out[0].dst
	assert.Equal(t, VarID(3), tmp)
	assert.Equal(t, []assignment{{dst: tmp, src: a}, {dst: a, src: b}, {dst: b, src: tmp}}, out)

	// rotation of three needs a single temporary
	out = d.breakCycles([]assignment{{dst: a, src: b}, {dst: b, src: c}, {dst: c, src: a}})
	require.Len(t, out, 4)
	tmp = out[0].dst
	assert.Equal(t, assignment{dst: tmp, src: a}, out[0])
	assert.Equal(t, assignment{dst: c, src: tmp}, out[3])
}
