package decompiler

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
)

// RawInstruction is one decoded bytecode instruction.
type RawInstruction struct {
	Op     ByteCode
	Data   []byte // push immediate, nil otherwise
	Offset int
	Index  int // sequence number in program order
}

func (r *RawInstruction) String() string {
	if r.Op.PushSize() > 0 {
		return r.Op.String() + " " + hexutil.Encode(r.Data)
	}
	return r.Op.String()
}

// InstructionStream is the bytecode decoded into an offset indexed array.
// Offsets covered by push immediates hold nil. The slot at len(code) is an
// INVALID sentinel so that falling off the end behaves like the EVM.
type InstructionStream struct {
	code      []byte
	instrs    []*RawInstruction
	jumpDests []int
}

// ParseBytecode decodes code. A push whose immediate runs past the end of
// the input is rejected.
func ParseBytecode(code []byte) (*InstructionStream, error) {
	s := &InstructionStream{
		code:   code,
		instrs: make([]*RawInstruction, len(code)+1),
	}
	index := 0
	for pc := 0; pc < len(code); {
		op := ByteCode(code[pc])
		ins := &RawInstruction{Op: op, Offset: pc, Index: index}
		if n := op.PushSize(); n > 0 {
			if pc+n >= len(code) {
				return nil, errors.Wrapf(ErrMalformedBytecode, "%s at %#x needs %d bytes, %d left", op, pc, n, len(code)-pc-1)
			}
			ins.Data = append([]byte(nil), code[pc+1:pc+1+n]...)
		} else if op == PUSH0 {
			ins.Data = []byte{}
		}
		if op == JUMPDEST {
			s.jumpDests = append(s.jumpDests, pc)
		}
		s.instrs[pc] = ins
		pc += 1 + op.PushSize()
		index++
	}
	s.instrs[len(code)] = &RawInstruction{Op: INVALID, Offset: len(code), Index: index}
	return s, nil
}

// Len returns the size of the offset space including the sentinel.
func (s *InstructionStream) Len() int { return len(s.instrs) }

// Code returns the input bytecode.
func (s *InstructionStream) Code() []byte { return s.code }

// At returns the instruction at pc, nil for immediates or out of range.
func (s *InstructionStream) At(pc int) *RawInstruction {
	if pc < 0 || pc >= len(s.instrs) {
		return nil
	}
	return s.instrs[pc]
}

// JumpDests returns all JUMPDEST offsets in ascending order.
func (s *InstructionStream) JumpDests() []int { return s.jumpDests }

// IsJumpDest reports whether pc holds a JUMPDEST.
func (s *InstructionStream) IsJumpDest(pc int) bool {
	ins := s.At(pc)
	return ins != nil && ins.Op == JUMPDEST
}

// Next returns the offset of the instruction after pc, or -1 at the end.
func (s *InstructionStream) Next(pc int) int {
	for pc++; pc < len(s.instrs); pc++ {
		if s.instrs[pc] != nil {
			return pc
		}
	}
	return -1
}

// Prev returns the offset of the instruction before pc, or -1.
func (s *InstructionStream) Prev(pc int) int {
	for pc--; pc >= 0; pc-- {
		if s.instrs[pc] != nil {
			return pc
		}
	}
	return -1
}

// Instructions returns the decoded instructions in program order,
// including the trailing sentinel.
func (s *InstructionStream) Instructions() []*RawInstruction {
	out := make([]*RawInstruction, 0, len(s.instrs))
	for _, ins := range s.instrs {
		if ins != nil {
			out = append(out, ins)
		}
	}
	return out
}
