package decompiler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Straight line code ending in REVERT.
var revertCode = []byte{
	0x60, 0x00, // PUSH1 0x00
	0x60, 0x00, // PUSH1 0x00
	0xfd, // REVERT
}

// if (callvalue) STOP else SSTORE(0, 1); STOP
var splitCode = []byte{
	0x34,       // 0x00 CALLVALUE
	0x60, 0x0a, // 0x01 PUSH1 0x0a
	0x57,       // 0x03 JUMPI
	0x60, 0x01, // 0x04 PUSH1 0x01
	0x60, 0x00, // 0x06 PUSH1 0x00
	0x55,       // 0x08 SSTORE
	0x00,       // 0x09 STOP
	0x5b,       // 0x0a JUMPDEST
	0x00,       // 0x0b STOP
}

// One subroutine at 0x12 taking one argument and returning one value,
// called from 0x06 and 0x0e.
var callCode = []byte{
	0x60, 0x07, // 0x00 PUSH1 0x07 (return address)
	0x60, 0x05, // 0x02 PUSH1 0x05 (argument)
	0x60, 0x12, // 0x04 PUSH1 0x12
	0x56,       // 0x06 JUMP
	0x5b,       // 0x07 JUMPDEST
	0x60, 0x0f, // 0x08 PUSH1 0x0f (return address)
	0x60, 0x06, // 0x0a PUSH1 0x06 (argument)
	0x60, 0x12, // 0x0c PUSH1 0x12
	0x56,       // 0x0e JUMP
	0x5b,       // 0x0f JUMPDEST
	0x55,       // 0x10 SSTORE
	0x00,       // 0x11 STOP
	0x5b,       // 0x12 JUMPDEST
	0x60, 0x01, // 0x13 PUSH1 0x01
	0x01,       // 0x15 ADD
	0x90,       // 0x16 SWAP1
	0x56,       // 0x17 JUMP
}

// Two branches reach the label at 0x0f with different values on top.
var joinCode = []byte{
	0x34,       // 0x00 CALLVALUE
	0x60, 0x0c, // 0x01 PUSH1 0x0c
	0x57,       // 0x03 JUMPI
	0x60, 0x01, // 0x04 PUSH1 0x01
	0x60, 0x0f, // 0x06 PUSH1 0x0f
	0x56,             // 0x08 JUMP
	0xfe, 0xfe, 0xfe, // 0x09 INVALID
	0x5b,       // 0x0c JUMPDEST
	0x60, 0x02, // 0x0d PUSH1 0x02
	0x5b,       // 0x0f JUMPDEST
	0x60, 0x00, // 0x10 PUSH1 0x00
	0x55,       // 0x12 SSTORE
	0x00,       // 0x13 STOP
}

// The jump at 0x10 has two targets but is no method return, which only
// the fallback mode can destack.
var dispatchCode = []byte{
	0x34,       // 0x00 CALLVALUE
	0x60, 0x0c, // 0x01 PUSH1 0x0c
	0x57,       // 0x03 JUMPI
	0x60, 0x11, // 0x04 PUSH1 0x11
	0x60, 0x0f, // 0x06 PUSH1 0x0f
	0x56,             // 0x08 JUMP
	0xfe, 0xfe, 0xfe, // 0x09 INVALID
	0x5b,       // 0x0c JUMPDEST
	0x60, 0x13, // 0x0d PUSH1 0x13
	0x5b, // 0x0f JUMPDEST
	0x56, // 0x10 JUMP
	0x5b, // 0x11 JUMPDEST
	0x00, // 0x12 STOP
	0x5b, // 0x13 JUMPDEST
	0x00, // 0x14 STOP
}

// Memory, hashing and storage with constant operands.
var memoryCode = []byte{
	0x60, 0x2a, // 0x00 PUSH1 0x2a
	0x60, 0x00, // 0x02 PUSH1 0x00
	0x52,       // 0x04 MSTORE
	0x60, 0x20, // 0x05 PUSH1 0x20
	0x60, 0x00, // 0x07 PUSH1 0x00
	0x20,       // 0x09 KECCAK256
	0x60, 0x00, // 0x0a PUSH1 0x00
	0x55,       // 0x0c SSTORE
	0x60, 0x00, // 0x0d PUSH1 0x00
	0x51,       // 0x0f MLOAD
	0x60, 0x01, // 0x10 PUSH1 0x01
	0x55,       // 0x12 SSTORE
	0x59,       // 0x13 MSIZE
	0x60, 0x02, // 0x14 PUSH1 0x02
	0x55,       // 0x16 SSTORE
	0x00,       // 0x17 STOP
}

func testConfig() *Config {
	c := DefaultConfig
	c.Cache = false
	return &c
}

func trustedConfig() *Config {
	c := testConfig()
	c.AllowFallback = false
	return c
}

func mustDecompile(t *testing.T, code []byte, config *Config) *Program {
	t.Helper()
	prog, err := Decompile(code, config)
	require.NoError(t, err)
	require.NotNil(t, prog)
	return prog
}

func mustGraph(t *testing.T, code []byte) *ControlFlowGraph {
	t.Helper()
	stream, err := ParseBytecode(code)
	require.NoError(t, err)
	cfg, err := BuildControlFlowGraph(stream, 0)
	require.NoError(t, err)
	return cfg
}

func countKind(p *Program, kind Kind) int {
	n := 0
	for _, ins := range p.Instructions() {
		if ins.Kind == kind {
			n++
		}
	}
	return n
}

// instrAt returns the ordered instruction decoded from offset off.
func instrAt(p *Program, off int) *Instruction {
	for _, ins := range p.Instructions() {
		if !ins.IsVirtual() && ins.Offset() == off {
			return ins
		}
	}
	return nil
}
