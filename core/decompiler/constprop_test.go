package decompiler

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constConfig() *Config {
	c := trustedConfig()
	c.PropagateConstants = true
	return c
}

func TestPropagateMemory(t *testing.T) {
	prog := mustDecompile(t, memoryCode, constConfig())

	stored := prog.Var(instrAt(prog, 0x04).Inputs[1])
	require.True(t, stored.HasConstant())

	hash := prog.Var(instrAt(prog, 0x09).Outputs[0])
	require.True(t, hash.HasConstant(), hash.String())
	assert.Equal(t, crypto.Keccak256(common.LeftPadBytes([]byte{0x2a}, 32)), hash.Value)
	assert.Equal(t, [][]byte{{0x2a}}, hash.HashConstants)
	assert.Equal(t, []VarID{stored.ID}, instrAt(prog, 0x09).MemInputs)

	load := instrAt(prog, 0x0f)
	assert.Equal(t, []byte{0x2a}, prog.Var(load.Outputs[0]).Value)
	assert.Equal(t, []VarID{stored.ID}, load.MemInputs)
	// the stored value's producer is now a dependency of the load
	assert.Contains(t, load.Deps, instrAt(prog, 0x00).ID)

	msize := prog.Var(instrAt(prog, 0x13).Outputs[0])
	assert.Equal(t, []byte{0x20}, msize.Value)
	assert.True(t, prog.Var(instrAt(prog, 0x00).Outputs[0]).Tags.Contains(TagPush))
}

func TestPropagateUnknownOffset(t *testing.T) {
	code := []byte{
		0x60, 0x2a, // 0x00 PUSH1 0x2a
		0x34,       // 0x02 CALLVALUE
		0x52,       // 0x03 MSTORE
		0x60, 0x00, // 0x04 PUSH1 0x00
		0x51,       // 0x06 MLOAD
		0x60, 0x00, // 0x07 PUSH1 0x00
		0x55, //       0x09 SSTORE
		0x59, //       0x0a MSIZE
		0x00, //       0x0b STOP
	}
	prog := mustDecompile(t, code, constConfig())

	load := instrAt(prog, 0x06)
	assert.Equal(t, ConstAny, prog.Var(load.Outputs[0]).State)
	// the value written to an unknown offset may be read
	assert.Equal(t, []VarID{instrAt(prog, 0x00).Outputs[0]}, load.MemInputs)
	assert.Equal(t, ConstAny, prog.Var(instrAt(prog, 0x0a).Outputs[0]).State)
}

func TestPropagateFolding(t *testing.T) {
	code := []byte{
		0x60, 0x03, // 0x00 PUSH1 0x03
		0x60, 0x04, // 0x02 PUSH1 0x04
		0x02,       // 0x04 MUL
		0x60, 0x01, // 0x05 PUSH1 0x01
		0x1b,       // 0x07 SHL
		0x33,       // 0x08 CALLER
		0x73, //       0x09 PUSH20 0xff..ff
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0x16,       // 0x1e AND
		0x55,       // 0x1f SSTORE
		0x00,       // 0x20 STOP
	}
	prog := mustDecompile(t, code, constConfig())

	// SHL(1, 12)
	shifted := prog.Var(instrAt(prog, 0x07).Outputs[0])
	assert.Equal(t, []byte{24}, shifted.Value)

	masked := prog.Var(instrAt(prog, 0x1e).Outputs[0])
	assert.Equal(t, ConstAny, masked.State)
	assert.True(t, masked.Tags.Contains(TagAddress))
	assert.True(t, masked.Tags.Contains(TagPush))
}

func TestPropagateAddressMask(t *testing.T) {
	code := []byte{
		0x33, //       0x00 CALLER
		0x60, 0x00, // 0x01 PUSH1 0x00
		0x16,       // 0x03 AND
		0x60, 0x00, // 0x04 PUSH1 0x00
		0x55, //       0x06 SSTORE
		0x00, //       0x07 STOP
	}
	prog := mustDecompile(t, code, constConfig())
	masked := prog.Var(instrAt(prog, 0x03).Outputs[0])
	require.True(t, masked.HasConstant())
	assert.Equal(t, []byte{0}, masked.Value)
}

func TestPropagateMethodArguments(t *testing.T) {
	prog := mustDecompile(t, callCode, constConfig())

	head := instrAt(prog, 0x12)
	// called with 5 and 6
	assert.Equal(t, ConstAny, prog.Var(head.Outputs[0]).State)
	assert.Equal(t, ConstAny, prog.Var(instrAt(prog, 0x06).Outputs[0]).State)

	prog = mustDecompile(t, selectorCode, constConfig())
	head = instrAt(prog, 0x1b)
	arg := prog.Var(head.Outputs[0])
	require.True(t, arg.HasConstant())
	assert.Equal(t, []byte{0x07}, arg.Value)
	sum := prog.Var(instrAt(prog, 0x1d).Outputs[0])
	assert.Equal(t, []byte{0x0e}, sum.Value)
}

func TestProgramStateMerge(t *testing.T) {
	a := newProgramState()
	k1, k2 := *uint256.NewInt(0), *uint256.NewInt(32)
	a.heap[k1] = cell{v: 1, size: 32}
	a.heap[k2] = cell{v: 2, size: 32}
	a.storage[k1] = cell{v: 3, size: 32}
	a.msize = 64

	b := a.copy()
	b.heap[k2] = cell{v: 4, size: 32}
	delete(b.storage, k1)
	b.polluteMemory(9)
	b.msize = 32

	a.merge(b)
	assert.Equal(t, map[uint256.Int]cell{k1: {v: 1, size: 32}}, a.heap)
	assert.Empty(t, a.storage)
	assert.True(t, a.heapPollution.Contains(9))
	assert.Equal(t, int64(-1), a.msize)

	// the copy is independent
	assert.Len(t, b.heap, 2)
}

func TestProgramStateRanges(t *testing.T) {
	s := newProgramState()
	for _, off := range []uint64{0, 16, 32, 64} {
		s.heap[*uint256.NewInt(off)] = cell{v: VarID(off), size: 32}
	}
	// a word at 16 still overlaps offset 40
	keys := s.cellsIn(uint256.NewInt(40), uint256.NewInt(64))
	require.Len(t, keys, 2)
	assert.Equal(t, uint64(16), keys[0].Uint64())
	assert.Equal(t, uint64(32), keys[1].Uint64())

	s.clearRange(uint256.NewInt(16), uint256.NewInt(64))
	assert.Len(t, s.heap, 2)

	s.updateMsize(uint256.NewInt(33))
	assert.Equal(t, int64(64), s.msize)
}

func TestPropagateOverlappingStores(t *testing.T) {
	code := []byte{
		0x60, 0x2a, // 0x00 PUSH1 0x2a
		0x60, 0x00, // 0x02 PUSH1 0x00
		0x52,       // 0x04 MSTORE
		0x60, 0xff, // 0x05 PUSH1 0xff
		0x60, 0x1f, // 0x07 PUSH1 0x1f
		0x53,       // 0x09 MSTORE8
		0x60, 0x00, // 0x0a PUSH1 0x00
		0x51,       // 0x0c MLOAD
		0x60, 0x00, // 0x0d PUSH1 0x00
		0x55, //       0x0f SSTORE
		0x00, //       0x10 STOP
	}
	prog := mustDecompile(t, code, constConfig())

	load := instrAt(prog, 0x0c)
	// byte 31 of the word was overwritten
	assert.Equal(t, ConstAny, prog.Var(load.Outputs[0]).State)
	assert.Equal(t, []VarID{instrAt(prog, 0x00).Outputs[0], instrAt(prog, 0x05).Outputs[0]}, load.MemInputs)
}

func TestPropagateUnalignedStore(t *testing.T) {
	code := []byte{
		0x60, 0x2a, // 0x00 PUSH1 0x2a
		0x60, 0x00, // 0x02 PUSH1 0x00
		0x52,       // 0x04 MSTORE
		0x60, 0x07, // 0x05 PUSH1 0x07
		0x60, 0x10, // 0x07 PUSH1 0x10
		0x52,       // 0x09 MSTORE
		0x60, 0x10, // 0x0a PUSH1 0x10
		0x51,       // 0x0c MLOAD
		0x60, 0x00, // 0x0d PUSH1 0x00
		0x51,       // 0x0f MLOAD
		0x55, //       0x10 SSTORE
		0x00, //       0x11 STOP
	}
	prog := mustDecompile(t, code, constConfig())

	stored, unaligned := instrAt(prog, 0x00).Outputs[0], instrAt(prog, 0x05).Outputs[0]
	for _, off := range []int{0x0c, 0x0f} {
		load := instrAt(prog, off)
		assert.Equal(t, ConstAny, prog.Var(load.Outputs[0]).State, "load at %#x", off)
		assert.Equal(t, []VarID{stored, unaligned}, load.MemInputs, "load at %#x", off)
	}
}

func TestPropagateStoreCoversByte(t *testing.T) {
	code := []byte{
		0x60, 0xff, // 0x00 PUSH1 0xff
		0x60, 0x00, // 0x02 PUSH1 0x00
		0x53,       // 0x04 MSTORE8
		0x60, 0x2a, // 0x05 PUSH1 0x2a
		0x60, 0x00, // 0x07 PUSH1 0x00
		0x52,       // 0x09 MSTORE
		0x60, 0x00, // 0x0a PUSH1 0x00
		0x51,       // 0x0c MLOAD
		0x60, 0x00, // 0x0d PUSH1 0x00
		0x55, //       0x0f SSTORE
		0x00, //       0x10 STOP
	}
	prog := mustDecompile(t, code, constConfig())

	load := instrAt(prog, 0x0c)
	assert.Equal(t, []byte{0x2a}, prog.Var(load.Outputs[0]).Value)
	assert.Equal(t, []VarID{instrAt(prog, 0x05).Outputs[0]}, load.MemInputs)
}

func TestProgramStateStore(t *testing.T) {
	s := newProgramState()
	s.store(uint256.NewInt(0), 1, 32)
	s.store(uint256.NewInt(0), 2, 1)
	// the wider word cannot share the offset
	assert.Equal(t, map[uint256.Int]cell{*uint256.NewInt(0): {v: 2, size: 1}}, s.heap)
	assert.True(t, s.heapPollution.Contains(1))

	s.store(uint256.NewInt(5), 3, 1)
	s.store(uint256.NewInt(0), 4, 32)
	assert.Equal(t, map[uint256.Int]cell{*uint256.NewInt(0): {v: 4, size: 32}}, s.heap)
}
