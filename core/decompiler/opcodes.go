package decompiler

import "fmt"

// ByteCode is an EVM opcode.
type ByteCode byte

// 0x0 range - arithmetic ops.
const (
	STOP       ByteCode = 0x0
	ADD        ByteCode = 0x1
	MUL        ByteCode = 0x2
	SUB        ByteCode = 0x3
	DIV        ByteCode = 0x4
	SDIV       ByteCode = 0x5
	MOD        ByteCode = 0x6
	SMOD       ByteCode = 0x7
	ADDMOD     ByteCode = 0x8
	MULMOD     ByteCode = 0x9
	EXP        ByteCode = 0xa
	SIGNEXTEND ByteCode = 0xb
)

// 0x10 range - comparison ops.
const (
	LT     ByteCode = 0x10
	GT     ByteCode = 0x11
	SLT    ByteCode = 0x12
	SGT    ByteCode = 0x13
	EQ     ByteCode = 0x14
	ISZERO ByteCode = 0x15
	AND    ByteCode = 0x16
	OR     ByteCode = 0x17
	XOR    ByteCode = 0x18
	NOT    ByteCode = 0x19
	BYTE   ByteCode = 0x1a
	SHL    ByteCode = 0x1b
	SHR    ByteCode = 0x1c
	SAR    ByteCode = 0x1d
)

// 0x20 range - crypto.
const (
	KECCAK256 ByteCode = 0x20
)

// 0x30 range - closure state.
const (
	ADDRESS        ByteCode = 0x30
	BALANCE        ByteCode = 0x31
	ORIGIN         ByteCode = 0x32
	CALLER         ByteCode = 0x33
	CALLVALUE      ByteCode = 0x34
	CALLDATALOAD   ByteCode = 0x35
	CALLDATASIZE   ByteCode = 0x36
	CALLDATACOPY   ByteCode = 0x37
	CODESIZE       ByteCode = 0x38
	CODECOPY       ByteCode = 0x39
	GASPRICE       ByteCode = 0x3a
	EXTCODESIZE    ByteCode = 0x3b
	EXTCODECOPY    ByteCode = 0x3c
	RETURNDATASIZE ByteCode = 0x3d
	RETURNDATACOPY ByteCode = 0x3e
	EXTCODEHASH    ByteCode = 0x3f
)

// 0x40 range - block operations.
const (
	BLOCKHASH   ByteCode = 0x40
	COINBASE    ByteCode = 0x41
	TIMESTAMP   ByteCode = 0x42
	NUMBER      ByteCode = 0x43
	PREVRANDAO  ByteCode = 0x44
	GASLIMIT    ByteCode = 0x45
	CHAINID     ByteCode = 0x46
	SELFBALANCE ByteCode = 0x47
	BASEFEE     ByteCode = 0x48
	BLOBHASH    ByteCode = 0x49
	BLOBBASEFEE ByteCode = 0x4a
)

// 0x50 range - storage and execution.
const (
	POP      ByteCode = 0x50
	MLOAD    ByteCode = 0x51
	MSTORE   ByteCode = 0x52
	MSTORE8  ByteCode = 0x53
	SLOAD    ByteCode = 0x54
	SSTORE   ByteCode = 0x55
	JUMP     ByteCode = 0x56
	JUMPI    ByteCode = 0x57
	PC       ByteCode = 0x58
	MSIZE    ByteCode = 0x59
	GAS      ByteCode = 0x5a
	JUMPDEST ByteCode = 0x5b
	TLOAD    ByteCode = 0x5c
	TSTORE   ByteCode = 0x5d
	MCOPY    ByteCode = 0x5e
	PUSH0    ByteCode = 0x5f
)

// 0x60 range - pushes. Only the bounds are named, PUSHn is PUSH1+n-1.
const (
	PUSH1  ByteCode = 0x60
	PUSH4  ByteCode = 0x63
	PUSH20 ByteCode = 0x73
	PUSH32 ByteCode = 0x7f
)

// 0x80 range - dups.
const (
	DUP1 ByteCode = 0x80 + iota
	DUP2
	DUP3
	DUP4
	DUP5
	DUP6
	DUP7
	DUP8
	DUP9
	DUP10
	DUP11
	DUP12
	DUP13
	DUP14
	DUP15
	DUP16
)

// 0x90 range - swaps.
const (
	SWAP1 ByteCode = 0x90 + iota
	SWAP2
	SWAP3
	SWAP4
	SWAP5
	SWAP6
	SWAP7
	SWAP8
	SWAP9
	SWAP10
	SWAP11
	SWAP12
	SWAP13
	SWAP14
	SWAP15
	SWAP16
)

// 0xa0 range - logging ops.
const (
	LOG0 ByteCode = 0xa0
	LOG4 ByteCode = 0xa4
)

// 0xf0 range - closures.
const (
	CREATE       ByteCode = 0xf0
	CALL         ByteCode = 0xf1
	CALLCODE     ByteCode = 0xf2
	RETURN       ByteCode = 0xf3
	DELEGATECALL ByteCode = 0xf4
	CREATE2      ByteCode = 0xf5
	STATICCALL   ByteCode = 0xfa
	REVERT       ByteCode = 0xfd
	INVALID      ByteCode = 0xfe
	SELFDESTRUCT ByteCode = 0xff
)

type opInfo struct {
	name   string
	pops   int
	pushes int
}

var opTable [256]*opInfo

func def(op ByteCode, name string, pops, pushes int) {
	opTable[op] = &opInfo{name: name, pops: pops, pushes: pushes}
}

func init() {
	def(STOP, "STOP", 0, 0)
	for _, op := range []ByteCode{ADD, MUL, SUB, DIV, SDIV, MOD, SMOD, EXP, SIGNEXTEND} {
		def(op, arithNames[op], 2, 1)
	}
	def(ADDMOD, "ADDMOD", 3, 1)
	def(MULMOD, "MULMOD", 3, 1)
	for _, op := range []ByteCode{LT, GT, SLT, SGT, EQ, AND, OR, XOR, BYTE, SHL, SHR, SAR} {
		def(op, arithNames[op], 2, 1)
	}
	def(ISZERO, "ISZERO", 1, 1)
	def(NOT, "NOT", 1, 1)
	def(KECCAK256, "KECCAK256", 2, 1)

	def(ADDRESS, "ADDRESS", 0, 1)
	def(BALANCE, "BALANCE", 1, 1)
	def(ORIGIN, "ORIGIN", 0, 1)
	def(CALLER, "CALLER", 0, 1)
	def(CALLVALUE, "CALLVALUE", 0, 1)
	def(CALLDATALOAD, "CALLDATALOAD", 1, 1)
	def(CALLDATASIZE, "CALLDATASIZE", 0, 1)
	def(CALLDATACOPY, "CALLDATACOPY", 3, 0)
	def(CODESIZE, "CODESIZE", 0, 1)
	def(CODECOPY, "CODECOPY", 3, 0)
	def(GASPRICE, "GASPRICE", 0, 1)
	def(EXTCODESIZE, "EXTCODESIZE", 1, 1)
	def(EXTCODECOPY, "EXTCODECOPY", 4, 0)
	def(RETURNDATASIZE, "RETURNDATASIZE", 0, 1)
	def(RETURNDATACOPY, "RETURNDATACOPY", 3, 0)
	def(EXTCODEHASH, "EXTCODEHASH", 1, 1)

	def(BLOCKHASH, "BLOCKHASH", 1, 1)
	def(COINBASE, "COINBASE", 0, 1)
	def(TIMESTAMP, "TIMESTAMP", 0, 1)
	def(NUMBER, "NUMBER", 0, 1)
	def(PREVRANDAO, "PREVRANDAO", 0, 1)
	def(GASLIMIT, "GASLIMIT", 0, 1)
	def(CHAINID, "CHAINID", 0, 1)
	def(SELFBALANCE, "SELFBALANCE", 0, 1)
	def(BASEFEE, "BASEFEE", 0, 1)
	def(BLOBHASH, "BLOBHASH", 1, 1)
	def(BLOBBASEFEE, "BLOBBASEFEE", 0, 1)

	def(POP, "POP", 1, 0)
	def(MLOAD, "MLOAD", 1, 1)
	def(MSTORE, "MSTORE", 2, 0)
	def(MSTORE8, "MSTORE8", 2, 0)
	def(SLOAD, "SLOAD", 1, 1)
	def(SSTORE, "SSTORE", 2, 0)
	def(JUMP, "JUMP", 1, 0)
	def(JUMPI, "JUMPI", 2, 0)
	def(PC, "PC", 0, 1)
	def(MSIZE, "MSIZE", 0, 1)
	def(GAS, "GAS", 0, 1)
	def(JUMPDEST, "JUMPDEST", 0, 0)
	def(TLOAD, "TLOAD", 1, 1)
	def(TSTORE, "TSTORE", 2, 0)
	def(MCOPY, "MCOPY", 3, 0)
	def(PUSH0, "PUSH0", 0, 1)

	for i := 0; i < 32; i++ {
		def(PUSH1+ByteCode(i), fmt.Sprintf("PUSH%d", i+1), 0, 1)
	}
	for i := 0; i < 16; i++ {
		def(DUP1+ByteCode(i), fmt.Sprintf("DUP%d", i+1), i+1, i+2)
		def(SWAP1+ByteCode(i), fmt.Sprintf("SWAP%d", i+1), i+2, i+2)
	}
	for i := 0; i <= 4; i++ {
		def(LOG0+ByteCode(i), fmt.Sprintf("LOG%d", i), i+2, 0)
	}

	def(CREATE, "CREATE", 3, 1)
	def(CALL, "CALL", 7, 1)
	def(CALLCODE, "CALLCODE", 7, 1)
	def(RETURN, "RETURN", 2, 0)
	def(DELEGATECALL, "DELEGATECALL", 6, 1)
	def(CREATE2, "CREATE2", 4, 1)
	def(STATICCALL, "STATICCALL", 6, 1)
	def(REVERT, "REVERT", 2, 0)
	def(INVALID, "INVALID", 0, 0)
	def(SELFDESTRUCT, "SELFDESTRUCT", 1, 0)
}

var arithNames = map[ByteCode]string{
	ADD: "ADD", MUL: "MUL", SUB: "SUB", DIV: "DIV", SDIV: "SDIV", MOD: "MOD",
	SMOD: "SMOD", EXP: "EXP", SIGNEXTEND: "SIGNEXTEND",
	LT: "LT", GT: "GT", SLT: "SLT", SGT: "SGT", EQ: "EQ", AND: "AND", OR: "OR",
	XOR: "XOR", BYTE: "BYTE", SHL: "SHL", SHR: "SHR", SAR: "SAR",
}

// IsDefined reports whether op is an opcode of the instruction set.
func (op ByteCode) IsDefined() bool { return opTable[op] != nil }

// String returns the mnemonic, or a hex placeholder for undefined bytes.
func (op ByteCode) String() string {
	if info := opTable[op]; info != nil {
		return info.name
	}
	return fmt.Sprintf("opcode %#02x not defined", byte(op))
}

// StackEffect returns the number of stack items op consumes and produces.
// DUPn reads n items and writes n+1, SWAPn reads and writes n+1 items.
// Undefined bytes execute as INVALID.
func StackEffect(op ByteCode) (pops, pushes int) {
	if info := opTable[op]; info != nil {
		return info.pops, info.pushes
	}
	return 0, 0
}

// IsPush reports whether op is PUSH0..PUSH32.
func (op ByteCode) IsPush() bool { return op == PUSH0 || (op >= PUSH1 && op <= PUSH32) }

// PushSize returns the immediate length of a push, zero for anything else.
func (op ByteCode) PushSize() int {
	if op >= PUSH1 && op <= PUSH32 {
		return int(op-PUSH1) + 1
	}
	return 0
}

// IsDup reports whether op is DUP1..DUP16.
func (op ByteCode) IsDup() bool { return op >= DUP1 && op <= DUP16 }

// DupDepth returns n for DUPn.
func (op ByteCode) DupDepth() int { return int(op-DUP1) + 1 }

// IsSwap reports whether op is SWAP1..SWAP16.
func (op ByteCode) IsSwap() bool { return op >= SWAP1 && op <= SWAP16 }

// SwapDepth returns n for SWAPn.
func (op ByteCode) SwapDepth() int { return int(op-SWAP1) + 1 }

// IsInvalid reports whether op aborts execution as an invalid instruction.
func (op ByteCode) IsInvalid() bool { return op == INVALID || !op.IsDefined() }

// IsTerminal reports whether op ends the current execution path.
func (op ByteCode) IsTerminal() bool {
	switch op {
	case STOP, RETURN, REVERT, SELFDESTRUCT:
		return true
	}
	return op.IsInvalid()
}

// IsExit reports whether op ends execution successfully.
func (op ByteCode) IsExit() bool { return op == STOP || op == RETURN || op == SELFDESTRUCT }

// isPure reports whether an instruction with op has no effect besides its
// output and can be dropped when the output is unused.
func (op ByteCode) isPure() bool {
	return (op >= ADD && op <= SIGNEXTEND) || (op >= LT && op <= SAR) || op.IsPush()
}
