package decompiler

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/holiman/uint256"
)

// addressSize is the width of an account address in bytes.
const addressSize = 20

// typeOps tag their outputs with their own mnemonic.
var typeOps = map[ByteCode]Tag{
	CALL:         "CALL",
	STATICCALL:   "STATICCALL",
	DELEGATECALL: "DELEGATECALL",
	CREATE2:      "CREATE2",
	EXTCODEHASH:  "EXTCODEHASH",
}

var addressOps = map[ByteCode]bool{
	ADDRESS: true, ORIGIN: true, CALLER: true, COINBASE: true, CREATE: true, CREATE2: true,
}

// TagPush marks values that originate from a constant push.
const TagPush Tag = "PUSH"

func toWord(b []byte) *uint256.Int { return new(uint256.Int).SetBytes(b) }

// wordBytes returns the minimal big-endian encoding of x, at least one byte.
func wordBytes(x *uint256.Int) []byte {
	if x.IsZero() {
		return []byte{0}
	}
	return x.Bytes()
}

func boolWord(b bool) *uint256.Int {
	if b {
		return uint256.NewInt(1)
	}
	return new(uint256.Int)
}

// fold evaluates a pure opcode over constant operands, top of stack first.
func fold(op ByteCode, in [][]byte) ([]byte, bool) {
	w := make([]*uint256.Int, len(in))
	for i, b := range in {
		w[i] = toWord(b)
	}
	z := new(uint256.Int)
	switch op {
	case ADD:
		z.Add(w[0], w[1])
	case MUL:
		z.Mul(w[0], w[1])
	case SUB:
		z.Sub(w[0], w[1])
	case DIV:
		z.Div(w[0], w[1])
	case SDIV:
		z.SDiv(w[0], w[1])
	case MOD:
		z.Mod(w[0], w[1])
	case SMOD:
		z.SMod(w[0], w[1])
	case ADDMOD:
		z.AddMod(w[0], w[1], w[2])
	case MULMOD:
		z.MulMod(w[0], w[1], w[2])
	case EXP:
		z.Exp(w[0], w[1])
	case SIGNEXTEND:
		z.ExtendSign(w[1], w[0])
	case LT:
		z = boolWord(w[0].Lt(w[1]))
	case GT:
		z = boolWord(w[0].Gt(w[1]))
	case SLT:
		z = boolWord(w[0].Slt(w[1]))
	case SGT:
		z = boolWord(w[0].Sgt(w[1]))
	case EQ:
		z = boolWord(w[0].Eq(w[1]))
	case ISZERO:
		z = boolWord(w[0].IsZero())
	case AND:
		z.And(w[0], w[1])
	case OR:
		z.Or(w[0], w[1])
	case XOR:
		z.Xor(w[0], w[1])
	case NOT:
		z.Not(w[0])
	case BYTE:
		z.Set(w[1]).Byte(w[0])
	case SHL:
		if w[0].LtUint64(256) {
			z.Lsh(w[1], uint(w[0].Uint64()))
		}
	case SHR:
		if w[0].LtUint64(256) {
			z.Rsh(w[1], uint(w[0].Uint64()))
		}
	case SAR:
		if w[0].GtUint64(256) {
			if w[1].Sign() < 0 {
				z.SetAllOne()
			}
		} else {
			z.SRsh(w[1], uint(w[0].Uint64()))
		}
	default:
		return nil, false
	}
	return wordBytes(z), true
}

// maskedAddress reports whether ANDing an address with mask is zero: the
// mask clears every address byte.
func maskedAddress(mask []byte) bool {
	m := toWord(mask)
	low := new(uint256.Int).Lsh(uint256.NewInt(1), addressSize*8)
	low.SubUint64(low, 1)
	return m.And(m, low).IsZero()
}

// evaluate computes the constant state and tags of the outputs of ins.
// Memory and storage reads are completed by the caller.
func (p *Program) evaluate(ins *Instruction) {
	tags := mapset.NewThreadUnsafeSet[Tag]()
	for _, v := range ins.Inputs {
		if v != NoVar {
			tags = tags.Union(p.vars[v].Tags)
		}
	}
	if t, ok := typeOps[ins.Op]; ok && ins.Kind == KindOp {
		tags.Add(t)
	}
	if ins.Kind == KindOp && ins.Op.IsPush() {
		tags.Add(TagPush)
	}
	if ins.Kind == KindOp && addressOps[ins.Op] {
		tags.Add(TagAddress)
	}
	for _, out := range ins.Outputs {
		p.vars[out].AddTags(tags)
	}

	switch ins.Kind {
	case KindAssign:
		src, dst := p.vars[ins.Inputs[0]], p.vars[ins.Outputs[0]]
		if src.HasConstant() {
			dst.SetConstant(src.Value)
		} else {
			dst.SetAny()
		}
		return
	case KindOp:
	default:
		for _, out := range ins.Outputs {
			p.vars[out].SetAny()
		}
		return
	}

	switch {
	case len(ins.Outputs) == 0:
		return
	case ins.Op.IsPush():
		p.vars[ins.Outputs[0]].SetConstant(ins.Data)
		return
	case ins.Op == MLOAD || ins.Op == SLOAD || ins.Op == KECCAK256 || ins.Op == MSIZE:
		return
	}

	out := p.vars[ins.Outputs[0]]
	if ins.Op.isPure() && len(ins.Outputs) == 1 {
		consts := make([][]byte, len(ins.Inputs))
		all := true
		for i, v := range ins.Inputs {
			if !p.vars[v].HasConstant() {
				all = false
				break
			}
			consts[i] = p.vars[v].Value
		}
		if all {
			if val, ok := fold(ins.Op, consts); ok {
				out.SetConstant(val)
				return
			}
		}
		if ins.Op == AND {
			a, b := p.vars[ins.Inputs[0]], p.vars[ins.Inputs[1]]
			if (a.HasConstant() && b.Tags.Contains(TagAddress) && maskedAddress(a.Value)) ||
				(b.HasConstant() && a.Tags.Contains(TagAddress) && maskedAddress(b.Value)) {
				out.SetConstant([]byte{0})
				return
			}
		}
	}
	for _, o := range ins.Outputs {
		p.vars[o].SetAny()
	}
}
