package decompiler

import (
	"bytes"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// VarID is the handle of a Variable inside a Program.
type VarID int32

// NoVar marks an absent variable.
const NoVar VarID = -1

// ConstState is the constant lattice of a variable. It only moves forward:
// Undefined -> Value -> Any.
type ConstState uint8

const (
	ConstUndefined ConstState = iota
	ConstValue
	ConstAny
)

func (s ConstState) String() string {
	switch s {
	case ConstValue:
		return "const"
	case ConstAny:
		return "any"
	}
	return "undefined"
}

// Tag names the kind of instruction a value originates from.
type Tag string

// TagAddress marks values that hold an account address.
const TagAddress Tag = "address"

// Variable is a named value slot produced by exactly one instruction per
// path. Variables are compared by handle.
type Variable struct {
	ID            VarID
	State         ConstState
	Value         []byte
	Tags          mapset.Set[Tag]
	HashConstants [][]byte

	placeholder bool
}

// Name returns the printable name derived from the handle: a..z, ba, bb...
func (v *Variable) Name() string { return varName(v.ID) }

func varName(id VarID) string {
	if id < 0 {
		return "_"
	}
	var buf []byte
	n := int(id)
	for {
		buf = append(buf, byte('a'+n%26))
		n /= 26
		if n == 0 {
			break
		}
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf)
}

// HasConstant reports whether the variable holds a known constant.
func (v *Variable) HasConstant() bool { return v.State == ConstValue }

// SetConstant records a concrete value. A second, different value turns
// the variable into Any.
func (v *Variable) SetConstant(val []byte) bool {
	switch v.State {
	case ConstUndefined:
		v.State, v.Value = ConstValue, val
		return true
	case ConstValue:
		if sameWord(v.Value, val) {
			return false
		}
		v.State, v.Value = ConstAny, nil
		return true
	}
	return false
}

// SetAny marks the variable as provably non-constant.
func (v *Variable) SetAny() bool {
	if v.State == ConstAny {
		return false
	}
	v.State, v.Value = ConstAny, nil
	return true
}

// AddTags merges tags into the variable.
func (v *Variable) AddTags(tags mapset.Set[Tag]) {
	if tags == nil || tags.Cardinality() == 0 {
		return
	}
	for _, t := range tags.ToSlice() {
		v.Tags.Add(t)
	}
}

// AddHashConstant records a hash preimage the value was derived from.
func (v *Variable) AddHashConstant(c []byte) {
	for _, have := range v.HashConstants {
		if bytes.Equal(have, c) {
			return
		}
	}
	v.HashConstants = append(v.HashConstants, c)
}

// sameWord compares two big-endian values as 256-bit words.
func sameWord(a, b []byte) bool {
	var x, y uint256.Int
	x.SetBytes(a)
	y.SetBytes(b)
	return x.Eq(&y)
}

// IsPlaceholder reports whether the variable was inserted as filler at
// the bottom of a join stack.
func (v *Variable) IsPlaceholder() bool { return v.placeholder }

func (v *Variable) String() string {
	if v.HasConstant() {
		return v.Name() + "{" + hexutil.Encode(v.Value) + "}"
	}
	return v.Name()
}
