package decompiler

import (
	"fmt"
)

// Reserved label names.
const (
	ErrorLabel = "ERROR"
	ExitLabel  = "EXIT"
)

// labelTable names jump destinations and sentinels.
type labelTable struct {
	names map[int]string
	tmp   int
}

// newLabelTable names every JUMPDEST tag_N in order of appearance.
func newLabelTable(stream *InstructionStream) *labelTable {
	t := &labelTable{names: map[int]string{ErrorNode: ErrorLabel, ExitNode: ExitLabel}}
	for i, pc := range stream.JumpDests() {
		t.names[pc] = fmt.Sprintf("tag_%d", i+1)
	}
	return t
}

func (t *labelTable) name(pc int) string {
	if n, ok := t.names[pc]; ok {
		return n
	}
	return fmt.Sprintf("unknown_%x", pc)
}

func (t *labelTable) rename(pc int, name string) { t.names[pc] = name }

// fresh returns a new synthesized label name.
func (t *labelTable) fresh() string {
	t.tmp++
	return fmt.Sprintf("tmp_%d", t.tmp)
}
