package decompiler

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

func (p *Program) varList(vars []VarID) string {
	names := make([]string, len(vars))
	for i, v := range vars {
		if v == NoVar {
			names[i] = "_"
			continue
		}
		names[i] = p.vars[v].String()
	}
	return strings.Join(names, ", ")
}

func (p *Program) targetNames(ids []InstrID) string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = p.instrs[id].Label
	}
	return strings.Join(names, ", ")
}

// Format renders a single instruction without its offset.
func (p *Program) Format(ins *Instruction) string {
	var s string
	switch ins.Kind {
	case KindLabel:
		return ins.Label + ":"
	case KindMethodHead:
		return fmt.Sprintf("%s(%s):", ins.Label, p.varList(ins.Outputs))
	case KindJump:
		s = fmt.Sprintf("goto %s", p.targetNames(ins.Out))
		if len(ins.Inputs) > 0 {
			s = fmt.Sprintf("goto(%s) %s", p.varList(ins.Inputs), p.targetNames(ins.Out))
		}
	case KindJumpI:
		s = fmt.Sprintf("if (%s) goto %s", p.varList(ins.Inputs), p.targetNames(ins.Out))
	case KindMethodInvoke:
		s = fmt.Sprintf("%s(%s)", ins.Label, p.varList(ins.Inputs))
	case KindMethodReturn:
		s = fmt.Sprintf("return %s", p.varList(ins.Inputs))
	case KindAssign:
		s = p.varList(ins.Inputs)
	case KindNoOp:
		s = "nop"
	default:
		if ins.Op.PushSize() > 0 {
			s = fmt.Sprintf("%s %s", ins.Op, hexutil.Encode(ins.Data))
		} else {
			s = fmt.Sprintf("%s(%s)", ins.Op, p.varList(ins.Inputs))
		}
	}
	if len(ins.Outputs) > 0 {
		s = p.varList(ins.Outputs) + " = " + s
	}
	if len(ins.MemInputs) > 0 {
		s += " [" + p.varList(ins.MemInputs) + "]"
	}
	if ins.Comment != "" {
		s += " // " + ins.Comment
	}
	return s
}

// Fprint writes the ordered program, one instruction per line.
func Fprint(w io.Writer, p *Program) error {
	bw := bufio.NewWriter(w)
	for _, id := range p.order {
		ins := p.instrs[id]
		if ins.Kind.IsLabel() {
			fmt.Fprintf(bw, "%s\n", p.Format(ins))
			continue
		}
		if ins.IsVirtual() {
			fmt.Fprintf(bw, "        %s\n", p.Format(ins))
		} else {
			fmt.Fprintf(bw, "0x%04x  %s\n", ins.Offset(), p.Format(ins))
		}
	}
	return bw.Flush()
}

// String returns the listing of the program.
func (p *Program) String() string {
	var sb strings.Builder
	Fprint(&sb, p)
	return sb.String()
}

// Disassemble writes one line per raw instruction, with a "-- tag N"
// marker in front of every JUMPDEST.
func Disassemble(w io.Writer, stream *InstructionStream) error {
	labels := newLabelTable(stream)
	bw := bufio.NewWriter(w)
	for _, raw := range stream.Instructions() {
		if raw.Offset == len(stream.Code()) {
			break
		}
		if raw.Op == JUMPDEST {
			fmt.Fprintf(bw, "-- %s\n", strings.Replace(labels.name(raw.Offset), "_", " ", 1))
		}
		fmt.Fprintf(bw, "0x%04x  %s\n", raw.Offset, raw)
	}
	return bw.Flush()
}

func nodeName(node int) string {
	switch node {
	case ErrorNode:
		return "nERROR"
	case ExitNode:
		return "nEXIT"
	}
	return fmt.Sprintf("n%d", node)
}

// WriteDOT renders the branch graph in graphviz format.
func WriteDOT(w io.Writer, cfg *ControlFlowGraph, title string) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "digraph CFG {")
	fmt.Fprintln(bw, "  rankdir=TB;")
	fmt.Fprintln(bw, "  node [shape=box, fontname=\"monospace\"];")
	if title != "" {
		fmt.Fprintf(bw, "  labelloc=\"t\";\n  label=\"%s\";\n", escapeDOT(title))
	}
	stream := cfg.Stream()
	labels := newLabelTable(stream)
	fmt.Fprintf(bw, "  %s [label=\"%s\", color=red];\n", nodeName(ErrorNode), ErrorLabel)
	fmt.Fprintf(bw, "  %s [label=\"%s\", color=green];\n", nodeName(ExitNode), ExitLabel)
	nodes := cfg.Nodes()
	for _, n := range nodes {
		if IsSentinel(n) {
			continue
		}
		label := fmt.Sprintf("%#x", n)
		if raw := stream.At(n); raw != nil {
			label += "\\n" + raw.String()
			if raw.Op == JUMPDEST {
				label = labels.name(n) + "\\n" + label
			}
		}
		fmt.Fprintf(bw, "  %s [label=\"%s\"];\n", nodeName(n), escapeDOT(label))
	}
	for _, n := range nodes {
		for _, s := range cfg.Successors(n) {
			fmt.Fprintf(bw, "  %s -> %s;\n", nodeName(n), nodeName(s))
		}
	}
	fmt.Fprintln(bw, "}")
	return bw.Flush()
}

func escapeDOT(s string) string {
	s = strings.ReplaceAll(s, "\"", "\\\"")
	return strings.ReplaceAll(s, "\n", "\\n")
}
