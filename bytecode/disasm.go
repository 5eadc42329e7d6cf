package bytecode

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Disassemble renders instructions one per line, indenting everything
// inside a block under its start_block marker.
func Disassemble(insts []Instruction) string {
	var sb strings.Builder
	offset := 0
	for n, inst := range insts {
		if n > 0 {
			sb.WriteByte('\n')
		}
		if inst.Op == OpStartBlock {
			fmt.Fprintf(&sb, "%04d  b%d:", offset, inst.Block())
		} else {
			fmt.Fprintf(&sb, "%04d      %s", offset, inst)
		}
		offset += inst.Size()
	}
	return sb.String()
}

// DisassembleBytes decodes and renders a bytecode stream. Decoding stops at
// the first error, which is returned along with the text decoded so far.
func DisassembleBytes(bc []byte) (string, error) {
	r := NewReader(bc)
	var insts []Instruction
	for r.HasMore() {
		inst, err := r.Next()
		if err != nil {
			return Disassemble(insts), err
		}
		insts = append(insts, inst)
	}
	return Disassemble(insts), nil
}
