// Package bytecode defines the Kestrel instruction set.
//
// This package contains:
//   - The 13 value type tags and the tagged Value form
//   - Opcode numbering and metadata, including the typed families where
//     width and signedness are part of the opcode
//   - Binary encoding: a 2-byte little-endian opcode followed by fixed-width
//     operands
//   - A block-aware disassembler
//
// Control flow targets block ids rather than byte offsets. A stream is
// segmented by start_block markers, and start_block is the only valid
// jump target.
package bytecode
