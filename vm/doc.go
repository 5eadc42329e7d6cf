// Package vm implements the Kestrel virtual machine.
//
// This package contains:
//   - Class headers and the runtime constant pool
//   - The object table owning every class, object and array
//   - A tracing, non-moving mark-sweep collector
//   - Typed stack frames and the call stack
//   - The loader and linker that turn modules into a live class graph
//   - The block-addressed bytecode interpreter and native table
package vm
