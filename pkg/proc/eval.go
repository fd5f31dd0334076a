package proc

import (
	"github.com/go-delve/runctl/pkg/dwarf/op"
)

// CompiledExpr is an expression compiled by an Evaluator.
type CompiledExpr interface {
	String() string
}

// Value is the result of evaluating an expression.
type Value struct {
	// Repr is the printable representation of the value.
	Repr string
	// Truth is the value converted to a condition.
	Truth bool
	// Raw is a representation that can be compared to detect changes.
	Raw string
}

// EvalScope is the context an expression is evaluated in: the registers
// of one frame and the memory of the process.
type EvalScope struct {
	Regs   *op.DwarfRegisters
	Mem    MemoryReader
	Arch   Arch
	Thread int
	Frame  int
	Loc    Location
}

// Evaluator compiles and evaluates the expressions used as event point
// conditions and as software watchpoint targets.
type Evaluator interface {
	Compile(expr string) (CompiledExpr, error)
	Evaluate(expr CompiledExpr, scope *EvalScope) (Value, error)
}
