// Package starexpr implements the expressions used for event point
// conditions and software watchpoints with starlark.
//
// An expression sees the registers of the selected frame as variables
// (rax, rsp, pc, ...), the thread id as tid, the frame number as frame and
// can read memory with u8, u16, u32, u64 and cstring:
//
//	rdi == 3 and u32(rsp+8) != 0
//	cstring(rsi) == "hello"
package starexpr

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"

	"github.com/go-delve/runctl/pkg/dwarf/regnum"
	"github.com/go-delve/runctl/pkg/logflags"
	"github.com/go-delve/runctl/pkg/proc"
)

func init() {
	resolve.AllowFloat = true
	resolve.AllowBitwise = true
}

const maxStringLen = 1024

// Evaluator is a proc.Evaluator for starlark expressions.
type Evaluator struct{}

// New returns a new evaluator.
func New() *Evaluator {
	return &Evaluator{}
}

// expr is a compiled expression. The predeclared environment is owned by
// the expression and refreshed before every evaluation, the compiled
// function looks up predeclared names when it runs.
type expr struct {
	src   string
	fn    *starlark.Function
	env   starlark.StringDict
	scope *proc.EvalScope
}

func (e *expr) String() string { return e.src }

// Compile parses src.
func (ev *Evaluator) Compile(src string) (proc.CompiledExpr, error) {
	e := &expr{src: src}
	e.env = e.predeclare()
	fn, err := starlark.ExprFunc("<expr>", src, e.env)
	if err != nil {
		return nil, err
	}
	e.fn = fn
	return e, nil
}

// Evaluate evaluates a compiled expression in scope.
func (ev *Evaluator) Evaluate(cexpr proc.CompiledExpr, scope *proc.EvalScope) (proc.Value, error) {
	e, ok := cexpr.(*expr)
	if !ok {
		return proc.Value{}, fmt.Errorf("expression %q not compiled by this evaluator", cexpr.String())
	}
	e.bind(scope)
	defer func() { e.scope = nil }()
	thread := &starlark.Thread{Name: "expr"}
	v, err := starlark.Call(thread, e.fn, nil, nil)
	if err != nil {
		if logflags.Expr() {
			logflags.ExprLogger().Debugf("%s: %v", e.src, err)
		}
		return proc.Value{}, err
	}
	return value(v), nil
}

func value(v starlark.Value) proc.Value {
	repr := v.String()
	if i, ok := v.(starlark.Int); ok {
		if u, ok := i.Uint64(); ok && u > 9 {
			repr = fmt.Sprintf("%d (%#x)", u, u)
		}
	}
	return proc.Value{Repr: repr, Truth: bool(v.Truth()), Raw: v.Type() + ":" + v.String()}
}

var errNoScope = errors.New("expression evaluated without a scope")

// bind sets the predeclared variables to the values of scope.
func (e *expr) bind(scope *proc.EvalScope) {
	e.scope = scope
	for name, num := range regnum.AMD64NameToDwarf {
		e.env[name] = starlark.None
		if scope.Regs == nil {
			continue
		}
		if reg := scope.Regs.Reg(uint64(num)); reg != nil {
			e.env[name] = starlark.MakeUint64(reg.Uint64Val)
		}
	}
	e.env["tid"] = starlark.MakeInt(scope.Thread)
	e.env["frame"] = starlark.MakeInt(scope.Frame)
}

func (e *expr) predeclare() starlark.StringDict {
	env := starlark.StringDict{}
	for name := range regnum.AMD64NameToDwarf {
		env[name] = starlark.None
	}
	env["tid"] = starlark.MakeInt(0)
	env["frame"] = starlark.MakeInt(0)
	for _, sz := range []int{1, 2, 4, 8} {
		name := fmt.Sprintf("u%d", sz*8)
		env[name] = starlark.NewBuiltin(name, e.readUint(sz))
	}
	env["cstring"] = starlark.NewBuiltin("cstring", e.cstring)
	env["reg"] = starlark.NewBuiltin("reg", e.reg)
	env["hex"] = starlark.NewBuiltin("hex", hex)
	return env
}

func addrArg(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (uint64, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return 0, err
	}
	i, ok := v.(starlark.Int)
	if !ok {
		return 0, fmt.Errorf("%s: address must be an int, got %s", b.Name(), v.Type())
	}
	addr, ok := i.Uint64()
	if !ok {
		return 0, fmt.Errorf("%s: address %s out of range", b.Name(), i)
	}
	return addr, nil
}

func (e *expr) readUint(sz int) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if e.scope == nil || e.scope.Mem == nil {
			return nil, errNoScope
		}
		addr, err := addrArg(b, args, kwargs)
		if err != nil {
			return nil, err
		}
		var buf [8]byte
		if _, err := e.scope.Mem.ReadMemory(buf[:sz], addr); err != nil {
			return nil, fmt.Errorf("%s(%#x): %v", b.Name(), addr, err)
		}
		return starlark.MakeUint64(binary.LittleEndian.Uint64(buf[:])), nil
	}
}

func (e *expr) cstring(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if e.scope == nil || e.scope.Mem == nil {
		return nil, errNoScope
	}
	addr, err := addrArg(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	var out []byte
	var buf [1]byte
	for len(out) < maxStringLen {
		if _, err := e.scope.Mem.ReadMemory(buf[:], addr+uint64(len(out))); err != nil {
			return nil, fmt.Errorf("cstring(%#x): %v", addr, err)
		}
		if buf[0] == 0 {
			break
		}
		out = append(out, buf[0])
	}
	return starlark.String(out), nil
}

func (e *expr) reg(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if e.scope == nil || e.scope.Regs == nil {
		return nil, errNoScope
	}
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
		return nil, err
	}
	var num uint64
	var ok bool
	if e.scope.Arch != nil {
		num, ok = e.scope.Arch.RegisterNum(name)
	}
	if !ok {
		return nil, fmt.Errorf("unknown register %q", name)
	}
	r := e.scope.Regs.Reg(num)
	if r == nil {
		return starlark.None, nil
	}
	return starlark.MakeUint64(r.Uint64Val), nil
}

func hex(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	i, ok := v.(starlark.Int)
	if !ok {
		return nil, fmt.Errorf("hex: expected int, got %s", v.Type())
	}
	if u, ok := i.Uint64(); ok {
		return starlark.String(fmt.Sprintf("%#x", u)), nil
	}
	return starlark.String(fmt.Sprintf("%#x", i.BigInt())), nil
}
