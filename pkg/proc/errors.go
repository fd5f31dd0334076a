package proc

import (
	"errors"
	"fmt"
)

// ErrNoFreeDebugRegister is returned when all the debug registers of the
// architecture are in use.
var ErrNoFreeDebugRegister = errors.New("no free hardware debug register")

// ErrNotLive is returned by run control and materialization requests when
// there is no live process.
var ErrNotLive = errors.New("the program is not being run")

// ErrUnsupported is returned when an operation needs a capability the
// current architecture or backend does not provide.
var ErrUnsupported = errors.New("operation not supported on this target")

// ErrProcessExited indicates that the process has exited and provides the
// status of the exit.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

// NoEventPointError is returned when an event point id is unknown.
type NoEventPointError struct {
	ID int
}

func (err NoEventPointError) Error() string {
	return fmt.Sprintf("no breakpoint or watchpoint with id %d", err.ID)
}

// InvalidAddressError represents the result of
// attempting to set a breakpoint at an invalid address.
type InvalidAddressError struct {
	Address uint64
}

func (iae InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address %#x", iae.Address)
}

// SymbolNotFoundError is returned when a symbol can not be resolved.
type SymbolNotFoundError struct {
	Name string
}

func (err SymbolNotFoundError) Error() string {
	return fmt.Sprintf("symbol %q not found", err.Name)
}

// TargetIOError wraps a failed memory or register access to the target.
type TargetIOError struct {
	Op   string
	Addr uint64
	Err  error
}

func (err *TargetIOError) Error() string {
	if err.Addr != 0 {
		return fmt.Sprintf("could not %s at %#x: %v", err.Op, err.Addr, err.Err)
	}
	return fmt.Sprintf("could not %s: %v", err.Op, err.Err)
}

func (err *TargetIOError) Unwrap() error {
	return err.Err
}

func ioError(op string, addr uint64, err error) error {
	if err == nil {
		return nil
	}
	return &TargetIOError{Op: op, Addr: addr, Err: err}
}
