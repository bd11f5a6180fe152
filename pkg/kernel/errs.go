package kernel

import "errors"

var (
	// ErrNoChildren indicates Wait was called by a childless process.
	ErrNoChildren = errors.New("kernel: no children")

	// ErrInterrupted indicates an alertable wait was cut short because
	// the process was killed.
	ErrInterrupted = errors.New("kernel: interrupted")

	// ErrNoSuchProc indicates the target PID names no live process.
	ErrNoSuchProc = errors.New("kernel: no such process")

	// ErrContainerBusy indicates DestroyContainer was called while the
	// container still holds schedulable or unreaped processes.
	ErrContainerBusy = errors.New("kernel: container busy")
)
