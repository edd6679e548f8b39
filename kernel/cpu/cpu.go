// Package cpu provides the processor controls used by the rest of the kernel.
//
// The actual instructions (cli/sti/hlt) are supplied by the architecture
// bootstrap code through SetControls. Until then, a software interrupt flag
// is used so that the code paths that mask interrupts behave identically when
// the kernel packages are exercised on a development host.
package cpu

import "sync/atomic"

// Controls groups the architecture-specific implementations of the
// processor controls.
type Controls struct {
	// EnableInterrupts enables interrupt handling.
	EnableInterrupts func()

	// DisableInterrupts disables interrupt handling.
	DisableInterrupts func()

	// InterruptsEnabled reports whether interrupt handling is enabled.
	InterruptsEnabled func() bool

	// Halt stops instruction execution.
	Halt func()
}

var (
	softIF uint32 = 1

	active = softControls()
)

func softControls() Controls {
	return Controls{
		EnableInterrupts:  func() { atomic.StoreUint32(&softIF, 1) },
		DisableInterrupts: func() { atomic.StoreUint32(&softIF, 0) },
		InterruptsEnabled: func() bool { return atomic.LoadUint32(&softIF) == 1 },
		Halt:              func() { select {} },
	}
}

// SetControls installs the architecture-specific processor controls. Passing
// a zero Controls value restores the software implementation.
func SetControls(c Controls) {
	if c.EnableInterrupts == nil || c.DisableInterrupts == nil || c.InterruptsEnabled == nil || c.Halt == nil {
		atomic.StoreUint32(&softIF, 1)
		active = softControls()
		return
	}
	active = c
}

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() { active.EnableInterrupts() }

// DisableInterrupts disables interrupt handling.
func DisableInterrupts() { active.DisableInterrupts() }

// InterruptsEnabled returns true if interrupt handling is currently enabled.
func InterruptsEnabled() bool { return active.InterruptsEnabled() }

// Halt stops instruction execution.
func Halt() { active.Halt() }

// MaskInterrupts disables interrupt handling and returns the previous
// interrupt state which must be passed to RestoreInterrupts once the critical
// section completes. Nested critical sections are supported as only the
// outermost RestoreInterrupts call re-enables interrupts.
func MaskInterrupts() bool {
	wasEnabled := active.InterruptsEnabled()
	if wasEnabled {
		active.DisableInterrupts()
	}
	return wasEnabled
}

// RestoreInterrupts re-enables interrupt handling if it was enabled when the
// matching MaskInterrupts call was made.
func RestoreInterrupts(wasEnabled bool) {
	if wasEnabled {
		active.EnableInterrupts()
	}
}
