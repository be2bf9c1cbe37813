package common

import "errors"

// ErrModulePaused is returned when governance has halted a module's flows.
var ErrModulePaused = errors.New("module paused")

// PauseView exposes the governance pause switches to the native engines.
type PauseView interface {
	IsPaused(module string) bool
}

// NopPauses is a PauseView that never pauses. Engines fall back to it when no
// governance view is wired.
type NopPauses struct{}

// IsPaused implements the PauseView interface.
func (NopPauses) IsPaused(string) bool { return false }

// Guard rejects the operation when the named module is paused. A nil view or
// empty module name always passes.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
