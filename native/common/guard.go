package common

import "errors"

// ErrModulePaused is returned when an operator has halted a module.
var ErrModulePaused = errors.New("module paused")

// PauseView exposes the operator pause switches consulted before any mutating
// engine operation.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the call when the named module is paused.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
