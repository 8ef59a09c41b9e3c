package common

import (
	"errors"
	"sync"
)

// ErrModulePaused rejects state-changing calls while an operator has paused a
// module.
var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a named module is administratively paused.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard returns ErrModulePaused when the module is paused. A nil view or empty
// module name disables the check.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// PauseSwitch is an in-process PauseView toggled by operational tooling. The
// zero value is unusable; construct with NewPauseSwitch.
type PauseSwitch struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauseSwitch returns a switch with every module running.
func NewPauseSwitch() *PauseSwitch {
	return &PauseSwitch{paused: make(map[string]bool)}
}

// Pause stops the named module.
func (s *PauseSwitch) Pause(module string) {
	s.mu.Lock()
	s.paused[module] = true
	s.mu.Unlock()
}

// Resume restarts the named module.
func (s *PauseSwitch) Resume(module string) {
	s.mu.Lock()
	delete(s.paused, module)
	s.mu.Unlock()
}

// IsPaused implements PauseView.
func (s *PauseSwitch) IsPaused(module string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused[module]
}
