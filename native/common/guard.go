package common

import (
	"strings"

	coreerrors "p2pescrow/core/errors"
)

var ErrModulePaused = coreerrors.New(coreerrors.ErrStateConflict, "module_paused", "module paused")

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// StaticPauses is a PauseView backed by a fixed module list, typically loaded
// from configuration.
type StaticPauses map[string]bool

// NewStaticPauses normalises module names into a pause set.
func NewStaticPauses(modules []string) StaticPauses {
	out := make(StaticPauses, len(modules))
	for _, module := range modules {
		trimmed := strings.ToLower(strings.TrimSpace(module))
		if trimmed != "" {
			out[trimmed] = true
		}
	}
	return out
}

// IsPaused implements PauseView.
func (p StaticPauses) IsPaused(module string) bool {
	return p[strings.ToLower(module)]
}
