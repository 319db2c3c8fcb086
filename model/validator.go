package model

import (
	"strings"
	"sync"
)

// Validator normalizes model names requested by template code. Templates
// frequently hardcode model identifiers that have been renamed or retired;
// validation never fails a task, it only rewrites the name.
type Validator struct {
	mu      sync.RWMutex
	valid   map[string]struct{}
	invalid map[string]struct{}
	def     string
}

// NewValidator creates a validator from the valid/invalid sets and the
// default model used for rewrites.
func NewValidator(valid, invalid []string, def string) *Validator {
	v := &Validator{def: def}
	v.Update(valid, invalid, def)
	return v
}

// Normalize returns the model name to use for a requested name.
// Names in the valid set pass through unchanged; names in the known-invalid
// set or unknown names are replaced by the default. The same input always
// yields the same output for a given configuration.
func (v *Validator) Normalize(name string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	name = strings.TrimSpace(name)
	if name == "" {
		return v.def
	}
	if _, ok := v.valid[name]; ok {
		return name
	}
	return v.def
}

// IsKnownInvalid reports whether a name is in the known-invalid set.
// Used for logging a sharper warning than "unknown model".
func (v *Validator) IsKnownInvalid(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.invalid[strings.TrimSpace(name)]
	return ok
}

// Default returns the configured default model.
func (v *Validator) Default() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.def
}

// Update replaces the validation sets. Called on config hot reload.
func (v *Validator) Update(valid, invalid []string, def string) {
	validSet := make(map[string]struct{}, len(valid))
	for _, m := range valid {
		validSet[m] = struct{}{}
	}
	invalidSet := make(map[string]struct{}, len(invalid))
	for _, m := range invalid {
		invalidSet[m] = struct{}{}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.valid = validSet
	v.invalid = invalidSet
	if def != "" {
		v.def = def
	}
}
