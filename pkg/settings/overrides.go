// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package settings

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// override is one active admin-installed override.
type override struct {
	value string
	timer *time.Timer
}

// Overrides holds the currently active admin setting overrides, each
// with its own TTL timer. It implements spec.md §4.4.3's
// applySettingOverride/removeSettingOverride and the round-trip law in
// spec.md §8 ("applySettingOverride(name, v, ttl) followed by
// removeSettingOverride(name) returns the setting to its pre-override
// value and cancels the TTL timer").
//
// A second Apply for the same name stops the prior timer before installing
// the new one, so "most-recent wins" (spec.md §4.4.3).
type Overrides struct {
	mu struct {
		sync.Mutex
		active map[string]*override
	}
	configValues map[string]string
}

// NewOverrides constructs an empty Overrides holder. configValues supplies
// the SourceConfig layer (settings provided via the process's config file,
// beneath admin overrides and above compiled-in defaults).
func NewOverrides(configValues map[string]string) *Overrides {
	o := &Overrides{configValues: configValues}
	o.mu.active = make(map[string]*override)
	return o
}

// Apply installs an admin override for name with the given TTL. ttl must be
// positive (spec.md §6: "ttl_seconds>0"); unknown setting names are
// rejected.
func (o *Overrides) Apply(name, value string, ttl time.Duration) error {
	if !Exists(name) {
		return errors.Newf("unknown setting: %s", name)
	}
	if ttl <= 0 {
		return errors.Newf("ttl_seconds must be > 0, got %s", ttl)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if prev, ok := o.mu.active[name]; ok {
		prev.timer.Stop()
	}
	ov := &override{value: value}
	ov.timer = time.AfterFunc(ttl, func() {
		o.expire(name, ov)
	})
	o.mu.active[name] = ov
	return nil
}

// expire removes the override if it is still the one that was armed; a
// Remove or a newer Apply may have already replaced it.
func (o *Overrides) expire(name string, expected *override) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.mu.active[name]; ok && cur == expected {
		delete(o.mu.active, name)
	}
}

// Remove clears an override immediately, canceling its TTL timer. Removing
// a name with no active override is a no-op (spec.md §4.4.3).
func (o *Overrides) Remove(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ov, ok := o.mu.active[name]; ok {
		ov.timer.Stop()
		delete(o.mu.active, name)
	}
}

// Get resolves the current value, default value and source for name.
func (o *Overrides) Get(name string) (Value, error) {
	def, err := Default(name)
	if err != nil {
		return Value{}, err
	}

	o.mu.Lock()
	ov, overridden := o.mu.active[name]
	o.mu.Unlock()

	if overridden {
		return Value{CurrentValue: ov.value, DefaultValue: def, Source: SourceAdminOverride}, nil
	}
	if cv, ok := o.configValues[name]; ok {
		return Value{CurrentValue: cv, DefaultValue: def, Source: SourceConfig}, nil
	}
	return Value{CurrentValue: def, DefaultValue: def, Source: SourceDefault}, nil
}

// All resolves every registered setting's Value, used by getSettings
// (spec.md §6) when no filter is supplied.
func (o *Overrides) All() (map[string]Value, error) {
	result := make(map[string]Value)
	for _, name := range Names() {
		v, err := o.Get(name)
		if err != nil {
			return nil, err
		}
		result[name] = v
	}
	return result, nil
}
