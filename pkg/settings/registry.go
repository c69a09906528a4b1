// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package settings implements the process-wide settings registry referenced
// by AdminAPI.applySettingOverride/removeSettingOverride (spec.md §4.4.3),
// modeled on the teacher's pkg/settings registry/notifer pair: a fixed set
// of named settings with typed default values, each readable as an
// immutable snapshot and overridable with a TTL.
package settings

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// Source identifies where a setting's current value came from, the same
// three sources spec.md §6's getSettings RPC names.
type Source int

const (
	SourceDefault Source = iota
	SourceConfig
	SourceAdminOverride
)

func (s Source) String() string {
	switch s {
	case SourceDefault:
		return "DEFAULT"
	case SourceConfig:
		return "CONFIG"
	case SourceAdminOverride:
		return "ADMIN_OVERRIDE"
	default:
		return "UNKNOWN"
	}
}

// definition is a registered setting's static shape.
type definition struct {
	defaultValue string
}

// registry holds the set of known setting names. It is intended to be
// populated at init() time by each package that defines settings, then
// frozen, mirroring the teacher's Freeze() convention.
var (
	mu       sync.Mutex
	registry = map[string]definition{}
	frozen   bool
)

// Register defines a new setting with its default value. Panics if called
// after Freeze or with a duplicate name, matching the teacher's registry
// discipline (pkg/settings/registry.go).
func Register(name, defaultValue string) {
	mu.Lock()
	defer mu.Unlock()
	if frozen {
		panic(fmt.Sprintf("setting registration must occur before Freeze: %s", name))
	}
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("setting already defined: %s", name))
	}
	registry[name] = definition{defaultValue: defaultValue}
}

// Freeze prevents further Register calls, the way the teacher freezes its
// registry once the process starts accepting configuration changes.
func Freeze() {
	mu.Lock()
	defer mu.Unlock()
	frozen = true
}

// Names returns the sorted list of known setting names.
func Names() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Exists reports whether name is a registered setting.
func Exists(name string) bool {
	mu.Lock()
	defer mu.Unlock()
	_, ok := registry[name]
	return ok
}

// Default returns the default value for name.
func Default(name string) (string, error) {
	mu.Lock()
	defer mu.Unlock()
	d, ok := registry[name]
	if !ok {
		return "", errors.Newf("unknown setting: %s", name)
	}
	return d.defaultValue, nil
}

// Value describes the resolved state of one setting, as surfaced by
// AdminAPI's getSettings RPC (spec.md §6).
type Value struct {
	CurrentValue string
	DefaultValue string
	Source       Source
}
