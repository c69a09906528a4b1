// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package settings

// Names of the settings the logflow stack registers at init time, mirroring
// the teacher's convention of exporting the string constant alongside the
// RegisterXxxSetting call (e.g. kv.rangefeed.enabled).
const (
	// RebuildingLocalWindow is exercised end to end by the applySettingOverride
	// round-trip scenario in spec.md §8 S8; it does not gate any behavior in
	// this module, matching the scenario's pure settings-plane focus.
	RebuildingLocalWindow = "rebuilding-local-window"

	// FlowGroupBudgetPrefix roots the ten (priority, bound) per-priority
	// byte-budget settings consulted by rpc.ShapingContainer's owner loop
	// (SPEC_FULL.md §3.2): "<prefix>.<priority>.bytes-per-sec" and
	// "<prefix>.<priority>.burst" for each of
	// PriorityMax/High/Normal/Low/Idle.
	FlowGroupBudgetPrefix = "flow-group.root"
)

func init() {
	Register(RebuildingLocalWindow, "10min")

	for _, p := range []string{"max", "high", "normal", "low", "idle"} {
		Register(FlowGroupBudgetPrefix+"."+p+".bytes-per-sec", "0")
		Register(FlowGroupBudgetPrefix+"."+p+".burst", "0")
	}

	Freeze()
}
