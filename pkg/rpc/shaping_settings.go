// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package rpc

import (
	"strconv"

	"github.com/cockroachdb/logflow/pkg/logpb"
	"github.com/cockroachdb/logflow/pkg/settings"
)

// priorityNames orders the per-priority settings suffix the way Priority's
// iota order does (PriorityMax, PriorityHigh, PriorityNormal, PriorityLow,
// PriorityIdle), so BudgetsFromSettings can index budgets[priority] directly.
var priorityNames = [numPriorities]string{"max", "high", "normal", "low", "idle"}

// BudgetsFromSettings reads the root-scope per-priority byte budgets from
// overrides, resolving each through settings.Overrides.Get the same way
// any other admin-overridable value is resolved (SPEC_FULL.md §3.2: "a
// deposit budget ... read from ... static settings"). A "0" bytes-per-sec
// value (the registered default) means unlimited for that priority.
func BudgetsFromSettings(overrides *settings.Overrides) [numPriorities]Budget {
	var budgets [numPriorities]Budget
	for i, name := range priorityNames {
		rate := settingFloat(overrides, settings.FlowGroupBudgetPrefix+"."+name+".bytes-per-sec")
		burst := settingInt(overrides, settings.FlowGroupBudgetPrefix+"."+name+".burst")
		budgets[i] = Budget{BytesPerSecond: rate, Burst: burst}
	}
	return budgets
}

func settingFloat(overrides *settings.Overrides, name string) float64 {
	v, err := overrides.Get(name)
	if err != nil {
		return 0
	}
	f, err := strconv.ParseFloat(v.CurrentValue, 64)
	if err != nil {
		return 0
	}
	return f
}

func settingInt(overrides *settings.Overrides, name string) int {
	v, err := overrides.Get(name)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(v.CurrentValue)
	if err != nil {
		return 0
	}
	return n
}

// RefreshBudgets rebuilds the root FlowGroup from the current settings
// snapshot and installs it on sc, the periodic refresh named in
// SPEC_FULL.md §3.2 ("refreshed on a fixed interval by a ShapingContainer
// owner goroutine"). Callers typically invoke this from a time.Ticker loop
// alongside DrainDeferred sweeps.
func RefreshBudgets(sc *ShapingContainer, overrides *settings.Overrides) {
	sc.SetFlowGroup(logpb.ScopeRoot, NewFlowGroup(logpb.ScopeRoot, BudgetsFromSettings(overrides)))
}
