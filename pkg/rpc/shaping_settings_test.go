// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package rpc_test

import (
	"testing"
	"time"

	"github.com/cockroachdb/logflow/pkg/logpb"
	"github.com/cockroachdb/logflow/pkg/rpc"
	"github.com/cockroachdb/logflow/pkg/settings"
	"github.com/stretchr/testify/require"
)

func TestBudgetsFromSettingsDefaultsToUnlimited(t *testing.T) {
	overrides := settings.NewOverrides(nil)
	budgets := rpc.BudgetsFromSettings(overrides)
	for _, b := range budgets {
		require.Zero(t, b.BytesPerSecond)
	}
}

func TestRefreshBudgetsInstallsRootFlowGroupFromOverride(t *testing.T) {
	overrides := settings.NewOverrides(nil)
	require.NoError(t, overrides.Apply(settings.FlowGroupBudgetPrefix+".normal.bytes-per-sec", "1000", time.Minute))
	require.NoError(t, overrides.Apply(settings.FlowGroupBudgetPrefix+".normal.burst", "10", time.Minute))

	sc := rpc.NewShapingContainer()
	rpc.RefreshBudgets(sc, overrides)

	fg := sc.Select(logpb.Location{}, logpb.ScopeRoot)
	require.NotNil(t, fg)
	require.True(t, fg.CanDrain(rpc.PriorityNormal, 10))
	require.False(t, fg.CanDrain(rpc.PriorityNormal, 10))
}
