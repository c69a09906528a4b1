// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package rpc_test

import (
	"testing"

	"github.com/cockroachdb/logflow/pkg/logpb"
	"github.com/cockroachdb/logflow/pkg/rpc"
	"github.com/stretchr/testify/require"
)

func budgets(bytesPerSec float64, burst int) [5]rpc.Budget {
	var b [5]rpc.Budget
	for i := range b {
		b[i] = rpc.Budget{BytesPerSecond: bytesPerSec, Burst: burst}
	}
	return b
}

func TestFlowGroupCanDrainRespectsBurst(t *testing.T) {
	fg := rpc.NewFlowGroup(logpb.ScopeNode, budgets(100, 10))

	require.True(t, fg.CanDrain(rpc.PriorityNormal, 10))
	require.False(t, fg.CanDrain(rpc.PriorityNormal, 10), "burst should be exhausted by the first drain")
}

func TestFlowGroupZeroBudgetIsUnlimited(t *testing.T) {
	fg := rpc.NewFlowGroup(logpb.ScopeNode, budgets(0, 0))

	for i := 0; i < 100; i++ {
		require.True(t, fg.CanDrain(rpc.PriorityMax, 1<<20))
	}
}

func TestFlowGroupDrainDeferredReleasesWhenTokensReplenish(t *testing.T) {
	fg := rpc.NewFlowGroup(logpb.ScopeNode, budgets(1e9, 1))
	require.True(t, fg.CanDrain(rpc.PriorityNormal, 1))

	fired := false
	fg.PushCallback(func() { fired = true }, rpc.PriorityNormal)
	fg.DrainDeferred()
	require.True(t, fired, "high refill rate should let the deferred callback fire on the next drain pass")
}

func TestShapingContainerSelectWalksTowardRoot(t *testing.T) {
	sc := rpc.NewShapingContainer()
	root := rpc.NewFlowGroup(logpb.ScopeRoot, budgets(1, 1))
	sc.SetFlowGroup(logpb.ScopeRoot, root)

	got := sc.Select(logpb.Location{}, logpb.ScopeNode)
	require.Same(t, root, got)
}

func TestShapingContainerSelectPrefersMostSpecific(t *testing.T) {
	sc := rpc.NewShapingContainer()
	root := rpc.NewFlowGroup(logpb.ScopeRoot, budgets(1, 1))
	node := rpc.NewFlowGroup(logpb.ScopeNode, budgets(1, 1))
	sc.SetFlowGroup(logpb.ScopeRoot, root)
	sc.SetFlowGroup(logpb.ScopeNode, node)

	got := sc.Select(logpb.Location{}, logpb.ScopeNode)
	require.Same(t, node, got)
}

func TestShapingContainerSelectReturnsNilWhenNothingConfigured(t *testing.T) {
	sc := rpc.NewShapingContainer()
	require.Nil(t, sc.Select(logpb.Location{}, logpb.ScopeNode))
}
