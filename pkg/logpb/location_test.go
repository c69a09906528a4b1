// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package logpb_test

import (
	"testing"

	"github.com/cockroachdb/logflow/pkg/logpb"
	"github.com/stretchr/testify/require"
)

func TestParseLocationFullySpecified(t *testing.T) {
	loc, err := logpb.ParseLocation("east.dc1.c1.row2.rack3")
	require.NoError(t, err)
	require.Equal(t, logpb.Location{Region: "east", DC: "dc1", Cluster: "c1", Row: "row2", Rack: "rack3"}, loc)
}

func TestParseLocationPartiallySpecified(t *testing.T) {
	loc, err := logpb.ParseLocation("east.dc1")
	require.NoError(t, err)
	require.Equal(t, logpb.Location{Region: "east", DC: "dc1"}, loc)
}

func TestParseLocationEmptyStringReturnsZeroValue(t *testing.T) {
	loc, err := logpb.ParseLocation("")
	require.NoError(t, err)
	require.Equal(t, logpb.Location{}, loc)
}

func TestParseLocationRejectsTooManyScopes(t *testing.T) {
	_, err := logpb.ParseLocation("a.b.c.d.e.f")
	require.Error(t, err)
}

func TestLocationStringTrimsTrailingEmptyComponents(t *testing.T) {
	loc := logpb.Location{Region: "east", DC: "dc1"}
	require.Equal(t, "east.dc1", loc.String())
}

func TestLocationStringRoundTrip(t *testing.T) {
	orig := "east.dc1.c1.row2.rack3"
	loc, err := logpb.ParseLocation(orig)
	require.NoError(t, err)
	require.Equal(t, orig, loc.String())
}

func TestLocationScopeValue(t *testing.T) {
	loc := logpb.Location{Region: "east", DC: "dc1", Cluster: "c1", Row: "row2", Rack: "rack3"}
	require.Equal(t, "east", loc.ScopeValue(logpb.ScopeRegion))
	require.Equal(t, "dc1", loc.ScopeValue(logpb.ScopeDataCenter))
	require.Equal(t, "c1", loc.ScopeValue(logpb.ScopeCluster))
	require.Equal(t, "row2", loc.ScopeValue(logpb.ScopeRow))
	require.Equal(t, "rack3", loc.ScopeValue(logpb.ScopeRack))
	require.Equal(t, "", loc.ScopeValue(logpb.ScopeRoot))
	require.Equal(t, "", loc.ScopeValue(logpb.ScopeNode))
}

func TestLocationScopeStringUnknown(t *testing.T) {
	require.Equal(t, "UNKNOWN", logpb.LocationScope(99).String())
	require.Equal(t, "ROOT", logpb.ScopeRoot.String())
	require.Equal(t, "NODE", logpb.ScopeNode.String())
}
