// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package logpb

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// LocationScope orders the levels a FlowGroup can be keyed at, from most
// specific to least (spec.md §3 FlowGroup, SPEC_FULL.md §3.1). When a
// shaper is not configured at a more specific scope, FlowGroup lookup
// walks toward ROOT.
type LocationScope int8

const (
	ScopeNode LocationScope = iota
	ScopeRack
	ScopeRow
	ScopeCluster
	ScopeDataCenter
	ScopeRegion
	ScopeRoot
)

var scopeNames = [...]string{"NODE", "RACK", "ROW", "CLUSTER", "DATA_CENTER", "REGION", "ROOT"}

func (s LocationScope) String() string {
	if int(s) < 0 || int(s) >= len(scopeNames) {
		return "UNKNOWN"
	}
	return scopeNames[s]
}

// Location is a parsed dot-separated location string of the form
// "region.dc.cluster.row.rack" (spec.md §6).
type Location struct {
	Region  string
	DC      string
	Cluster string
	Row     string
	Rack    string
}

// ParseLocation parses a dot-separated location string. A partially
// specified location (fewer than 5 components) is accepted and leaves
// trailing fields empty, matching how the original system tolerates
// shallow deployments that don't use every scope.
func ParseLocation(s string) (Location, error) {
	if s == "" {
		return Location{}, nil
	}
	parts := strings.Split(s, ".")
	if len(parts) > 5 {
		return Location{}, errors.Newf("location %q has more than 5 scopes", s)
	}
	var loc Location
	fields := []*string{&loc.Region, &loc.DC, &loc.Cluster, &loc.Row, &loc.Rack}
	for i, p := range parts {
		*fields[i] = p
	}
	return loc, nil
}

// String renders the location back to its dot-separated form.
func (l Location) String() string {
	parts := []string{l.Region, l.DC, l.Cluster, l.Row, l.Rack}
	for len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return strings.Join(parts, ".")
}

// ScopeValue returns the location component at the given scope, used to
// build a FlowGroup lookup key. ScopeRoot has no component and always
// returns "".
func (l Location) ScopeValue(scope LocationScope) string {
	switch scope {
	case ScopeRegion:
		return l.Region
	case ScopeDataCenter:
		return l.DC
	case ScopeCluster:
		return l.Cluster
	case ScopeRow:
		return l.Row
	case ScopeRack:
		return l.Rack
	default:
		return ""
	}
}
