// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package settings_test

import (
	"testing"

	"github.com/cockroachdb/logflow/pkg/settings"
	"github.com/stretchr/testify/require"
)

func TestRegisterAfterFreezePanics(t *testing.T) {
	// defs.go's init() already called Freeze() for the whole process, so this
	// exercises the real registry rather than a freshly constructed one.
	require.Panics(t, func() { settings.Register("a-new-setting", "x") })
}

func TestNamesIncludesRegisteredSettings(t *testing.T) {
	names := settings.Names()
	require.Contains(t, names, settings.RebuildingLocalWindow)
	require.Contains(t, names, settings.FlowGroupBudgetPrefix+".normal.bytes-per-sec")
	require.Contains(t, names, settings.FlowGroupBudgetPrefix+".idle.burst")

	for i := 1; i < len(names); i++ {
		require.LessOrEqual(t, names[i-1], names[i], "Names must be sorted")
	}
}

func TestExistsOnKnownAndUnknownSettings(t *testing.T) {
	require.True(t, settings.Exists(settings.RebuildingLocalWindow))
	require.False(t, settings.Exists("no-such-setting"))
}

func TestDefaultReturnsRegisteredDefaultValue(t *testing.T) {
	v, err := settings.Default(settings.RebuildingLocalWindow)
	require.NoError(t, err)
	require.Equal(t, "10min", v)

	_, err = settings.Default("no-such-setting")
	require.Error(t, err)
}

func TestSourceString(t *testing.T) {
	require.Equal(t, "DEFAULT", settings.SourceDefault.String())
	require.Equal(t, "CONFIG", settings.SourceConfig.String())
	require.Equal(t, "ADMIN_OVERRIDE", settings.SourceAdminOverride.String())
	require.Equal(t, "UNKNOWN", settings.Source(99).String())
}
