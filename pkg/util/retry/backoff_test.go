// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package retry_test

import (
	"testing"
	"time"

	"github.com/cockroachdb/logflow/pkg/util/retry"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoffTimerStartsUnarmed(t *testing.T) {
	timer := retry.NewExponentialBackoffTimer(time.Millisecond, time.Second)
	require.False(t, timer.Armed())
}

func TestExponentialBackoffTimerArmsOnFirstDelay(t *testing.T) {
	timer := retry.NewExponentialBackoffTimer(time.Millisecond, time.Second)
	_ = timer.NextDelay()
	require.True(t, timer.Armed())
}

func TestExponentialBackoffTimerDelaysStayWithinCeiling(t *testing.T) {
	timer := retry.NewExponentialBackoffTimer(time.Millisecond, 50*time.Millisecond)
	for i := 0; i < 20; i++ {
		d := timer.NextDelay()
		require.Greater(t, d, time.Duration(0))
		// Randomization factor is 0.25, so allow headroom above the ceiling.
		require.LessOrEqual(t, d, 63*time.Millisecond)
	}
}

func TestExponentialBackoffTimerResetClearsArmedState(t *testing.T) {
	timer := retry.NewExponentialBackoffTimer(time.Millisecond, time.Second)
	_ = timer.NextDelay()
	require.True(t, timer.Armed())

	timer.Reset()
	require.False(t, timer.Armed())
}

func TestJitteredDurationStaysWithinFactorBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := retry.JitteredDuration(base, 0.25)
		require.GreaterOrEqual(t, d, 75*time.Millisecond)
		require.LessOrEqual(t, d, 125*time.Millisecond)
	}
}

func TestJitteredDurationWithZeroFactorReturnsExact(t *testing.T) {
	require.Equal(t, 100*time.Millisecond, retry.JitteredDuration(100*time.Millisecond, 0))
}
