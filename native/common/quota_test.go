package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckQuotaWithinLimit(t *testing.T) {
	q := Quota{MaxRequestsPerWindow: 3, WindowSeconds: 60}
	usage := QuotaNow{}
	var err error
	for i := 0; i < 3; i++ {
		usage, err = CheckQuota(q, 1, usage)
		require.NoError(t, err)
	}
	require.Equal(t, uint32(3), usage.ReqCount)

	_, err = CheckQuota(q, 1, usage)
	require.ErrorIs(t, err, ErrQuotaRequestsExceeded)
}

func TestCheckQuotaResetsOnNewWindow(t *testing.T) {
	q := Quota{MaxRequestsPerWindow: 1, WindowSeconds: 60}
	usage, err := CheckQuota(q, 1, QuotaNow{})
	require.NoError(t, err)
	_, err = CheckQuota(q, 1, usage)
	require.ErrorIs(t, err, ErrQuotaRequestsExceeded)

	usage, err = CheckQuota(q, 2, usage)
	require.NoError(t, err)
	require.Equal(t, uint64(2), usage.WindowID)
	require.Equal(t, uint32(1), usage.ReqCount)
}

func TestCheckQuotaDisabled(t *testing.T) {
	q := Quota{}
	require.False(t, q.Enabled())
	usage := QuotaNow{}
	var err error
	for i := 0; i < 100; i++ {
		usage, err = CheckQuota(q, 1, usage)
		require.NoError(t, err)
	}
}

func TestWindowFor(t *testing.T) {
	q := Quota{MaxRequestsPerWindow: 1, WindowSeconds: 60}
	require.Equal(t, q.WindowFor(59), q.WindowFor(0))
	require.NotEqual(t, q.WindowFor(60), q.WindowFor(59))

	// Zero window seconds falls back to one minute.
	zero := Quota{MaxRequestsPerWindow: 1}
	require.Equal(t, zero.WindowFor(59), zero.WindowFor(0))
}

func TestGuardPauseSwitch(t *testing.T) {
	require.NoError(t, Guard(nil, "engine"))

	sw := NewPauseSwitch()
	require.NoError(t, Guard(sw, "engine"))

	sw.Pause("engine")
	require.ErrorIs(t, Guard(sw, "engine"), ErrModulePaused)
	require.NoError(t, Guard(sw, "escrow"))

	sw.Resume("engine")
	require.NoError(t, Guard(sw, "engine"))
}
