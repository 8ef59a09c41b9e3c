package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskFieldRedactsAddresses(t *testing.T) {
	attr := MaskField("caller", "0x1111111111111111111111111111111111111111")
	require.Equal(t, RedactedValue, attr.Value.String())

	// Allowlisted keys pass through.
	attr = MaskField("jobId", "job-1")
	require.Equal(t, "job-1", attr.Value.String())

	// Empty values stay empty rather than becoming placeholder noise.
	attr = MaskField("caller", "")
	require.Equal(t, "", attr.Value.String())
}

func TestAllowlistExcludesPrincipalFields(t *testing.T) {
	require.True(t, IsAllowlisted("jobId"))
	require.True(t, IsAllowlisted("escrowId"))
	require.False(t, IsAllowlisted("caller"))
	require.False(t, IsAllowlisted("sender"))
	require.False(t, IsAllowlisted("signature"))
}

func TestMaskValue(t *testing.T) {
	require.Equal(t, RedactedValue, MaskValue("secret"))
	require.Equal(t, "", MaskValue(""))
	require.Equal(t, " ", MaskValue(" "))
}
