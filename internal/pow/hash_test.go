package pow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMeetsKnownVector(t *testing.T) {
	h, err := ParseHash("718cc2121c3e641059bc1c2cfc45666c99e8ae922f7a807b7d07b62c995d79e2")
	require.NoError(t, err)

	threshold, err := ParseThreshold("ffffffc000000000")
	require.NoError(t, err)

	nonce, err := ParseNonce("2bf29ef00786a6bc")
	require.NoError(t, err)

	valid, digest := Meets(h, nonce, threshold)
	require.True(t, valid)
	require.Equal(t, "ffffffd21c3933f4", Threshold(digest).String())
	require.GreaterOrEqual(t, digest, uint64(threshold))
}

func TestMeetsZeroThresholdAcceptsEverything(t *testing.T) {
	var h Hash
	for i := range h {
		h[i] = byte(i)
	}
	valid, _ := Meets(h, Nonce(0), Threshold(0))
	require.True(t, valid)
}

func TestMeetsNeverPanics(t *testing.T) {
	var h Hash
	require.NotPanics(t, func() {
		Meets(h, Nonce(0xffffffffffffffff), Threshold(0xffffffffffffffff))
	})
}

func TestHexRoundTrip(t *testing.T) {
	h, err := ParseHash("718cc2121c3e641059bc1c2cfc45666c99e8ae922f7a807b7d07b62c995d79e2")
	require.NoError(t, err)
	require.Equal(t, "718cc2121c3e641059bc1c2cfc45666c99e8ae922f7a807b7d07b62c995d79e2", h.String())

	th, err := ParseThreshold("ffffffc000000000")
	require.NoError(t, err)
	require.Equal(t, "ffffffc000000000", th.String())

	n, err := ParseNonce("2bf29ef00786a6bc")
	require.NoError(t, err)
	require.Equal(t, "2bf29ef00786a6bc", n.String())
}

func TestParseHashRejectsWrongLength(t *testing.T) {
	_, err := ParseHash("00")
	require.Error(t, err)
}
