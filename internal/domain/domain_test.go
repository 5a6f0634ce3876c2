package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerdict_ExitCodes(t *testing.T) {
	assert.Equal(t, 0, OK.ExitCode())
	assert.Equal(t, 1, Warning.ExitCode())
	assert.Equal(t, 2, Critical.ExitCode())
	assert.Equal(t, 3, Unknown.ExitCode())
	assert.Equal(t, 3, Verdict(42).ExitCode())
	assert.Equal(t, "UNKNOWN", Verdict(-1).String())
}

func TestParseAckMode(t *testing.T) {
	cases := map[string]AckMode{
		"AUTO_ACKNOWLEDGE":    AutoAcknowledge,
		"client_acknowledge":  ClientAcknowledge,
		"DUPS_OK":             DupsOKAcknowledge,
		" SESSION_TRANSACTED": SessionTransacted,
		"transacted":          SessionTransacted,
	}
	for in, want := range cases {
		got, err := ParseAckMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseAckMode("INDIVIDUAL_ACKNOWLEDGE")
	require.Error(t, err)
}

func TestAckMode_StringRoundTrips(t *testing.T) {
	for mode := AutoAcknowledge; mode <= SessionTransacted; mode++ {
		got, err := ParseAckMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, got)
	}
}
