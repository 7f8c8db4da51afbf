package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChain_FirstHitWins(t *testing.T) {
	t.Parallel()

	calls := 0
	v, ok := Chain(
		func() (string, bool) { calls++; return "", false },
		func() (string, bool) { calls++; return "second", true },
		func() (string, bool) { calls++; return "third", true },
	)
	require.True(t, ok)
	require.Equal(t, "second", v)
	require.Equal(t, 2, calls)
}

func TestChain_NoHit(t *testing.T) {
	t.Parallel()

	v, ok := Chain(
		nil,
		func() (int, bool) { return 0, false },
	)
	require.False(t, ok)
	require.Zero(t, v)
}
