package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNamed_CachesLogger(t *testing.T) {
	Configure("debug", false)
	a := Named(CategoryWAL)
	b := Named(CategoryWAL)
	require.Same(t, a, b)
}

func TestConfigure_DebugLevel(t *testing.T) {
	Configure("debug", true)
	require.True(t, DebugEnabled())

	Configure("warn", true)
	require.False(t, DebugEnabled())
}
