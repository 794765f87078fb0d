//go:build linux

package exchange

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocBuffer(t *testing.T) {
	b, err := AllocBuffer(8192, true)
	require.NoError(t, err)
	require.Len(t, b.Bytes(), 8192)
	b.Bytes()[8191] = 1
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
}
