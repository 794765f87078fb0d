package exchange

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	require.NoError(t, cfg.Validate())
	require.Equal(t, TwoSided, cfg.Mode)
	require.Equal(t, LayoutCompact, cfg.Layout)
	require.Equal(t, 2101248, cfg.BufferSize)
	require.Equal(t, uint32(0x1234), cfg.Signal)
	require.Equal(t, 5*time.Second, cfg.CompletionTimeout)

	unbounded := Config{CompletionTimeout: -1}
	require.NoError(t, unbounded.Validate())
	require.Equal(t, time.Duration(-1), unbounded.CompletionTimeout)

	bad := Config{Mode: DispatchMode(9)}
	require.Error(t, bad.Validate())
	bad = Config{BufferSize: -1}
	require.Error(t, bad.Validate())
}

func TestParseBufferSize(t *testing.T) {
	cases := map[string]int{
		"2MiB+4KiB": 2*1024*1024 + 4096,
		"4096":      4096,
		"1m":        1024 * 1024,
		"2MiB + 4k": 2*1024*1024 + 4096,
	}
	for in, want := range cases {
		got, err := ParseBufferSize(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "abc", "2MiB+", "0"} {
		_, err := ParseBufferSize(in)
		require.Error(t, err, in)
	}
}

func TestParseModes(t *testing.T) {
	mode, err := ParseDispatchMode("one-sided")
	require.NoError(t, err)
	require.Equal(t, OneSidedWrite, mode)
	mode, err = ParseDispatchMode("two-sided")
	require.NoError(t, err)
	require.Equal(t, TwoSided, mode)
	_, err = ParseDispatchMode("sideways")
	require.Error(t, err)

	layout, err := ParseDescriptorLayout("extended")
	require.NoError(t, err)
	require.Equal(t, 24, layout.Size())
}

func TestFillPagesAndTrimNUL(t *testing.T) {
	buf := make([]byte, 3*64)
	FillPages(buf, 64)
	require.Equal(t, "Page [0]", string(TrimNUL(buf[0:64])))
	require.Equal(t, "Page [1]", string(TrimNUL(buf[64:128])))
	require.Equal(t, "Page [2]", string(TrimNUL(buf[128:])))
	require.Equal(t, []byte("abc"), TrimNUL([]byte("abc")))
	require.True(t, bytes.Equal([]byte{}, TrimNUL([]byte{0, 1})))
}
