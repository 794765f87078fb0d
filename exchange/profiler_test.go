package exchange

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stepClock struct {
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

func TestProfilerWritesPhaseLines(t *testing.T) {
	var sink bytes.Buffer
	metrics := newMetricRecorder()
	p := NewProfiler(&sink, metrics)
	clock := &stepClock{now: time.Unix(0, 0), step: time.Microsecond}
	p.now = clock.Now

	tl := p.Start()
	for _, phase := range []Phase{PhaseLock, PhasePostSend, PhaseWaitSend, PhasePostRecv, PhaseWaitRecv, PhaseUnlock} {
		tl.Mark(phase)
	}
	require.NoError(t, tl.Finish())
	require.NoError(t, tl.Finish())

	lines := strings.Split(strings.TrimSpace(sink.String()), "\n")
	require.Equal(t, []string{
		"total_time 7000",
		"lock_time 1000",
		"ps_time 1000",
		"ws_time 1000",
		"pr_time 1000",
		"wr_time 1000",
		"unlock_time 1000",
	}, lines)
	require.Equal(t, 1, metrics.phases["total_time"])
	require.Equal(t, 1, metrics.phases["ws_time"])

	d := tl.Durations()
	require.Equal(t, time.Microsecond, d[PhaseLock])
}

func TestNilProfilerIsInert(t *testing.T) {
	var p *Profiler
	tl := p.Start()
	tl.Mark(PhaseLock)
	require.NoError(t, tl.Finish())
	require.Nil(t, tl.Durations())
	require.NoError(t, p.Close())
}

func TestProfileLogAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timing_log.txt")

	for i := 0; i < 2; i++ {
		log, err := OpenProfileLog(path)
		require.NoError(t, err)
		p := NewProfiler(log, nil)
		tl := p.Start()
		tl.Mark(PhaseLock)
		require.NoError(t, tl.Finish())
		require.NoError(t, p.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(string(data), "lock_time "))
	require.Equal(t, 2, strings.Count(string(data), "total_time "))
	_, err = os.Stat(path + ".lock")
	require.NoError(t, err)
}
