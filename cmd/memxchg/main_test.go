package main

import (
	"flag"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"

	"github.com/rocketbitz/memxchg/exchange"
	"github.com/rocketbitz/memxchg/faultq"
)

func newTestApp(action func(*cli.Context) error) *cli.App {
	a := cli.NewApp()
	a.Flags = globalFlags()
	a.Commands = []cli.Command{
		FaultInjectCmd(),
		{Name: "inspect", Action: action},
	}
	return a
}

func TestFaultInjectCreatesAndFillsQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fault_queue")
	a := newTestApp(nil)

	require.NoError(t, a.Run([]string{"memxchg", "fault-inject", "--queue", path, "--va", "0x1000", "--va", "8192"}))
	require.NoError(t, a.Run([]string{"memxchg", "fault-inject", "--queue", path, "--va", "0x3000"}))

	q, err := faultq.Open(path)
	require.NoError(t, err)
	defer q.Close()
	require.Equal(t, 3, q.Len())
	require.Equal(t, uint64(0x1000), q.FaultVA(0))
	require.Equal(t, uint64(8192), q.FaultVA(1))
	require.Equal(t, uint64(0x3000), q.FaultVA(2))
}

func TestInjectFaultsRejectsBadAddress(t *testing.T) {
	set := flag.NewFlagSet("fault-inject", flag.ContinueOnError)
	for _, f := range FaultInjectCmd().Flags {
		f.Apply(set)
	}
	path := filepath.Join(t.TempDir(), "fault_queue")
	require.NoError(t, set.Parse([]string{"--queue", path, "--va", "not-an-address"}))
	c := cli.NewContext(nil, set, nil)
	require.Error(t, injectFaults(c))

	set = flag.NewFlagSet("fault-inject", flag.ContinueOnError)
	for _, f := range FaultInjectCmd().Flags {
		f.Apply(set)
	}
	require.NoError(t, set.Parse([]string{"--queue", path}))
	require.Error(t, injectFaults(cli.NewContext(nil, set, nil)))
}

func TestRuntimeFromFlags(t *testing.T) {
	var rt *runtime
	a := newTestApp(func(c *cli.Context) error {
		var err error
		rt, err = newRuntime(c)
		return err
	})
	require.NoError(t, a.Run([]string{
		"memxchg",
		"--mode", "one-sided",
		"--buffer-size", "2MiB",
		"--layout", "extended",
		"--timeout", "250ms",
		"--in-band",
		"--provider", "tcp",
		"inspect",
	}))
	require.NotNil(t, rt)
	defer rt.Close()

	require.Equal(t, exchange.OneSidedWrite, rt.exchange.Mode)
	require.Equal(t, 2<<20, rt.exchange.BufferSize)
	require.Equal(t, exchange.LayoutExtended, rt.exchange.Layout)
	require.Equal(t, 250*time.Millisecond, rt.exchange.CompletionTimeout)
	require.True(t, rt.exchange.InBandDescriptor)
	require.Equal(t, exchange.DefaultSignal, rt.exchange.Signal)
	require.Equal(t, "tcp", rt.peer.Provider)
	require.True(t, rt.peer.InBandDescriptor)
	require.Equal(t, 250*time.Millisecond, rt.peer.ConnectTimeout)
	require.Nil(t, rt.exchange.Metrics)
}

func TestRuntimeRejectsBadMode(t *testing.T) {
	a := newTestApp(func(c *cli.Context) error {
		_, err := newRuntime(c)
		return err
	})
	require.Error(t, a.Run([]string{"memxchg", "--mode", "three-sided", "inspect"}))
}

func TestFaultPayload(t *testing.T) {
	got := faultPayload(faultq.Task{Slot: 3, FaultVA: 0xdead000})
	require.Equal(t, "Fault at 0xdead000", string(exchange.TrimNUL(got)))
	require.Equal(t, byte(0), got[len(got)-1])
}
