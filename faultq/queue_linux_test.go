//go:build linux

package faultq

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateAndOpenShareMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fault_queue")
	producerSide, err := Create(path)
	require.NoError(t, err)
	defer producerSide.Close()

	consumerSide, err := Open(path, WithConsumerLock())
	require.NoError(t, err)
	defer consumerSide.Close()

	_, err = Open(path, WithConsumerLock())
	require.ErrorIs(t, err, ErrConsumerActive)

	require.NoError(t, NewProducer(producerSide).Push(0xfeed))
	require.Equal(t, int32(1), consumerSide.Head())
	require.Equal(t, uint64(0xfeed), consumerSide.FaultVA(0))

	var got []Task
	c, err := NewConsumer(consumerSide, ConsumerConfig{Offer: func(task Task) bool {
		got = append(got, task)
		return true
	}})
	require.NoError(t, err)
	worked, err := c.Step()
	require.NoError(t, err)
	require.True(t, worked)
	require.Equal(t, []Task{{Slot: 0, FaultVA: 0xfeed}}, got)
	require.True(t, producerSide.Processed(0))
	require.Equal(t, int32(1), producerSide.Tail())
}

func TestOpenDeviceMissing(t *testing.T) {
	_, err := OpenDevice(filepath.Join(t.TempDir(), "nvidia-uvm"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "fault subsystem open")
}

func TestDeviceIoctlOnRegularFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring")
	q, err := Create(path)
	require.NoError(t, err)
	defer q.Close()

	dev, err := OpenDevice(path)
	require.NoError(t, err)
	defer dev.Close()
	err = dev.AcknowledgeFault()
	require.Error(t, err)
	require.Contains(t, err.Error(), "acknowledge_fault")
}
