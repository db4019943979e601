package qemulog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogEventMarshalUnmarshalRoundTrip(t *testing.T) {
	e := &LogEvent{
		TimestampUnixNano: 1700000000000000000,
		Pid:               42,
		Cpu:               1,
		Level:             LevelWarn,
		Message:            "AHCI port 0 timed out",
		Coredump:          []byte{0x4f, 0x53, 0x43, 0x4f}, // arbitrary payload bytes
	}
	data, err := e.Marshal()
	require.NoError(t, err)

	got := new(LogEvent)
	require.NoError(t, got.Unmarshal(data))
	assert.Equal(t, e.TimestampUnixNano, got.TimestampUnixNano)
	assert.Equal(t, e.Pid, got.Pid)
	assert.Equal(t, e.Cpu, got.Cpu)
	assert.Equal(t, e.Level, got.Level)
	assert.Equal(t, e.Message, got.Message)
	assert.Equal(t, e.Coredump, got.Coredump)
}

func TestLogEventWithoutCoredumpOmitsField(t *testing.T) {
	e := &LogEvent{TimestampUnixNano: 1, Pid: 7, Level: LevelInfo, Message: "boot"}
	data, err := e.Marshal()
	require.NoError(t, err)

	got := new(LogEvent)
	require.NoError(t, got.Unmarshal(data))
	assert.Empty(t, got.Coredump)
	assert.Equal(t, "boot", got.Message)
}

func TestAckMarshalUnmarshalRoundTrip(t *testing.T) {
	a := &Ack{Received: true}
	data, err := a.Marshal()
	require.NoError(t, err)

	got := new(Ack)
	require.NoError(t, got.Unmarshal(data))
	assert.True(t, got.Received)
}

func TestCodecRejectsUnknownType(t *testing.T) {
	c := codec{}
	_, err := c.Marshal("not a wire message")
	assert.Error(t, err)
}

func TestCodecRoundTripsThroughInterface(t *testing.T) {
	c := codec{}
	e := &LogEvent{Pid: 99, Message: "x"}
	data, err := c.Marshal(e)
	require.NoError(t, err)

	got := new(LogEvent)
	require.NoError(t, c.Unmarshal(data, got))
	assert.Equal(t, uint32(99), got.Pid)
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "debug", LevelDebug.String())
	assert.Equal(t, "info", LevelInfo.String())
	assert.Equal(t, "warn", LevelWarn.String())
	assert.Equal(t, "error", LevelError.String())
}
