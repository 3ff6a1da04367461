package wup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadInfoRoundTrip(t *testing.T) {
	tests := []DownloadInfo{
		{SWVersion: "1.3.0-110230", ImageSize: 4096, SyncBlockSize: DefaultSyncBlockSize, Forced: true},
		{SWVersion: "", ImageSize: 0, SyncBlockSize: 0, Forced: false},
		{SWVersion: "exactly-32-characters-long-str!!", ImageSize: 1, SyncBlockSize: 1, Forced: true},
	}

	for _, want := range tests {
		encoded := want.Encode()
		require.Len(t, encoded, DownloadInfoSize)

		got, err := DecodeDownloadInfo(encoded)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDecodeDownloadInfoRejectsWrongLength(t *testing.T) {
	_, err := DecodeDownloadInfo(make([]byte, DownloadInfoSize-1))
	assert.Error(t, err)
}

func TestStatusRoundTrip(t *testing.T) {
	tests := []Status{
		{Status: StatusOK, State: StateDnloadIdle, WrittenBytes: 0},
		{Status: StatusErrState, State: StateError, WrittenBytes: 1 << 20},
		{Status: StatusErrUnknown, State: StateDetached, WrittenBytes: 0xFFFFFFFF},
	}

	for _, want := range tests {
		encoded := want.Encode()
		require.Len(t, encoded, StatusSize)

		got, err := DecodeStatus(encoded)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDecodeStatusRejectsWrongLength(t *testing.T) {
	_, err := DecodeStatus(make([]byte, StatusSize+1))
	assert.Error(t, err)
}

func TestStatusCodeString(t *testing.T) {
	assert.Equal(t, "OK", StatusOK.String())
	assert.Equal(t, "errSTATE", StatusErrState.String())
	assert.Equal(t, "unknown", StatusCode(0xFF).String())
}

func TestDeviceStateString(t *testing.T) {
	assert.Equal(t, "dfuDNLOAD_IDLE", StateDnloadIdle.String())
	assert.Equal(t, "unknown", DeviceState(0xFF).String())
}
