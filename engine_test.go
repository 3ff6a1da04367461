package wup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// controlCall records one ControlIO invocation for transcript assertions.
type controlCall struct {
	dir     Direction
	bReq    uint8
	wValue  uint16
	payload []byte
}

// statusScript lets a test queue up a sequence of responses (or a timeout)
// for a given wValue selector; each call consumes the next entry.
type statusScript struct {
	responses []scriptedResponse
	i         int
}

type scriptedResponse struct {
	status  Status
	timeout bool
}

// mockTransport is a scripted, in-memory Transport used to drive the engine
// through spec §8's end-to-end scenarios without any real USB hardware.
type mockTransport struct {
	mu sync.Mutex

	maxPacket uint16

	bulkWrites [][]byte
	controlLog []controlCall
	sleeps     []time.Duration

	statusScripts map[uint16]*statusScript // keyed by wValue (GET_STATUS, SYNC)

	bulkShortBy int // when >0, next BulkWrite under-reports by this many bytes
}

func newMockTransport() *mockTransport {
	return &mockTransport{statusScripts: make(map[uint16]*statusScript)}
}

func (m *mockTransport) queueStatus(wValue uint16, responses ...scriptedResponse) {
	m.statusScripts[wValue] = &statusScript{responses: responses}
}

func ok(state DeviceState, written uint32) scriptedResponse {
	return scriptedResponse{status: Status{Status: StatusOK, State: state, WrittenBytes: written}}
}

func errState(state DeviceState, written uint32) scriptedResponse {
	return scriptedResponse{status: Status{Status: StatusErrState, State: state, WrittenBytes: written}}
}

func timeoutResponse() scriptedResponse { return scriptedResponse{timeout: true} }

func (m *mockTransport) BulkWrite(ctx context.Context, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), data...)
	m.bulkWrites = append(m.bulkWrites, cp)

	n := len(data)
	if m.bulkShortBy > 0 {
		n -= m.bulkShortBy
		m.bulkShortBy = 0
	}

	if needsZeroLengthPacket(len(data), m.maxPacket) {
		m.bulkWrites = append(m.bulkWrites, []byte{})
	}
	return n, nil
}

func (m *mockTransport) BulkRead(ctx context.Context, buf []byte) (int, error) {
	return 0, nil
}

func (m *mockTransport) ControlIO(ctx context.Context, dir Direction, setup SetupPacket, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := append([]byte(nil), data...)
	m.controlLog = append(m.controlLog, controlCall{dir: dir, bReq: setup.BRequest, wValue: setup.WValue, payload: cp})

	if dir == DirectionOut {
		return len(data), nil
	}

	script := m.statusScripts[setup.WValue]
	if script == nil || script.i >= len(script.responses) {
		return 0, errors.New("mockTransport: no scripted response for wValue")
	}
	resp := script.responses[script.i]
	script.i++

	if resp.timeout {
		return 0, ErrTransportTimeout
	}
	encoded := resp.status.Encode()
	copy(data, encoded)
	return len(encoded), nil
}

func (m *mockTransport) ClearHalt(ctx context.Context, dir Direction) error { return nil }

func (m *mockTransport) Sleep(ctx context.Context, d time.Duration) error {
	m.mu.Lock()
	m.sleeps = append(m.sleeps, d)
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) WaitForDisconnect(ctx context.Context, timeout time.Duration) error { return nil }

func (m *mockTransport) Close() error { return nil }

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// S1 — happy path, sync disabled.
func TestRunFileHappyPathSyncDisabled(t *testing.T) {
	path := writeTempFile(t, 1000)
	m := newMockTransport()
	m.queueStatus(ReqGetStatus, ok(StateDnloadIdle, 0), ok(StateDnloadIdle, 0))
	m.queueStatus(ReqSync, ok(StateDnloadIdle, 1000))

	cfg := Config{Sync: false}
	res := RunFile(context.Background(), m, path, cfg, nil)
	require.NoError(t, res.Err)
	assert.EqualValues(t, 1000, res.CumulativeSent)
	assert.Equal(t, 1, res.Checkpoints)
	assert.NotEmpty(t, res.MD5)

	// Exactly one checkpoint: the final sync (invariant 5).
	assert.Equal(t, 1, m.statusScripts[ReqSync].i)
}

// S2 — sync enabled with two checkpoints at the 64 MiB boundary.
func TestRunFileTwoCheckpoints(t *testing.T) {
	size := int(DefaultSyncBlockSize) + 10
	path := writeTempFile(t, size)
	m := newMockTransport()
	m.queueStatus(ReqGetStatus, ok(StateDnloadIdle, 0), ok(StateDnloadIdle, 0))
	m.queueStatus(ReqSync,
		ok(StateDnloadSync, DefaultSyncBlockSize),
		ok(StateDnloadIdle, DefaultSyncBlockSize+10),
	)

	cfg := Config{Sync: true, BufferKiB: 1024}
	res := RunFile(context.Background(), m, path, cfg, nil)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Checkpoints)
	assert.EqualValues(t, size, res.CumulativeSent)
}

// S3 — negotiate recovery via ABORT then retry.
func TestRunFileNegotiateRecovers(t *testing.T) {
	path := writeTempFile(t, 10)
	m := newMockTransport()
	m.queueStatus(ReqGetStatus,
		errState(StateError, 0),
		ok(StateDnloadIdle, 0),
		ok(StateDnloadIdle, 0), // integrity check
	)
	m.queueStatus(ReqSync, ok(StateDnloadIdle, 10))

	res := RunFile(context.Background(), m, path, Config{Sync: false}, nil)
	require.NoError(t, res.Err)

	var abortCalls int
	for _, c := range m.controlLog {
		if c.dir == DirectionOut && c.wValue == ReqAbort {
			abortCalls++
		}
	}
	assert.Equal(t, 1, abortCalls)
}

// S4 — checkpoint timeout retry then success.
func TestRunFileCheckpointTimeoutRetries(t *testing.T) {
	path := writeTempFile(t, 10)
	m := newMockTransport()
	m.queueStatus(ReqGetStatus, ok(StateDnloadIdle, 0), ok(StateDnloadIdle, 0))
	m.queueStatus(ReqSync, timeoutResponse(), ok(StateDnloadIdle, 10))

	res := RunFile(context.Background(), m, path, Config{Sync: false}, nil)
	require.NoError(t, res.Err)
	assert.Len(t, m.sleeps, 2) // one per SYNC attempt, including the successful one
}

// S5 — SyncMismatch: no INT_CHECK is sent afterward.
func TestRunFileSyncMismatch(t *testing.T) {
	path := writeTempFile(t, 10)
	m := newMockTransport()
	m.queueStatus(ReqGetStatus, ok(StateDnloadIdle, 0))
	m.queueStatus(ReqSync, ok(StateDnloadIdle, 9)) // cumulative is 10, device reports 9

	res := RunFile(context.Background(), m, path, Config{Sync: false}, nil)
	require.Error(t, res.Err)

	var mismatch *SyncMismatchError
	assert.ErrorAs(t, res.Err, &mismatch)

	for _, c := range m.controlLog {
		assert.NotEqual(t, ReqIntCheck, c.wValue, "INT_CHECK must not be sent after a sync mismatch")
	}
}

// S6 — apply path: success and failure.
func TestRunFileApplySuccess(t *testing.T) {
	path := writeTempFile(t, 10)
	m := newMockTransport()
	m.queueStatus(ReqGetStatus,
		ok(StateDnloadIdle, 0), // negotiate
		ok(StateDnloadIdle, 0), // integrity check
		ok(StateDnloadIdle, 0), // apply
	)
	m.queueStatus(ReqSync, ok(StateDnloadIdle, 10))

	res := RunFile(context.Background(), m, path, Config{Sync: false, DoUpdate: true}, nil)
	require.NoError(t, res.Err)

	var sawStartUpdate bool
	for _, c := range m.controlLog {
		if c.wValue == ReqStartUpdate {
			sawStartUpdate = true
		}
	}
	assert.True(t, sawStartUpdate)
	assert.Contains(t, m.sleeps, updateStartDelay)
}

func TestRunFileApplyFailure(t *testing.T) {
	path := writeTempFile(t, 10)
	m := newMockTransport()
	m.queueStatus(ReqGetStatus,
		ok(StateDnloadIdle, 0),
		ok(StateDnloadIdle, 0),
		errState(StateError, 0),
	)
	m.queueStatus(ReqSync, ok(StateDnloadIdle, 10))

	res := RunFile(context.Background(), m, path, Config{Sync: false, DoUpdate: true}, nil)
	require.Error(t, res.Err)
	var updateErr *UpdateStartError
	assert.ErrorAs(t, res.Err, &updateErr)
}

// Invariant 4 — empty file rejection issues no transfers at all.
func TestRunFileRejectsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.bin")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	m := newMockTransport()
	res := RunFile(context.Background(), m, path, Config{}, nil)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrEmptyFile)
	assert.Empty(t, m.bulkWrites)
	assert.Empty(t, m.controlLog)
}

// Invariant 7 — INT_CHECK payload is always 33 bytes.
func TestRunFileIntegrityPayloadLength(t *testing.T) {
	path := writeTempFile(t, 10)
	m := newMockTransport()
	m.queueStatus(ReqGetStatus, ok(StateDnloadIdle, 0), ok(StateDnloadIdle, 0))
	m.queueStatus(ReqSync, ok(StateDnloadIdle, 10))

	res := RunFile(context.Background(), m, path, Config{Sync: false}, nil)
	require.NoError(t, res.Err)

	found := false
	for _, c := range m.controlLog {
		if c.wValue == ReqIntCheck {
			found = true
			assert.Len(t, c.payload, 33)
		}
	}
	assert.True(t, found)
}

// Invariant 6 — negotiate retries at most once (two attempts total).
func TestRunFileNegotiateRetryBound(t *testing.T) {
	path := writeTempFile(t, 10)
	m := newMockTransport()
	m.queueStatus(ReqGetStatus,
		errState(StateError, 0),
		errState(StateError, 0),
	)

	res := RunFile(context.Background(), m, path, Config{Sync: false}, nil)
	require.Error(t, res.Err)
	var negotiateErr *NegotiateError
	assert.ErrorAs(t, res.Err, &negotiateErr)

	var getStatusCalls int
	for _, c := range m.controlLog {
		if c.dir == DirectionIn && c.wValue == ReqGetStatus {
			getStatusCalls++
		}
	}
	assert.Equal(t, 2, getStatusCalls)
}

// A short bulk write must surface ShortWriteError.
func TestRunFileShortWrite(t *testing.T) {
	path := writeTempFile(t, 10)
	m := newMockTransport()
	m.bulkShortBy = 1
	m.queueStatus(ReqGetStatus, ok(StateDnloadIdle, 0))

	res := RunFile(context.Background(), m, path, Config{Sync: false}, nil)
	require.Error(t, res.Err)
	var shortWrite *ShortWriteError
	assert.ErrorAs(t, res.Err, &shortWrite)
}
