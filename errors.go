package wup

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel local/transport errors (spec §7), in the style of the teacher's
// errors_common.go predefined sentinel values.
var (
	ErrEmptyFile        = errors.New("file is empty, nothing to transfer")
	ErrFileOpen         = errors.New("failed to open file")
	ErrShortRead        = errors.New("short read from source file")
	ErrAlloc            = errors.New("failed to allocate transfer buffer")
	ErrTransportIO      = errors.New("transport I/O error")
	ErrTransportTimeout = errors.New("transport operation timed out")
)

// NegotiateError reports that SET_DNLOAD_INFO/GET_STATUS failed to reach an
// acceptable state after the bounded retry (spec §4.4 step 2, §7).
type NegotiateError struct {
	Status StatusCode
	State  DeviceState
}

func (e *NegotiateError) Error() string {
	return fmt.Sprintf("negotiate: device reported status=%s state=%s", e.Status, e.State)
}

// ShortWriteError reports that the bulk endpoint accepted fewer bytes than
// were handed to it (spec §7).
type ShortWriteError struct {
	Expected int
	Actual   int
}

func (e *ShortWriteError) Error() string {
	return fmt.Sprintf("bulk write short: expected %d bytes, wrote %d", e.Expected, e.Actual)
}

// SyncMismatchError reports that a checkpoint's device-reported byte counter
// disagreed with the host's own count (spec §4.4 step 4, §7).
type SyncMismatchError struct {
	Status       StatusCode
	WrittenBytes uint64
	Cumulative   uint64
}

func (e *SyncMismatchError) Error() string {
	return fmt.Sprintf("sync mismatch: status=%s device writtenBytes=%d host cumulative=%d",
		e.Status, e.WrittenBytes, e.Cumulative)
}

// IntegrityCheckError reports that INT_CHECK's follow-up GET_STATUS did not
// report OK (spec §4.4 step 6, §7).
type IntegrityCheckError struct {
	Status StatusCode
	State  DeviceState
}

func (e *IntegrityCheckError) Error() string {
	return fmt.Sprintf("integrity check failed: status=%s state=%s", e.Status, e.State)
}

// UpdateStartError reports that START_UPDATE's follow-up GET_STATUS did not
// report OK (spec §4.4 step 7, §7).
type UpdateStartError struct {
	Status StatusCode
	State  DeviceState
}

func (e *UpdateStartError) Error() string {
	return fmt.Sprintf("update start failed: status=%s state=%s", e.Status, e.State)
}

// Phase identifies which stage of the per-file state machine an error
// belongs to, for the one-line user-visible failure message spec §7 asks
// for ("identifying the phase ... status and state where available ...").
type Phase string

const (
	PhasePreflight Phase = "preflight"
	PhaseNegotiate Phase = "negotiate"
	PhaseStream    Phase = "stream"
	PhaseSync      Phase = "sync"
	PhaseIntegrity Phase = "integrity"
	PhaseApply     Phase = "apply"
)

// FileError wraps an underlying error with the phase it occurred in, so a
// driver can print spec §7's one-line diagnostic without re-deriving
// context from the bare error value.
type FileError struct {
	Path  string
	Phase Phase
	Err   error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Path, e.Phase, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

func wrapPhase(path string, phase Phase, err error) error {
	if err == nil {
		return nil
	}
	return &FileError{Path: path, Phase: phase, Err: err}
}
