package wup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Config parameterizes a per-file engine run. It replaces the source's
// process-wide buf/fSync globals (spec §9): every value the engine needs is
// passed in explicitly, no package-level mutable state.
type Config struct {
	// SWVersion is sent as DownloadInfo.SWVersion.
	SWVersion string
	// BufferKiB sizes the host's bulk-write scratch buffer, default 16,
	// capped at 1024 (spec §4.4).
	BufferKiB int
	// Forced instructs the device to accept the image even if its current
	// version already matches.
	Forced bool
	// Sync enables mid-transfer checkpointing at DefaultSyncBlockSize byte
	// intervals; when false only the final checkpoint runs.
	Sync bool
	// DoUpdate, if true, triggers START_UPDATE after a successful integrity
	// check (spec §4.4 step 7).
	DoUpdate bool
	// Logger receives the engine's diagnostics: retry notices at Debug and
	// empty-file rejection at Warn. A nil Logger is
	// replaced with slog.Default(), following the pattern used by
	// samsamfire/gocanopen's SDO client.
	Logger *slog.Logger
}

// DefaultBufferKiB is the bulk-write scratch buffer size used when
// Config.BufferKiB is unset (spec §4.4).
const DefaultBufferKiB = 16

const (
	maxBufferKiB = 1024

	negotiateMaxRetries  = 1
	checkpointMaxRetries = 10
	checkpointRetryDelay = 1000 * time.Millisecond
	updateStartDelay     = 5000 * time.Millisecond
)

func (c Config) bufferSize() int {
	kib := c.BufferKiB
	if kib <= 0 {
		kib = DefaultBufferKiB
	}
	if kib > maxBufferKiB {
		kib = maxBufferKiB
	}
	return kib * 1024
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// ProgressFunc receives one progress notification per bulk write and at
// transfer completion/failure. fileName is the path passed to RunFile;
// totalBytes is the file's size; writtenBytes is the cumulative bytes sent
// so far. This mirrors the original C source's progress_notify callback
// shape.
type ProgressFunc func(fileName string, totalBytes, writtenBytes int64, done, failed bool)

// Result summarizes a completed (successful or failed) per-file session.
type Result struct {
	Path           string
	ImageSize      uint64
	CumulativeSent uint64
	Checkpoints    int
	MD5            string
	Err            error
}

// session is the transient per-file state described by spec §3's "Session
// state" — constructed on entry to RunFile, discarded on every exit path.
type session struct {
	transport Transport
	cfg       Config
	path      string
	iface     uint8
	log       *slog.Logger
	progress  ProgressFunc

	imageSize      uint64
	cumulativeSent uint64
	checkpoints    int
	lastStatus     Status
}

// RunFile drives the full per-file WUP state machine of spec §4.4: negotiate
// a download session, stream the file body with sync-block checkpoints,
// verify with an MD5 integrity check, and optionally trigger the apply
// phase. It never issues a session for a zero-byte file (spec §3's
// zero-length-file invariant), and it surfaces the first error encountered
// without attempting to continue streaming (spec §7).
func RunFile(ctx context.Context, transport Transport, path string, cfg Config, progress ProgressFunc) *Result {
	res := &Result{Path: path}
	log := cfg.logger().With("file", path)

	// --- PREFLIGHT ---
	info, err := os.Stat(path)
	if err != nil {
		res.Err = wrapPhase(path, PhasePreflight, errors.Wrap(err, "stat"))
		return res
	}
	if info.Size() == 0 {
		log.Warn("rejecting empty file")
		res.Err = wrapPhase(path, PhasePreflight, ErrEmptyFile)
		return res
	}

	f, err := os.Open(path)
	if err != nil {
		res.Err = wrapPhase(path, PhasePreflight, fmt.Errorf("%w: %v", ErrFileOpen, err))
		return res
	}
	defer f.Close()

	s := &session{
		transport: transport,
		cfg:       cfg,
		path:      path,
		log:       log,
		progress:  progress,
		imageSize: uint64(info.Size()),
	}
	res.ImageSize = s.imageSize

	if err := s.negotiate(ctx); err != nil {
		res.Err = wrapPhase(path, PhaseNegotiate, err)
		s.notifyDone(true)
		return res
	}

	if err := s.stream(ctx, f); err != nil {
		res.Err = wrapPhase(path, PhaseStream, err)
		s.notifyDone(true)
		res.CumulativeSent = s.cumulativeSent
		res.Checkpoints = s.checkpoints
		return res
	}

	if err := s.checkpoint(ctx); err != nil {
		res.Err = wrapPhase(path, PhaseSync, err)
		s.notifyDone(true)
		res.CumulativeSent = s.cumulativeSent
		res.Checkpoints = s.checkpoints
		return res
	}

	digest, err := FileMD5Hex(path)
	if err != nil {
		res.Err = wrapPhase(path, PhaseIntegrity, err)
		s.notifyDone(true)
		return res
	}
	res.MD5 = digest

	if err := s.integrityCheck(ctx, digest); err != nil {
		res.Err = wrapPhase(path, PhaseIntegrity, err)
		s.notifyDone(true)
		res.CumulativeSent = s.cumulativeSent
		res.Checkpoints = s.checkpoints
		return res
	}

	if cfg.DoUpdate {
		if err := s.applyUpdate(ctx); err != nil {
			res.Err = wrapPhase(path, PhaseApply, err)
			s.notifyDone(true)
			res.CumulativeSent = s.cumulativeSent
			res.Checkpoints = s.checkpoints
			return res
		}
	}

	res.CumulativeSent = s.cumulativeSent
	res.Checkpoints = s.checkpoints
	s.notifyDone(false)
	return res
}

func (s *session) notifyDone(failed bool) {
	if s.progress != nil {
		s.progress(s.path, int64(s.imageSize), int64(s.cumulativeSent), true, failed)
	}
}

// controlOut issues a vendor OUT control transfer for the given request.
func (s *session) controlOut(ctx context.Context, req uint16, data []byte) error {
	setup := SetupPacket{BRequest: bRequestSetInformation, WValue: req, WLength: uint16(len(data))}
	ctx, cancel := context.WithTimeout(ctx, ControlTimeout)
	defer cancel()
	n, err := s.transport.ControlIO(ctx, DirectionOut, setup, data)
	if err != nil {
		return classifyTransportErr(err)
	}
	if n != len(data) {
		return errors.Errorf("control OUT request 0x%04x: wrote %d of %d bytes", req, n, len(data))
	}
	return nil
}

// controlIn issues a vendor IN control transfer, returning the populated
// buffer truncated to the bytes actually transferred.
func (s *session) controlIn(ctx context.Context, req uint16, size int) ([]byte, error) {
	buf := make([]byte, size)
	setup := SetupPacket{BRequest: bRequestGetInformation, WValue: req, WLength: uint16(size)}
	ctx, cancel := context.WithTimeout(ctx, ControlTimeout)
	defer cancel()
	n, err := s.transport.ControlIO(ctx, DirectionIn, setup, buf)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	return buf[:n], nil
}

func classifyTransportErr(err error) error {
	if errors.Is(err, ErrTransportTimeout) {
		return ErrTransportTimeout
	}
	return fmt.Errorf("%w: %v", ErrTransportIO, err)
}

// getStatus issues GET_STATUS and decodes the response.
func (s *session) getStatus(ctx context.Context) (Status, error) {
	buf, err := s.controlIn(ctx, ReqGetStatus, StatusSize)
	if err != nil {
		return Status{}, err
	}
	st, err := DecodeStatus(buf)
	if err != nil {
		return Status{}, err
	}
	s.lastStatus = st
	return st, nil
}

// negotiate implements spec §4.4 step 2: SET_DNLOAD_INFO, GET_STATUS, and
// at most one ABORT-and-retry cycle on errSTATE. The success predicate is
// intentionally lenient, preserving the source's logical AND-NOT: it fails
// only when status != OK AND state != dfuDNLOAD_IDLE (spec §9 Open
// Question — this leniency is a preserved behavior, not a bug).
func (s *session) negotiate(ctx context.Context) error {
	dn := DownloadInfo{
		SWVersion:     s.cfg.SWVersion,
		ImageSize:     uint32(s.imageSize),
		SyncBlockSize: s.syncBlockSize(),
		Forced:        s.cfg.Forced,
	}

	var st Status
	for attempt := 0; ; attempt++ {
		if err := s.controlOut(ctx, ReqSetDnloadInfo, dn.Encode()); err != nil {
			return err
		}

		var err error
		st, err = s.getStatus(ctx)
		if err != nil {
			return err
		}

		if st.Status != StatusErrState {
			break
		}
		if attempt >= negotiateMaxRetries {
			break
		}
		s.log.Debug("negotiate: device reported errSTATE, aborting and retrying")
		if err := s.controlOut(ctx, ReqAbort, nil); err != nil {
			return err
		}
	}

	if st.Status != StatusOK && st.State != StateDnloadIdle {
		return &NegotiateError{Status: st.Status, State: st.State}
	}
	return nil
}

func (s *session) syncBlockSize() uint32 {
	if s.cfg.Sync {
		return DefaultSyncBlockSize
	}
	return 0
}

// syncRemainInit returns the byte count until the next checkpoint fires,
// per spec §4.4 step 3. With sync disabled it returns the imageSize+1
// sentinel, which the stream never exhausts, so no mid-stream checkpoint
// runs; the sentinel is computed in uint64 so it does not wrap (spec §9 Open
// Question on SIZE_MAX wraparound).
func (s *session) syncRemainInit() uint64 {
	if s.cfg.Sync {
		return uint64(DefaultSyncBlockSize)
	}
	return s.imageSize + 1
}

// stream implements spec §4.4 step 3: read-and-bulk-write the file body,
// checkpointing whenever the sync-block budget is exhausted.
func (s *session) stream(ctx context.Context, f *os.File) error {
	buf := make([]byte, s.cfg.bufferSize())
	syncRemain := s.syncRemainInit()

	for {
		toRead := syncRemain
		if uint64(len(buf)) < toRead {
			toRead = uint64(len(buf))
		}
		n, readErr := f.Read(buf[:toRead])
		if n == 0 {
			if readErr != nil && readErr != io.EOF {
				return errors.Wrap(readErr, "read source file")
			}
			break
		}

		written, err := s.bulkWrite(ctx, buf[:n])
		if err != nil {
			return err
		}
		if written < n {
			return &ShortWriteError{Expected: n, Actual: written}
		}

		s.cumulativeSent += uint64(written)
		syncRemain -= uint64(written)
		if s.progress != nil {
			s.progress(s.path, int64(s.imageSize), int64(s.cumulativeSent), false, false)
		}

		if syncRemain == 0 {
			if err := s.checkpoint(ctx); err != nil {
				return err
			}
			syncRemain = s.syncRemainInit()
		}

		if readErr == io.EOF {
			break
		}
	}
	return nil
}

func (s *session) bulkWrite(ctx context.Context, data []byte) (int, error) {
	n, err := s.transport.BulkWrite(ctx, data)
	if err != nil {
		return n, classifyTransportErr(err)
	}
	return n, nil
}

// checkpoint implements spec §4.4 step 4: up to 10 SYNC attempts, each
// preceded by a 1-second sleep, converting a transport timeout into a local
// errSTATE to drive the retry loop (spec §4.4's "any other error aborts the
// retry loop" rule).
func (s *session) checkpoint(ctx context.Context) error {
	var st Status
	retries := 0

	for {
		if err := s.transport.Sleep(ctx, checkpointRetryDelay); err != nil {
			return errors.Wrap(err, "checkpoint sleep")
		}

		buf, err := s.controlIn(ctx, ReqSync, StatusSize)
		if err != nil {
			if errors.Is(err, ErrTransportTimeout) {
				s.log.Debug("checkpoint: sync timed out, retrying")
				st = Status{Status: StatusErrState}
			} else {
				return err
			}
		} else {
			st, err = DecodeStatus(buf)
			if err != nil {
				return err
			}
			s.lastStatus = st
		}

		if st.Status != StatusErrState {
			break
		}
		retries++
		if retries >= checkpointMaxRetries {
			break
		}
	}

	if st.Status != StatusOK || uint64(st.WrittenBytes) != s.cumulativeSent {
		return &SyncMismatchError{
			Status:       st.Status,
			WrittenBytes: uint64(st.WrittenBytes),
			Cumulative:   s.cumulativeSent,
		}
	}
	s.checkpoints++
	return nil
}

// integrityCheck implements spec §4.4 step 6: INT_CHECK with the 33-byte
// (32 hex chars + NUL) MD5 payload, then GET_STATUS.
func (s *session) integrityCheck(ctx context.Context, digestHex string) error {
	payload := make([]byte, len(digestHex)+1)
	copy(payload, digestHex)
	// payload[len(digestHex)] stays 0x00, the terminating NUL.

	if err := s.controlOut(ctx, ReqIntCheck, payload); err != nil {
		return err
	}
	st, err := s.getStatus(ctx)
	if err != nil {
		return err
	}
	if st.Status != StatusOK {
		return &IntegrityCheckError{Status: st.Status, State: st.State}
	}
	return nil
}

// applyUpdate implements spec §4.4 step 7: START_UPDATE, a fixed 5-second
// sleep, then GET_STATUS.
func (s *session) applyUpdate(ctx context.Context) error {
	if err := s.controlOut(ctx, ReqStartUpdate, nil); err != nil {
		return err
	}
	if err := s.transport.Sleep(ctx, updateStartDelay); err != nil {
		return errors.Wrap(err, "apply sleep")
	}
	st, err := s.getStatus(ctx)
	if err != nil {
		return err
	}
	if st.Status != StatusOK {
		return &UpdateStartError{Status: st.Status, State: st.State}
	}
	return nil
}
