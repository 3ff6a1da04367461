package wup

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Wire-level sizes (spec §3). Both structs are packed, little-endian, and
// encoded/decoded explicitly byte-by-byte rather than via unsafe struct
// casts, the same discipline the teacher applies in config.go's descriptor
// Unmarshal methods.
const (
	DownloadInfoSize = 64
	StatusSize       = 8

	swVersionFieldSize = 32
	reservedFieldSize  = 23
)

// DownloadInfo is the SET_DNLOAD_INFO payload (spec §3).
type DownloadInfo struct {
	SWVersion     string // up to 32 ASCII bytes; NUL-padded, need not be NUL-terminated
	ImageSize     uint32
	SyncBlockSize uint32 // 0 disables mid-transfer checkpoints
	Forced        bool
}

// Encode renders d in its exact 64-byte on-wire form.
func (d DownloadInfo) Encode() []byte {
	b := make([]byte, DownloadInfoSize)
	n := copy(b[0:swVersionFieldSize], d.SWVersion)
	_ = n // remaining bytes of the version field stay zero, matching NUL-padding
	binary.LittleEndian.PutUint32(b[32:36], d.ImageSize)
	binary.LittleEndian.PutUint32(b[36:40], d.SyncBlockSize)
	if d.Forced {
		b[40] = 1
	}
	// b[41:64] is the reserved, zero-filled tail.
	return b
}

// DecodeDownloadInfo parses a 64-byte SET_DNLOAD_INFO payload.
func DecodeDownloadInfo(b []byte) (DownloadInfo, error) {
	if len(b) != DownloadInfoSize {
		return DownloadInfo{}, errors.Errorf("download info must be %d bytes, got %d", DownloadInfoSize, len(b))
	}
	ver := b[0:swVersionFieldSize]
	if i := indexByte(ver, 0); i >= 0 {
		ver = ver[:i]
	}
	return DownloadInfo{
		SWVersion:     string(ver),
		ImageSize:     binary.LittleEndian.Uint32(b[32:36]),
		SyncBlockSize: binary.LittleEndian.Uint32(b[36:40]),
		Forced:        b[40] != 0,
	}, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// Status is the GET_STATUS / SYNC response payload (spec §3).
type Status struct {
	Status       StatusCode
	State        DeviceState
	WrittenBytes uint32 // device-reported cumulative bytes accepted this session
}

// Encode renders s in its exact 8-byte on-wire form.
func (s Status) Encode() []byte {
	b := make([]byte, StatusSize)
	b[0] = byte(s.Status)
	b[1] = byte(s.State)
	binary.LittleEndian.PutUint32(b[2:6], s.WrittenBytes)
	// b[6:8] is reserved.
	return b
}

// DecodeStatus parses an 8-byte GET_STATUS/SYNC payload.
func DecodeStatus(b []byte) (Status, error) {
	if len(b) != StatusSize {
		return Status{}, errors.Errorf("status must be %d bytes, got %d", StatusSize, len(b))
	}
	return Status{
		Status:       StatusCode(b[0]),
		State:        DeviceState(b[1]),
		WrittenBytes: binary.LittleEndian.Uint32(b[2:6]),
	}, nil
}

// StatusCode is the device-reported outcome of the last request (spec §4.4).
type StatusCode uint8

const (
	StatusOK         StatusCode = 0x00
	StatusErrState   StatusCode = 0x01
	StatusErrCheck   StatusCode = 0x02
	StatusErrTarget  StatusCode = 0x03
	StatusErrFile    StatusCode = 0x04
	StatusErrWrite   StatusCode = 0x05
	StatusErrVerify  StatusCode = 0x06
	StatusErrNotDone StatusCode = 0x07
	StatusErrInval   StatusCode = 0x08
	StatusErrTrans   StatusCode = 0x09
	StatusErrUnknown StatusCode = 0x0A
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusErrState:
		return "errSTATE"
	case StatusErrCheck:
		return "errCHECK"
	case StatusErrTarget:
		return "errTARGET"
	case StatusErrFile:
		return "errFILE"
	case StatusErrWrite:
		return "errWRITE"
	case StatusErrVerify:
		return "errVERIFY"
	case StatusErrNotDone:
		return "errNOTDONE"
	case StatusErrInval:
		return "errINVAL"
	case StatusErrTrans:
		return "errTRANS"
	case StatusErrUnknown:
		return "errUNKNOWN"
	default:
		return "unknown"
	}
}

// DeviceState is the WUP-flavored DFU state (spec §4.4); names are borrowed
// from DFU 1.1 but the wire encoding is WUP's own.
type DeviceState uint8

const (
	StateDetached     DeviceState = 0
	StateIdle         DeviceState = 1
	StateDnloadIdle   DeviceState = 2
	StateDnloadBusy   DeviceState = 3
	StateDnloadSync   DeviceState = 4
	StateDnloadVerify DeviceState = 5
	StateUpdateBusy   DeviceState = 6
	StateError        DeviceState = 7
)

func (s DeviceState) String() string {
	switch s {
	case StateDetached:
		return "dfuDETACHED"
	case StateIdle:
		return "dfuIDLE"
	case StateDnloadIdle:
		return "dfuDNLOAD_IDLE"
	case StateDnloadBusy:
		return "dfuDNLOAD_BUSY"
	case StateDnloadSync:
		return "dfuDNLOAD_SYNC"
	case StateDnloadVerify:
		return "dfuDNLOAD_VERIFY"
	case StateUpdateBusy:
		return "dfuUPDATE_BUSY"
	case StateError:
		return "dfuERROR"
	default:
		return "unknown"
	}
}

// Vendor request selectors (wValue) and bRequest codes (spec §4.4).
const (
	ReqSetDnloadInfo uint16 = 0x0001
	ReqGetStatus     uint16 = 0x0002
	ReqClrStatus     uint16 = 0x0003
	ReqGetState      uint16 = 0x0005
	ReqAbort         uint16 = 0x0006
	ReqSync          uint16 = 0x0007
	ReqIntCheck      uint16 = 0x0008
	ReqStartUpdate   uint16 = 0x0009

	bRequestSetInformation uint8 = 0x01
	bRequestGetInformation uint8 = 0x81
)

// DefaultSyncBlockSize is the sync-block span used when checkpointing is
// enabled (spec §4.4).
const DefaultSyncBlockSize uint32 = 64 * 1024 * 1024
