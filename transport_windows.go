package wup

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// GUID_DEVINTERFACE_WINUSB is the device interface class GUID WinUSB-bound
// devices register under, grounded on the teacher's setupapi_windows.go.
var guidDevInterfaceWinUSB = windows.GUID{
	Data1: 0xDEE824EF,
	Data2: 0x729B,
	Data3: 0x4A0E,
	Data4: [8]byte{0x9C, 0x14, 0xB7, 0x11, 0x7D, 0x33, 0xA8, 0x17},
}

const (
	digcfPresent         = 0x00000002
	digcfDeviceInterface = 0x00000010
)

var (
	modsetupapi = windows.NewLazySystemDLL("setupapi.dll")
	modwinusb   = windows.NewLazySystemDLL("winusb.dll")

	procSetupDiGetClassDevsW             = modsetupapi.NewProc("SetupDiGetClassDevsW")
	procSetupDiEnumDeviceInterfaces      = modsetupapi.NewProc("SetupDiEnumDeviceInterfaces")
	procSetupDiGetDeviceInterfaceDetailW = modsetupapi.NewProc("SetupDiGetDeviceInterfaceDetailW")
	procSetupDiDestroyDeviceInfoList     = modsetupapi.NewProc("SetupDiDestroyDeviceInfoList")

	procWinUsbInitialize             = modwinusb.NewProc("WinUsb_Initialize")
	procWinUsbFree                   = modwinusb.NewProc("WinUsb_Free")
	procWinUsbControlTransfer        = modwinusb.NewProc("WinUsb_ControlTransfer")
	procWinUsbWritePipe              = modwinusb.NewProc("WinUsb_WritePipe")
	procWinUsbReadPipe               = modwinusb.NewProc("WinUsb_ReadPipe")
	procWinUsbResetPipe              = modwinusb.NewProc("WinUsb_ResetPipe")
	procWinUsbQueryInterfaceSettings = modwinusb.NewProc("WinUsb_QueryInterfaceSettings")
	procWinUsbQueryPipe              = modwinusb.NewProc("WinUsb_QueryPipe")
)

type spDeviceInterfaceData struct {
	cbSize             uint32
	InterfaceClassGUID windows.GUID
	Flags              uint32
	Reserved           uintptr
}

type winusbSetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

type winusbInterfaceDescriptor struct {
	bLength            uint8
	bDescriptorType    uint8
	bInterfaceNumber   uint8
	bAlternateSetting  uint8
	bNumEndpoints      uint8
	bInterfaceClass    uint8
	bInterfaceSubClass uint8
	bInterfaceProtocol uint8
	iInterface         uint8
}

type winusbPipeInformation struct {
	PipeType          uint32
	PipeID            uint8
	MaximumPacketSize uint16
	Interval          uint8
}

type winusbHandle uintptr

// windowsTransport implements Transport over WinUSB, grounded on the
// teacher's device_windows.go/setupapi_windows.go WinUSB bindings, trimmed
// to the single control pipe and single bulk OUT pipe path.
type windowsTransport struct {
	mu          sync.Mutex
	fileHandle  windows.Handle
	winusb      winusbHandle
	outPipe     uint8
	maxPacket   uint16
	ifaceNumber uint8
}

// OpenWindows enumerates WinUSB-class device interfaces via SetupAPI, opens
// the first one whose vendor ID matches, and initializes WinUSB on it.
func OpenWindows(ctx context.Context) (Transport, DeviceInfo, error) {
	devInfoSet, _, _ := procSetupDiGetClassDevsW.Call(
		uintptr(unsafe.Pointer(&guidDevInterfaceWinUSB)),
		0, 0,
		uintptr(digcfPresent|digcfDeviceInterface),
	)
	if devInfoSet == 0 || devInfoSet == ^uintptr(0) {
		return nil, DeviceInfo{}, errors.New("SetupDiGetClassDevs failed")
	}
	defer procSetupDiDestroyDeviceInfoList.Call(devInfoSet)

	for index := uint32(0); ; index++ {
		var ifaceData spDeviceInterfaceData
		ifaceData.cbSize = uint32(unsafe.Sizeof(ifaceData))

		ret, _, _ := procSetupDiEnumDeviceInterfaces.Call(
			devInfoSet, 0,
			uintptr(unsafe.Pointer(&guidDevInterfaceWinUSB)),
			uintptr(index),
			uintptr(unsafe.Pointer(&ifaceData)),
		)
		if ret == 0 {
			break // ERROR_NO_MORE_ITEMS
		}

		path, err := devicePathFromInterface(devInfoSet, &ifaceData)
		if err != nil {
			continue
		}

		t, info, err := openWindowsPath(path)
		if err != nil {
			continue
		}
		if info.VendorID != VendorID {
			t.Close()
			continue
		}
		return t, info, nil
	}
	return nil, DeviceInfo{}, errors.New("no WUP device found")
}

func devicePathFromInterface(devInfoSet uintptr, ifaceData *spDeviceInterfaceData) (string, error) {
	var requiredSize uint32
	procSetupDiGetDeviceInterfaceDetailW.Call(
		devInfoSet, uintptr(unsafe.Pointer(ifaceData)),
		0, 0, uintptr(unsafe.Pointer(&requiredSize)), 0,
	)
	if requiredSize == 0 {
		return "", errors.New("SetupDiGetDeviceInterfaceDetail size query failed")
	}

	buf := make([]uint16, requiredSize/2+1)
	// First uint32 of the variable-length SP_DEVICE_INTERFACE_DETAIL_DATA
	// struct is cbSize; on 64-bit Windows this is 8 due to pointer alignment.
	*(*uint32)(unsafe.Pointer(&buf[0])) = 8

	ret, _, _ := procSetupDiGetDeviceInterfaceDetailW.Call(
		devInfoSet, uintptr(unsafe.Pointer(ifaceData)),
		uintptr(unsafe.Pointer(&buf[0])), uintptr(requiredSize),
		uintptr(unsafe.Pointer(&requiredSize)), 0,
	)
	if ret == 0 {
		return "", errors.New("SetupDiGetDeviceInterfaceDetail failed")
	}
	return windows.UTF16ToString(buf[2:]), nil
}

func openWindowsPath(path string) (*windowsTransport, DeviceInfo, error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, DeviceInfo{}, errors.Wrap(err, "invalid device path")
	}

	fileHandle, err := windows.CreateFile(
		pathPtr,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_ATTRIBUTE_NORMAL|windows.FILE_FLAG_OVERLAPPED,
		0,
	)
	if err != nil {
		return nil, DeviceInfo{}, errors.Wrap(err, "CreateFile")
	}

	var winusb winusbHandle
	r0, _, e1 := syscall.SyscallN(procWinUsbInitialize.Addr(), uintptr(fileHandle), uintptr(unsafe.Pointer(&winusb)))
	if r0 == 0 {
		windows.CloseHandle(fileHandle)
		return nil, DeviceInfo{}, errors.Wrapf(e1, "WinUsb_Initialize")
	}

	var ifaceDesc winusbInterfaceDescriptor
	r0, _, e1 = syscall.SyscallN(procWinUsbQueryInterfaceSettings.Addr(), uintptr(winusb), 0, uintptr(unsafe.Pointer(&ifaceDesc)))
	if r0 == 0 {
		syscall.SyscallN(procWinUsbFree.Addr(), uintptr(winusb))
		windows.CloseHandle(fileHandle)
		return nil, DeviceInfo{}, errors.Wrapf(e1, "WinUsb_QueryInterfaceSettings")
	}
	if ifaceDesc.bInterfaceClass != InterfaceClass || ifaceDesc.bInterfaceSubClass != InterfaceSubClass ||
		ifaceDesc.bInterfaceProtocol != InterfaceProtocol {
		syscall.SyscallN(procWinUsbFree.Addr(), uintptr(winusb))
		windows.CloseHandle(fileHandle)
		return nil, DeviceInfo{}, errors.New("interface does not match WUP signature")
	}

	var outPipe uint8
	var maxPacket uint16
	found := false
	for i := uint8(0); i < ifaceDesc.bNumEndpoints; i++ {
		var pipe winusbPipeInformation
		r0, _, _ := syscall.SyscallN(procWinUsbQueryPipe.Addr(), uintptr(winusb), 0, uintptr(i), uintptr(unsafe.Pointer(&pipe)))
		if r0 == 0 {
			continue
		}
		const pipeTypeBulk = 2
		const pipeIDDirMask = 0x80
		if pipe.PipeType == pipeTypeBulk && pipe.PipeID&pipeIDDirMask == 0 {
			outPipe = pipe.PipeID
			maxPacket = pipe.MaximumPacketSize
			found = true
			break
		}
	}
	if !found {
		syscall.SyscallN(procWinUsbFree.Addr(), uintptr(winusb))
		windows.CloseHandle(fileHandle)
		return nil, DeviceInfo{}, errors.New("no bulk OUT pipe on candidate interface")
	}

	t := &windowsTransport{
		fileHandle:  fileHandle,
		winusb:      winusb,
		outPipe:     outPipe,
		maxPacket:   maxPacket,
		ifaceNumber: ifaceDesc.bInterfaceNumber,
	}
	info := DeviceInfo{Path: path, InterfaceNum: ifaceDesc.bInterfaceNumber}
	// WinUSB device paths carry the vendor ID as "vid_XXXX".
	lower := strings.ToLower(path)
	if i := strings.Index(lower, "vid_"); i >= 0 && i+8 <= len(lower) {
		if v, err := strconv.ParseUint(lower[i+4:i+8], 16, 16); err == nil {
			info.VendorID = uint16(v)
		}
	}
	return t, info, nil
}

func (t *windowsTransport) BulkWrite(ctx context.Context, data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.writePipe(data)
	if err != nil {
		return n, err
	}

	if needsZeroLengthPacket(len(data), t.maxPacket) {
		if _, err := t.writePipe(nil); err != nil {
			return n, errors.Wrap(err, "send zero-length packet")
		}
	}
	return n, nil
}

func (t *windowsTransport) writePipe(data []byte) (int, error) {
	var ptr unsafe.Pointer
	if len(data) > 0 {
		ptr = unsafe.Pointer(&data[0])
	}
	var transferred uint32
	r0, _, e1 := syscall.SyscallN(
		procWinUsbWritePipe.Addr(),
		uintptr(t.winusb), uintptr(t.outPipe), uintptr(ptr), uintptr(len(data)),
		uintptr(unsafe.Pointer(&transferred)), 0,
	)
	if r0 == 0 {
		if e1 == windows.WAIT_TIMEOUT {
			return 0, ErrTransportTimeout
		}
		return 0, errors.Wrapf(e1, "WinUsb_WritePipe")
	}
	return int(transferred), nil
}

func (t *windowsTransport) BulkRead(ctx context.Context, buf []byte) (int, error) {
	return 0, errors.New("bulk read not used by this device class")
}

func (t *windowsTransport) ControlIO(ctx context.Context, dir Direction, setup SetupPacket, data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bmRequestType := uint8(bmRequestTypeVendorOut)
	if dir == DirectionIn {
		bmRequestType = uint8(bmRequestTypeVendorIn)
	}

	wp := winusbSetupPacket{
		RequestType: bmRequestType,
		Request:     setup.BRequest,
		Value:       setup.WValue,
		Index:       uint16(t.ifaceNumber),
		Length:      uint16(len(data)),
	}
	var ptr unsafe.Pointer
	if len(data) > 0 {
		ptr = unsafe.Pointer(&data[0])
	}
	var transferred uint32
	r0, _, e1 := syscall.SyscallN(
		procWinUsbControlTransfer.Addr(),
		uintptr(t.winusb), uintptr(unsafe.Pointer(&wp)), uintptr(ptr), uintptr(len(data)),
		uintptr(unsafe.Pointer(&transferred)), 0,
	)
	if r0 == 0 {
		if e1 == windows.WAIT_TIMEOUT {
			return 0, ErrTransportTimeout
		}
		return 0, errors.Wrapf(e1, "WinUsb_ControlTransfer")
	}
	return int(transferred), nil
}

func (t *windowsTransport) ClearHalt(ctx context.Context, dir Direction) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	pipeID := t.outPipe
	r0, _, e1 := syscall.SyscallN(procWinUsbResetPipe.Addr(), uintptr(t.winusb), uintptr(pipeID))
	if r0 == 0 {
		return errors.Wrapf(e1, "WinUsb_ResetPipe")
	}
	return nil
}

func (t *windowsTransport) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForDisconnect polls handle validity; WinUSB surfaces disconnection as
// a failed I/O rather than an explicit notification in this trimmed client.
func (t *windowsTransport) WaitForDisconnect(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := t.controlProbe(); err != nil {
			return nil
		}
		if err := t.Sleep(ctx, 200*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

func (t *windowsTransport) controlProbe() (int, error) {
	var code uint32
	r0, _, e1 := syscall.SyscallN(procWinUsbQueryInterfaceSettings.Addr(), uintptr(t.winusb), 0, uintptr(unsafe.Pointer(&code)))
	if r0 == 0 {
		return 0, e1
	}
	return 1, nil
}

func (t *windowsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.winusb != 0 {
		syscall.SyscallN(procWinUsbFree.Addr(), uintptr(t.winusb))
		t.winusb = 0
	}
	if t.fileHandle != windows.InvalidHandle && t.fileHandle != 0 {
		windows.CloseHandle(t.fileHandle)
		t.fileHandle = windows.InvalidHandle
	}
	return nil
}
