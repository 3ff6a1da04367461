package wup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/pkg/errors"
)

// usbdevfs ioctl numbers, trimmed from the teacher's device.go to the
// handful this backend actually issues.
const (
	usbdevfsControl          = 0xc0185500
	usbdevfsBulk              = 0xc0185502
	usbdevfsClaimInterface    = 0x8004550f
	usbdevfsReleaseInterface  = 0x80045510
	usbdevfsClearHalt         = 0x80045515
	usbdevfsGetDriver         = 0x41045508
	usbdevfsDisconnectClaim   = 0x8108551b
)

type usbCtrlRequest struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Timeout     uint32
	Data        unsafe.Pointer
}

type usbBulkTransfer struct {
	Endpoint uint32
	Length   uint32
	Timeout  uint32
	Data     uintptr
}

// linuxTransport implements Transport over usbdevfs on the device node at
// devNode, with iface already claimed.
type linuxTransport struct {
	mu            sync.Mutex
	fd            int
	iface         uint8
	outEndpoint   uint8
	maxPacketSize uint16
	devNode       string
}

// OpenLinux locates, opens and claims the WUP interface of a vendor device
// matching VendorID, following the teacher's sysfs-first enumeration
// strategy (sysfs.go's SysfsEnumerator) and its direct usbdevfs ioctl access
// (device.go's DeviceHandle).
func OpenLinux(ctx context.Context) (Transport, DeviceInfo, error) {
	candidates, err := enumerateSysfsUSBDevices()
	if err != nil {
		return nil, DeviceInfo{}, errors.Wrap(err, "enumerate USB devices")
	}

	for _, c := range candidates {
		if c.vendorID != VendorID {
			continue
		}
		t, info, err := openLinuxCandidate(c)
		if err == nil {
			return t, info, nil
		}
	}
	return nil, DeviceInfo{}, errors.New("no WUP device found")
}

type sysfsCandidate struct {
	devNode      string
	vendorID     uint16
	productID    uint16
	manufacturer string
	product      string
	serial       string
}

// enumerateSysfsUSBDevices walks /sys/bus/usb/devices the way the teacher's
// SysfsEnumerator.EnumerateDevices does, mapping each sysfs entry to its
// /dev/bus/usb/BBB/DDD device node.
func enumerateSysfsUSBDevices() ([]sysfsCandidate, error) {
	const sysfsDir = "/sys/bus/usb/devices"
	entries, err := os.ReadDir(sysfsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read sysfs USB directory")
	}

	var out []sysfsCandidate
	for _, entry := range entries {
		name := entry.Name()
		if strings.Contains(name, ":") {
			continue // interface entries, not devices
		}
		if !strings.Contains(name, "-") && !strings.HasPrefix(name, "usb") {
			continue
		}

		path := filepath.Join(sysfsDir, name)
		vid, err := readSysfsHex16(filepath.Join(path, "idVendor"))
		if err != nil {
			continue
		}
		pid, _ := readSysfsHex16(filepath.Join(path, "idProduct"))
		bus, err := readSysfsUint8(filepath.Join(path, "busnum"))
		if err != nil {
			continue
		}
		dev, err := readSysfsUint8(filepath.Join(path, "devnum"))
		if err != nil {
			continue
		}
		manufacturer, _ := os.ReadFile(filepath.Join(path, "manufacturer"))
		product, _ := os.ReadFile(filepath.Join(path, "product"))
		serial, _ := os.ReadFile(filepath.Join(path, "serial"))

		out = append(out, sysfsCandidate{
			devNode:      fmt.Sprintf("/dev/bus/usb/%03d/%03d", bus, dev),
			vendorID:     vid,
			productID:    pid,
			manufacturer: strings.TrimSpace(string(manufacturer)),
			product:      strings.TrimSpace(string(product)),
			serial:       strings.TrimSpace(string(serial)),
		})
	}
	return out, nil
}

func readSysfsHex16(path string) (uint16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 16, 16)
	return uint16(v), err
}

func readSysfsUint8(path string) (uint8, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 16)
	return uint8(v), err
}

func openLinuxCandidate(c sysfsCandidate) (Transport, DeviceInfo, error) {
	fd, err := syscall.Open(c.devNode, syscall.O_RDWR, 0)
	if err != nil {
		return nil, DeviceInfo{}, errors.Wrapf(err, "open %s", c.devNode)
	}

	cfgData, err := readConfigDescriptor(fd)
	if err != nil {
		syscall.Close(fd)
		return nil, DeviceInfo{}, err
	}
	wup, err := FindWUPInterface(cfgData)
	if err != nil {
		syscall.Close(fd)
		return nil, DeviceInfo{}, err
	}

	ifaceNum := uint32(wup.InterfaceNumber)
	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), usbdevfsClaimInterface, uintptr(unsafe.Pointer(&ifaceNum))); errno != 0 {
		syscall.Close(fd)
		return nil, DeviceInfo{}, errors.Wrapf(errno, "claim interface %d", wup.InterfaceNumber)
	}

	t := &linuxTransport{
		fd:            fd,
		iface:         wup.InterfaceNumber,
		outEndpoint:   wup.OutEndpoint,
		maxPacketSize: wup.MaxPacketSize,
		devNode:       c.devNode,
	}
	info := DeviceInfo{
		VendorID:     c.vendorID,
		ProductID:    c.productID,
		Manufacturer: c.manufacturer,
		Product:      c.product,
		SerialNumber: c.serial,
		Path:         c.devNode,
		InterfaceNum: wup.InterfaceNumber,
	}
	return t, info, nil
}

// readConfigDescriptor fetches the active configuration descriptor via a
// standard GET_DESCRIPTOR control request, mirroring the teacher's
// ReadConfigDescriptor.
func readConfigDescriptor(fd int) ([]byte, error) {
	buf := make([]byte, 4096)
	ctrl := usbCtrlRequest{
		RequestType: 0x80,
		Request:     reqGetDescriptor,
		Value:       uint16(descTypeConfig) << 8,
		Index:       0,
		Length:      uint16(len(buf)),
		Timeout:     uint32(ControlTimeout.Milliseconds()),
		Data:        unsafe.Pointer(&buf[0]),
	}
	ret, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), usbdevfsControl, uintptr(unsafe.Pointer(&ctrl)))
	if errno != 0 {
		return nil, errors.Wrap(errno, "read config descriptor")
	}
	return buf[:ret], nil
}

func (t *linuxTransport) BulkWrite(ctx context.Context, data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.bulkTransfer(t.outEndpoint, data)
	if err != nil {
		return n, err
	}

	if needsZeroLengthPacket(len(data), t.maxPacketSize) {
		if _, err := t.bulkTransfer(t.outEndpoint, nil); err != nil {
			return n, errors.Wrap(err, "send zero-length packet")
		}
	}
	return n, nil
}

func (t *linuxTransport) BulkRead(ctx context.Context, buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bulkTransfer(t.outEndpoint|endpointDirIn, buf)
}

func (t *linuxTransport) bulkTransfer(endpoint uint8, data []byte) (int, error) {
	var dataPtr uintptr
	if len(data) > 0 {
		dataPtr = uintptr(unsafe.Pointer(&data[0]))
	}
	bulk := usbBulkTransfer{
		Endpoint: uint32(endpoint),
		Length:   uint32(len(data)),
		Timeout:  uint32(ControlTimeout.Milliseconds()),
		Data:     dataPtr,
	}
	ret, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(t.fd), usbdevfsBulk, uintptr(unsafe.Pointer(&bulk)))
	if errno != 0 {
		if errno == syscall.ETIMEDOUT {
			return 0, ErrTransportTimeout
		}
		return 0, errno
	}
	return int(ret), nil
}

func (t *linuxTransport) ControlIO(ctx context.Context, dir Direction, setup SetupPacket, data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bmRequestType := bmRequestTypeVendorOut
	if dir == DirectionIn {
		bmRequestType = bmRequestTypeVendorIn
	}

	var dataPtr unsafe.Pointer
	if len(data) > 0 {
		dataPtr = unsafe.Pointer(&data[0])
	}

	ctrl := usbCtrlRequest{
		RequestType: uint8(bmRequestType),
		Request:     setup.BRequest,
		Value:       setup.WValue,
		Index:       uint16(t.iface),
		Length:      uint16(len(data)),
		Timeout:     uint32(ControlTimeout.Milliseconds()),
		Data:        dataPtr,
	}

	ret, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(t.fd), usbdevfsControl, uintptr(unsafe.Pointer(&ctrl)))
	if errno != 0 {
		if errno == syscall.ETIMEDOUT {
			return 0, ErrTransportTimeout
		}
		return 0, errno
	}
	return int(ret), nil
}

func (t *linuxTransport) ClearHalt(ctx context.Context, dir Direction) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ep := uint32(t.outEndpoint)
	if dir == DirectionIn {
		ep |= endpointDirIn
	}
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(t.fd), usbdevfsClearHalt, uintptr(unsafe.Pointer(&ep)))
	if errno != 0 {
		return errno
	}
	return nil
}

func (t *linuxTransport) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForDisconnect polls the usbdevfs device node's presence; usbdevfs has
// no blocking disconnect-notification ioctl exposed here, so this backend
// falls back to checking that the device node still exists.
func (t *linuxTransport) WaitForDisconnect(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(t.devNode); os.IsNotExist(err) {
			return nil
		}
		if err := t.Sleep(ctx, 200*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

func (t *linuxTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd < 0 {
		return nil
	}
	ifaceNum := uint32(t.iface)
	syscall.Syscall(syscall.SYS_IOCTL, uintptr(t.fd), usbdevfsReleaseInterface, uintptr(unsafe.Pointer(&ifaceNum)))
	err := syscall.Close(t.fd)
	t.fd = -1
	return err
}
