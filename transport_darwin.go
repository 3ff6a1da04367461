package wup

/*
#cgo LDFLAGS: -framework IOKit -framework CoreFoundation
#include <IOKit/IOKitLib.h>
#include <IOKit/usb/IOUSBLib.h>
#include <CoreFoundation/CoreFoundation.h>

static IOUSBDeviceInterface300 **wupOpenDeviceInterface(io_service_t service) {
	IOCFPlugInInterface **plugin = NULL;
	SInt32 score = 0;
	IOUSBDeviceInterface300 **dev = NULL;

	kern_return_t kr = IOCreatePlugInInterfaceForService(service, kIOUSBDeviceUserClientTypeID,
		kIOCFPlugInInterfaceID, &plugin, &score);
	if (kr != kIOReturnSuccess || plugin == NULL) {
		return NULL;
	}

	(*plugin)->QueryInterface(plugin, CFUUIDGetUUIDBytes(kIOUSBDeviceInterfaceID300), (LPVOID *)&dev);
	(*plugin)->Release(plugin);
	return dev;
}

static IOUSBInterfaceInterface300 **wupOpenFirstInterface(IOUSBDeviceInterface300 **dev) {
	io_iterator_t iter = 0;
	io_service_t ifaceService;
	IOUSBFindInterfaceRequest request;
	request.bInterfaceClass = kIOUSBFindInterfaceDontCare;
	request.bInterfaceSubClass = kIOUSBFindInterfaceDontCare;
	request.bInterfaceProtocol = kIOUSBFindInterfaceDontCare;
	request.bAlternateSetting = kIOUSBFindInterfaceDontCare;

	kern_return_t kr = (*dev)->CreateInterfaceIterator(dev, &request, &iter);
	if (kr != kIOReturnSuccess) {
		return NULL;
	}

	IOUSBInterfaceInterface300 **iface = NULL;
	ifaceService = IOIteratorNext(iter);
	if (ifaceService) {
		IOCFPlugInInterface **plugin = NULL;
		SInt32 score = 0;
		kr = IOCreatePlugInInterfaceForService(ifaceService, kIOUSBInterfaceUserClientTypeID,
			kIOCFPlugInInterfaceID, &plugin, &score);
		if (kr == kIOReturnSuccess && plugin != NULL) {
			(*plugin)->QueryInterface(plugin, CFUUIDGetUUIDBytes(kIOUSBInterfaceInterfaceID300), (LPVOID *)&iface);
			(*plugin)->Release(plugin);
		}
		IOObjectRelease(ifaceService);
	}
	IOObjectRelease(iter);
	return iface;
}

static int wupControlRequest(IOUSBDeviceInterface300 **dev, UInt8 bmRequestType, UInt8 bRequest,
	UInt16 wValue, UInt16 wIndex, void *data, UInt16 length, UInt32 timeoutMs, UInt32 *actual) {
	IOUSBDevRequestTO req;
	req.bmRequestType = bmRequestType;
	req.bRequest = bRequest;
	req.wValue = wValue;
	req.wIndex = wIndex;
	req.wLength = length;
	req.pData = data;
	req.noDataTimeout = timeoutMs;
	req.completionTimeout = timeoutMs;
	kern_return_t kr = (*dev)->DeviceRequestTO(dev, &req);
	*actual = req.wLenDone;
	return kr;
}

static int wupWritePipe(IOUSBInterfaceInterface300 **iface, UInt8 pipeRef, void *data, UInt32 size, UInt32 timeoutMs) {
	return (*iface)->WritePipeTO(iface, pipeRef, data, size, timeoutMs, timeoutMs);
}

static int wupClearPipeStall(IOUSBInterfaceInterface300 **iface, UInt8 pipeRef) {
	return (*iface)->ClearPipeStallBothEnds(iface, pipeRef);
}
*/
import "C"

import (
	"context"
	"sync"
	"time"
	"unsafe"

	"github.com/pkg/errors"
)

// darwinTransport implements Transport over IOKit's IOUSBDeviceInterface /
// IOUSBInterfaceInterface plugin COM objects, the same binding style as the
// teacher's iokit_bindings_darwin.go, trimmed to the single control pipe and
// single bulk OUT pipe a WUP device exposes.
type darwinTransport struct {
	mu          sync.Mutex
	service     C.io_service_t
	dev         *C.IOUSBDeviceInterface300
	iface       *C.IOUSBInterfaceInterface300
	pipeRef     uint8
	maxPacket   uint16
	ifaceNumber uint8
}

// OpenDarwin locates a WUP device via IOKit's matching dictionary and opens
// its vendor interface, mirroring the teacher's NewIOKitEnumerator /
// OpenDeviceWithPath pairing.
func OpenDarwin(ctx context.Context) (Transport, DeviceInfo, error) {
	matching := C.IOServiceMatching(C.kIOUSBDeviceClassName)
	if matching == nil {
		return nil, DeviceInfo{}, errors.New("IOServiceMatching failed")
	}

	var iter C.io_iterator_t
	if kr := C.IOServiceGetMatchingServices(C.kIOMasterPortDefault, matching, &iter); kr != C.kIOReturnSuccess {
		return nil, DeviceInfo{}, errors.Errorf("IOServiceGetMatchingServices: %d", kr)
	}
	defer C.IOObjectRelease(C.io_object_t(iter))

	for {
		service := C.IOIteratorNext(iter)
		if service == 0 {
			break
		}

		vendorID := readIOKitUint16Property(service, "idVendor")
		if vendorID != VendorID {
			C.IOObjectRelease(C.io_object_t(service))
			continue
		}

		t, info, err := openDarwinService(service)
		if err == nil {
			return t, info, nil
		}
		C.IOObjectRelease(C.io_object_t(service))
	}
	return nil, DeviceInfo{}, errors.New("no WUP device found")
}

func readIOKitUint16Property(service C.io_service_t, name string) uint16 {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	cfName := C.CFStringCreateWithCString(C.kCFAllocatorDefault, cname, C.kCFStringEncodingUTF8)
	defer C.CFRelease(C.CFTypeRef(cfName))

	prop := C.IORegistryEntryCreateCFProperty(C.io_registry_entry_t(service), cfName, C.kCFAllocatorDefault, 0)
	if prop == 0 {
		return 0
	}
	defer C.CFRelease(C.CFTypeRef(prop))

	var val C.SInt32
	C.CFNumberGetValue(C.CFNumberRef(unsafe.Pointer(prop)), C.kCFNumberSInt32Type, unsafe.Pointer(&val))
	return uint16(val)
}

func openDarwinService(service C.io_service_t) (Transport, DeviceInfo, error) {
	dev := C.wupOpenDeviceInterface(service)
	if dev == nil {
		return nil, DeviceInfo{}, errors.New("failed to create device interface plugin")
	}
	if kr := C.int((*dev).Open(dev)); kr != C.kIOReturnSuccess {
		return nil, DeviceInfo{}, errors.Errorf("device Open: %d", kr)
	}

	iface := C.wupOpenFirstInterface(dev)
	if iface == nil {
		(*dev).Release(dev)
		return nil, DeviceInfo{}, errors.New("no interface found on candidate device")
	}
	if kr := (*iface).USBInterfaceOpen(iface); kr != C.kIOReturnSuccess {
		(*iface).Release(iface)
		(*dev).Release(dev)
		return nil, DeviceInfo{}, errors.Errorf("interface Open: %d", kr)
	}

	var ifaceNumber C.UInt8
	(*iface).GetInterfaceNumber(iface, &ifaceNumber)
	var numEndpoints C.UInt8
	(*iface).GetNumEndpoints(iface, &numEndpoints)

	var outPipe uint8
	var maxPacket uint16
	found := false
	for i := C.UInt8(1); i <= numEndpoints; i++ {
		var direction, number, transferType C.UInt8
		var maxPacketSize C.UInt16
		var interval C.UInt8
		if kr := (*iface).GetPipeProperties(iface, i, &direction, &number, &transferType, &maxPacketSize, &interval); kr != C.kIOReturnSuccess {
			continue
		}
		if transferType == 2 /* kUSBBulk */ && direction == 0 /* kUSBOut */ {
			outPipe = uint8(i)
			maxPacket = uint16(maxPacketSize)
			found = true
			break
		}
	}
	if !found {
		(*iface).Close(iface)
		(*iface).Release(iface)
		(*dev).Release(dev)
		return nil, DeviceInfo{}, errors.New("no bulk OUT pipe on candidate interface")
	}

	t := &darwinTransport{
		service:     service,
		dev:         dev,
		iface:       iface,
		pipeRef:     outPipe,
		maxPacket:   maxPacket,
		ifaceNumber: uint8(ifaceNumber),
	}
	return t, DeviceInfo{VendorID: VendorID, InterfaceNum: uint8(ifaceNumber)}, nil
}

func (t *darwinTransport) BulkWrite(ctx context.Context, data []byte) (int, error) {
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

func (t *darwinTransport) writePipe(data []byte) (int, error) {
	var ptr unsafe.Pointer
	if len(data) > 0 {
		ptr = unsafe.Pointer(&data[0])
	}
	kr := C.wupWritePipe(t.iface, C.UInt8(t.pipeRef), ptr, C.UInt32(len(data)), C.UInt32(ControlTimeout.Milliseconds()))
	if kr != C.kIOReturnSuccess {
		if kr == C.kIOUSBTransactionTimeout {
			return 0, ErrTransportTimeout
		}
		return 0, errors.Errorf("WritePipe: IOReturn %d", kr)
	}
	return len(data), nil
}

func (t *darwinTransport) BulkRead(ctx context.Context, buf []byte) (int, error) {
	return 0, errors.New("bulk read not used by this device class")
}

func (t *darwinTransport) ControlIO(ctx context.Context, dir Direction, setup SetupPacket, data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bmRequestType := uint8(bmRequestTypeVendorOut)
	if dir == DirectionIn {
		bmRequestType = uint8(bmRequestTypeVendorIn)
	}

	var ptr unsafe.Pointer
	if len(data) > 0 {
		ptr = unsafe.Pointer(&data[0])
	}

	var actual C.UInt32
	kr := C.wupControlRequest(t.dev, C.UInt8(bmRequestType), C.UInt8(setup.BRequest), C.UInt16(setup.WValue),
		C.UInt16(t.ifaceNumber), ptr, C.UInt16(len(data)), C.UInt32(ControlTimeout.Milliseconds()), &actual)
	if kr != C.kIOReturnSuccess {
		if kr == C.kIOUSBTransactionTimeout {
			return 0, ErrTransportTimeout
		}
		return 0, errors.Errorf("DeviceRequestTO: IOReturn %d", kr)
	}
	return int(actual), nil
}

func (t *darwinTransport) ClearHalt(ctx context.Context, dir Direction) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	kr := C.wupClearPipeStall(t.iface, C.UInt8(t.pipeRef))
	if kr != C.kIOReturnSuccess {
		return errors.Errorf("ClearPipeStall: IOReturn %d", kr)
	}
	return nil
}

func (t *darwinTransport) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForDisconnect polls IOKit's service-still-registered state; the
// teacher's async_darwin.go run-loop notification path is not exercised
// here since only one-shot disconnect detection is needed.
func (t *darwinTransport) WaitForDisconnect(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var busyState C.uint32_t
		if kr := C.IOServiceGetBusyState(t.service, &busyState); kr != C.kIOReturnSuccess {
			return nil // service object gone: treat as disconnected
		}
		if err := t.Sleep(ctx, 200*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

func (t *darwinTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.iface != nil {
		(*t.iface).Close(t.iface)
		(*t.iface).Release(t.iface)
		t.iface = nil
	}
	if t.dev != nil {
		(*t.dev).Close(t.dev)
		(*t.dev).Release(t.dev)
		t.dev = nil
	}
	if t.service != 0 {
		C.IOObjectRelease(C.io_object_t(t.service))
		t.service = 0
	}
	return nil
}
