package wup

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Standard USB descriptor types and requests needed to locate the WUP
// interface. Trimmed from the teacher's types_common.go/config.go, which
// carried the full generic USB 3.x descriptor zoo (BOS, IAD, SuperSpeed
// companions, device capabilities) that a single-interface vendor device
// never exposes.
const (
	descTypeDevice    = 0x01
	descTypeConfig    = 0x02
	descTypeString    = 0x03
	descTypeInterface = 0x04
	descTypeEndpoint  = 0x05

	reqGetDescriptor = 0x06

	endpointDirIn    = 0x80
	endpointXferMask = 0x03
	endpointXferBulk = 0x02
)

// DeviceDescriptor is the standard 18-byte USB device descriptor.
type DeviceDescriptor struct {
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// UnmarshalDeviceDescriptor parses the standard 18-byte device descriptor.
func UnmarshalDeviceDescriptor(data []byte) (DeviceDescriptor, error) {
	if len(data) < 18 {
		return DeviceDescriptor{}, errors.Errorf("device descriptor too short: %d bytes", len(data))
	}
	return DeviceDescriptor{
		VendorID:          binary.LittleEndian.Uint16(data[8:10]),
		ProductID:         binary.LittleEndian.Uint16(data[10:12]),
		DeviceVersion:     binary.LittleEndian.Uint16(data[12:14]),
		ManufacturerIndex: data[14],
		ProductIndex:      data[15],
		SerialNumberIndex: data[16],
		NumConfigurations: data[17],
	}, nil
}

// InterfaceDescriptor is the standard 9-byte USB interface descriptor.
type InterfaceDescriptor struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
}

// EndpointDescriptor is the standard 7-byte USB endpoint descriptor.
type EndpointDescriptor struct {
	EndpointAddr  uint8
	Attributes    uint8
	MaxPacketSize uint16
}

// IsOut reports whether this is an OUT endpoint.
func (e EndpointDescriptor) IsOut() bool { return e.EndpointAddr&endpointDirIn == 0 }

// IsBulk reports whether this endpoint is a bulk endpoint.
func (e EndpointDescriptor) IsBulk() bool { return e.Attributes&endpointXferMask == endpointXferBulk }

// WUPInterface is the result of successfully locating the vendor interface
// spec §6 describes: class 0xFF, subclass 0xF0, protocol 0x00, exactly one
// bulk OUT endpoint and no bulk IN endpoint.
type WUPInterface struct {
	InterfaceNumber uint8
	OutEndpoint     uint8
	MaxPacketSize   uint16
}

// FindWUPInterface walks a raw configuration descriptor (as returned by a
// GET_DESCRIPTOR(CONFIGURATION) request) and returns the interface matching
// the WUP device-matching criteria (spec §6), or an error if none, or more
// than one conflicting candidate, is found.
func FindWUPInterface(configData []byte) (WUPInterface, error) {
	if len(configData) < 9 {
		return WUPInterface{}, errors.New("config descriptor too short")
	}

	var (
		cur        *InterfaceDescriptor
		curOut     []EndpointDescriptor
		curIn      int
		candidates []WUPInterface
	)

	flush := func() {
		if cur == nil {
			return
		}
		if cur.InterfaceClass == InterfaceClass &&
			cur.InterfaceSubClass == InterfaceSubClass &&
			cur.InterfaceProtocol == InterfaceProtocol &&
			curIn == 0 && len(curOut) == 1 {
			candidates = append(candidates, WUPInterface{
				InterfaceNumber: cur.InterfaceNumber,
				OutEndpoint:     curOut[0].EndpointAddr,
				MaxPacketSize:   curOut[0].MaxPacketSize,
			})
		}
	}

	pos := 9 // skip the configuration descriptor header itself
	for pos+2 <= len(configData) {
		length := int(configData[pos])
		descType := configData[pos+1]
		if length == 0 || pos+length > len(configData) {
			break
		}

		switch descType {
		case descTypeInterface:
			if length < 9 {
				return WUPInterface{}, errors.Errorf("interface descriptor too short: %d bytes", length)
			}
			flush()
			cur = &InterfaceDescriptor{
				InterfaceNumber:   configData[pos+2],
				AlternateSetting:  configData[pos+3],
				NumEndpoints:      configData[pos+4],
				InterfaceClass:    configData[pos+5],
				InterfaceSubClass: configData[pos+6],
				InterfaceProtocol: configData[pos+7],
			}
			curOut = nil
			curIn = 0

		case descTypeEndpoint:
			if length < 7 {
				return WUPInterface{}, errors.Errorf("endpoint descriptor too short: %d bytes", length)
			}
			ep := EndpointDescriptor{
				EndpointAddr:  configData[pos+2],
				Attributes:    configData[pos+3],
				MaxPacketSize: binary.LittleEndian.Uint16(configData[pos+4 : pos+6]),
			}
			if ep.IsBulk() {
				if ep.IsOut() {
					curOut = append(curOut, ep)
				} else {
					curIn++
				}
			}
		}

		pos += length
	}
	flush()

	switch len(candidates) {
	case 0:
		return WUPInterface{}, errors.New("no interface matched the WUP device signature")
	case 1:
		return candidates[0], nil
	default:
		return WUPInterface{}, errors.Errorf("%d interfaces matched the WUP device signature, expected exactly one", len(candidates))
	}
}
