package wup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildConfigDescriptor assembles a minimal raw USB configuration descriptor
// containing the given interfaces, each followed by its endpoints, in the
// on-wire TLV-ish layout FindWUPInterface parses.
func buildConfigDescriptor(interfaces [][]byte) []byte {
	header := make([]byte, 9)
	header[0] = 9
	header[1] = descTypeConfig

	var body []byte
	for _, iface := range interfaces {
		body = append(body, iface...)
	}
	return append(header, body...)
}

func interfaceDescriptor(num, class, subclass, protocol uint8) []byte {
	return []byte{9, descTypeInterface, num, 0, 0, class, subclass, protocol, 0}
}

func bulkOutEndpoint(addr uint8, maxPacket uint16) []byte {
	return []byte{7, descTypeEndpoint, addr, endpointXferBulk, byte(maxPacket), byte(maxPacket >> 8), 0}
}

func bulkInEndpoint(addr uint8, maxPacket uint16) []byte {
	return []byte{7, descTypeEndpoint, addr | endpointDirIn, endpointXferBulk, byte(maxPacket), byte(maxPacket >> 8), 0}
}

func TestFindWUPInterfaceMatches(t *testing.T) {
	cfg := buildConfigDescriptor([][]byte{
		append(interfaceDescriptor(0, InterfaceClass, InterfaceSubClass, InterfaceProtocol), bulkOutEndpoint(0x01, 512)...),
	})

	got, err := FindWUPInterface(cfg)
	require.NoError(t, err)
	assert.Equal(t, WUPInterface{InterfaceNumber: 0, OutEndpoint: 0x01, MaxPacketSize: 512}, got)
}

func TestFindWUPInterfaceRejectsNoCandidate(t *testing.T) {
	cfg := buildConfigDescriptor([][]byte{
		append(interfaceDescriptor(0, 0x08, 0x06, 0x50), bulkOutEndpoint(0x01, 512)...), // mass storage, wrong class
	})

	_, err := FindWUPInterface(cfg)
	assert.Error(t, err)
}

func TestFindWUPInterfaceRejectsBulkIn(t *testing.T) {
	cfg := buildConfigDescriptor([][]byte{
		append(interfaceDescriptor(0, InterfaceClass, InterfaceSubClass, InterfaceProtocol), bulkInEndpoint(0x81, 512)...),
	})

	_, err := FindWUPInterface(cfg)
	assert.Error(t, err)
}

func TestFindWUPInterfaceRejectsMultipleCandidates(t *testing.T) {
	var body []byte
	body = append(body, interfaceDescriptor(0, InterfaceClass, InterfaceSubClass, InterfaceProtocol)...)
	body = append(body, bulkOutEndpoint(0x01, 512)...)
	body = append(body, interfaceDescriptor(1, InterfaceClass, InterfaceSubClass, InterfaceProtocol)...)
	body = append(body, bulkOutEndpoint(0x02, 512)...)
	cfg := buildConfigDescriptor([][]byte{body})

	_, err := FindWUPInterface(cfg)
	assert.Error(t, err)
}

func TestFindWUPInterfaceRejectsTooShort(t *testing.T) {
	_, err := FindWUPInterface([]byte{1, 2, 3})
	assert.Error(t, err)
}
