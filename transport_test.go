package wup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNeedsZeroLengthPacket(t *testing.T) {
	tests := []struct {
		name      string
		length    int
		maxPacket uint16
		want      bool
	}{
		{"exact multiple needs ZLP", 512, 512, true},
		{"non-multiple no ZLP", 511, 512, false},
		{"zero length no ZLP", 0, 512, false},
		{"zero max packet no ZLP", 512, 0, false},
		{"multiple of max packet, larger", 1024, 512, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, needsZeroLengthPacket(tc.length, tc.maxPacket))
		})
	}
}

func TestSetupPacketBytes(t *testing.T) {
	s := SetupPacket{BmRequestType: 0x41, BRequest: 0x01, WValue: 0x0001, WIndex: 0x0002, WLength: 64}
	got := s.Bytes()
	want := []byte{0x41, 0x01, 0x01, 0x00, 0x02, 0x00, 64, 0x00}
	assert.Equal(t, want, got)
}
