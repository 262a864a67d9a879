package vexport

import "testing"

func TestDetectContainer(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want Container
	}{
		{"mp4 ftyp", []byte{0, 0, 0, 32, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm'}, ContainerMP4},
		{"mp4 segment", []byte{0, 0, 0, 24, 's', 't', 'y', 'p', 'm', 's', 'd', 'h'}, ContainerMP4},
		{"headerless moov", []byte{0, 0, 1, 0, 'm', 'o', 'o', 'v'}, ContainerMP4},
		{"webm ebml", []byte{0x1A, 0x45, 0xDF, 0xA3, 0x01, 0x02, 0x03, 0x04}, ContainerWebM},
		{"plain text", []byte("hello world, not a file"), ContainerUnknown},
		{"too short", []byte{0, 0}, ContainerUnknown},
		{"empty", nil, ContainerUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectContainer(tt.data); got != tt.want {
				t.Errorf("DetectContainer = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDetectContainerOnMuxedOutput(t *testing.T) {
	data := makeFragmentedMP4(t, 3, 3)
	if got := DetectContainer(data); got != ContainerMP4 {
		t.Errorf("muxed output detected as %s", got)
	}
}

func TestDetectVideoCodec(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want VideoCodec
	}{
		{"annexb 4-byte idr", []byte{0, 0, 0, 1, 0x65, 0x88, 0x84, 0x00}, VideoCodecH264},
		{"annexb 3-byte sps", []byte{0, 0, 1, 0x67, 0x42, 0x00, 0x1E, 0xF4}, VideoCodecH264},
		{"avcc length prefixed", []byte{0, 0, 0, 3, 0x65, 0xAA, 0xBB, 0xCC}, VideoCodecH264},
		{"annexb bad nal type", []byte{0, 0, 0, 1, 0x7F, 0x00, 0x00, 0x00}, VideoCodecUnknown},
		{"garbage", []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x00, 0x00, 0x00}, VideoCodecUnknown},
		{"too short", []byte{0, 0}, VideoCodecUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectVideoCodec(tt.data); got != tt.want {
				t.Errorf("DetectVideoCodec = %s, want %s", got, tt.want)
			}
		})
	}
}
