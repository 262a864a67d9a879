package vexport

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrBufferTooSmall is returned when a caller-provided pixel buffer is too
// short for the stated frame dimensions.
var ErrBufferTooSmall = errors.New("buffer too small")

// VideoEncoderConfig configures a video encoder.
type VideoEncoderConfig struct {
	Codec    VideoCodec // Codec type
	Provider Provider   // Provider to use (ProviderAuto = library chooses)

	Width      int // Frame width
	Height     int // Frame height
	FPS        int // Target framerate
	BitrateBps int // Target bitrate in bits per second

	// KeyframeInterval forces a sync frame every N frames (0 = encoder
	// default of 2 seconds worth of frames).
	KeyframeInterval int

	Threads int // Encoder threads (0 = auto)
}

// DefaultVideoEncoderConfig returns a default encoder configuration.
func DefaultVideoEncoderConfig(codec VideoCodec, width, height int) VideoEncoderConfig {
	return VideoEncoderConfig{
		Codec:      codec,
		Provider:   ProviderAuto,
		Width:      width,
		Height:     height,
		FPS:        30,
		BitrateBps: 4_000_000,
	}
}

// EncoderStats provides encoding metrics.
type EncoderStats struct {
	FramesEncoded    uint64 // Total frames encoded
	KeyframesEncoded uint64 // Total keyframes encoded
	BytesEncoded     uint64 // Total bytes of encoded data
}

// VideoEncoder encodes raw I420 frames to a compressed bitstream.
type VideoEncoder interface {
	io.Closer

	// Encode encodes one frame. The frame's PTS is carried through to the
	// returned packet. Returns nil if the encoder is buffering.
	Encode(frame *DecodedFrame) (*EncodedPacket, error)

	// Flush drains any buffered packets.
	Flush() ([]*EncodedPacket, error)

	// RequestKeyframe forces the next frame to be a keyframe.
	RequestKeyframe()

	// ExtraData returns codec parameter sets (SPS/PPS for H.264),
	// available after the first encoded keyframe at the latest.
	ExtraData() (sps, pps [][]byte)

	// Provider returns which provider created this encoder.
	Provider() Provider

	// Codec returns the codec type.
	Codec() VideoCodec

	// Stats returns encoding statistics.
	Stats() EncoderStats
}

// --- Registry ---

type videoEncoderFactory func(VideoEncoderConfig) (VideoEncoder, error)

type encoderRegistry struct {
	mu sync.RWMutex

	providers map[VideoCodec]map[Provider]videoEncoderFactory
	defaults  map[VideoCodec]Provider
}

var globalEncoderRegistry = &encoderRegistry{
	providers: make(map[VideoCodec]map[Provider]videoEncoderFactory),
	defaults:  make(map[VideoCodec]Provider),
}

// registerVideoEncoder registers an encoder factory for a codec+provider.
func registerVideoEncoder(codec VideoCodec, provider Provider, factory videoEncoderFactory) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()

	if globalEncoderRegistry.providers[codec] == nil {
		globalEncoderRegistry.providers[codec] = make(map[Provider]videoEncoderFactory)
	}
	globalEncoderRegistry.providers[codec][provider] = factory

	if _, exists := globalEncoderRegistry.defaults[codec]; !exists {
		globalEncoderRegistry.defaults[codec] = provider
	}
}

// SetDefaultVideoEncoderProvider sets the default provider for a codec.
func SetDefaultVideoEncoderProvider(codec VideoCodec, provider Provider) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()
	globalEncoderRegistry.defaults[codec] = provider
}

// NewVideoEncoder creates a video encoder.
func NewVideoEncoder(config VideoEncoderConfig) (VideoEncoder, error) {
	globalEncoderRegistry.mu.RLock()
	defer globalEncoderRegistry.mu.RUnlock()

	providers := globalEncoderRegistry.providers[config.Codec]
	if providers == nil {
		return nil, fmt.Errorf("%w: no encoders for %s", ErrCodecNotSupported, config.Codec)
	}

	p := config.Provider
	if p == ProviderAuto {
		p = globalEncoderRegistry.defaults[config.Codec]
	}

	factory, ok := providers[p]
	if !ok || !p.Available() {
		return nil, fmt.Errorf("%w: %s for %s", ErrProviderNotFound, p, config.Codec)
	}

	return factory(config)
}

// VideoEncoderProviders returns available providers for a codec.
func VideoEncoderProviders(codec VideoCodec) []Provider {
	globalEncoderRegistry.mu.RLock()
	defer globalEncoderRegistry.mu.RUnlock()

	providers := globalEncoderRegistry.providers[codec]
	result := make([]Provider, 0, len(providers))
	for p := range providers {
		if p.Available() {
			result = append(result, p)
		}
	}
	return result
}
