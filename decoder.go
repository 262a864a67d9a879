package vexport

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Common codec errors.
var (
	ErrProviderNotFound  = errors.New("provider not available")
	ErrCodecNotSupported = errors.New("codec not supported by provider")

	// ErrKeyframeRequired means the decoder was fed a delta frame without
	// a prior keyframe. Callers recover by skipping to the next sync
	// sample and resetting.
	ErrKeyframeRequired = errors.New("keyframe required")
)

// VideoDecoderConfig configures a video decoder.
type VideoDecoderConfig struct {
	Codec    VideoCodec // Codec type
	Provider Provider   // Provider to use (ProviderAuto = library chooses)

	Threads int // Decoder threads (0 = auto)

	// SPS and PPS carry out-of-band parameter sets for H.264 tracks.
	SPS [][]byte
	PPS [][]byte
}

// DecoderStats provides decoding metrics.
type DecoderStats struct {
	FramesDecoded    uint64 // Total frames output
	KeyframesDecoded uint64 // Total keyframes decoded
	BytesDecoded     uint64 // Total compressed bytes consumed
	CorruptedFrames  uint64 // Samples the decoder rejected
}

// VideoDecoder turns compressed samples into decoded frames.
//
// Decode is fed samples in decode order; a nil frame with nil error means
// the decoder is buffering (reference reorder) and will emit the frame on
// a later call or at Flush. Returned frames carry the presentation
// timestamp of the sample that produced them and must be Released by the
// caller once evicted.
type VideoDecoder interface {
	io.Closer

	// Decode consumes one sample converted to the codec's raw bitstream
	// form (Annex B for H.264). Returns ErrKeyframeRequired when a delta
	// sample arrives before any keyframe.
	Decode(sample *Sample, bitstream []byte) (*DecodedFrame, error)

	// Flush drains any internally buffered frames.
	Flush() ([]*DecodedFrame, error)

	// Reset drops all decoder state; the next sample must be a keyframe.
	Reset() error

	// Provider returns which provider created this decoder.
	Provider() Provider

	// Codec returns the codec type.
	Codec() VideoCodec

	// Stats returns decoding statistics.
	Stats() DecoderStats
}

// --- Registry ---

type videoDecoderFactory func(VideoDecoderConfig) (VideoDecoder, error)

type decoderRegistry struct {
	mu sync.RWMutex

	// Provider-aware registry: codec -> provider -> factory
	providers map[VideoCodec]map[Provider]videoDecoderFactory

	// Default provider per codec
	defaults map[VideoCodec]Provider
}

var globalDecoderRegistry = &decoderRegistry{
	providers: make(map[VideoCodec]map[Provider]videoDecoderFactory),
	defaults:  make(map[VideoCodec]Provider),
}

// registerVideoDecoder registers a decoder factory for a codec+provider.
func registerVideoDecoder(codec VideoCodec, provider Provider, factory videoDecoderFactory) {
	globalDecoderRegistry.mu.Lock()
	defer globalDecoderRegistry.mu.Unlock()

	if globalDecoderRegistry.providers[codec] == nil {
		globalDecoderRegistry.providers[codec] = make(map[Provider]videoDecoderFactory)
	}
	globalDecoderRegistry.providers[codec][provider] = factory

	if _, exists := globalDecoderRegistry.defaults[codec]; !exists {
		globalDecoderRegistry.defaults[codec] = provider
	}
}

// SetDefaultVideoDecoderProvider sets the default provider for a codec.
func SetDefaultVideoDecoderProvider(codec VideoCodec, provider Provider) {
	globalDecoderRegistry.mu.Lock()
	defer globalDecoderRegistry.mu.Unlock()
	globalDecoderRegistry.defaults[codec] = provider
}

// NewVideoDecoder creates a video decoder.
func NewVideoDecoder(config VideoDecoderConfig) (VideoDecoder, error) {
	globalDecoderRegistry.mu.RLock()
	defer globalDecoderRegistry.mu.RUnlock()

	providers := globalDecoderRegistry.providers[config.Codec]
	if providers == nil {
		return nil, fmt.Errorf("%w: no decoders for %s", ErrCodecNotSupported, config.Codec)
	}

	p := config.Provider
	if p == ProviderAuto {
		p = globalDecoderRegistry.defaults[config.Codec]
	}

	factory, ok := providers[p]
	if !ok || !p.Available() {
		return nil, fmt.Errorf("%w: %s for %s", ErrProviderNotFound, p, config.Codec)
	}

	return factory(config)
}

// VideoDecoderProviders returns available providers for a codec.
func VideoDecoderProviders(codec VideoCodec) []Provider {
	globalDecoderRegistry.mu.RLock()
	defer globalDecoderRegistry.mu.RUnlock()

	providers := globalDecoderRegistry.providers[codec]
	result := make([]Provider, 0, len(providers))
	for p := range providers {
		if p.Available() {
			result = append(result, p)
		}
	}
	return result
}
