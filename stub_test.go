package vexport

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/Eyevinn/mp4ff/mp4"
)

// Minimal but fully valid H.264 parameter sets for a 320x240 baseline
// stream, used wherever a test needs a real AVC descriptor.
var (
	testSPS = []byte{0x67, 0x42, 0x00, 0x1E, 0xF4, 0x0A, 0x0F, 0x88}
	testPPS = []byte{0x68, 0xCE, 0x38, 0x80}
)

// makeStore builds a synthetic sample store: n samples spaced durMicros
// apart on a microsecond timescale, with a keyframe every keyEvery
// samples starting at 0.
func makeStore(n, keyEvery int, durMicros int64) *SampleStore {
	store := &SampleStore{
		Timescale: 1_000_000,
		Codec:     VideoCodecH264,
		Width:     320,
		Height:    240,
		SPS:       [][]byte{testSPS},
		PPS:       [][]byte{testPPS},
	}
	for i := 0; i < n; i++ {
		store.Samples = append(store.Samples, Sample{
			DTS:       int64(i) * durMicros,
			CTS:       int64(i) * durMicros,
			Duration:  uint32(durMicros),
			Timescale: 1_000_000,
			IsSync:    i%keyEvery == 0,
			Data:      []byte{0, 0, 0, 1, 0x65},
		})
	}
	store.buildPTSOrder()
	return store
}

// makeFragmentedMP4 builds a playable fragmented MP4 with n video samples
// of 3000 ticks each on a 90000 timescale (33.3ms per frame), keyframes
// every keyEvery samples.
func makeFragmentedMP4(t *testing.T, n, keyEvery int) []byte {
	t.Helper()

	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(90000, "video", "und")
	trak := init.Moov.Traks[0]
	if err := trak.SetAVCDescriptor("avc1", [][]byte{testSPS}, [][]byte{testPPS}, true); err != nil {
		t.Fatalf("SetAVCDescriptor: %v", err)
	}

	var buf bytes.Buffer
	if err := init.Encode(&buf); err != nil {
		t.Fatalf("encode init: %v", err)
	}

	frag, err := mp4.CreateFragment(1, trak.Tkhd.TrackID)
	if err != nil {
		t.Fatalf("create fragment: %v", err)
	}
	for i := 0; i < n; i++ {
		flags := mp4.NonSyncSampleFlags
		if i%keyEvery == 0 {
			flags = mp4.SyncSampleFlags
		}
		frag.AddFullSample(mp4.FullSample{
			Sample: mp4.Sample{
				Flags: flags,
				Dur:   3000,
				Size:  5,
			},
			DecodeTime: uint64(i * 3000),
			Data:       []byte{0, 0, 0, 1, 0x65},
		})
	}
	if err := frag.Encode(&buf); err != nil {
		t.Fatalf("encode fragment: %v", err)
	}
	return buf.Bytes()
}

// stubDecoder emits a synthetic frame per sample and tracks lifetimes so
// tests can assert that every handed-out frame eventually gets released.
type stubDecoder struct {
	mu       sync.Mutex
	primed   bool
	created  int
	released int
	calls    int
	closed   bool
	resets   int

	// failKeyframe marks sample PTS values (microseconds) whose decode
	// simulates a reference miss.
	failKeyframe map[int64]bool
}

func newStubDecoder() *stubDecoder {
	return &stubDecoder{failKeyframe: make(map[int64]bool)}
}

func (d *stubDecoder) Decode(sample *Sample, bitstream []byte) (*DecodedFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++

	pts := sample.PTSMicros()
	if d.failKeyframe[pts] {
		d.primed = false
		return nil, ErrKeyframeRequired
	}
	if !d.primed {
		if !sample.IsSync {
			return nil, ErrKeyframeRequired
		}
		d.primed = true
	}

	frame := NewDecodedFrame(320, 240, pts)
	frame.Duration = sample.DurationMicros()
	frame.SetReleaseFunc(func(*DecodedFrame) {
		d.mu.Lock()
		d.released++
		d.mu.Unlock()
	})
	d.created++
	return frame, nil
}

func (d *stubDecoder) Flush() ([]*DecodedFrame, error) { return nil, nil }

func (d *stubDecoder) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.primed = false
	d.resets++
	return nil
}

func (d *stubDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *stubDecoder) Provider() Provider { return ProviderOpenH264 }
func (d *stubDecoder) Codec() VideoCodec  { return VideoCodecH264 }
func (d *stubDecoder) Stats() DecoderStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DecoderStats{FramesDecoded: uint64(d.created)}
}

func (d *stubDecoder) snapshot() (created, released int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created, d.released
}

// stubEncoder records what it is fed and produces one packet per frame.
type stubEncoder struct {
	mu          sync.Mutex
	ptss        []int64
	keyRequests int
	keyPending  bool
	closed      bool
}

func (e *stubEncoder) Encode(frame *DecodedFrame) (*EncodedPacket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ft := FrameTypeDelta
	if e.keyPending || len(e.ptss) == 0 {
		ft = FrameTypeKey
		e.keyPending = false
	}
	e.ptss = append(e.ptss, frame.PTS)
	return &EncodedPacket{
		Data:      []byte{0, 0, 0, 1, 0x65, byte(len(e.ptss))},
		FrameType: ft,
		PTS:       frame.PTS,
		DTS:       frame.PTS,
	}, nil
}

func (e *stubEncoder) Flush() ([]*EncodedPacket, error) { return nil, nil }

func (e *stubEncoder) RequestKeyframe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keyRequests++
	e.keyPending = true
}

func (e *stubEncoder) ExtraData() (sps, pps [][]byte) {
	return [][]byte{testSPS}, [][]byte{testPPS}
}

func (e *stubEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *stubEncoder) Provider() Provider  { return ProviderX264 }
func (e *stubEncoder) Codec() VideoCodec   { return VideoCodecH264 }
func (e *stubEncoder) Stats() EncoderStats { return EncoderStats{} }

func (e *stubEncoder) encodedPTS() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int64, len(e.ptss))
	copy(out, e.ptss)
	return out
}

// stubTimeline exposes a fixed clip set with identity mapping.
type stubTimeline struct {
	clips []ClipInfo
}

func (t *stubTimeline) ClipsAt(int64) []ClipInfo { return t.clips }

func (t *stubTimeline) Transform(string, int64) Transform { return IdentityTransform }

func (t *stubTimeline) Effects(string, int64) Effects { return nil }

func (t *stubTimeline) SourceTime(_ string, at int64) int64 { return at }

// stubAudio completes instantly with a canned result.
type stubAudio struct {
	mu        sync.Mutex
	result    *AudioResult
	err       error
	cancelled bool
	calls     int
}

func (a *stubAudio) Export(ctx context.Context, start, end int64, onProgress func(float64)) (*AudioResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.cancelled || ctx.Err() != nil {
		return nil, nil
	}
	if a.err != nil {
		return nil, a.err
	}
	if onProgress != nil {
		onProgress(0.5)
		onProgress(1)
	}
	return a.result, nil
}

func (a *stubAudio) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled = true
}
