package vexport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Buffer errors.
var (
	ErrBufferEnded   = errors.New("buffer already ended")
	ErrNoFrameCached = errors.New("no frame buffered near requested time")
)

// BufferConfig configures a BufferManager.
type BufferConfig struct {
	Store *SampleStore // Demuxed clip samples (required)

	// LookAheadFrames is how many decoded frames the buffer keeps ready
	// ahead of the last presented time (0 = default 30).
	LookAheadFrames int

	// KeepBehindFrames is how many presented frames stay buffered behind
	// the playhead before eviction (0 = default 10).
	KeepBehindFrames int

	// ToleranceFactor scales the clip's average frame duration into the
	// match window for presentation lookups (0 = default 0.75). A miss
	// retries with the window widened threefold before falling back.
	ToleranceFactor float64

	// Decoder overrides the registry-constructed decoder. Tests inject
	// stubs here.
	Decoder VideoDecoder

	// Provider selects the decoder provider when Decoder is nil.
	Provider Provider

	Logger Logger
}

// DefaultBufferConfig returns a config for the given sample store.
func DefaultBufferConfig(store *SampleStore) BufferConfig {
	return BufferConfig{
		Store:            store,
		LookAheadFrames:  30,
		KeepBehindFrames: 10,
		ToleranceFactor:  0.75,
	}
}

// BufferStats provides buffer metrics.
type BufferStats struct {
	FramesDecoded uint64 // Frames emitted by the decoder
	CacheHits     uint64 // Presentations served from the buffer
	CacheMisses   uint64 // Presentations that needed extra decoding
	Fallbacks     uint64 // Presentations served with a stale frame
	FramesEvicted uint64 // Frames released behind the playhead
	KeyframeSkips uint64 // Recoveries that jumped to the next keyframe
	Rewinds       uint64 // Backward seeks that re-decoded an earlier section
}

// BufferManager decodes one clip's samples sequentially and serves decoded
// frames by presentation time. Frames are buffered ahead of the playhead
// and evicted behind it; lookups match the nearest buffered timestamp
// within a tolerance window.
//
// Returned frames stay owned by the buffer. A frame handed out by Present
// remains valid until the next Present or End call.
type BufferManager struct {
	store *SampleStore
	cfg   BufferConfig
	log   Logger

	mu      sync.Mutex
	decoder VideoDecoder

	// frames and index move in lock step: index holds the sorted PTS keys
	// of frames.
	frames map[int64]*DecodedFrame
	index  []int64

	// nextDecode is the decode-order position of the next sample to feed.
	nextDecode int

	// loanedPTS is the key of the frame currently on loan to the caller,
	// spared from eviction. -1 when nothing is loaned.
	loanedPTS int64

	// orphaned holds frames replaced at the loaned key while still in the
	// caller's hands. Released when the loan moves on.
	orphaned []*DecodedFrame

	ended     bool
	topUpBusy bool

	tolerance int64 // Match window in microseconds

	stats BufferStats
}

// NewBufferManager creates a buffer manager for one clip. The decoder is
// built from the registry unless cfg.Decoder is set.
func NewBufferManager(cfg BufferConfig) (*BufferManager, error) {
	if cfg.Store == nil || cfg.Store.Len() == 0 {
		return nil, ErrEmptyContainer
	}
	if cfg.LookAheadFrames <= 0 {
		cfg.LookAheadFrames = 30
	}
	if cfg.KeepBehindFrames <= 0 {
		cfg.KeepBehindFrames = 10
	}
	if cfg.ToleranceFactor <= 0 {
		cfg.ToleranceFactor = 0.75
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}

	dec := cfg.Decoder
	if dec == nil {
		var err error
		dec, err = NewVideoDecoder(VideoDecoderConfig{
			Codec:    cfg.Store.Codec,
			Provider: cfg.Provider,
			SPS:      cfg.Store.SPS,
			PPS:      cfg.Store.PPS,
		})
		if err != nil {
			return nil, fmt.Errorf("create decoder: %w", err)
		}
	}

	tol := int64(float64(cfg.Store.AvgFrameDurationMicros()) * cfg.ToleranceFactor)

	return &BufferManager{
		store:     cfg.Store,
		cfg:       cfg,
		log:       cfg.Logger,
		decoder:   dec,
		frames:    make(map[int64]*DecodedFrame),
		loanedPTS: -1,
		tolerance: tol,
	}, nil
}

// prepareTimeout bounds the initial decode run. Scaled with the number of
// samples between the preceding keyframe and the start point, with a floor
// so short runs still get time for decoder warm-up.
func prepareTimeout(samples int) time.Duration {
	d := time.Duration(samples) * 50 * time.Millisecond
	if d < 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

// Prepare positions the buffer at startMicros: the decoder runs from the
// keyframe preceding the start sample until the frame covering startMicros
// is buffered. Must be called once before Present.
func (b *BufferManager) Prepare(ctx context.Context, startMicros int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended {
		return ErrBufferEnded
	}

	target := b.store.NearestDecodeIndexAt(startMicros)
	start := b.store.PrecedingSyncIndex(target)
	b.nextDecode = start

	deadline := prepareTimeout(target - start + 1)
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	targetPTS := b.store.PTSMicros(target)
	for b.nextDecode < b.store.Len() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("prepare at %dus: %w", startMicros, err)
		}
		if _, ok := b.lookupLocked(targetPTS, b.tolerance); ok {
			b.startTopUpLocked()
			return nil
		}
		if err := b.decodeNextLocked(); err != nil {
			return fmt.Errorf("prepare at %dus: %w", startMicros, err)
		}
	}

	// Tail of the clip: drain the decoder's reorder queue.
	if err := b.flushDecoderLocked(); err != nil {
		return fmt.Errorf("prepare at %dus: %w", startMicros, err)
	}
	if _, ok := b.lookupLocked(targetPTS, b.tolerance); ok {
		return nil
	}
	return fmt.Errorf("prepare at %dus: %w", startMicros, ErrNoFrameCached)
}

// Present returns the decoded frame nearest to micros. The returned frame
// is borrowed; it stays valid until the next Present or End call.
//
// Lookup order: buffered frame within tolerance, then decoding toward the
// target (requests behind the decode head rewind to the preceding
// keyframe and re-decode that section), then a retry with the tolerance
// widened threefold, then the nearest buffered frame regardless of
// distance. An expired context stops decoding and falls through to the
// buffered stages rather than failing.
func (b *BufferManager) Present(ctx context.Context, micros int64) (*DecodedFrame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended {
		return nil, ErrBufferEnded
	}

	if pts, ok := b.lookupLocked(micros, b.tolerance); ok {
		b.stats.CacheHits++
		return b.loanLocked(pts), nil
	}
	b.stats.CacheMisses++

	target := b.store.NearestDecodeIndexAt(micros)
	if target < b.nextDecode {
		// The decode head has already passed the target: its frame was
		// evicted or never emitted, and decoding forward cannot reach it.
		if _, buffered := b.frames[b.store.PTSMicros(target)]; !buffered {
			pts, ok, err := b.redecodeLocked(ctx, micros, target)
			if err != nil {
				return nil, err
			}
			if ok {
				return b.loanLocked(pts), nil
			}
		}
	} else {
		// Demand decode toward the target. Bounded by the look-ahead span
		// so a far-future request cannot stall a frame's slot indefinitely.
		budget := b.cfg.LookAheadFrames * 2
		for i := 0; i < budget && b.nextDecode < b.store.Len(); i++ {
			if ctx.Err() != nil {
				break
			}
			if err := b.decodeNextLocked(); err != nil {
				return nil, err
			}
			if pts, ok := b.lookupLocked(micros, b.tolerance); ok {
				return b.loanLocked(pts), nil
			}
			// Stop once decode has moved past the request.
			if b.lastDecodedPTSLocked() > micros+b.tolerance {
				break
			}
		}
		if b.nextDecode >= b.store.Len() {
			if err := b.flushDecoderLocked(); err != nil {
				return nil, err
			}
			if pts, ok := b.lookupLocked(micros, b.tolerance); ok {
				return b.loanLocked(pts), nil
			}
		}
	}

	// Widened retry covers irregular frame durations around the target.
	if pts, ok := b.lookupLocked(micros, b.tolerance*3); ok {
		b.log.Debugf("buffer: widened match at %dus for request %dus", pts, micros)
		return b.loanLocked(pts), nil
	}

	// Last resort: nearest buffered frame, however stale.
	if pts, ok := b.nearestBufferedLocked(micros); ok {
		b.stats.Fallbacks++
		b.log.Warnf("buffer: no frame within tolerance of %dus, serving %dus", micros, pts)
		return b.loanLocked(pts), nil
	}
	return nil, fmt.Errorf("present at %dus: %w", micros, ErrNoFrameCached)
}

// End releases every buffered frame and closes the decoder. Idempotent.
func (b *BufferManager) End() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended {
		return nil
	}
	b.ended = true

	for pts, f := range b.frames {
		f.Release()
		delete(b.frames, pts)
	}
	for _, f := range b.orphaned {
		f.Release()
	}
	b.orphaned = nil
	b.index = b.index[:0]
	b.loanedPTS = -1

	return b.decoder.Close()
}

// HeldFrames returns how many decoded frames the buffer currently holds.
func (b *BufferManager) HeldFrames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Stats returns buffer statistics.
func (b *BufferManager) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// lookupLocked finds a buffered frame within tol of micros, preferring the
// nearest and breaking ties toward the earlier timestamp.
func (b *BufferManager) lookupLocked(micros, tol int64) (int64, bool) {
	pts, ok := b.nearestBufferedLocked(micros)
	if !ok {
		return 0, false
	}
	d := pts - micros
	if d < 0 {
		d = -d
	}
	if d > tol {
		return 0, false
	}
	return pts, true
}

func (b *BufferManager) nearestBufferedLocked(micros int64) (int64, bool) {
	if len(b.index) == 0 {
		return 0, false
	}
	i := sort.Search(len(b.index), func(i int) bool { return b.index[i] >= micros })
	switch {
	case i == 0:
		return b.index[0], true
	case i == len(b.index):
		return b.index[len(b.index)-1], true
	}
	before := micros - b.index[i-1]
	after := b.index[i] - micros
	if before <= after {
		return b.index[i-1], true
	}
	return b.index[i], true
}

// redecodeLocked rewinds the decode head to the keyframe preceding target
// and decodes that section again, for requests the head has moved past.
// Returns the matched timestamp once a frame lands within tolerance; an
// expired context stops early so the caller can serve a buffered frame.
func (b *BufferManager) redecodeLocked(ctx context.Context, micros int64, target int) (int64, bool, error) {
	start := b.store.PrecedingSyncIndex(target)
	if err := b.decoder.Reset(); err != nil {
		return 0, false, fmt.Errorf("reset decoder: %w", err)
	}
	b.nextDecode = start
	b.stats.Rewinds++
	b.log.Debugf("buffer: rewind to sample %d for %dus", start, micros)

	for b.nextDecode < b.store.Len() && b.nextDecode <= target {
		if ctx.Err() != nil {
			return 0, false, nil
		}
		if err := b.decodeNextLocked(); err != nil {
			return 0, false, err
		}
		if pts, ok := b.lookupLocked(micros, b.tolerance); ok {
			return pts, true, nil
		}
	}

	// Reordered frames around the target may still sit in the decoder.
	if ctx.Err() == nil {
		if err := b.flushDecoderLocked(); err != nil {
			return 0, false, err
		}
		if pts, ok := b.lookupLocked(micros, b.tolerance); ok {
			return pts, true, nil
		}
	}
	return 0, false, nil
}

func (b *BufferManager) lastDecodedPTSLocked() int64 {
	if len(b.index) == 0 {
		return -1
	}
	return b.index[len(b.index)-1]
}

// loanLocked hands out the frame at pts, evicts stale frames behind it and
// kicks off background decode if the look-ahead is running low. The
// previous borrow expires here, so frames orphaned by re-decodes of the
// loaned key can finally go.
func (b *BufferManager) loanLocked(pts int64) *DecodedFrame {
	for _, f := range b.orphaned {
		f.Release()
	}
	b.orphaned = b.orphaned[:0]
	b.loanedPTS = pts
	b.evictLocked(pts)

	if b.aheadCountLocked(pts) < b.cfg.LookAheadFrames {
		b.startTopUpLocked()
	}
	return b.frames[pts]
}

func (b *BufferManager) startTopUpLocked() {
	if b.topUpBusy || b.nextDecode >= b.store.Len() {
		return
	}
	b.topUpBusy = true
	go b.topUp()
}

func (b *BufferManager) aheadCountLocked(pts int64) int {
	i := sort.Search(len(b.index), func(i int) bool { return b.index[i] > pts })
	return len(b.index) - i
}

// evictLocked releases frames more than KeepBehindFrames positions behind
// the presented frame. The loaned frame is never evicted.
func (b *BufferManager) evictLocked(presentedPTS int64) {
	pos := sort.Search(len(b.index), func(i int) bool { return b.index[i] >= presentedPTS })
	cut := pos - b.cfg.KeepBehindFrames
	if cut <= 0 {
		return
	}

	kept := b.index[:0]
	for i, pts := range b.index {
		if i < cut && pts != b.loanedPTS {
			b.frames[pts].Release()
			delete(b.frames, pts)
			b.stats.FramesEvicted++
			continue
		}
		kept = append(kept, pts)
	}
	b.index = kept
}

// topUp decodes ahead of the playhead on a background goroutine. One
// sample per lock acquisition so Present never waits for a whole batch.
func (b *BufferManager) topUp() {
	for {
		b.mu.Lock()
		if b.ended || b.nextDecode >= b.store.Len() ||
			b.aheadCountLocked(b.loanedPTS) >= b.cfg.LookAheadFrames {
			b.topUpBusy = false
			b.mu.Unlock()
			return
		}
		if err := b.decodeNextLocked(); err != nil {
			b.log.Warnf("buffer: background decode: %v", err)
			b.topUpBusy = false
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
	}
}

// decodeNextLocked feeds the next sample to the decoder and buffers any
// emitted frame. A delta sample the decoder cannot start from skips decode
// forward to the next keyframe.
func (b *BufferManager) decodeNextLocked() error {
	sample := &b.store.Samples[b.nextDecode]
	frame, err := b.decoder.Decode(sample, b.store.AnnexBSample(b.nextDecode))
	if err != nil {
		if errors.Is(err, ErrKeyframeRequired) {
			return b.skipToSyncLocked()
		}
		return fmt.Errorf("decode sample %d: %w", b.nextDecode, err)
	}
	b.nextDecode++

	if frame != nil {
		b.insertLocked(frame)
		b.stats.FramesDecoded++
	}
	return nil
}

func (b *BufferManager) skipToSyncLocked() error {
	next := b.store.NextSyncIndex(b.nextDecode)
	b.log.Warnf("buffer: sample %d needs a keyframe, skipping to %d", b.nextDecode, next)
	b.stats.KeyframeSkips++
	b.nextDecode = next
	if next >= b.store.Len() {
		return nil
	}
	return b.decoder.Reset()
}

func (b *BufferManager) flushDecoderLocked() error {
	frames, err := b.decoder.Flush()
	if err != nil {
		return fmt.Errorf("flush decoder: %w", err)
	}
	for _, f := range frames {
		b.insertLocked(f)
		b.stats.FramesDecoded++
	}
	return nil
}

// insertLocked adds a frame to the buffer, keeping the index sorted. A
// duplicate timestamp replaces the old frame.
func (b *BufferManager) insertLocked(frame *DecodedFrame) {
	pts := frame.PTS
	if old, ok := b.frames[pts]; ok {
		if old != frame {
			if pts == b.loanedPTS {
				// Still in the caller's hands; park it until the loan
				// moves on.
				b.orphaned = append(b.orphaned, old)
			} else {
				old.Release()
			}
		}
		b.frames[pts] = frame
		return
	}

	b.frames[pts] = frame
	i := sort.Search(len(b.index), func(i int) bool { return b.index[i] >= pts })
	b.index = append(b.index, 0)
	copy(b.index[i+1:], b.index[i:])
	b.index[i] = pts
}
