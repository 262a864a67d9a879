package vexport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestBuffer(t *testing.T, store *SampleStore, dec VideoDecoder) *BufferManager {
	t.Helper()
	cfg := DefaultBufferConfig(store)
	cfg.Decoder = dec
	cfg.Logger = NopLogger
	buf, err := NewBufferManager(cfg)
	require.NoError(t, err)
	return buf
}

func TestBufferPrepareAndPresent(t *testing.T) {
	dec := newStubDecoder()
	buf := newTestBuffer(t, makeStore(30, 10, 33333), dec)
	defer buf.End()

	ctx := context.Background()
	require.NoError(t, buf.Prepare(ctx, 0))

	frame, err := buf.Present(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, int64(0), frame.PTS)
	require.False(t, frame.Released())
}

func TestBufferPrepareMidClip(t *testing.T) {
	dec := newStubDecoder()
	buf := newTestBuffer(t, makeStore(30, 10, 33333), dec)
	defer buf.End()

	ctx := context.Background()
	// Sample 13 is a delta frame; decode has to run from the keyframe at 10.
	target := int64(13 * 33333)
	require.NoError(t, buf.Prepare(ctx, target))

	frame, err := buf.Present(ctx, target)
	require.NoError(t, err)
	require.Equal(t, target, frame.PTS)
}

func TestBufferRepeatedPresentHitsCache(t *testing.T) {
	dec := newStubDecoder()
	buf := newTestBuffer(t, makeStore(30, 10, 33333), dec)
	defer buf.End()

	ctx := context.Background()
	require.NoError(t, buf.Prepare(ctx, 0))

	f1, err := buf.Present(ctx, 0)
	require.NoError(t, err)
	f2, err := buf.Present(ctx, 0)
	require.NoError(t, err)
	require.Same(t, f1, f2)

	stats := buf.Stats()
	require.GreaterOrEqual(t, stats.CacheHits, uint64(2))
}

func TestBufferTieBreaksEarlier(t *testing.T) {
	dec := newStubDecoder()
	buf := newTestBuffer(t, makeStore(30, 10, 40000), dec)
	defer buf.End()

	ctx := context.Background()
	require.NoError(t, buf.Prepare(ctx, 0))

	// Buffer both neighbours, then ask for the exact midpoint.
	_, err := buf.Present(ctx, 0)
	require.NoError(t, err)
	_, err = buf.Present(ctx, 40000)
	require.NoError(t, err)

	frame, err := buf.Present(ctx, 20000)
	require.NoError(t, err)
	require.Equal(t, int64(0), frame.PTS)
}

func TestBufferEvictionBounds(t *testing.T) {
	dec := newStubDecoder()
	store := makeStore(100, 10, 33333)
	cfg := DefaultBufferConfig(store)
	cfg.Decoder = dec
	cfg.Logger = NopLogger
	cfg.LookAheadFrames = 5
	cfg.KeepBehindFrames = 3
	buf, err := NewBufferManager(cfg)
	require.NoError(t, err)
	defer buf.End()

	ctx := context.Background()
	require.NoError(t, buf.Prepare(ctx, 0))

	for i := 0; i < 100; i++ {
		frame, err := buf.Present(ctx, int64(i)*33333)
		require.NoError(t, err)
		require.Equal(t, int64(i)*33333, frame.PTS)
		require.False(t, frame.Released(), "loaned frame %d must stay valid", i)

		// Behind plus ahead plus the in-flight decode leaves a small
		// bounded population.
		require.LessOrEqual(t, buf.HeldFrames(), 16, "after frame %d", i)
	}

	require.Greater(t, buf.Stats().FramesEvicted, uint64(50))
}

func TestBufferKeyframeSkipRecovery(t *testing.T) {
	dec := newStubDecoder()
	// Sample 12 (delta) loses its reference; decode must jump to the
	// keyframe at 20.
	dec.failKeyframe[12*33333] = true

	buf := newTestBuffer(t, makeStore(40, 10, 33333), dec)
	defer buf.End()

	ctx := context.Background()
	require.NoError(t, buf.Prepare(ctx, 0))

	// Walk into the broken region. Frames 0..11 decode normally.
	for i := 0; i < 12; i++ {
		frame, err := buf.Present(ctx, int64(i)*33333)
		require.NoError(t, err)
		require.Equal(t, int64(i)*33333, frame.PTS)
	}

	// The gap 12..19 cannot decode; presentation falls back to a stale
	// frame rather than failing.
	frame, err := buf.Present(ctx, 15*33333)
	require.NoError(t, err)
	require.Less(t, frame.PTS, int64(15*33333))

	// Past the recovery keyframe frames are exact again.
	frame, err = buf.Present(ctx, 25*33333)
	require.NoError(t, err)
	require.Equal(t, int64(25*33333), frame.PTS)

	require.GreaterOrEqual(t, buf.Stats().KeyframeSkips, uint64(1))

	dec.mu.Lock()
	resets := dec.resets
	dec.mu.Unlock()
	require.GreaterOrEqual(t, resets, 1)
}

func TestBufferWidenedTolerance(t *testing.T) {
	// Irregular cadence: one long gap between 33333 and 200000.
	store := &SampleStore{Timescale: 1_000_000}
	for i, cts := range []int64{0, 33333, 200000, 233333, 266666} {
		store.Samples = append(store.Samples, Sample{
			CTS: cts, Duration: 33333, Timescale: 1_000_000, IsSync: i == 0,
		})
	}
	store.buildPTSOrder()

	dec := newStubDecoder()
	buf := newTestBuffer(t, store, dec)
	defer buf.End()

	ctx := context.Background()
	require.NoError(t, buf.Prepare(ctx, 0))

	// 100000us sits in the gap: no sample within the base tolerance, but
	// the widened window still finds 33333.
	frame, err := buf.Present(ctx, 100000)
	require.NoError(t, err)
	require.Contains(t, []int64{33333, 200000}, frame.PTS)
}

func TestBufferBackwardSeekRedecodes(t *testing.T) {
	dec := newStubDecoder()
	store := makeStore(80, 10, 33333)
	cfg := DefaultBufferConfig(store)
	cfg.Decoder = dec
	cfg.Logger = NopLogger
	cfg.KeepBehindFrames = 3
	buf, err := NewBufferManager(cfg)
	require.NoError(t, err)
	defer buf.End()

	ctx := context.Background()
	require.NoError(t, buf.Prepare(ctx, 0))

	// Play forward far enough that the early frames are evicted.
	for i := 0; i < 60; i++ {
		frame, err := buf.Present(ctx, int64(i)*33333)
		require.NoError(t, err)
		require.Equal(t, int64(i)*33333, frame.PTS)
	}
	require.Greater(t, buf.Stats().FramesEvicted, uint64(0))

	// Jump back to frame 20: its section must decode again from the
	// preceding keyframe, not resolve to a distant stale frame.
	frame, err := buf.Present(ctx, 20*33333)
	require.NoError(t, err)
	require.Equal(t, int64(20*33333), frame.PTS)
	require.GreaterOrEqual(t, buf.Stats().Rewinds, uint64(1))

	// Reversed playback keeps producing exact frames.
	for i := 19; i >= 10; i-- {
		frame, err := buf.Present(ctx, int64(i)*33333)
		require.NoError(t, err)
		require.Equal(t, int64(i)*33333, frame.PTS)
	}
}

func TestBufferPresentExpiredContextServesStale(t *testing.T) {
	dec := newStubDecoder()
	buf := newTestBuffer(t, makeStore(60, 10, 33333), dec)
	defer buf.End()

	require.NoError(t, buf.Prepare(context.Background(), 0))
	frame, err := buf.Present(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, int64(0), frame.PTS)

	expired, cancel := context.WithCancel(context.Background())
	cancel()

	// No time left to decode toward the target, but frames are buffered:
	// serve the nearest one rather than leave the slot empty.
	frame, err = buf.Present(expired, 55*33333)
	require.NoError(t, err)
	require.NotNil(t, frame)
	require.Less(t, frame.PTS, int64(55*33333))
	require.Greater(t, buf.Stats().Fallbacks, uint64(0))
}

func TestBufferReplacedLoanReleased(t *testing.T) {
	dec := newStubDecoder()
	// Sample 12 permanently loses its reference, so 12..19 never decode.
	dec.failKeyframe[12*33333] = true
	buf := newTestBuffer(t, makeStore(40, 10, 33333), dec)

	ctx := context.Background()
	require.NoError(t, buf.Prepare(ctx, 0))
	for i := 0; i < 12; i++ {
		_, err := buf.Present(ctx, int64(i)*33333)
		require.NoError(t, err)
	}

	// 15 sits in the undecodable gap and is served stale. Asking for 13
	// then rewinds over the loaned frame's timestamp, replacing its slot
	// with a fresh decode while the old frame is still on loan.
	_, err := buf.Present(ctx, 15*33333)
	require.NoError(t, err)
	_, err = buf.Present(ctx, 13*33333)
	require.NoError(t, err)

	require.NoError(t, buf.End())

	// Every frame the decoder produced, replaced or not, must come back.
	require.Eventually(t, func() bool {
		created, released := dec.snapshot()
		return created == released
	}, time.Second, 10*time.Millisecond)
}

func TestBufferEndReleasesEverything(t *testing.T) {
	dec := newStubDecoder()
	buf := newTestBuffer(t, makeStore(60, 10, 33333), dec)

	ctx := context.Background()
	require.NoError(t, buf.Prepare(ctx, 0))
	for i := 0; i < 30; i++ {
		_, err := buf.Present(ctx, int64(i)*33333)
		require.NoError(t, err)
	}

	require.NoError(t, buf.End())
	require.Equal(t, 0, buf.HeldFrames())

	// Background decode has stopped once End returns; every frame the
	// decoder produced must have been released.
	require.Eventually(t, func() bool {
		created, released := dec.snapshot()
		return created == released
	}, time.Second, 10*time.Millisecond)

	dec.mu.Lock()
	closed := dec.closed
	dec.mu.Unlock()
	require.True(t, closed)

	// End is idempotent and later calls are rejected cleanly.
	require.NoError(t, buf.End())
	_, err := buf.Present(ctx, 0)
	require.ErrorIs(t, err, ErrBufferEnded)
}

func TestBufferPresentPastClipEnd(t *testing.T) {
	dec := newStubDecoder()
	buf := newTestBuffer(t, makeStore(10, 5, 33333), dec)
	defer buf.End()

	ctx := context.Background()
	require.NoError(t, buf.Prepare(ctx, 0))

	// Way past the last sample: serve the last frame rather than fail.
	frame, err := buf.Present(ctx, 5_000_000)
	require.NoError(t, err)
	require.Equal(t, int64(9*33333), frame.PTS)
}
