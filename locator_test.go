package vexport

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocatorResolveOrder(t *testing.T) {
	var firstCalled, secondCalled bool
	loc := NewByteLocator(
		ByteStrategy{Name: "first", Locate: func(string) ([]byte, error) {
			firstCalled = true
			return []byte("from-first"), nil
		}},
		ByteStrategy{Name: "second", Locate: func(string) ([]byte, error) {
			secondCalled = true
			return []byte("from-second"), nil
		}},
	)
	loc.SetLogger(NopLogger)

	data, err := loc.Resolve("clip")
	require.NoError(t, err)
	require.Equal(t, []byte("from-first"), data)
	require.True(t, firstCalled)
	require.False(t, secondCalled, "chain must short-circuit on first success")
}

func TestLocatorFallsThrough(t *testing.T) {
	loc := NewByteLocator(
		ByteStrategy{Name: "broken", Locate: func(string) ([]byte, error) {
			return nil, errors.New("nope")
		}},
		MemoryStrategy(map[string][]byte{"clip": []byte("payload")}),
	)
	loc.SetLogger(NopLogger)

	data, err := loc.Resolve("clip")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
}

func TestLocatorTerminalErrorNamesStrategies(t *testing.T) {
	loc := NewByteLocator(
		ByteStrategy{Name: "alpha", Locate: func(string) ([]byte, error) { return nil, errors.New("a") }},
		ByteStrategy{Name: "beta", Locate: func(string) ([]byte, error) { return nil, errors.New("b") }},
	)
	loc.SetLogger(NopLogger)

	_, err := loc.Resolve("clip")
	require.ErrorIs(t, err, ErrBytesNotFound)
	require.Contains(t, err.Error(), "alpha")
	require.Contains(t, err.Error(), "beta")
	require.Contains(t, err.Error(), "clip")
}

func TestLocatorNoStrategies(t *testing.T) {
	loc := NewByteLocator()
	loc.SetLogger(NopLogger)
	_, err := loc.Resolve("clip")
	require.ErrorIs(t, err, ErrBytesNotFound)
}

func TestCacheDirStrategy(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip42.mp4"), []byte("bytes"), 0o644))

	loc := NewByteLocator(CacheDirStrategy(dir))
	loc.SetLogger(NopLogger)

	data, err := loc.Resolve("clip42")
	require.NoError(t, err)
	require.Equal(t, []byte("bytes"), data)

	_, err = loc.Resolve("missing")
	require.ErrorIs(t, err, ErrBytesNotFound)
}

func TestFileStrategy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "media.bin")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	loc := NewByteLocator(FileStrategy(map[string]string{"c1": path}))
	loc.SetLogger(NopLogger)

	data, err := loc.Resolve("c1")
	require.NoError(t, err)
	require.Equal(t, []byte("content"), data)
}
