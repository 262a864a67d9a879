package vexport

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrBytesNotFound is returned when every locate strategy failed.
var ErrBytesNotFound = errors.New("clip bytes not found")

// ByteStrategy is one named way of locating a clip's compressed bytes.
// Strategies return (nil, error) on failure and the chain moves on.
type ByteStrategy struct {
	Name   string
	Locate func(clipID string) ([]byte, error)
}

// ByteLocator resolves clip IDs to compressed container bytes by trying an
// ordered list of strategies, short-circuiting on the first success.
type ByteLocator struct {
	strategies []ByteStrategy
	log        Logger
}

// NewByteLocator creates a locator over the given ordered strategies.
func NewByteLocator(strategies ...ByteStrategy) *ByteLocator {
	return &ByteLocator{strategies: strategies, log: defaultLogger()}
}

// SetLogger replaces the locator's logger.
func (l *ByteLocator) SetLogger(log Logger) {
	if log != nil {
		l.log = log
	}
}

// Append adds a strategy at the end of the chain.
func (l *ByteLocator) Append(s ByteStrategy) {
	l.strategies = append(l.strategies, s)
}

// Resolve returns the first strategy's bytes that succeed. The terminal
// error names every strategy attempted, in order.
func (l *ByteLocator) Resolve(clipID string) ([]byte, error) {
	if len(l.strategies) == 0 {
		return nil, fmt.Errorf("%w: no strategies configured", ErrBytesNotFound)
	}

	attempted := make([]string, 0, len(l.strategies))
	for _, s := range l.strategies {
		data, err := s.Locate(clipID)
		if err == nil && len(data) > 0 {
			return data, nil
		}
		if err != nil {
			l.log.Debugf("locator %q failed for clip %s: %v", s.Name, clipID, err)
		}
		attempted = append(attempted, s.Name)
	}

	return nil, fmt.Errorf("%w for clip %s (tried: %s)",
		ErrBytesNotFound, clipID, strings.Join(attempted, ", "))
}

// FileStrategy locates bytes through an explicit clip-to-path mapping.
func FileStrategy(paths map[string]string) ByteStrategy {
	return ByteStrategy{
		Name: "file",
		Locate: func(clipID string) ([]byte, error) {
			path, ok := paths[clipID]
			if !ok {
				return nil, fmt.Errorf("no path for clip %s", clipID)
			}
			return os.ReadFile(path)
		},
	}
}

// CacheDirStrategy locates bytes in a directory of <clipID>.mp4 files.
func CacheDirStrategy(dir string) ByteStrategy {
	return ByteStrategy{
		Name: "cache-dir",
		Locate: func(clipID string) ([]byte, error) {
			return os.ReadFile(filepath.Join(dir, clipID+".mp4"))
		},
	}
}

// MemoryStrategy serves bytes already held in memory.
func MemoryStrategy(blobs map[string][]byte) ByteStrategy {
	return ByteStrategy{
		Name: "memory",
		Locate: func(clipID string) ([]byte, error) {
			data, ok := blobs[clipID]
			if !ok {
				return nil, fmt.Errorf("no in-memory bytes for clip %s", clipID)
			}
			return data, nil
		},
	}
}
