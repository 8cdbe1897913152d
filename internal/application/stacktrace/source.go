package stacktrace

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/ristretto"
	"github.com/spf13/afero"
)

// SourceReader returns the lines of a source file, without line terminators.
type SourceReader interface {
	Lines(path string) ([]string, error)
}

// FileSource reads source files from fs and keeps recently used files in memory.
type FileSource struct {
	fs    afero.Fs
	cache *ristretto.Cache
}

// NewFileSource returns a reader over fs. cache may be nil.
func NewFileSource(fs afero.Fs, cache *ristretto.Cache) *FileSource {
	return &FileSource{fs: fs, cache: cache}
}

// NewOSFileSource reads from the local filesystem, read-only, caching up to
// maxFiles files.
func NewOSFileSource(maxFiles int64) (*FileSource, error) {
	cache, err := NewLineCache(maxFiles)
	if err != nil {
		return nil, err
	}
	return NewFileSource(afero.NewReadOnlyFs(afero.NewOsFs()), cache), nil
}

// NewLineCache builds a cache holding at most maxFiles files.
func NewLineCache(maxFiles int64) (*ristretto.Cache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxFiles * 10,
		MaxCost:            maxFiles,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create source line cache: %w", err)
	}
	return cache, nil
}

func (s *FileSource) Lines(path string) ([]string, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(path); ok {
			if lines, ok := v.([]string); ok {
				return lines, nil
			}
		}
	}

	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")

	if s.cache != nil {
		s.cache.Set(path, lines, 1)
	}
	return lines, nil
}

// Window splits the lines around the 1-based line lineno into up to five
// lines before, the line itself and up to five lines after.
func Window(lines []string, lineno int) (pre []string, line string, post []string, ok bool) {
	target := lineno - 1
	if target < 0 || target >= len(lines) {
		return nil, "", nil, false
	}

	start := max(target-5, 0)
	stop := min(target+5, len(lines)-1)
	for i := start; i <= stop; i++ {
		switch {
		case i < target:
			pre = append(pre, lines[i])
		case i == target:
			line = lines[i]
		default:
			post = append(post, lines[i])
		}
	}
	return pre, line, post, true
}
