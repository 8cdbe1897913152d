// Package stacktrace captures the application's call stack for spans.
package stacktrace

import (
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fllarpy/elastic-apm-probe/domain/apm"
)

const defaultDepth = 50

// Options configure a Capturer.
type Options struct {
	// Depth is the maximum number of frames walked, before filtering.
	Depth int
	// VendorRoots are directories whose frames are dropped.
	VendorRoots []string
	// RenderSource attaches the surrounding source lines to each frame.
	RenderSource bool
	Source       SourceReader
}

// Capturer captures call stacks with third-party frames removed.
type Capturer struct {
	depth        int
	vendorRoots  []string
	renderSource bool
	source       SourceReader
}

func New(opts Options) *Capturer {
	depth := opts.Depth
	if depth <= 0 {
		depth = defaultDepth
	}
	roots := make([]string, 0, len(opts.VendorRoots))
	for _, r := range opts.VendorRoots {
		if r = strings.TrimSpace(r); r != "" {
			roots = append(roots, filepath.Clean(r))
		}
	}
	return &Capturer{
		depth:        depth,
		vendorRoots:  roots,
		renderSource: opts.RenderSource && opts.Source != nil,
		source:       opts.Source,
	}
}

// Capture returns the current stack, nearest caller first. skip is the number
// of frames above the caller of Capture to leave out.
func (c *Capturer) Capture(skip int) []apm.StackFrame {
	if c == nil {
		return nil
	}

	pcs := make([]uintptr, c.depth)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	out := make([]apm.StackFrame, 0, n)
	for {
		f, more := frames.Next()
		if !c.IsVendor(f.File) {
			out = append(out, c.frame(f))
		}
		if !more {
			break
		}
	}
	return out
}

// IsVendor reports whether path lies under one of the vendor roots.
func (c *Capturer) IsVendor(path string) bool {
	if path == "" {
		return false
	}
	path = filepath.Clean(path)
	for _, root := range c.vendorRoots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (c *Capturer) frame(f runtime.Frame) apm.StackFrame {
	frame := apm.StackFrame{
		Function: f.Function,
		AbsPath:  f.File,
		Filename: filepath.Base(f.File),
		Lineno:   f.Line,
	}
	if !c.renderSource || f.File == "" {
		return frame
	}

	lines, err := c.source.Lines(f.File)
	if err != nil {
		return frame
	}
	if pre, line, post, ok := Window(lines, f.Line); ok {
		frame.PreContext = pre
		frame.ContextLine = line
		frame.PostContext = post
	}
	return frame
}
