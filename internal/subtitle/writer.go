// Package subtitle persists chat comments as XML subtitle files laid out
// so that media players and the common danmaku-to-ass converters accept
// them. Files are kept well-formed after every single append: the writer
// rewrites the closing tag in place instead of leaving it for a finalize
// step, so a crash or rotation at any instant leaves a parseable file.
package subtitle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	header  = "<?xml version=\"1.0\" encoding=\"utf-8\"?>\n<?xml-stylesheet type=\"text/xsl\" href=\"#s\"?>\n<i>\n"
	trailer = "</i>\n"

	// Appends made before a base name is known are held in memory.
	// Beyond this many the oldest are dropped.
	maxPending = 4096
)

// ErrClosed is returned by Append once the writer has been closed. A
// finalized segment is never reopened for writing.
var ErrClosed = errors.New("subtitle writer closed")

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// xmlText drops characters XML 1.0 forbids (NUL and friends) and maps
// invalid UTF-8 bytes to U+FFFD, then escapes markup. The file must
// parse after every append no matter what bytes arrive in a comment.
func xmlText(s string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r == 0x09 || r == 0x0A || r == 0x0D:
			return r
		case r >= 0x20 && r <= 0xD7FF:
			return r
		case r >= 0xE000 && r <= 0xFFFD:
			return r
		case r >= 0x10000 && r <= 0x10FFFF:
			return r
		}
		return -1
	}, s)
	return xmlEscaper.Replace(clean)
}

type entry struct {
	user    string
	content string
	at      time.Time
}

// Writer owns at most one open segment file. One mutex serializes
// append, rotate and close; it is held only for the duration of a single
// call, never across any wait.
type Writer struct {
	dir       string
	segmented bool
	epoch     time.Time
	log       *zap.Logger

	mu       sync.Mutex
	baseName string
	basis    time.Time // offset zero-point for the active segment
	file     *os.File
	path     string
	tail     int64 // byte offset of the closing tag
	written  int
	pending  []entry
	dropped  int
	closed   bool
}

// NewWriter builds a writer that places segments under dir. When
// segmented is true each segment's comment offsets count from the
// segment's own start; otherwise they count from epoch for the whole
// session.
func NewWriter(dir string, segmented bool, epoch time.Time, log *zap.Logger) *Writer {
	return &Writer{
		dir:       dir,
		segmented: segmented,
		epoch:     epoch,
		basis:     epoch,
		log:       log,
	}
}

// SetBaseName supplies the segment file stem once it is known, flushing
// any comments buffered while waiting for it. When segmentation is on,
// at becomes the offset basis of this first segment.
func (w *Writer) SetBaseName(base string, at time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.baseName = base
	if w.segmented {
		w.basis = at
	}
	return w.flushPendingLocked()
}

// Append records one comment. Before a base name is known the comment is
// buffered; afterwards it is written through to the active segment,
// creating the file on first use. The file is a complete well-formed
// document when Append returns.
func (w *Writer) Append(user, content string, at time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.baseName == "" {
		if len(w.pending) >= maxPending {
			w.pending = w.pending[1:]
			w.dropped++
			if w.dropped == 1 || w.dropped%100 == 0 {
				w.log.Warn("comment buffer full, dropping oldest",
					zap.Int("dropped", w.dropped))
			}
		}
		w.pending = append(w.pending, entry{user: user, content: content, at: at})
		return nil
	}
	return w.appendLocked(entry{user: user, content: content, at: at})
}

// Rotate finalizes the current segment, if one is open, and starts a new
// one under base. The new segment's offset basis is the rotation instant
// when segmentation is on. The new file is created immediately so the
// segment's time span starts at the boundary even if its first comment
// arrives later.
func (w *Writer) Rotate(base string, at time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	hadFile := w.file != nil
	if err := w.finalizeLocked(); err != nil {
		return err
	}
	w.baseName = base
	if w.segmented {
		w.basis = at
	}
	if err := w.flushPendingLocked(); err != nil {
		return err
	}
	if hadFile && w.file == nil {
		return w.openLocked()
	}
	return nil
}

// Close finalizes the open segment. Closing an already-closed writer is
// a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if n := len(w.pending); n > 0 {
		w.log.Warn("discarding comments buffered without a segment name",
			zap.Int("count", n))
		w.pending = nil
	}
	return w.finalizeLocked()
}

// CurrentPath reports the path of the active segment file, or "" when no
// file has been created yet.
func (w *Writer) CurrentPath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Written reports the number of comments written to disk so far, across
// all segments.
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// SegmentAge reports how long the active segment has been open, or zero
// when none is.
func (w *Writer) SegmentAge(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return 0
	}
	return now.Sub(w.basis)
}

func (w *Writer) flushPendingLocked() error {
	for _, e := range w.pending {
		if err := w.appendLocked(e); err != nil {
			return err
		}
	}
	w.pending = nil
	return nil
}

func (w *Writer) appendLocked(e entry) error {
	if w.file == nil {
		if err := w.openLocked(); err != nil {
			return err
		}
	}
	offset := e.at.Sub(w.basis).Seconds()
	if offset < 0 {
		offset = 0
	}
	line := fmt.Sprintf("  <d p=\"%.2f,1,25,16777215,%d,0,1602022773,0\" user=\"%s\">%s</d>\n",
		offset, e.at.UnixMilli(), xmlText(e.user), xmlText(e.content))
	if _, err := w.file.WriteAt([]byte(line+trailer), w.tail); err != nil {
		return fmt.Errorf("append comment: %w", err)
	}
	w.tail += int64(len(line))
	w.written++
	return nil
}

func (w *Writer) openLocked() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	name := w.baseName
	if !strings.HasSuffix(name, ".xml") {
		name += ".xml"
	}
	path := filepath.Join(w.dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	if _, err := f.WriteString(header + trailer); err != nil {
		f.Close()
		return fmt.Errorf("write segment header: %w", err)
	}
	w.file = f
	w.path = path
	w.tail = int64(len(header))
	w.log.Info("segment opened", zap.String("path", path))
	return nil
}

func (w *Writer) finalizeLocked() error {
	if w.file == nil {
		return nil
	}
	f := w.file
	w.file = nil
	var errs []error
	if err := f.Sync(); err != nil {
		errs = append(errs, err)
	}
	if err := f.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("finalize segment: %w", err)
	}
	w.log.Info("segment finalized", zap.String("path", w.path))
	return nil
}
