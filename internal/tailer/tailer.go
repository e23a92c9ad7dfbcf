// internal/tailer/tailer.go
package tailer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// ErrOpen marks a failure to open the log file at attach time.
// It is fatal for ingestion only.
var ErrOpen = errors.New("cannot open log file")

// DefaultPollInterval is how long Next sleeps when no new data is available.
const DefaultPollInterval = time.Second

// DefaultMaxLineBytes bounds the memory held for one unterminated line.
const DefaultMaxLineBytes = 1 << 20

// Start selects the attach position.
//
//   - FromEnd: first attach, skip the existing backlog
//   - Offset:  resume from a persisted cursor; an offset past the current
//     size means the file was rotated while we were down, so read from 0
type Start struct {
	Offset  int64
	FromEnd bool
}

// Line is one complete line without its terminator.
// Offset is the byte position just past the line; persisting it and
// passing it back as Start.Offset resumes right after this line.
//
// Oversized marks a line longer than the size cap. Its Text is empty,
// Offset is past the bytes consumed so far, and the rest of that line
// is discarded up to the next newline.
type Line struct {
	Text      string
	Offset    int64
	Oversized bool
}

// Option customizes a Tailer.
type Option func(*Tailer)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(t *Tailer) {
		if d > 0 {
			t.poll = d
		}
	}
}

// WithMaxLineBytes overrides DefaultMaxLineBytes.
func WithMaxLineBytes(n int) Option {
	return func(t *Tailer) {
		if n > 0 {
			t.maxLine = n
		}
	}
}

// WithRotateHook is called whenever the tailer restarts from offset 0
// because the file became shorter than the read position.
func WithRotateHook(fn func(readPos, size int64)) Option {
	return func(t *Tailer) { t.onRotate = fn }
}

// Tailer
// ------------------------------------------------------------
// Follows a file that another process keeps appending to.
//
// It polls instead of using inotify: behaviour is the same on every
// filesystem and there is no event to miss around rotation. On EOF the
// path is stat'ed; when the file is now shorter than what we have read
// it was truncated or replaced, and reading restarts from offset 0.
//
// A Tailer is not safe for concurrent use; one goroutine owns it.
type Tailer struct {
	path     string
	poll     time.Duration
	maxLine  int
	onRotate func(readPos, size int64)

	f        *os.File
	r        *bufio.Reader
	offset   int64  // end of the last complete line returned
	pending  []byte // bytes read past offset without a newline yet
	skipping bool   // inside an oversized line, dropping until '\n'
}

// Open attaches to path at the requested position.
// Errors wrap ErrOpen.
func Open(path string, start Start, opts ...Option) (*Tailer, error) {
	t := &Tailer{path: path, poll: DefaultPollInterval, maxLine: DefaultMaxLineBytes}
	for _, o := range opts {
		o(t)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrOpen, path, err)
	}

	pos := start.Offset
	switch {
	case start.FromEnd:
		pos = info.Size()
	case pos < 0:
		pos = 0
	case pos > info.Size():
		if t.onRotate != nil {
			t.onRotate(pos, info.Size())
		}
		pos = 0
	}

	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: seek %s: %v", ErrOpen, path, err)
	}

	t.f = f
	t.r = bufio.NewReaderSize(f, 64*1024)
	t.offset = pos
	return t, nil
}

// Offset returns the position just past the last line returned by Next.
func (t *Tailer) Offset() int64 { return t.offset }

// Close releases the file handle.
func (t *Tailer) Close() error {
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}

// Next blocks until a complete line is available or ctx is done.
// Only the calling goroutine is suspended while waiting.
func (t *Tailer) Next(ctx context.Context) (Line, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Line{}, err
		}

		chunk, err := t.r.ReadSlice('\n')
		if t.skipping {
			t.offset += int64(len(chunk))
			if err == nil {
				t.skipping = false
			}
		} else {
			t.pending = append(t.pending, chunk...)
			switch {
			case err == nil:
				return t.emit(len(t.pending) > t.maxLine), nil
			case len(t.pending) > t.maxLine:
				t.skipping = true
				return t.emit(true), nil
			}
		}

		if err == nil || errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if !errors.Is(err, io.EOF) {
			return Line{}, fmt.Errorf("read %s: %w", t.path, err)
		}

		if t.reopenIfTruncated() {
			continue
		}

		timer := time.NewTimer(t.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Line{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// emit consumes pending as one line.
func (t *Tailer) emit(oversized bool) Line {
	t.offset += int64(len(t.pending))
	line := Line{Offset: t.offset, Oversized: oversized}
	if !oversized {
		line.Text = strings.TrimRight(string(t.pending), "\r\n")
	}
	t.pending = t.pending[:0]
	return line
}

// reopenIfTruncated restarts from offset 0 when the file at path is
// shorter than the current read position. Stat or open failures (path
// briefly missing mid-rotation) keep the old handle; the next poll retries.
func (t *Tailer) reopenIfTruncated() bool {
	info, err := os.Stat(t.path)
	if err != nil {
		return false
	}

	readPos := t.offset + int64(len(t.pending))
	if info.Size() >= readPos {
		return false
	}

	f, err := os.Open(t.path)
	if err != nil {
		return false
	}

	if t.onRotate != nil {
		t.onRotate(readPos, info.Size())
	}

	t.f.Close()
	t.f = f
	t.r.Reset(f)
	t.offset = 0
	t.pending = t.pending[:0]
	t.skipping = false
	return true
}
