package tailer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPoll = 10 * time.Millisecond

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func next(t *testing.T, tl *Tailer, within time.Duration) (Line, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	return tl.Next(ctx)
}

func TestOpen_FromEndSkipsBacklog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	writeFile(t, path, "old 1\nold 2\n")

	tl, err := Open(path, Start{FromEnd: true}, WithPollInterval(testPoll))
	require.NoError(t, err)
	defer tl.Close()
	assert.Equal(t, int64(12), tl.Offset())

	appendFile(t, path, "new 1\n")

	line, err := next(t, tl, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "new 1", line.Text)
	assert.Equal(t, int64(18), line.Offset)
	assert.Equal(t, line.Offset, tl.Offset())
}

func TestNext_HoldsPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	writeFile(t, path, "")

	tl, err := Open(path, Start{}, WithPollInterval(testPoll))
	require.NoError(t, err)
	defer tl.Close()

	appendFile(t, path, "abc")
	_, err = next(t, tl, 100*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(0), tl.Offset(), "a partial line is not consumed")

	appendFile(t, path, "def\r\n")
	line, err := next(t, tl, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", line.Text)
	assert.Equal(t, int64(8), line.Offset)
}

func TestNext_ResumeFromCursor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	writeFile(t, path, "one\ntwo\nthree\n")

	tl, err := Open(path, Start{Offset: 4}, WithPollInterval(testPoll))
	require.NoError(t, err)
	defer tl.Close()

	line, err := next(t, tl, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "two", line.Text)

	line, err = next(t, tl, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "three", line.Text)
	assert.Equal(t, int64(14), line.Offset)
}

func TestOpen_CursorPastEndRestartsAtZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	writeFile(t, path, "fresh\n")

	var gotPos, gotSize int64 = -1, -1
	tl, err := Open(path, Start{Offset: 1000},
		WithPollInterval(testPoll),
		WithRotateHook(func(readPos, size int64) { gotPos, gotSize = readPos, size }),
	)
	require.NoError(t, err)
	defer tl.Close()

	assert.Equal(t, int64(1000), gotPos)
	assert.Equal(t, int64(6), gotSize)

	line, err := next(t, tl, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "fresh", line.Text)
}

func TestNext_RotationToShorterFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")

	// 50 lines of 10 bytes: read position ends at 500
	old := strings.Repeat("old-line-\n", 50)
	writeFile(t, path, old)

	rotated := make(chan [2]int64, 1)
	tl, err := Open(path, Start{},
		WithPollInterval(testPoll),
		WithRotateHook(func(readPos, size int64) { rotated <- [2]int64{readPos, size} }),
	)
	require.NoError(t, err)
	defer tl.Close()

	for i := 0; i < 50; i++ {
		_, err := next(t, tl, time.Second)
		require.NoError(t, err)
	}
	require.Equal(t, int64(500), tl.Offset())

	// replace atomically so the tailer never observes an empty file
	fresh := "new-first\n" + strings.Repeat("new-line-\n", 19)
	tmp := filepath.Join(dir, "access.log.tmp")
	writeFile(t, tmp, fresh)
	require.NoError(t, os.Rename(tmp, path))

	line, err := next(t, tl, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "new-first", line.Text)
	assert.Equal(t, int64(10), line.Offset)

	select {
	case r := <-rotated:
		assert.Equal(t, [2]int64{500, 200}, r)
	default:
		t.Fatal("rotate hook not called")
	}
}

func TestNext_ContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	writeFile(t, path, "")

	tl, err := Open(path, Start{FromEnd: true}, WithPollInterval(time.Hour))
	require.NoError(t, err)
	defer tl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := tl.Next(ctx)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after cancel")
	}
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.log"), Start{FromEnd: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestClose_Twice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	writeFile(t, path, "")

	tl, err := Open(path, Start{})
	require.NoError(t, err)
	require.NoError(t, tl.Close())
	assert.NoError(t, tl.Close())
}

func TestNext_CapsUnterminatedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	writeFile(t, path, "short\n"+strings.Repeat("x", 100))

	tl, err := Open(path, Start{}, WithPollInterval(testPoll), WithMaxLineBytes(32))
	require.NoError(t, err)
	defer tl.Close()

	line, err := next(t, tl, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "short", line.Text)

	line, err = next(t, tl, time.Second)
	require.NoError(t, err)
	assert.True(t, line.Oversized)
	assert.Empty(t, line.Text)
	assert.Equal(t, int64(106), line.Offset)
	assert.Empty(t, tl.pending, "no bytes held for the runaway line")

	// the tail of the oversized line is dropped, the next line is intact
	appendFile(t, path, "yyy\nnext\n")
	line, err = next(t, tl, time.Second)
	require.NoError(t, err)
	assert.False(t, line.Oversized)
	assert.Equal(t, "next", line.Text)
	assert.Equal(t, int64(115), line.Offset)
}

func TestNext_CompleteLineOverCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	writeFile(t, path, strings.Repeat("z", 40)+"\nok\n")

	tl, err := Open(path, Start{}, WithPollInterval(testPoll), WithMaxLineBytes(32))
	require.NoError(t, err)
	defer tl.Close()

	line, err := next(t, tl, time.Second)
	require.NoError(t, err)
	assert.True(t, line.Oversized)
	assert.Equal(t, int64(41), line.Offset)

	line, err = next(t, tl, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", line.Text)
}
