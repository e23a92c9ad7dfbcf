package digest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trafficwatch/internal/metrics"
	"trafficwatch/internal/model"
	"trafficwatch/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu       sync.Mutex
	summary  store.Summary
	events   []model.ConnectionEvent // ascending ids
	settings map[string]string
	since    []time.Time
	err      error
}

func (f *fakeSource) Summarize(_ context.Context, since time.Time, _ int) (store.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, since)
	return f.summary, f.err
}

func (f *fakeSource) EventsAfter(_ context.Context, afterID int64, limit int) ([]model.ConnectionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []model.ConnectionEvent
	for _, e := range f.events {
		if e.ID > afterID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeSource) GetSetting(_ context.Context, key, def string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.settings[key]; ok {
		return v, nil
	}
	return def, nil
}

func (f *fakeSource) SetSetting(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settings == nil {
		f.settings = map[string]string{}
	}
	f.settings[key] = value
	return nil
}

func (f *fakeSource) add(id int64, domain string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := ev("alice", "in1", domain)
	e.ID = id
	f.events = append(f.events, e)
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
	kinds []model.MessageKind
	full  bool
}

func (n *fakeNotifier) Enqueue(kind model.MessageKind, text string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.full {
		return false
	}
	n.kinds = append(n.kinds, kind)
	n.texts = append(n.texts, text)
	return true
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.texts)
}

type fakeArchiver struct {
	mu   sync.Mutex
	jobs []model.ArchiveJob
	err  error
}

func (a *fakeArchiver) Archive(_ context.Context, job model.ArchiveJob) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs = append(a.jobs, job)
	return a.err
}

func (a *fakeArchiver) snapshot() []model.ArchiveJob {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.ArchiveJob(nil), a.jobs...)
}

var fixedNow = time.Date(2025, 8, 6, 18, 0, 0, 0, time.UTC)

func TestRunOnce(t *testing.T) {
	src := &fakeSource{
		summary: store.Summary{
			Groups: []store.GroupCount{{Identity: "alice", Inbound: "in1", Domain: "x.com", Count: 2}},
			Events: 2,
		},
		settings: map[string]string{store.KeySummaryInterval: "2h"},
	}
	src.add(1, "x.com")
	n := &fakeNotifier{}
	arch := &fakeArchiver{}
	m := metrics.New()

	s := New(src, n, Options{Archiver: arch, Now: func() time.Time { return fixedNow }}, m)
	d, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, d.Events)
	require.Len(t, src.since, 1)
	assert.Equal(t, fixedNow.Add(-2*time.Hour), src.since[0])

	require.Len(t, n.texts, 1)
	assert.Equal(t, model.KindDigest, n.kinds[0])
	assert.Contains(t, n.texts[0], "⏱️ Сводка за последние 2 ч")
	assert.Contains(t, n.texts[0], "- x.com (2 раз)")
	assert.Equal(t, int64(1), atomic.LoadInt64(&m.DigestsSentTotal))

	assert.Empty(t, arch.snapshot(), "a digest alone never exports")
}

func TestRunOnce_EmptyWindow(t *testing.T) {
	src := &fakeSource{settings: map[string]string{}}
	n := &fakeNotifier{}

	s := New(src, n, Options{Now: func() time.Time { return fixedNow }}, nil)
	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, n.texts, 1)
	assert.Equal(t, "⏱️ Сводка за последние 6 ч\nНет активности.", n.texts[0])
	assert.Equal(t, fixedNow.Add(-6*time.Hour), src.since[0])
}

func TestRunOnce_InvalidIntervalFallsBack(t *testing.T) {
	src := &fakeSource{settings: map[string]string{store.KeySummaryInterval: "1.5h"}}
	s := New(src, &fakeNotifier{}, Options{Now: func() time.Time { return fixedNow }}, nil)

	assert.Equal(t, 6*time.Hour, s.Interval(context.Background()).Duration)
	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Add(-6*time.Hour), src.since[0])
}

func TestRunOnce_QueryError(t *testing.T) {
	src := &fakeSource{err: errors.New("disk I/O error")}
	n := &fakeNotifier{}
	m := metrics.New()

	s := New(src, n, Options{}, m)
	_, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Zero(t, n.count())
	assert.Zero(t, atomic.LoadInt64(&m.DigestsSentTotal))
}

func TestRunOnce_QueueFull(t *testing.T) {
	m := metrics.New()
	s := New(&fakeSource{}, &fakeNotifier{full: true}, Options{}, m)

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, atomic.LoadInt64(&m.DigestsSentTotal))
}

func TestArchiveOnce_ExportsEachEventOnce(t *testing.T) {
	src := &fakeSource{settings: map[string]string{store.KeySummaryInterval: "6h"}}
	src.add(1, "a.com")
	src.add(2, "b.com")
	arch := &fakeArchiver{}
	now := fixedNow
	s := New(src, &fakeNotifier{}, Options{Archiver: arch, Now: func() time.Time { return now }}, nil)
	ctx := context.Background()

	require.NoError(t, s.ArchiveOnce(ctx))
	jobs := arch.snapshot()
	require.Len(t, jobs, 1)
	assert.Len(t, jobs[0].Events, 2)
	assert.Equal(t, fixedNow.Add(-6*time.Hour), jobs[0].Since, "no previous export: one interval back")
	assert.Equal(t, fixedNow, jobs[0].Until)
	assert.Equal(t, "2", src.settings[store.KeyArchivedID])

	// interval shrinks and a new event arrives: only the new event is exported
	src.add(3, "c.com")
	require.NoError(t, src.SetSetting(ctx, store.KeySummaryInterval, "30m"))
	now = fixedNow.Add(2 * time.Hour)
	require.NoError(t, s.ArchiveOnce(ctx))
	jobs = arch.snapshot()
	require.Len(t, jobs, 2)
	require.Len(t, jobs[1].Events, 1)
	assert.Equal(t, int64(3), jobs[1].Events[0].ID)
	assert.Equal(t, fixedNow, jobs[1].Since, "starts where the previous export ended")
	assert.Equal(t, now, jobs[1].Until)

	// nothing new: the archiver still runs, with an empty job
	require.NoError(t, s.ArchiveOnce(ctx))
	jobs = arch.snapshot()
	require.Len(t, jobs, 3)
	assert.Empty(t, jobs[2].Events)
	assert.Equal(t, "3", src.settings[store.KeyArchivedID])
}

func TestArchiveOnce_FailureKeepsWatermark(t *testing.T) {
	src := &fakeSource{}
	src.add(7, "a.com")
	arch := &fakeArchiver{err: errors.New("spool full")}
	s := New(src, &fakeNotifier{}, Options{Archiver: arch, Now: func() time.Time { return fixedNow }}, nil)

	require.Error(t, s.ArchiveOnce(context.Background()))
	_, saved := src.settings[store.KeyArchivedID]
	assert.False(t, saved)

	arch.err = nil
	require.NoError(t, s.ArchiveOnce(context.Background()))
	jobs := arch.snapshot()
	require.Len(t, jobs, 2)
	assert.Len(t, jobs[1].Events, 1, "the failed batch is retried")
	assert.Equal(t, "7", src.settings[store.KeyArchivedID])
}

func TestArchiveOnce_Batches(t *testing.T) {
	src := &fakeSource{}
	for i := int64(1); i <= 5; i++ {
		src.add(i, "a.com")
	}
	arch := &fakeArchiver{}
	s := New(src, &fakeNotifier{}, Options{Archiver: arch, ArchiveBatch: 2, Now: func() time.Time { return fixedNow }}, nil)

	require.NoError(t, s.ArchiveOnce(context.Background()))
	var sizes []int
	for _, j := range arch.snapshot() {
		sizes = append(sizes, len(j.Events))
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, "5", src.settings[store.KeyArchivedID])
}

func TestArchiveOnce_InvalidWatermark(t *testing.T) {
	src := &fakeSource{settings: map[string]string{store.KeyArchivedID: "x"}}
	arch := &fakeArchiver{}
	s := New(src, &fakeNotifier{}, Options{Archiver: arch}, nil)

	require.Error(t, s.ArchiveOnce(context.Background()))
	assert.Empty(t, arch.snapshot())
}

func TestArchiveOnce_WithoutArchiver(t *testing.T) {
	s := New(&fakeSource{err: errors.New("unused")}, &fakeNotifier{}, Options{}, nil)
	assert.NoError(t, s.ArchiveOnce(context.Background()))
}

func TestTrigger_NeverBlocksAndRuns(t *testing.T) {
	src := &fakeSource{settings: map[string]string{store.KeySummaryInterval: "1d"}}
	src.add(1, "a.com")
	n := &fakeNotifier{}
	arch := &fakeArchiver{}
	s := New(src, n, Options{Archiver: arch}, nil)

	// merged while nobody is listening
	for i := 0; i < 5; i++ {
		s.Trigger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return n.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	s.Trigger()
	require.Eventually(t, func() bool { return n.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, arch.snapshot(), "on-demand digests do not export")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
