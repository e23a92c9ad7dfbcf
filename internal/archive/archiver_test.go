package archive

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"trafficwatch/internal/metrics"
	"trafficwatch/internal/model"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	keys   []string
	bodies [][]byte
	err    error
}

func (u *fakeUploader) UploadBytesWithRetryCtx(_ context.Context, key string, body []byte) error {
	if u.err != nil {
		return u.err
	}
	u.keys = append(u.keys, key)
	u.bodies = append(u.bodies, body)
	return nil
}

func job() model.ArchiveJob {
	until := time.Date(2025, 8, 6, 18, 0, 0, 0, time.UTC)
	return model.ArchiveJob{Since: until.Add(-6 * time.Hour), Until: until, Events: sampleEvents()}
}

func TestArchive_Uploads(t *testing.T) {
	up := &fakeUploader{}
	m := metrics.New()
	a := New("node", "tw", up, nil, m)

	require.NoError(t, a.Archive(context.Background(), job()))

	require.Len(t, up.keys, 1)
	assert.True(t, strings.HasPrefix(up.keys[0], "tw/dt=2025-08-06/hr=18/1754503200_node_"), up.keys[0])
	assert.Equal(t, sampleEvents(), decodeJSONLGZ(t, up.bodies[0]))
	assert.Equal(t, int64(2), atomic.LoadInt64(&m.ArchiveEventsStoredTotal))
}

func TestArchive_FailureSpoolsThenDrains(t *testing.T) {
	up := &fakeUploader{err: errors.New("bucket unreachable")}
	fu := &fakeFileUploader{}
	m := metrics.New()
	spool, err := NewSpool(SpoolOptions{Dir: t.TempDir(), Prefix: "tw"}, m, fu)
	require.NoError(t, err)
	a := New("node", "tw", up, spool, m)

	require.NoError(t, a.Archive(context.Background(), job()), "spooled batches are not lost")
	assert.Positive(t, spool.SizeBytes())
	assert.Zero(t, atomic.LoadInt64(&m.ArchiveEventsStoredTotal))
	assert.Empty(t, fu.keys, "no drain while the bucket is down")

	// bucket back: the next window is uploaded and the backlog drained
	up.err = nil
	require.NoError(t, a.Archive(context.Background(), job()))
	assert.Len(t, up.keys, 1)
	require.Len(t, fu.keys, 1)
	assert.True(t, strings.HasPrefix(fu.keys[0], "tw/dt=2025-08-06/hr=18/"))
	assert.Zero(t, spool.SizeBytes())
	assert.Equal(t, int64(2), atomic.LoadInt64(&m.SpoolEventsReuploadedTotal))
}

func TestArchive_FailureWithoutSpool(t *testing.T) {
	a := New("node", "tw", &fakeUploader{err: errors.New("down")}, nil, nil)
	assert.Error(t, a.Archive(context.Background(), job()))
}

func TestArchive_EmptyJobOnlyDrains(t *testing.T) {
	up := &fakeUploader{}
	a := New("node", "tw", up, nil, nil)
	require.NoError(t, a.Archive(context.Background(), model.ArchiveJob{}))
	assert.Empty(t, up.keys)
}

func TestArchive_EmptyJobDrainsSpool(t *testing.T) {
	fu := &fakeFileUploader{}
	m := metrics.New()
	spool, err := NewSpool(SpoolOptions{Dir: t.TempDir(), Prefix: "tw"}, m, fu)
	require.NoError(t, err)
	data, err := NewEncoder().EncodeJSONLGZ(sampleEvents())
	require.NoError(t, err)
	require.NoError(t, spool.Save(NewFilename("node", job().Until), data, 2))

	up := &fakeUploader{}
	a := New("node", "tw", up, spool, m)
	require.NoError(t, a.Archive(context.Background(), model.ArchiveJob{Until: job().Until}))

	assert.Empty(t, up.keys, "nothing new to upload")
	assert.Len(t, fu.keys, 1, "a quiet tick still drains the backlog")
	assert.Zero(t, spool.SizeBytes())
}

// fakePutter fails the first failFirst calls.
type fakePutter struct {
	calls     int
	failFirst int
	inputs    []*s3.PutObjectInput
	bodies    [][]byte
}

func (p *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	p.calls++
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	p.inputs = append(p.inputs, in)
	p.bodies = append(p.bodies, b)
	if p.calls <= p.failFirst {
		return nil, errors.New("503 SlowDown")
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3Uploader_RetriesBytes(t *testing.T) {
	p := &fakePutter{failFirst: 1}
	m := metrics.New()
	u := NewS3UploaderWithClient(p, UploaderOptions{Bucket: "logs", Retries: 3}, m)

	require.NoError(t, u.UploadBytesWithRetryCtx(context.Background(), "tw/k", []byte("payload")))
	assert.Equal(t, 2, p.calls)
	assert.Equal(t, int64(1), atomic.LoadInt64(&m.ArchivePutErrorsTotal))

	in := p.inputs[1]
	assert.Equal(t, "logs", aws.ToString(in.Bucket))
	assert.Equal(t, "tw/k", aws.ToString(in.Key))
	assert.Equal(t, int64(7), aws.ToInt64(in.ContentLength))
	assert.Equal(t, "application/x-ndjson", aws.ToString(in.ContentType))
	assert.Equal(t, "gzip", aws.ToString(in.ContentEncoding))
	assert.Equal(t, []byte("payload"), p.bodies[1], "each attempt sends the full body")
}

func TestS3Uploader_RewindsFile(t *testing.T) {
	p := &fakePutter{failFirst: 1}
	u := NewS3UploaderWithClient(p, UploaderOptions{Bucket: "logs", Retries: 2}, nil)

	r := strings.NewReader("file-body")
	require.NoError(t, u.UploadFileWithRetryCtx(context.Background(), "k", r, r.Size()))
	assert.Equal(t, [][]byte{[]byte("file-body"), []byte("file-body")}, p.bodies)
}

func TestS3Uploader_GivesUp(t *testing.T) {
	p := &fakePutter{failFirst: 100}
	m := metrics.New()
	u := NewS3UploaderWithClient(p, UploaderOptions{Bucket: "logs", Retries: 2}, m)

	err := u.UploadBytesWithRetryCtx(context.Background(), "k", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, 2, p.calls)
	assert.Equal(t, int64(2), atomic.LoadInt64(&m.ArchivePutErrorsTotal))
}

func TestS3Uploader_CancelledContext(t *testing.T) {
	p := &fakePutter{}
	u := NewS3UploaderWithClient(p, UploaderOptions{Bucket: "logs"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, u.UploadBytesWithRetryCtx(ctx, "k", []byte("x")), context.Canceled)
	assert.Zero(t, p.calls)
}
