// internal/archive/spool.go
package archive

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"trafficwatch/internal/metrics"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

const metaSuffix = ".meta.json"

// FileUploader re-uploads a spooled file. *S3Uploader satisfies it.
type FileUploader interface {
	UploadFileWithRetryCtx(ctx context.Context, key string, f io.ReadSeeker, size int64) error
}

// SpoolOptions configures the local spool.
type SpoolOptions struct {
	Dir           string
	MaxBytes      int64         // total data bytes kept; oldest files are evicted first
	MaxAge        time.Duration // files older than this are deleted instead of re-uploaded
	Prefix        string        // key prefix for valid files
	InvalidPrefix string        // key prefix for files whose first line is not JSON
	Now           func() time.Time
}

// Spool
// ------------------------------------------------------------
// Keeps archive batches whose upload failed on local disk and
// re-uploads them later, oldest first.
//
//   - data file:  <unix>_<instance>_<counter>.jsonl.gz
//   - meta file:  <data>.meta.json holding {"num_events":N}
//
// TTL is judged from the unix prefix of the name, not from mtime.
type Spool struct {
	opts     SpoolOptions
	metrics  *metrics.Metrics
	uploader FileUploader

	sizeBytes int64 // data bytes currently in Dir
}

// NewSpool creates Dir if needed, removes orphan meta files and
// restores the size/file gauges from what is already on disk.
func NewSpool(opts SpoolOptions, m *metrics.Metrics, uploader FileUploader) (*Spool, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.InvalidPrefix == "" {
		opts.InvalidPrefix = opts.Prefix + "_invalid"
	}
	if m == nil {
		m = metrics.New()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("spool dir %s: %w", opts.Dir, err)
	}

	s := &Spool{opts: opts, metrics: m, uploader: uploader}

	var total, count int64
	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("spool dir %s: %w", opts.Dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		full := filepath.Join(opts.Dir, name)

		if strings.HasSuffix(name, metaSuffix) {
			dataName := strings.TrimSuffix(name, metaSuffix)
			if _, err := os.Stat(filepath.Join(opts.Dir, dataName)); os.IsNotExist(err) {
				_ = os.Remove(full)
			}
			continue
		}
		if info, err := e.Info(); err == nil {
			total += info.Size()
			count++
		}
	}

	atomic.StoreInt64(&s.sizeBytes, total)
	atomic.AddInt64(&m.SpoolSizeBytes, total)
	atomic.AddInt64(&m.SpoolFilesCurrent, count)
	return s, nil
}

// SizeBytes is the data volume currently spooled.
func (s *Spool) SizeBytes() int64 {
	return atomic.LoadInt64(&s.sizeBytes)
}

// Save writes one failed batch under filename. A batch that does not
// fit even after evicting every older file is dropped and counted.
func (s *Spool) Save(filename string, data []byte, numEvents int) error {
	if len(data) == 0 || numEvents <= 0 {
		return nil
	}

	size := int64(len(data))
	if !s.ensureCapacity(size) {
		log.Error().Int64("bytes", size).Int("events", numEvents).Msg("spool full, batch dropped")
		atomic.AddInt64(&s.metrics.SpoolEventsDroppedTotal, int64(numEvents))
		return nil
	}

	dataPath := filepath.Join(s.opts.Dir, filename)
	if err := os.WriteFile(dataPath, data, 0o600); err != nil {
		return fmt.Errorf("spool write %s: %w", filename, err)
	}
	meta := []byte(fmt.Sprintf(`{"num_events":%d}`, numEvents))
	_ = os.WriteFile(dataPath+metaSuffix, meta, 0o600)

	atomic.AddInt64(&s.sizeBytes, size)
	atomic.AddInt64(&s.metrics.SpoolSizeBytes, size)
	atomic.AddInt64(&s.metrics.SpoolFilesCurrent, 1)
	atomic.AddInt64(&s.metrics.SpoolEventsEnqueuedTotal, int64(numEvents))
	return nil
}

// ensureCapacity evicts the oldest files until incoming fits.
// It returns false when nothing is left to evict.
func (s *Spool) ensureCapacity(incoming int64) bool {
	max := s.opts.MaxBytes
	if max <= 0 {
		return true
	}

	for {
		if atomic.LoadInt64(&s.sizeBytes)+incoming <= max {
			return true
		}
		oldest := s.pickOldest()
		if oldest == "" {
			return false
		}
		s.remove(oldest)
		atomic.AddInt64(&s.metrics.SpoolFilesExpiredTotal, 1)
		log.Warn().Str("file", oldest).Msg("spool capacity, evicted oldest")
	}
}

// ProcessOneCtx re-uploads (or expires) the oldest spooled file.
// It reports whether a file was handled.
func (s *Spool) ProcessOneCtx(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	name := s.pickOldest()
	if name == "" {
		return false
	}
	dataPath := filepath.Join(s.opts.Dir, name)

	info, err := os.Stat(dataPath)
	if err != nil {
		_ = os.Remove(dataPath)
		_ = os.Remove(dataPath + metaSuffix)
		atomic.AddInt64(&s.metrics.SpoolFilesCurrent, -1)
		return true
	}
	size := info.Size()

	if s.opts.MaxAge > 0 {
		if sec, ok := extractUnixFromFilename(name); ok {
			age := s.opts.Now().Sub(time.Unix(sec, 0))
			if age > s.opts.MaxAge {
				s.remove(name)
				atomic.AddInt64(&s.metrics.SpoolFilesExpiredTotal, 1)
				log.Info().Str("file", name).Dur("age", age).Msg("spool TTL expired")
				return true
			}
		}
	}

	f, err := os.Open(dataPath)
	if err != nil {
		log.Warn().Err(err).Str("file", name).Msg("spool open failed")
		return false
	}
	defer f.Close()

	valid := validateFile(f, size)

	prefix := s.opts.Prefix
	if !valid {
		prefix = s.opts.InvalidPrefix
	}
	window, ok := partitionTime(name)
	if !ok {
		window = s.opts.Now()
	}
	key := BuildKey(prefix, window, name)

	if err := s.uploader.UploadFileWithRetryCtx(ctx, key, f, size); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("spool re-upload failed")
		return false
	}

	numEvents := int64(1)
	if meta, err := os.ReadFile(dataPath + metaSuffix); err == nil {
		var v struct {
			NumEvents int64 `json:"num_events"`
		}
		if json.Unmarshal(meta, &v) == nil && v.NumEvents > 0 {
			numEvents = v.NumEvents
		}
	}

	s.remove(name)
	atomic.AddInt64(&s.metrics.SpoolEventsReuploadedTotal, numEvents)
	log.Info().Str("key", key).Int64("events", numEvents).Bool("valid", valid).Msg("spool re-upload ok")
	return true
}

// remove deletes a data file and its meta, adjusting the gauges.
func (s *Spool) remove(name string) {
	dataPath := filepath.Join(s.opts.Dir, name)
	if info, err := os.Stat(dataPath); err == nil {
		atomic.AddInt64(&s.sizeBytes, -info.Size())
		atomic.AddInt64(&s.metrics.SpoolSizeBytes, -info.Size())
	}
	_ = os.Remove(dataPath)
	_ = os.Remove(dataPath + metaSuffix)
	atomic.AddInt64(&s.metrics.SpoolFilesCurrent, -1)
}

// validateFile checks that the first decompressed line is a JSON object.
func validateFile(f *os.File, size int64) bool {
	if size <= 0 {
		return false
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		return false
	}
	defer gz.Close()

	line, err := bufio.NewReader(gz).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return false
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}

	var tmp map[string]any
	return json.Unmarshal(line, &tmp) == nil
}

// pickOldest returns the lexicographically smallest data file name,
// which is the oldest one given the naming scheme.
func (s *Spool) pickOldest() string {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return ""
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, metaSuffix) || name == "" || name[0] == '.' {
			continue
		}
		files = append(files, name)
	}
	if len(files) == 0 {
		return ""
	}
	sort.Strings(files)
	return files[0]
}

// extractUnixFromFilename parses the "<unix>_" prefix.
func extractUnixFromFilename(name string) (int64, bool) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, false
	}
	sec, err := strconv.ParseInt(name[:idx], 10, 64)
	if err != nil || sec <= 0 {
		return 0, false
	}
	return sec, true
}
