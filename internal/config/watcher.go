// internal/config/watcher.go
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// seedFile is the part of the YAML file that may change at runtime.
type seedFile struct {
	Watchlist []string `yaml:"watchlist"`
}

// Watcher
// ------------------------------------------------------------
// Re-reads the seed watchlist whenever the config file is written.
//
// The parent directory is watched rather than the file: editors and
// config management usually replace the file (rename over it), which
// would silently end a watch on the old inode. Events for other names
// in the directory are ignored.
//
// Only additions flow back into the store; an entry removed from the
// file stays until removed through the admin API.
type Watcher struct {
	path     string
	onChange func(ctx context.Context, watchlist []string)
}

// NewWatcher watches path and calls onChange with the new seed list.
func NewWatcher(path string, onChange func(ctx context.Context, watchlist []string)) *Watcher {
	return &Watcher{path: path, onChange: onChange}
}

// LoadSeeds reads the current seed watchlist from path.
func LoadSeeds(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var sf seedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return sf.Watchlist, nil
}

// Run blocks until ctx is cancelled. It returns an error only when the
// watch cannot be established.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("config watcher add %s: %w", dir, err)
	}
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}

			seeds, err := LoadSeeds(w.path)
			if err != nil {
				// keep the previous state; the next write retries
				log.Warn().Err(err).Msg("config reload failed")
				continue
			}
			log.Info().Str("file", w.path).Int("watchlist", len(seeds)).Msg("config reloaded")
			w.onChange(ctx, seeds)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("config watcher error")
		}
	}
}
