package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
	"github.com/couchcryptid/wildfire-ros-service/internal/observability"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
)

// Entry is the on-disk envelope. Entries are never modified after writing.
type Entry struct {
	Key       Key             `json:"key"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

const tempPrefix = ".tmp-"

// Options configures a Store.
type Options struct {
	Dir        string
	MemorySize int           // in-memory LRU entries; 0 disables the memory tier
	MaxAge     time.Duration // 0 keeps entries forever
	Clock      clockwork.Clock
}

// Store is a two-tier cache: an in-memory LRU in front of a directory of
// JSON files. Writes go to a temp file in the same directory and are renamed
// into place, so readers never observe a partial file and concurrent writers
// of the same key leave exactly one complete entry.
type Store struct {
	dir     string
	maxAge  time.Duration
	memory  *lru.Cache[string, Entry] // nil when the memory tier is off
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewStore creates the cache directory if needed.
func NewStore(opts Options, logger *slog.Logger, metrics *observability.Metrics) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("cache dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	var memory *lru.Cache[string, Entry]
	if opts.MemorySize > 0 {
		var err error
		if memory, err = lru.New[string, Entry](opts.MemorySize); err != nil {
			return nil, fmt.Errorf("create memory tier: %w", err)
		}
	}
	return &Store{
		dir:     opts.Dir,
		maxAge:  opts.MaxAge,
		memory:  memory,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Dir returns the cache directory.
func (s *Store) Dir() string { return s.dir }

// Get returns the payload stored under key. A missing, unreadable or expired
// entry is a miss; only unexpected I/O failures return an error.
func (s *Store) Get(key Key) ([]byte, bool, error) {
	name := key.Name()
	if e, ok := s.recall(name); ok {
		if !s.expired(e) {
			s.observe(key, "hit")
			return e.Payload, true, nil
		}
		s.forget(name)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		s.observe(key, "miss")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache entry %s: %w", name, err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		s.logger.Warn("discarding corrupt cache entry", "entry", name, "error", err)
		s.observe(key, "miss")
		return nil, false, nil
	}
	if s.expired(e) {
		s.observe(key, "expired")
		return nil, false, nil
	}
	s.remember(name, e)
	s.observe(key, "hit")
	return e.Payload, true, nil
}

// GetJSON decodes the payload under key into v.
func (s *Store) GetJSON(key Key, v any) (bool, error) {
	data, ok, err := s.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode cache entry %s: %w", key.Name(), err)
	}
	return true, nil
}

// Put writes payload under key atomically. Failures carry KindCacheWrite.
func (s *Store) Put(key Key, payload []byte) error {
	name := key.Name()
	e := Entry{Key: key, CreatedAt: s.clock.Now().UTC(), Payload: json.RawMessage(payload)}
	data, err := json.Marshal(e)
	if err != nil {
		return s.writeErr(name, err)
	}

	tmp, err := os.CreateTemp(s.dir, tempPrefix+name+"-*")
	if err != nil {
		return s.writeErr(name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return s.writeErr(name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return s.writeErr(name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return s.writeErr(name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpName)
		return s.writeErr(name, err)
	}
	s.remember(name, e)
	return nil
}

func (s *Store) recall(name string) (Entry, bool) {
	if s.memory == nil {
		return Entry{}, false
	}
	return s.memory.Get(name)
}

func (s *Store) remember(name string, e Entry) {
	if s.memory != nil {
		s.memory.Add(name, e)
	}
}

func (s *Store) forget(name string) {
	if s.memory != nil {
		s.memory.Remove(name)
	}
}

// PutJSON encodes v and stores it under key.
func (s *Store) PutJSON(key Key, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return s.writeErr(key.Name(), err)
	}
	return s.Put(key, data)
}

// Prune deletes expired entries and temp files older than a minute. It
// returns the number of files removed.
func (s *Store) Prune() (int, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("list cache dir: %w", err)
	}
	now := s.clock.Now()
	removed := 0
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		name := de.Name()
		stale := false
		switch {
		case strings.HasPrefix(name, tempPrefix):
			stale = now.Sub(info.ModTime()) > time.Minute
		case s.maxAge > 0 && strings.HasSuffix(name, ".json"):
			stale = s.expiredFile(filepath.Join(s.dir, name))
		}
		if !stale {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("cache prune failed", "entry", name, "error", err)
			continue
		}
		s.forget(name)
		removed++
	}
	return removed, nil
}

// expiredFile reports whether the entry at path is past MaxAge. Corrupt
// entries count as expired.
func (s *Store) expiredFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return true
	}
	return s.expired(e)
}

func (s *Store) expired(e Entry) bool {
	return s.maxAge > 0 && s.clock.Since(e.CreatedAt) > s.maxAge
}

func (s *Store) observe(key Key, result string) {
	if s.metrics != nil {
		s.metrics.CacheLookups.WithLabelValues(key.Source, result).Inc()
	}
}

func (s *Store) writeErr(name string, err error) error {
	if s.metrics != nil {
		s.metrics.CacheWriteErrors.Inc()
	}
	return domain.WrapError(domain.KindCacheWrite, "cache put "+name, err)
}
