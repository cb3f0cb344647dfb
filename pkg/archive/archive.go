// Package archive stores verification copies of processed audio in a flat
// directory and enforces age and count retention.
//
// There is no index file: the directory listing plus the timestamp embedded
// in each file name is the source of truth.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// Prefix starts every archived file name.
	Prefix = "verification_"

	tempPattern = ".verification-*.tmp"
	tempPrefix  = ".verification-"
	tempSuffix  = ".tmp"

	stampLayout = "20060102_150405"
)

// Errors returned by the store.
var (
	ErrNotWritable = errors.New("archive directory not writable")
	ErrInvalidName = errors.New("invalid archive file name")
	ErrNotFound    = errors.New("archive file not found")
)

// RetentionError records a file that could not be deleted. It is retried
// on the next sweep.
type RetentionError struct {
	Name string
	Err  error
}

func (e *RetentionError) Error() string {
	return fmt.Sprintf("archive: delete %s: %v", e.Name, e.Err)
}

func (e *RetentionError) Unwrap() error {
	return e.Err
}

// Record is one archived verification file.
type Record struct {
	Name      string    `json:"name"`
	Original  string    `json:"original"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// Store is the verification archive.
type Store struct {
	cfg *Config

	// mu serializes name allocation, writes and sweeps.
	mu sync.Mutex
}

// New opens (creating if needed) the archive directory and verifies it is
// writable. A non-writable directory is a startup error.
func New(dir string, opts ...Option) (*Store, error) {
	cfg := DefaultConfig(dir)
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotWritable, cfg.Dir, err)
	}
	tmp, err := os.CreateTemp(cfg.Dir, tempPattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotWritable, cfg.Dir, err)
	}
	tmp.Close()
	os.Remove(tmp.Name())

	return &Store{cfg: cfg}, nil
}

// Dir returns the archive directory.
func (s *Store) Dir() string {
	return s.cfg.Dir
}

// Config returns a copy of the store configuration.
func (s *Store) Config() Config {
	return *s.cfg
}

// FileName builds the archive name for a recording received at t:
// verification_<YYYYMMDD>_<HHMMSS>_<microseconds>_<original>.
func FileName(t time.Time, original string) string {
	t = t.UTC()
	return fmt.Sprintf("%s%s_%06d_%s", Prefix, t.Format(stampLayout), t.Nanosecond()/1000, sanitize(original))
}

// ParseFileName extracts the embedded timestamp and original name.
func ParseFileName(name string) (time.Time, string, bool) {
	rest, ok := strings.CutPrefix(name, Prefix)
	if !ok || len(rest) < len(stampLayout)+1+6+2 {
		return time.Time{}, "", false
	}

	t, err := time.ParseInLocation(stampLayout, rest[:len(stampLayout)], time.UTC)
	if err != nil {
		return time.Time{}, "", false
	}
	rest = rest[len(stampLayout):]
	if rest[0] != '_' || rest[7] != '_' {
		return time.Time{}, "", false
	}
	micros, err := strconv.Atoi(rest[1:7])
	if err != nil {
		return time.Time{}, "", false
	}
	original := rest[8:]
	if original == "" {
		return time.Time{}, "", false
	}
	return t.Add(time.Duration(micros) * time.Microsecond), original, true
}

func sanitize(original string) string {
	name := filepath.Base(strings.ReplaceAll(original, "\\", "/"))
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "audio.wav"
	}
	return name
}

// Save writes data atomically under a collision-free name derived from
// the receipt time. A name already taken is bumped by one microsecond.
func (s *Store) Save(receivedAt time.Time, original string, data []byte) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := receivedAt.UTC().Truncate(time.Microsecond)
	var name, path string
	for {
		name = FileName(at, original)
		path = filepath.Join(s.cfg.Dir, name)
		if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
			break
		}
		at = at.Add(time.Microsecond)
	}

	if err := writeAtomic(s.cfg.Dir, path, data); err != nil {
		return Record{}, err
	}

	s.cfg.Logger.Debug("archived audio", "file", name, "bytes", len(data))
	return Record{Name: name, Original: sanitize(original), CreatedAt: at, Size: int64(len(data))}, nil
}

// writeAtomic writes to a temp file in dir, syncs it and renames it
// into place.
func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// List returns archived records, oldest first. Temp files and foreign
// files are ignored.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive dir: %w", err)
	}

	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		created, original, ok := ParseFileName(e.Name())
		if !ok {
			continue
		}
		var size int64
		if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		records = append(records, Record{Name: e.Name(), Original: original, CreatedAt: created, Size: size})
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].Name < records[j].Name
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// Open returns a reader for an archived file. Names that are not plain
// archive names are rejected.
func (s *Store) Open(name string) (io.ReadSeekCloser, Record, error) {
	if name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		return nil, Record{}, ErrInvalidName
	}
	created, original, ok := ParseFileName(name)
	if !ok {
		return nil, Record{}, ErrInvalidName
	}

	f, err := os.Open(filepath.Join(s.cfg.Dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Record{}, ErrNotFound
		}
		return nil, Record{}, err
	}
	rec := Record{Name: name, Original: original, CreatedAt: created}
	if info, err := f.Stat(); err == nil {
		rec.Size = info.Size()
	}
	return f, rec, nil
}

// Stats summarizes the archive.
type Stats struct {
	Files  int       `json:"files"`
	Bytes  int64     `json:"bytes"`
	Oldest time.Time `json:"oldest,omitempty"`
	Newest time.Time `json:"newest,omitempty"`
}

// Stats returns current archive totals.
func (s *Store) Stats() (Stats, error) {
	records, err := s.List()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Files: len(records)}
	for _, r := range records {
		st.Bytes += r.Size
	}
	if len(records) > 0 {
		st.Oldest = records[0].CreatedAt
		st.Newest = records[len(records)-1].CreatedAt
	}
	return st, nil
}
