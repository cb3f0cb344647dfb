package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// staleTempAge is how old an orphaned temp file must be before a sweep
// removes it. Younger ones may belong to a write in progress.
const staleTempAge = time.Hour

// Report summarizes one retention sweep.
type Report struct {
	ExpiredRemoved int               `json:"expired_removed"`
	ExcessRemoved  int               `json:"excess_removed"`
	TempRemoved    int               `json:"temp_removed"`
	Kept           int               `json:"kept"`
	Failed         []*RetentionError `json:"-"`
	Duration       time.Duration     `json:"duration"`
}

// Removed is the total number of records deleted.
func (r Report) Removed() int {
	return r.ExpiredRemoved + r.ExcessRemoved
}

// Cleanup deletes records older than the retention age, then the oldest
// records until at most MaxFiles remain. Deletion failures are collected
// in the report and never abort the sweep. Cancelling ctx stops between
// files, so every file is either fully present or fully gone.
func (s *Store) Cleanup(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	now := s.cfg.Now()
	var rep Report

	rep.TempRemoved = s.removeStaleTemps(now)

	records, err := s.List()
	if err != nil {
		return rep, err
	}

	// Age pass
	cutoff := now.Add(-s.cfg.MaxAge())
	survivors := records[:0:0]
	for _, r := range records {
		if !r.CreatedAt.Before(cutoff) {
			survivors = append(survivors, r)
			continue
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := s.remove(r.Name); err != nil {
			rep.Failed = append(rep.Failed, err)
			survivors = append(survivors, r)
			continue
		}
		rep.ExpiredRemoved++
	}

	// Count pass, oldest first
	excess := len(survivors) - s.cfg.MaxFiles
	kept := survivors[:0:0]
	for _, r := range survivors {
		if excess <= 0 {
			kept = append(kept, r)
			continue
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := s.remove(r.Name); err != nil {
			if !containsFailure(rep.Failed, r.Name) {
				rep.Failed = append(rep.Failed, err)
			}
			kept = append(kept, r)
			continue
		}
		rep.ExcessRemoved++
		excess--
	}
	rep.Kept = len(kept)
	rep.Duration = time.Since(start)

	for _, f := range rep.Failed {
		s.cfg.Logger.Warn("archive: delete failed, will retry next sweep", "file", f.Name, "error", f.Err)
	}
	return rep, nil
}

func (s *Store) remove(name string) *RetentionError {
	err := os.Remove(filepath.Join(s.cfg.Dir, name))
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return &RetentionError{Name: name, Err: err}
}

func containsFailure(failed []*RetentionError, name string) bool {
	for _, f := range failed {
		if f.Name == name {
			return true
		}
	}
	return false
}

func (s *Store) removeStaleTemps(now time.Time) int {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, tempSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < staleTempAge {
			continue
		}
		if os.Remove(filepath.Join(s.cfg.Dir, name)) == nil {
			removed++
		}
	}
	return removed
}

// Run sweeps once at startup and then every CleanupInterval until ctx is
// cancelled.
func (s *Store) Run(ctx context.Context) {
	s.sweep(ctx, "startup")

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx, "periodic")
		}
	}
}

func (s *Store) sweep(ctx context.Context, trigger string) {
	rep, err := s.Cleanup(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.cfg.Logger.Error("archive: cleanup failed", "trigger", trigger, "error", err)
		}
		return
	}
	if rep.Removed() > 0 || len(rep.Failed) > 0 {
		s.cfg.Logger.Info("archive: cleanup",
			"trigger", trigger,
			"expired", rep.ExpiredRemoved,
			"excess", rep.ExcessRemoved,
			"kept", rep.Kept,
			"failed", len(rep.Failed),
		)
	}
	if s.cfg.OnSweep != nil {
		s.cfg.OnSweep(rep)
	}
}
