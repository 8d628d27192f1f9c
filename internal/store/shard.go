package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ShardName is the file name of the daily shard for category on day (UTC).
func ShardName(category string, day time.Time) string {
	return fmt.Sprintf("%s-%s.jsonl", category, day.UTC().Format("2006-01-02"))
}

// Size returns the length of the file at path, or 0 when it does not exist.
func Size(path string) (int64, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !fi.Mode().IsRegular() {
		return 0, fmt.Errorf("%s: not a regular file", path)
	}
	return fi.Size(), nil
}

// Append copies r to the end of the file at path, creating it if needed.
// Bytes written before a read error stay in the file.
func Append(path string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// Sweep deletes every shard of the given categories in dir whose modification
// time is before cutoff. It returns the removed paths in sorted order. Files
// that cannot be inspected or removed are skipped and reported in err.
func Sweep(dir string, categories []string, cutoff time.Time) ([]string, error) {
	var (
		removed []string
		errs    []error
	)
	for _, cat := range categories {
		matches, err := filepath.Glob(filepath.Join(dir, cat+"-*.jsonl"))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, path := range matches {
			fi, err := os.Stat(path)
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					errs = append(errs, err)
				}
				continue
			}
			if !fi.ModTime().Before(cutoff) {
				continue
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
			removed = append(removed, path)
		}
	}
	sort.Strings(removed)
	return removed, errors.Join(errs...)
}
