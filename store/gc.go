package store

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/vigovlugt/buildcache/digest"
	"golang.org/x/sync/errgroup"
)

// Entry describes one file found in the cache directory during
// enumeration.
type Entry struct {
	Path  string
	Name  string
	Size  int64
	Nlink int
	Atime time.Time
	Valid bool // basename hex-decodes to a valid digest
}

// ListFiles enumerates the cache directory non-recursively, including
// dotfiles, per spec §4.F.
func (s *Store) ListFiles() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read cache directory %s", s.dir)
	}

	names := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || de.Name() == lockFileName {
			continue
		}
		names = append(names, de.Name())
	}

	entries := make([]Entry, len(names))
	g, _ := errgroup.WithContext(context.Background())
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			e, err := statEntry(s.dir, name)
			if err != nil {
				return err
			}
			entries[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func statEntry(dir, name string) (Entry, error) {
	path := filepath.Join(dir, name)
	fi, err := statRetryEINTR(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Raced with a concurrent unlink: the entry comes back zero-sized
			// and not Valid, so Stats/DeleteUnused/Evict skip it;
			// SuspiciousFiles still lists it.
			return Entry{Path: path, Name: name}, nil
		}
		return Entry{}, errors.Wrapf(err, "stat %s", path)
	}

	_, validErr := digest.FromHex(name)
	e := Entry{
		Path:  path,
		Name:  name,
		Size:  fi.Size(),
		Valid: validErr == nil && fi.Mode().IsRegular(),
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok && st != nil {
		e.Nlink = int(st.Nlink)
		e.Atime = atimeOf(st)
	} else {
		e.Nlink = 1
		e.Atime = fi.ModTime()
	}
	return e, nil
}

func statRetryEINTR(path string) (os.FileInfo, error) {
	for {
		fi, err := os.Stat(path)
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return fi, err
		}
	}
}

// SuspiciousFiles returns every entry whose basename is not a valid hex
// digest — files a corrupted or foreign write dropped into the directory.
func (s *Store) SuspiciousFiles() ([]Entry, error) {
	all, err := s.ListFiles()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if !e.Valid {
			out = append(out, e)
		}
	}
	return out, nil
}

// Stats reports aggregate counts over the cache directory, per spec §4.F.
type Stats struct {
	TotalFiles   int
	TotalBytes   int64
	UnusedFiles  int
	UnusedBytes  int64
}

// HumanStats renders byte counts for human-readable diagnostics, the way
// mutagen renders staging sizes with humanize.Bytes.
func (st Stats) HumanStats() string {
	return humanize.Bytes(uint64(st.TotalBytes)) + " total, " +
		humanize.Bytes(uint64(st.UnusedBytes)) + " unused"
}

// Stats computes aggregate directory statistics over valid entries.
func (s *Store) Stats() (Stats, error) {
	entries, err := s.ListFiles()
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, e := range entries {
		if !e.Valid {
			continue
		}
		st.TotalFiles++
		st.TotalBytes += e.Size
		if e.Nlink == 1 {
			st.UnusedFiles++
			st.UnusedBytes += e.Size
		}
	}
	return st, nil
}

// DeleteUnused deletes every valid entry whose link count is 1 — no
// workspace path links it, so it has no live consumer, per spec §4.F.
// Requires a hardlink-capable filesystem; see degradesToNeverEvict.
func (s *Store) DeleteUnused() (int, error) {
	if s.degradesToNeverEvict() {
		return 0, nil
	}

	entries, err := s.ListFiles()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, e := range entries {
		if !e.Valid || e.Nlink != 1 {
			continue
		}
		if err := unlinkRetryEINTR(e.Path); err != nil {
			return deleted, errors.Wrapf(err, "delete unused entry %s", e.Path)
		}
		deleted++
	}
	return deleted, nil
}

// Evict removes entries until remaining live bytes are within budget, per
// spec §4.F's algorithm:
//  1. enumerate with (atime, size, path); nlink==1 entries sort as
//     infinitely old.
//  2. sort by atime ascending, breaking ties by decreasing size.
//  3. budget = floor(total_bytes * percent / 100), capped by maxBytes.
//  4. unlink entries in order until remaining bytes <= budget.
func (s *Store) Evict(percent int, maxBytes *int64) error {
	if s.degradesToNeverEvict() {
		s.notifier.Warn("cache directory does not support hardlinks; eviction disabled")
		return nil
	}

	entries, err := s.ListFiles()
	if err != nil {
		return err
	}

	var valid []Entry
	var total int64
	for _, e := range entries {
		if !e.Valid {
			continue
		}
		valid = append(valid, e)
		total += e.Size
	}

	sort.Slice(valid, func(i, j int) bool {
		ai, aj := effectiveAtime(valid[i]), effectiveAtime(valid[j])
		if !ai.Equal(aj) {
			return ai.Before(aj)
		}
		// Tie-break by decreasing size: evict larger tied entries first.
		return valid[i].Size > valid[j].Size
	})

	budget := total * int64(percent) / 100
	if maxBytes != nil && *maxBytes < budget {
		budget = *maxBytes
	}

	remaining := total
	for _, e := range valid {
		if remaining <= budget {
			break
		}
		if err := unlinkRetryEINTR(e.Path); err != nil {
			return errors.Wrapf(err, "evict entry %s", e.Path)
		}
		remaining -= e.Size
	}

	s.notifier.Debug(0, "evict complete: "+humanize.Bytes(uint64(remaining))+" remaining of "+humanize.Bytes(uint64(total)))
	return nil
}

// effectiveAtime treats nlink==1 entries as infinitely old so they sort
// first and are evicted before anything still referenced, per spec §4.F.
func effectiveAtime(e Entry) time.Time {
	if e.Nlink == 1 {
		return time.Time{}
	}
	return e.Atime
}

// degradesToNeverEvict reports whether this handle has observed the
// cache filesystem lacks hardlink support, per spec §9(b)'s documented
// degradation: GC requires a hardlink-capable filesystem.
func (s *Store) degradesToNeverEvict() bool {
	return s.hardlinkUnsupported
}

func unlinkRetryEINTR(path string) error {
	for {
		err := os.Remove(path)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		return err
	}
}
