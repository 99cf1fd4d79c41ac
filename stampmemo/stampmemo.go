// Package stampmemo implements the file-stamp memo: a path→digest cache
// scoped to one cache instance's lifetime, per spec §4.B.
package stampmemo

import (
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/vigovlugt/buildcache/digest"
	"github.com/vigovlugt/buildcache/operation"
)

// Table is a mapping FilePath → Digest memoized after first computation.
// Once inserted, an entry is never invalidated within the Table's lifetime
// — the caller guarantees no concurrent external mutation of a file it has
// stamped, per spec §3.
type Table struct {
	mu      sync.Mutex
	entries map[operation.Path]digest.Digest
	elapsed time.Duration
}

// New creates an empty stamp table.
func New() *Table {
	return &Table{entries: make(map[operation.Path]digest.Digest)}
}

// Stamp returns path's digest, computing and memoizing it on first access.
// A nil digest with a nil error signals that path does not exist — this
// lets upper layers (the executor) distinguish "absent input" from a real
// I/O failure without a separate sentinel.
func (t *Table) Stamp(path operation.Path) (*digest.Digest, error) {
	start := time.Now()
	defer func() {
		t.mu.Lock()
		t.elapsed += time.Since(start)
		t.mu.Unlock()
	}()

	t.mu.Lock()
	if d, ok := t.entries[path]; ok {
		t.mu.Unlock()
		return &d, nil
	}
	t.mu.Unlock()

	f, err := openRetryEINTR(string(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "stamp %s", path)
	}

	d, err := digest.OfFD(f)
	closeErr := f.Close()
	if err != nil {
		return nil, errors.Wrapf(err, "stamp %s", path)
	}
	if closeErr != nil {
		// Close-on-error never surfaces a secondary failure, per spec §4.B
		// — but here the digest was already computed successfully, so a
		// close failure after a successful read is simply ignored.
		_ = closeErr
	}

	t.mu.Lock()
	t.entries[path] = d
	t.mu.Unlock()
	return &d, nil
}

// Elapsed returns the cumulative wall-clock time spent computing stamps
// across all calls to Stamp, including memo hits, for diagnostics.
func (t *Table) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsed
}

// openRetryEINTR opens path read-only, retrying transparently on EINTR.
func openRetryEINTR(path string) (*os.File, error) {
	for {
		f, err := os.Open(path)
		if err == nil {
			return f, nil
		}
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		return nil, err
	}
}
