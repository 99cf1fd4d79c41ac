// Package store implements the content-addressed cache directory: a flat
// collection of immutable files named by hex digest, materialized into the
// workspace via hardlink with copy fallback, per spec §3/§4.D.
package store

import (
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/vigovlugt/buildcache/digest"
	"github.com/vigovlugt/buildcache/notify"
)

// lockFileName is the advisory-lock sentinel file kept at the cache
// directory root. It is not a cache entry — ListFiles/SuspiciousFiles
// exclude it explicitly (see store/gc.go) since its basename never
// hex-decodes to a digest and surfacing it as "suspicious" on every run
// would be noise, not diagnostics.
const lockFileName = ".lock"

// failNextLink is a fault-injection hook for tests: setting it true makes
// the next call to tryLink behave as if os.Link returned EXDEV, since a
// real cross-device link failure requires two distinct filesystems that
// aren't reliably available in a test sandbox.
var failNextLink = false

// Options configures a Store at Open time, per spec §6's configuration
// surface.
type Options struct {
	// Disabled, if true, makes every hit miss and every record a no-op.
	Disabled bool
	// Notifier receives warnings and debug events. Defaults to
	// notify.Discard if nil.
	Notifier notify.Notifier
}

// Store is an on-disk, content-addressed cache directory. Two handles to
// the same directory in the same process are disallowed — Open takes an
// advisory lock file to enforce this, per spec §5.
type Store struct {
	dir      string
	disabled bool
	notifier notify.Notifier

	lock *flock.Flock

	// copyingMode latches true after the first cross-device-link failure
	// and never reverts for the lifetime of the handle, per spec §4.D/§9.
	copyingMode bool
	// hardlinkUnsupported latches true if Link fails with ENOTSUP or EPERM
	// (the filesystem has no hardlink support; see isHardlinkUnsupported).
	// GC then degrades to "never evict", per spec §9(b).
	hardlinkUnsupported bool
}

// Open creates dir recursively if absent and returns a handle to it.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create cache directory %s", dir)
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Discard
	}

	s := &Store{
		dir:      dir,
		disabled: opts.Disabled,
		notifier: notifier,
	}

	if !opts.Disabled {
		fl := flock.New(filepath.Join(dir, lockFileName))
		locked, err := fl.TryLock()
		if err != nil {
			return nil, errors.Wrapf(err, "lock cache directory %s", dir)
		}
		if !locked {
			return nil, errors.Errorf("cache directory %s is already locked by another handle", dir)
		}
		s.lock = fl
	}

	return s, nil
}

// Close releases the directory's exclusivity lock.
func (s *Store) Close() error {
	if s.lock == nil {
		return nil
	}
	return s.lock.Unlock()
}

// Disabled reports whether the store was opened in disabled mode.
func (s *Store) Disabled() bool {
	return s.disabled
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// pathFor returns the on-disk path for a content-address key.
func (s *Store) pathFor(key digest.Digest) string {
	return filepath.Join(s.dir, key.String())
}

// Put places the cache entry at key into the workspace at dst. It is
// Materialize called in the "restore" direction, per spec §4.D.
func (s *Store) Put(key digest.Digest, dst string) (bool, error) {
	return s.Materialize(s.pathFor(key), dst)
}

// Absorb places a workspace file at src into the cache under key. It is
// Materialize called in the "store" direction, per spec §4.D.
func (s *Store) Absorb(src string, key digest.Digest) (bool, error) {
	return s.Materialize(src, s.pathFor(key))
}

// Materialize places the file at src into dst via hardlink, falling back to
// a streamed copy on cross-device link failure, per spec §4.D's algorithm.
func (s *Store) Materialize(src, dst string) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, errors.Wrapf(err, "create parent of %s", dst)
	}

	if !s.copyingMode {
		ok, transitioned, err := s.tryLink(src, dst)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if !transitioned {
			// ENOENT on src: store miss mid-operation.
			return false, nil
		}
		// transitioned into copying mode; fall through to copy.
	}

	return s.copyFile(src, dst)
}

// tryLink attempts a hardlink, handling EXDEV (switch to copying mode) and
// ENOENT (miss) per spec §4.D step 2. Any pre-existing dst is unlinked
// first, so a repeated hard-link absorb of the same destination is a
// no-op rather than an EEXIST failure, per spec §5 and testable property
// 5 (idempotent absorb). transitioned reports whether this call just
// flipped copyingMode to true.
func (s *Store) tryLink(src, dst string) (ok bool, transitioned bool, err error) {
	for {
		if removeErr := os.Remove(dst); removeErr != nil && !os.IsNotExist(removeErr) {
			return false, false, errors.Wrapf(removeErr, "remove stale %s", dst)
		}

		var linkErr error
		if failNextLink {
			failNextLink = false
			linkErr = syscall.EXDEV
		} else {
			linkErr = os.Link(src, dst)
		}
		if linkErr == nil {
			return true, false, nil
		}
		if errors.Is(linkErr, os.ErrNotExist) {
			return false, false, nil
		}
		if errors.Is(linkErr, syscall.EINTR) {
			continue
		}
		if errors.Is(linkErr, syscall.EXDEV) {
			s.notifier.Warn("cache directory is on a different filesystem than the workspace; falling back to copying")
			s.copyingMode = true
			return false, true, nil
		}
		if isHardlinkUnsupported(linkErr) {
			s.hardlinkUnsupported = true
		}
		return false, false, errors.Wrapf(linkErr, "link %s -> %s", src, dst)
	}
}

// isHardlinkUnsupported reports whether linkErr specifically indicates the
// filesystem has no hardlink support at all (spec §9(b)), as opposed to a
// transient or unrelated failure (e.g. a permission error on one call)
// that must not permanently disable GC for the rest of the process.
func isHardlinkUnsupported(linkErr error) bool {
	return errors.Is(linkErr, syscall.ENOTSUP) || errors.Is(linkErr, syscall.EPERM)
}

// copyFile opens src, reads its contents, and writes them to dst
// preserving src's permission bits, per spec §4.D step 3.
func (s *Store) copyFile(src, dst string) (bool, error) {
	var in *os.File
	for {
		f, err := os.Open(src)
		if err == nil {
			in = f
			break
		}
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		return false, errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return false, errors.Wrapf(err, "stat %s", src)
	}

	// Remove any pre-existing destination so a stale file (e.g. left over
	// from a killed build, see spec §5) is fully replaced rather than
	// partially overwritten.
	_ = os.Remove(dst)

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return false, errors.Wrapf(err, "create %s", dst)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return false, errors.Wrapf(err, "copy %s -> %s", src, dst)
	}
	if err := out.Close(); err != nil {
		return false, errors.Wrapf(err, "close %s", dst)
	}
	return true, nil
}
