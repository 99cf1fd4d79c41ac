package executor

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vigovlugt/buildcache/digest"
	"github.com/vigovlugt/buildcache/notify"
	"github.com/vigovlugt/buildcache/operation"
	"github.com/vigovlugt/buildcache/store"
)

func echoCmdPath(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("echo")
	require.NoError(t, err)
	return path
}

func TestFingerprintDeterministic(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(dir, store.Options{})
	require.NoError(t, err)
	defer s.Close()

	echo := echoCmdPath(t)
	op := operation.NewSpawn(1, echo, []string{echo, "hi"}, nil, "", nil, []operation.Path{"/w/out"})

	e1 := New(s, notify.Discard)
	f1, err := e1.Fingerprint(op)
	require.NoError(t, err)

	e2 := New(s, notify.Discard)
	op2 := operation.NewSpawn(2, echo, []string{echo, "hi"}, nil, "", nil, []operation.Path{"/w/out"})
	f2, err := e2.Fingerprint(op2)
	require.NoError(t, err)

	require.Equal(t, f1, f2, "identical spawn inputs must fingerprint identically")
}

// TestRoundTrip is scenario S1 from spec §8.
func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(dir, store.Options{})
	require.NoError(t, err)
	defer s.Close()

	work := t.TempDir()
	out := filepath.Join(work, "out")

	echo := echoCmdPath(t)
	op := operation.NewSpawn(1, echo, []string{echo, "hi"}, nil, "", nil, []operation.Path{operation.Path(out)})

	e := New(s, notify.Discard)

	require.NoError(t, os.WriteFile(out, []byte("hi\n"), 0o644))
	stamp, err := e.Fingerprint(op)
	require.NoError(t, err)
	op.Stamp = &stamp
	op.Status = operation.Executed

	require.NoError(t, e.Record(op))
	require.True(t, op.Cached)

	require.NoError(t, os.Remove(out))

	e2 := New(s, notify.Discard)
	op2 := operation.NewSpawn(1, echo, []string{echo, "hi"}, nil, "", nil, []operation.Path{operation.Path(out)})
	hit := e2.TryHit(op2)
	require.True(t, hit)
	require.Equal(t, operation.Cached, op2.Status)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "hi\n", string(data))
}

// TestPartialHitRollback is scenario S3 from spec §8: when only some of an
// operation's write keys exist in the store, TryHit must return false and
// leave no workspace file behind.
func TestPartialHitRollback(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(dir, store.Options{})
	require.NoError(t, err)
	defer s.Close()

	work := t.TempDir()
	a := filepath.Join(work, "a")
	b := filepath.Join(work, "b")

	echo := echoCmdPath(t)
	op := operation.NewSpawn(1, echo, []string{echo, "hi"}, nil, "", nil,
		[]operation.Path{operation.Path(a), operation.Path(b)})

	e := New(s, notify.Discard)
	stamp, err := e.Fingerprint(op)
	require.NoError(t, err)

	// Populate the store with only the key for "a".
	keyA := operation.WriteKey(stamp, operation.Path(a))
	seedSrc := filepath.Join(work, "seed")
	require.NoError(t, os.WriteFile(seedSrc, []byte("content-a"), 0o644))
	_, err = s.Absorb(seedSrc, keyA)
	require.NoError(t, err)

	e2 := New(s, notify.Discard)
	op2 := operation.NewSpawn(1, echo, []string{echo, "hi"}, nil, "", nil,
		[]operation.Path{operation.Path(a), operation.Path(b)})
	hit := e2.TryHit(op2)
	require.False(t, hit)

	_, errA := os.Stat(a)
	require.True(t, os.IsNotExist(errA), "write 'a' must be rolled back after partial miss")
	_, errB := os.Stat(b)
	require.True(t, os.IsNotExist(errB))
}

// TestMissOnEditedRead is scenario S2 from spec §8.
func TestMissOnEditedRead(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(dir, store.Options{})
	require.NoError(t, err)
	defer s.Close()

	work := t.TempDir()
	in := filepath.Join(work, "in")
	out := filepath.Join(work, "out")
	require.NoError(t, os.WriteFile(in, []byte("A"), 0o644))

	cat, err := exec.LookPath("cat")
	require.NoError(t, err)

	op := operation.NewSpawn(1, cat, []string{cat, in}, nil, "",
		[]operation.Path{operation.Path(in)}, []operation.Path{operation.Path(out)})

	e := New(s, notify.Discard)
	stamp, err := e.Fingerprint(op)
	require.NoError(t, err)
	op.Stamp = &stamp
	require.NoError(t, os.WriteFile(out, []byte("A"), 0o644))
	require.NoError(t, e.Record(op))

	require.NoError(t, os.WriteFile(in, []byte("B"), 0o644))
	require.NoError(t, os.Remove(out))

	e2 := New(s, notify.Discard)
	op2 := operation.NewSpawn(1, cat, []string{cat, in}, nil, "",
		[]operation.Path{operation.Path(in)}, []operation.Path{operation.Path(out)})
	require.False(t, e2.TryHit(op2))

	_, err = os.Stat(out)
	require.True(t, os.IsNotExist(err))
}

func TestTryHitNonSpawnIsMiss(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(dir, store.Options{})
	require.NoError(t, err)
	defer s.Close()

	e := New(s, notify.Discard)
	op := operation.NewRead(1, "/some/path")
	require.False(t, e.TryHit(op))
}

func TestTryHitDisabledStoreIsMiss(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(dir, store.Options{Disabled: true})
	require.NoError(t, err)
	defer s.Close()

	echo := echoCmdPath(t)
	e := New(s, notify.Discard)
	op := operation.NewSpawn(1, echo, []string{echo}, nil, "", nil, []operation.Path{"/w/out"})
	require.False(t, e.TryHit(op))
}

// fakeStore records the order materialize calls arrive in, to verify
// spec §8 invariant 8: writes are processed in ascending-path order.
type fakeStore struct {
	puts []string
	hit  map[digest.Digest]bool
}

func (f *fakeStore) Put(key digest.Digest, dst string) (bool, error) {
	f.puts = append(f.puts, dst)
	return f.hit[key], nil
}

func (f *fakeStore) Absorb(src string, key digest.Digest) (bool, error) { return true, nil }
func (f *fakeStore) Disabled() bool                                     { return false }

func TestTryHitMaterializesInSortedOrder(t *testing.T) {
	fs := &fakeStore{hit: map[digest.Digest]bool{}}
	e := New(fs, notify.Discard)

	echo := echoCmdPath(t)
	op := operation.NewSpawn(1, echo, []string{echo}, nil, "", nil,
		[]operation.Path{"z", "a", "m"})

	stamp, err := e.Fingerprint(op)
	require.NoError(t, err)
	for _, w := range op.Writes() {
		fs.hit[operation.WriteKey(stamp, w)] = true
	}

	require.True(t, e.TryHit(op))
	require.Equal(t, []string{"a", "m", "z"}, fs.puts)
}
