// Package executor implements the executor facade binding an Operation to
// a Store: deciding hit/miss, materializing writes, and recording results,
// per spec §4.E.
package executor

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/vigovlugt/buildcache/digest"
	"github.com/vigovlugt/buildcache/notify"
	"github.com/vigovlugt/buildcache/operation"
	"github.com/vigovlugt/buildcache/stampmemo"
)

// cacheStore is the subset of *store.Store the executor depends on. Tests
// substitute a fake to assert materialize ordering (spec §8 invariant 8)
// without touching a real filesystem.
type cacheStore interface {
	Put(key digest.Digest, dst string) (bool, error)
	Absorb(src string, key digest.Digest) (bool, error)
	Disabled() bool
}

// Executor binds operations to a cache store via the file-stamp memo.
type Executor struct {
	store    cacheStore
	stamps   *stampmemo.Table
	notifier notify.Notifier
}

// New creates an Executor over store, using its own file-stamp memo.
func New(store cacheStore, notifier notify.Notifier) *Executor {
	if notifier == nil {
		notifier = notify.Discard
	}
	return &Executor{store: store, stamps: stampmemo.New(), notifier: notifier}
}

// Stamps exposes the executor's file-stamp memo for diagnostics (e.g.
// reporting cumulative stamping time).
func (e *Executor) Stamps() *stampmemo.Table {
	return e.stamps
}

// Fingerprint computes a Spawn operation's stamp per spec §4.E: the digest
// of the concatenation of (executable digest, argv, env entries in caller
// order, stdin path, sorted-reads digests). Non-Spawn kinds have no
// fingerprint — callers must check op.IsSpawn() first.
func (e *Executor) Fingerprint(op *operation.Operation) (digest.Digest, error) {
	spawn, ok := op.Kind.(operation.Spawn)
	if !ok {
		return digest.Digest{}, errors.Errorf("operation %d: fingerprint requires a Spawn kind", op.ID)
	}

	parts := make([][]byte, 0, 4+len(spawn.Argv)+len(spawn.Env)+len(op.Reads()))

	execDigest, err := e.stamps.Stamp(operation.Path(spawn.Cmd))
	if err != nil {
		return digest.Digest{}, errors.Wrapf(err, "operation %d: stamp executable %s", op.ID, spawn.Cmd)
	}
	if execDigest == nil {
		return digest.Digest{}, errors.Errorf("operation %d: executable %s not found", op.ID, spawn.Cmd)
	}
	parts = append(parts, execDigest[:])

	// argv including argv[0], in order — caller order is significant.
	for _, tok := range spawn.Argv {
		parts = append(parts, []byte(tok))
	}

	// env entries in caller order, per spec §9(a): the cache does not sort
	// env — the caller is responsible for restricting it to a relevant
	// subset, and ordering is preserved rather than normalized.
	for _, kv := range spawn.Env {
		parts = append(parts, []byte(kv))
	}

	parts = append(parts, []byte(spawn.Stdin))

	for _, r := range op.Reads() {
		d, err := e.stamps.Stamp(r)
		if err != nil {
			return digest.Digest{}, errors.Wrapf(err, "operation %d: stamp read %s", op.ID, r)
		}
		if d == nil {
			return digest.Digest{}, errors.Errorf("operation %d: declared read %s does not exist", op.ID, r)
		}
		parts = append(parts, d[:])
	}

	return digest.Concat(parts...), nil
}

// TryHit attempts to satisfy op entirely from the cache, per spec §4.E.
// It returns false (a miss) without side effects if op isn't a cacheable
// Spawn with at least one write, or the store is disabled.
func (e *Executor) TryHit(op *operation.Operation) bool {
	if !op.IsSpawn() || e.store.Disabled() {
		return false
	}
	writes := op.Writes()
	if len(writes) == 0 {
		return false
	}

	stamp, err := e.Fingerprint(op)
	if err != nil {
		e.notifier.Error(op.ID, err.Error())
		return false
	}
	op.Stamp = &stamp
	op.ExecStart = now()

	materialized := make([]operation.Path, 0, len(writes))
	for _, w := range writes {
		key := operation.WriteKey(stamp, w)
		ok, err := e.store.Put(key, string(w))
		if err != nil {
			e.notifier.Error(op.ID, errors.Wrapf(err, "materialize %s", w).Error())
			e.rollback(materialized)
			op.ExecStart = time.Time{}
			return false
		}
		if !ok {
			e.rollback(materialized)
			op.ExecStart = time.Time{}
			return false
		}
		materialized = append(materialized, w)
	}

	op.Status = operation.Cached
	op.ExecEnd = now()
	e.notifier.Debug(op.ID, "cache hit")
	return true
}

// rollback deletes every write already materialized during an aborted
// TryHit call, per spec §4.E's partial-hit rollback policy.
func (e *Executor) rollback(materialized []operation.Path) {
	for _, w := range materialized {
		_ = os.Remove(string(w))
	}
}

// Record absorbs op's externally-produced writes into the store, per spec
// §4.E. op must have op.Stamp already set (by a prior TryHit call or by
// the caller directly) and every declared write present on disk.
func (e *Executor) Record(op *operation.Operation) error {
	if e.store.Disabled() || !op.IsSpawn() {
		return nil
	}
	if op.Cached {
		return nil
	}
	if op.Stamp == nil {
		return errors.Errorf("operation %d: record called before a fingerprint was computed", op.ID)
	}

	for _, w := range op.Writes() {
		key := operation.WriteKey(*op.Stamp, w)
		ok, err := e.store.Absorb(string(w), key)
		if err != nil {
			return errors.Wrapf(err, "operation %d: absorb %s", op.ID, w)
		}
		if !ok {
			return errors.Errorf(
				"operation %d: declared write %s is missing on disk (intended key %s); the operation did not produce it",
				op.ID, w, key)
		}
	}

	op.Cached = true
	op.Status = operation.Executed
	return nil
}

func now() time.Time { return time.Now() }
