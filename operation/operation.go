// Package operation describes units of externally observable build work:
// reads, writes, kind, and the state machine that tracks whether an
// operation was cached, executed, or failed.
package operation

import (
	"path/filepath"
	"sort"
	"time"

	"github.com/vigovlugt/buildcache/digest"
)

// Path is an abstract, normalized filesystem path. It carries no ownership
// and is freely copied.
type Path string

// Normalize slash-normalizes a path so paths compare and sort consistently
// regardless of how they were built (e.g. glob-expanded vs. literal).
func Normalize(p Path) Path {
	return Path(filepath.ToSlash(string(p)))
}

// Kind is a closed sum type over the operation variants the cache
// understands. Only Spawn is ever cached; the rest pass through unchanged,
// per spec §4.E.
type Kind interface {
	isKind()
}

// Spawn describes an external process invocation.
type Spawn struct {
	Cmd   string
	Argv  []string
	Env   []string // "KEY=VALUE" entries, in caller order — see executor.Fingerprint.
	Stdin string   // path to a stdin redirection file, or "".
}

// CopyFile describes a plain file copy.
type CopyFile struct {
	Src, Dst Path
}

// ReadOp describes reading a file without otherwise transforming it.
type ReadOp struct {
	File Path
}

// WriteOp describes writing literal data to a file.
type WriteOp struct {
	File Path
	Data []byte
}

// DeleteOp describes removing a file.
type DeleteOp struct {
	File Path
}

// MkdirOp describes creating a directory.
type MkdirOp struct {
	Dir Path
}

// SyncOp describes an fsync-style barrier with no file-level effect.
type SyncOp struct{}

func (Spawn) isKind()    {}
func (CopyFile) isKind() {}
func (ReadOp) isKind()   {}
func (WriteOp) isKind()  {}
func (DeleteOp) isKind() {}
func (MkdirOp) isKind()  {}
func (SyncOp) isKind()   {}

// Status is the operation's position in its state machine.
type Status int

const (
	Pending Status = iota
	Executed
	Cached
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Executed:
		return "Executed"
	case Cached:
		return "Cached"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Operation is one unit of externally observable work, per spec §3.
type Operation struct {
	ID     int64
	Kind   Kind
	reads  []Path
	writes []Path

	Stamp  *digest.Digest
	Status Status

	ExecStart time.Time
	ExecEnd   time.Time
	Cached    bool
}

// New constructs a pending Operation. reads and writes are copied and
// normalized; callers must not rely on mutating a slice passed in.
func New(id int64, kind Kind, reads, writes []Path) *Operation {
	return &Operation{
		ID:     id,
		Kind:   kind,
		reads:  normalizeAll(reads),
		writes: normalizeAll(writes),
		Status: Pending,
	}
}

// NewSpawn constructs a pending Spawn operation.
func NewSpawn(id int64, cmd string, argv, env []string, stdin string, reads, writes []Path) *Operation {
	return New(id, Spawn{Cmd: cmd, Argv: argv, Env: env, Stdin: stdin}, reads, writes)
}

// NewCopyFile constructs a pending CopyFile operation.
func NewCopyFile(id int64, src, dst Path) *Operation {
	return New(id, CopyFile{Src: src, Dst: dst}, []Path{src}, []Path{dst})
}

// NewRead constructs a pending Read operation.
func NewRead(id int64, file Path) *Operation {
	return New(id, ReadOp{File: file}, []Path{file}, nil)
}

// NewWrite constructs a pending Write operation.
func NewWrite(id int64, file Path, data []byte) *Operation {
	return New(id, WriteOp{File: file, Data: data}, nil, []Path{file})
}

// NewDelete constructs a pending Delete operation.
func NewDelete(id int64, file Path) *Operation {
	return New(id, DeleteOp{File: file}, nil, []Path{file})
}

// NewMkdir constructs a pending Mkdir operation.
func NewMkdir(id int64, dir Path) *Operation {
	return New(id, MkdirOp{Dir: dir}, nil, []Path{dir})
}

// NewSync constructs a pending Sync operation.
func NewSync(id int64) *Operation {
	return New(id, SyncOp{}, nil, nil)
}

func normalizeAll(paths []Path) []Path {
	out := make([]Path, len(paths))
	for i, p := range paths {
		out[i] = Normalize(p)
	}
	return out
}

func sortedCopy(paths []Path) []Path {
	out := append([]Path(nil), paths...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Reads returns a deterministically sorted copy of the operation's declared
// reads. Copying prevents a caller from perturbing iteration order by
// mutating the returned slice.
func (o *Operation) Reads() []Path {
	return sortedCopy(o.reads)
}

// Writes returns a deterministically sorted copy of the operation's
// declared writes.
func (o *Operation) Writes() []Path {
	return sortedCopy(o.writes)
}

// IsSpawn reports whether the operation's kind is Spawn.
func (o *Operation) IsSpawn() bool {
	_, ok := o.Kind.(Spawn)
	return ok
}

// Validate checks the invariants spec §3 requires of a cacheable operation:
// writes non-empty, reads and writes disjoint.
func (o *Operation) Validate() error {
	if o.IsSpawn() && len(o.writes) == 0 {
		return errNoWrites
	}
	seen := make(map[Path]struct{}, len(o.writes))
	for _, w := range o.writes {
		seen[w] = struct{}{}
	}
	for _, r := range o.reads {
		if _, ok := seen[r]; ok {
			return errOverlap(r)
		}
	}
	return nil
}

// WriteKey derives the content-address key for write w of an operation
// whose fingerprint is stamp: digest(stamp ‖ path_bytes(w)). Two operations
// producing the same bytes to different destinations, or two writes of the
// same operation, yield distinct keys.
func WriteKey(stamp digest.Digest, w Path) digest.Digest {
	return digest.Concat(stamp[:], []byte(Normalize(w)))
}
