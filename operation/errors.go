package operation

import "github.com/pkg/errors"

// errNoWrites is returned by Validate for a cacheable (Spawn) operation
// declaring no writes, violating spec §3's invariant.
var errNoWrites = errors.New("operation: cacheable operation must declare at least one write")

// errOverlap is returned by Validate when a path appears in both reads and
// writes, violating spec §3's disjointness invariant.
func errOverlap(p Path) error {
	return errors.Errorf("operation: path %q declared as both a read and a write", p)
}
