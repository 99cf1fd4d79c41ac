package main

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
	"github.com/vigovlugt/buildcache/operation"
)

// expandGlobs resolves each path spec in specs against the current working
// directory into the operation.Path values it names. A spec containing a
// glob metacharacter is matched with doublestar (so "**" is supported) and
// must match at least one regular file; a plain spec must itself name an
// existing regular file. The result is sorted and de-duplicated so a
// caller building Operation.reads/writes gets deterministic declaration
// order regardless of how specs overlap.
//
// Unlike a manifest-wide ignore list, a spawned operation's reads and
// writes never need exclusion patterns — overlap between them is an error
// operation.Validate already catches — so this intentionally has no
// negation syntax.
func expandGlobs(specs []string) ([]operation.Path, error) {
	fsys := os.DirFS(".")
	seen := make(map[operation.Path]struct{}, len(specs))

	for _, spec := range specs {
		pat := filepath.ToSlash(spec)
		if !strings.ContainsAny(pat, "*?[") {
			info, err := os.Stat(spec)
			if err != nil {
				return nil, errors.Wrapf(err, "stat %q", spec)
			}
			if !info.Mode().IsRegular() {
				return nil, errors.Errorf("%q is not a regular file", spec)
			}
			seen[operation.Normalize(operation.Path(pat))] = struct{}{}
			continue
		}

		matches, err := doublestar.Glob(fsys, pat)
		if err != nil {
			return nil, errors.Wrapf(err, "glob %q", spec)
		}
		regular := 0
		for _, m := range matches {
			info, err := fs.Stat(fsys, m)
			if err != nil {
				return nil, errors.Wrapf(err, "stat %q", m)
			}
			if !info.Mode().IsRegular() {
				continue
			}
			seen[operation.Normalize(operation.Path(m))] = struct{}{}
			regular++
		}
		if regular == 0 {
			return nil, errors.Errorf("glob %q matched no files", spec)
		}
	}

	out := make([]operation.Path, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
