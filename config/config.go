// Package config implements the configuration surface spec §6 names
// (cache directory, disabled flag), loaded from a JSONC manifest. Glob
// expansion of read/write path specs is not here; it lives in
// cmd/buildcache (expandGlobs).
package config

import (
	"bytes"
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/tailscale/hujson"
)

// Config is the configuration accepted at CacheStore open, per spec §6.
type Config struct {
	// Directory is the on-disk store root.
	Directory string `json:"directory"`
	// Disabled, if true, makes all hits miss and all records no-op.
	Disabled bool `json:"disabled,omitempty"`
}

// Load reads a JSONC (JSON-with-comments) manifest at path, the same way
// the build tool's own config.go loads its task manifest: hujson
// standardizes comments/trailing commas, then encoding/json decodes with
// unknown fields rejected and no trailing data tolerated.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, errors.Wrapf(err, "config file not found: %s", path)
		}
		return Config{}, errors.Wrapf(err, "read config file %q", path)
	}

	jsonData, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, errors.Wrap(err, "standardize JSONC")
	}

	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode JSON")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Config{}, errors.New("decode JSON: trailing data")
	}

	if cfg.Directory == "" {
		return Config{}, errors.New(`missing required "directory"`)
	}

	return cfg, nil
}
