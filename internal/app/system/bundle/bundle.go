// Package bundle loads the resource manifest a worker version is built from.
//
// The manifest is produced by the asset build and shipped next to the bundle
// as JSON:
//
//	{
//	  "resources": {"/": "<fp>", "main.dart.js": "<fp>", ...},
//	  "core": ["main.dart.js", "index.html", ...]
//	}
//
// A default manifest is embedded in the binary so the service can start
// without one on disk.
package bundle

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/dalemusser/bundlecache/internal/domain/models"
	"golang.org/x/crypto/blake2b"
)

//go:embed default_manifest.json
var staticFS embed.FS

// ErrEmptyManifest is returned for a manifest that lists no resources.
var ErrEmptyManifest = errors.New("bundle: manifest has no resources")

// Default returns the manifest embedded at build time.
func Default() (models.Manifest, error) {
	data, err := staticFS.ReadFile("default_manifest.json")
	if err != nil {
		return models.Manifest{}, fmt.Errorf("read embedded manifest: %w", err)
	}
	return Parse(data)
}

// Load reads and validates the manifest at path.
func Load(path string) (models.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Manifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return models.Manifest{}, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// LoadOrDefault loads path, or the embedded manifest when path is empty.
func LoadOrDefault(path string) (models.Manifest, error) {
	if path == "" {
		return Default()
	}
	return Load(path)
}

// Parse decodes and validates manifest JSON.
func Parse(data []byte) (models.Manifest, error) {
	var m models.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return models.Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if err := Validate(m); err != nil {
		return models.Manifest{}, err
	}
	return m, nil
}

// Validate checks that the manifest has resources and no empty keys or
// empty core entries.
func Validate(m models.Manifest) error {
	if len(m.Resources) == 0 {
		return ErrEmptyManifest
	}
	for key := range m.Resources {
		if key == "" {
			return errors.New("bundle: manifest contains an empty key")
		}
	}
	for i, path := range m.Core {
		if path == "" {
			return fmt.Errorf("bundle: core entry %d is empty", i)
		}
	}
	return nil
}

// Digest returns the version of a manifest: the hex BLAKE2b-256 digest of its
// canonical encoding. Key order does not affect the result.
func Digest(m models.Manifest) string {
	keys := make([]string, 0, len(m.Resources))
	for k := range m.Resources {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h, _ := blake2b.New256(nil) // only fails for an oversized key
	for _, k := range keys {
		fmt.Fprintf(h, "r\x00%s\x00%s\x00", k, m.Resources[k])
	}
	for _, c := range m.Core {
		fmt.Fprintf(h, "c\x00%s\x00", c)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Marshal encodes the manifest as it is persisted in the manifest store.
// encoding/json sorts map keys, so equal manifests encode identically.
func Marshal(m models.Manifest) ([]byte, error) {
	return json.Marshal(m)
}
