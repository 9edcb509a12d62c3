// Package cachepolicy holds the pure decisions behind the offline cache
// lifecycle: how a request URL maps to a manifest key, which content entries
// survive an upgrade, and which resources a full prefetch still needs.
//
// Nothing here touches a cache store or the network, so every rule can be
// tested with plain values.
package cachepolicy

import (
	"sort"
	"strings"

	"github.com/dalemusser/bundlecache/internal/domain/models"
)

// versionParam is the cache-busting query suffix stripped before lookup.
const versionParam = "?v="

// LogicalKey maps an absolute request URL to its manifest key, relative to
// origin (scheme://host[:port], no trailing slash).
//
// The root document, client-side routing fragments ("/#...") and the empty
// key all map to models.RootKey. A trailing "?v=..." is dropped. ok is false
// when url does not belong to origin.
func LogicalKey(origin, url string) (key string, ok bool) {
	origin = strings.TrimSuffix(origin, "/")
	if url == origin {
		return models.RootKey, true
	}
	if !strings.HasPrefix(url, origin+"/") {
		return "", false
	}
	key = url[len(origin)+1:]
	if i := strings.Index(key, versionParam); i != -1 {
		key = key[:i]
	}
	if key == "" || strings.HasPrefix(key, "#") {
		return models.RootKey, true
	}
	return key, true
}

// StoredKey maps the URL of an entry already in the content cache to its
// manifest key. Unlike LogicalKey it keeps any query string, so an entry
// stored under "main.js?v=1" is judged by that exact key.
func StoredKey(origin, url string) (key string, ok bool) {
	origin = strings.TrimSuffix(origin, "/")
	if url == origin {
		return models.RootKey, true
	}
	if !strings.HasPrefix(url, origin+"/") {
		return "", false
	}
	key = url[len(origin)+1:]
	if key == "" {
		key = models.RootKey
	}
	return key, true
}

// ResourceURL is the inverse of LogicalKey for manifest keys.
func ResourceURL(origin, key string) string {
	origin = strings.TrimSuffix(origin, "/")
	if key == models.RootKey {
		return origin + "/"
	}
	return origin + "/" + key
}

// ActivationPlan is the outcome of diffing the content cache against an old
// and a new manifest.
type ActivationPlan struct {
	Evict  []string // keys to delete from the content cache
	Retain []string // keys whose cached response is still valid
}

// PlanActivation decides, for every key currently in the content cache,
// whether it may be kept across an upgrade from oldM to newM.
//
// A key is retained only when newM still lists it and its fingerprint is the
// same as in oldM. Anything else is stale or retired and is evicted. Duplicate
// keys in current are judged independently and appear once per occurrence.
func PlanActivation(oldM, newM models.Manifest, current []string) ActivationPlan {
	var plan ActivationPlan
	for _, key := range current {
		newFP, inNew := newM.Fingerprint(key)
		oldFP, inOld := oldM.Fingerprint(key)
		if !inNew || !inOld || newFP != oldFP {
			plan.Evict = append(plan.Evict, key)
			continue
		}
		plan.Retain = append(plan.Retain, key)
	}
	return plan
}

// MissingKeys returns the manifest keys not present in the given set, sorted
// so a prefetch walks them in a stable order.
func MissingKeys(m models.Manifest, present map[string]bool) []string {
	var out []string
	for key := range m.Resources {
		if !present[key] {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}
