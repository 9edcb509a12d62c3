package models

// RootKey is the logical key of the site's root document.
const RootKey = "/"

// Manifest is the build-time description of a deployed bundle.
//
// Resources maps each logical key (an origin-relative path without a leading
// slash, or RootKey) to the fingerprint of its current contents. Core lists,
// in order, the files that must be fetched before the worker can serve
// anything. A Manifest is never mutated after it is loaded.
type Manifest struct {
	Resources map[string]string `json:"resources" bson:"resources"`
	Core      []string          `json:"core" bson:"core"`
}

// Fingerprint returns the fingerprint for key and whether the key is known.
func (m Manifest) Fingerprint(key string) (string, bool) {
	fp, ok := m.Resources[key]
	return fp, ok
}

// Has reports whether key is part of the manifest.
func (m Manifest) Has(key string) bool {
	_, ok := m.Resources[key]
	return ok
}
