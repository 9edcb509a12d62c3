package workers

import "time"

// SetClock replaces the watcher's time source.
func SetClock(w *ManifestWatch, now func() time.Time) { w.now = now }
