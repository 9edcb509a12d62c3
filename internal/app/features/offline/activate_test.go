package offline

import (
	"errors"
	"testing"

	"github.com/dalemusser/bundlecache/internal/app/store/cachestorage"
	"github.com/dalemusser/bundlecache/internal/app/system/bundle"
)

func TestActivate_FirstInstallFullCopy(t *testing.T) {
	st := cachestorage.NewMemory()
	names := CacheNames("")
	seed(t, st, names.Content, "stray.js", "survived a wipe")
	seed(t, st, names.Temp, "x.js", "x")
	seed(t, st, names.Temp, "y.js", "y")

	m := manifestOf(map[string]string{"x.js": "hx", "y.js": "hy", "z.js": "hz"}, "x.js", "y.js")
	w := newTestWorker(m, st, newFakeNet())

	report, err := w.Activate(testCtx(t))
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if report.Mode != ModeFull || !report.Claimed || report.Copied != 2 {
		t.Errorf("report = %+v, want full mode, claimed, 2 copied", report)
	}
	if got := cachedKeys(t, st, names.Content); !equalKeys(got, []string{"x.js", "y.js"}) {
		t.Errorf("content keys = %v, want [x.js y.js]", got)
	}
	if hasCache(t, st, names.Temp) {
		t.Error("temp cache should be deleted after activation")
	}

	raw := cachedBodyRaw(t, st, names.Manifest, ManifestLabel)
	persisted, err := bundle.Parse(raw)
	if err != nil {
		t.Fatalf("persisted manifest: %v", err)
	}
	if bundle.Digest(persisted) != w.Version {
		t.Error("persisted manifest does not match the worker's manifest")
	}
}

func TestActivate_Retention(t *testing.T) {
	st := cachestorage.NewMemory()
	names := CacheNames("")

	oldM := manifestOf(map[string]string{"A": "h1", "B": "h2"})
	newM := manifestOf(map[string]string{"A": "h1", "B": "h3", "C": "h4"}, "C")
	seedManifest(t, st, oldM)
	seed(t, st, names.Content, "A", "a-old")
	seed(t, st, names.Content, "B", "b-old")
	seed(t, st, names.Temp, "C", "c-new")

	w := newTestWorker(newM, st, newFakeNet())
	report, err := w.Activate(testCtx(t))
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if got := cachedKeys(t, st, names.Content); !equalKeys(got, []string{"A", "C"}) {
		t.Errorf("content keys = %v, want [A C]", got)
	}
	if body := cachedBody(t, st, names.Content, "A"); body != "a-old" {
		t.Errorf("retained A = %q, want unchanged", body)
	}
	if report.Mode != ModeDiff || report.Evicted != 1 || report.Retained != 1 || report.Copied != 1 {
		t.Errorf("report = %+v, want diff with 1 evicted, 1 retained, 1 copied", report)
	}

	// Every key left in the content cache is vouched for by the new manifest.
	for _, k := range cachedKeys(t, st, names.Content) {
		if !newM.Has(k) {
			t.Errorf("content key %q not in new manifest", k)
		}
	}
}

func TestActivate_ShellOverwritesRetainedEntry(t *testing.T) {
	st := cachestorage.NewMemory()
	names := CacheNames("")

	m := manifestOf(map[string]string{"index.html": "i1", "logo.png": "l1"}, "index.html")
	seedManifest(t, st, m)
	seed(t, st, names.Content, "index.html", "old shell")
	seed(t, st, names.Temp, "index.html", "fresh shell")

	w := newTestWorker(m, st, newFakeNet())
	if _, err := w.Activate(testCtx(t)); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if body := cachedBody(t, st, names.Content, "index.html"); body != "fresh shell" {
		t.Errorf("index.html = %q, want the staged copy", body)
	}
}

func TestActivate_Idempotent(t *testing.T) {
	st := cachestorage.NewMemory()
	names := CacheNames("")
	m := manifestOf(map[string]string{"/": "r", "a.js": "ha", "b.js": "hb"}, "a.js")
	seed(t, st, names.Temp, "a.js", "a")

	first := newTestWorker(m, st, newFakeNet())
	if _, err := first.Activate(testCtx(t)); err != nil {
		t.Fatalf("first Activate: %v", err)
	}
	seed(t, st, names.Content, "b.js", "b")
	before := cachedKeys(t, st, names.Content)

	second := newTestWorker(m, st, newFakeNet())
	report, err := second.Activate(testCtx(t))
	if err != nil {
		t.Fatalf("second Activate: %v", err)
	}
	if after := cachedKeys(t, st, names.Content); !equalKeys(after, before) {
		t.Errorf("content keys changed: before %v, after %v", before, after)
	}
	if report.Evicted != 0 || report.Copied != 0 {
		t.Errorf("report = %+v, want nothing evicted or copied", report)
	}
}

func TestActivate_EvictsForeignAndVersionedEntries(t *testing.T) {
	st := cachestorage.NewMemory()
	names := CacheNames("")
	m := manifestOf(map[string]string{"main.js": "m1"})
	seedManifest(t, st, m)

	ctx := testCtx(t)
	content, err := st.Open(ctx, names.Content)
	if err != nil {
		t.Fatal(err)
	}
	ok := &cachestorage.Response{Status: 200}
	for _, u := range []string{"https://cdn.test/lib.js", testOrigin + "/main.js?v=7", testOrigin + "/main.js"} {
		if err := content.Put(ctx, cachestorage.NewRequest(u), ok); err != nil {
			t.Fatal(err)
		}
	}

	w := newTestWorker(m, st, newFakeNet())
	if _, err := w.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if got := cachedKeys(t, st, names.Content); !equalKeys(got, []string{"main.js"}) {
		t.Errorf("content keys = %v, want [main.js]", got)
	}
}

func TestActivate_FailureResetsAllStores(t *testing.T) {
	names := CacheNames("")
	cases := []struct {
		name      string
		withPrior bool
		fault     string
	}{
		{"open manifest cache", false, "open:" + names.Manifest},
		{"read previous manifest", true, "match:" + names.Manifest},
		{"clear content on first install", false, "delete:" + names.Content},
		{"list content for diff", true, "keys:" + names.Content},
		{"copy staged entry", true, "put:" + names.Content},
		{"delete temp cache", false, "delete:" + names.Temp},
		{"persist manifest", true, "put:" + names.Manifest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newFaultyStorage()
			m := manifestOf(map[string]string{"a.js": "h1", "b.js": "h2"}, "a.js")
			if tc.withPrior {
				seedManifest(t, st, m)
			}
			seed(t, st, names.Content, "b.js", "b")
			seed(t, st, names.Temp, "a.js", "a")
			st.arm(tc.fault)

			w := newTestWorker(m, st, newFakeNet())
			report, err := w.Activate(testCtx(t))
			if !errors.Is(err, errInjected) {
				t.Fatalf("Activate err = %v, want injected fault", err)
			}
			if report.Mode != ModeReset || report.Claimed || report.Error == "" {
				t.Errorf("report = %+v, want unclaimed reset with error", report)
			}
			for _, n := range []string{names.Content, names.Temp, names.Manifest} {
				if hasCache(t, st, n) {
					t.Errorf("cache %s still exists after failed activation", n)
				}
			}
		})
	}
}

func TestActivate_CorruptPreviousManifestResets(t *testing.T) {
	st := cachestorage.NewMemory()
	names := CacheNames("")
	ctx := testCtx(t)
	mc, err := st.Open(ctx, names.Manifest)
	if err != nil {
		t.Fatal(err)
	}
	if err := mc.Put(ctx, manifestRequest(), &cachestorage.Response{Status: 200, Body: []byte("{not json")}); err != nil {
		t.Fatal(err)
	}
	seed(t, st, names.Content, "a.js", "a")

	w := newTestWorker(manifestOf(map[string]string{"a.js": "h1"}), st, newFakeNet())
	if _, err := w.Activate(ctx); err == nil {
		t.Fatal("expected activation to fail on a corrupt manifest")
	}
	if hasCache(t, st, names.Content) || hasCache(t, st, names.Manifest) {
		t.Error("stores should be reset")
	}
}
