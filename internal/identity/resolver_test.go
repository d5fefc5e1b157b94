package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeLog(t *testing.T, dir, name, cwd string, lines int, modTime time.Time) string {
	t.Helper()
	var b strings.Builder
	for i := 0; i < lines; i++ {
		fmt.Fprintf(&b, `{"type":"user","uuid":"u%d","cwd":%q}`+"\n", i, cwd)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
	return path
}

func TestResolveSingleProject(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "s1.jsonl", "/a/b/c", 5, time.Now())

	r := NewResolver()
	res, err := r.Resolve(dir)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Collided {
		t.Fatal("single path reported as collision")
	}
	if res.Primary != "/a/b/c" {
		t.Fatalf("primary = %q, want /a/b/c", res.Primary)
	}
}

func TestResolveCollisionKeepsBothPaths(t *testing.T) {
	dir := t.TempDir()
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	writeLog(t, dir, "s1.jsonl", "/a/b/c", 9, older)
	writeLog(t, dir, "s2.jsonl", "/a/b-c", 7, newer)

	r := NewResolver()
	res, err := r.Resolve(dir)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Collided {
		t.Fatal("two distinct paths not reported as collision")
	}
	if len(res.Samples) != 2 {
		t.Fatalf("samples = %d, want 2", len(res.Samples))
	}
	// Minority path wins primary because its file is newer; the majority
	// path must still be present as a sample.
	if res.Primary != "/a/b-c" {
		t.Fatalf("primary = %q, want latest-modified /a/b-c", res.Primary)
	}
	seen := map[string]bool{}
	for _, s := range res.Samples {
		seen[s.Path] = true
	}
	if !seen["/a/b/c"] || !seen["/a/b-c"] {
		t.Fatalf("samples missing a candidate: %+v", res.Samples)
	}
}

func TestResolveTieBreaksByCount(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	writeLog(t, dir, "s1.jsonl", "/big/project", 8, ts)
	writeLog(t, dir, "s2.jsonl", "/small/project", 3, ts)

	r := NewResolver()
	res, err := r.Resolve(dir)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Primary != "/big/project" {
		t.Fatalf("primary = %q, want count fallback /big/project", res.Primary)
	}
}

func TestCanonicalPathOfRoutesPerFile(t *testing.T) {
	dir := t.TempDir()
	one := writeLog(t, dir, "s1.jsonl", "/a/b/c", 2, time.Now())
	two := writeLog(t, dir, "s2.jsonl", "/a/b-c", 2, time.Now())

	r := NewResolver()
	for path, want := range map[string]string{one: "/a/b/c", two: "/a/b-c"} {
		got, err := r.CanonicalPathOf(path)
		if err != nil {
			t.Fatalf("CanonicalPathOf(%s): %v", path, err)
		}
		if got != want {
			t.Fatalf("CanonicalPathOf(%s) = %q, want %q", path, got, want)
		}
	}
}

func TestResolveSkipsMalformedAndRespectsBudget(t *testing.T) {
	dir := t.TempDir()
	var b strings.Builder
	b.WriteString("not json at all\n")
	b.WriteString(`{"type":"summary"}` + "\n")
	b.WriteString(`{"type":"user","cwd":"/real/project"}` + "\n")
	// cwd past the 10-line budget must not be observed
	for i := 0; i < 10; i++ {
		b.WriteString(`{"type":"assistant"}` + "\n")
	}
	b.WriteString(`{"type":"user","cwd":"/late/project"}` + "\n")
	path := filepath.Join(dir, "s1.jsonl")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := NewResolver()
	res, err := r.Resolve(dir)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Collided || res.Primary != "/real/project" {
		t.Fatalf("resolution = %+v, want only /real/project", res)
	}
}

func TestResolveNoWorkingDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "s1.jsonl"), []byte(`{"type":"summary"}`+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := NewResolver()
	if _, err := r.Resolve(dir); err != ErrNoWorkingDir {
		t.Fatalf("err = %v, want ErrNoWorkingDir", err)
	}
}
