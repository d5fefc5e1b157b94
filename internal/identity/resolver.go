// Package identity maps lossy encoded directory names back to the real
// project paths recorded inside the logs themselves. The encoding is not
// reversible: "/a/b/c" and "/a/b-c" both encode to "-a-b-c", so a directory
// listing alone can never tell which project a log belongs to.
package identity

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrNoWorkingDir = errors.New("no working directory recorded")

const defaultLineBudget = 10

// maxLineBytes bounds the scanner buffer; recorder lines can carry large
// embedded payloads.
const maxLineBytes = 1 << 20

// Sample aggregates every observation of one canonical path under an encoded
// directory: how many times the path appeared within the sampled lines, and
// the newest modification time among the files that carried it.
type Sample struct {
	Path          string
	Count         int
	NewestModTime time.Time
}

// Resolution is the outcome for one encoded directory. Primary is the path
// that wins the deterministic tie-break; Collided is set when more than one
// distinct path was observed, in which case every sample must be registered
// as its own project.
type Resolution struct {
	EncodedDirName string
	Primary        string
	Samples        []Sample
	Collided       bool
}

type fileSample struct {
	modTime time.Time
	path    string
	counts  map[string]int
}

// Resolver derives canonical paths by sampling log content. State is scoped
// to the instance so parallel engines and tests never share hidden caches.
type Resolver struct {
	lineBudget int

	mu    sync.Mutex
	cache map[string]fileSample
}

func NewResolver() *Resolver {
	return &Resolver{
		lineBudget: defaultLineBudget,
		cache:      map[string]fileSample{},
	}
}

// Resolve samples every .jsonl file directly under dir and aggregates the
// observed working directories. Ties between distinct paths resolve by
// latest-modified contributing file, then by total occurrence count, then
// lexicographically, so the outcome never depends on directory listing order.
func (r *Resolver) Resolve(dir string) (Resolution, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Resolution{}, err
	}
	resolution := Resolution{EncodedDirName: filepath.Base(dir)}
	aggregated := map[string]*Sample{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		sample, err := r.sampleFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		for path, count := range sample.counts {
			agg, ok := aggregated[path]
			if !ok {
				agg = &Sample{Path: path}
				aggregated[path] = agg
			}
			agg.Count += count
			if sample.modTime.After(agg.NewestModTime) {
				agg.NewestModTime = sample.modTime
			}
		}
	}
	if len(aggregated) == 0 {
		return resolution, ErrNoWorkingDir
	}
	for _, sample := range aggregated {
		resolution.Samples = append(resolution.Samples, *sample)
	}
	sort.Slice(resolution.Samples, func(i, j int) bool {
		a, b := resolution.Samples[i], resolution.Samples[j]
		if !a.NewestModTime.Equal(b.NewestModTime) {
			return a.NewestModTime.After(b.NewestModTime)
		}
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Path < b.Path
	})
	resolution.Primary = resolution.Samples[0].Path
	resolution.Collided = len(resolution.Samples) > 1
	return resolution, nil
}

// CanonicalPathOf returns the working directory recorded in one log file:
// the first non-empty cwd within the line budget. Records inside a collided
// directory are routed per file with this, never by directory name.
func (r *Resolver) CanonicalPathOf(file string) (string, error) {
	sample, err := r.sampleFile(file)
	if err != nil {
		return "", err
	}
	if sample.path == "" {
		return "", ErrNoWorkingDir
	}
	return sample.path, nil
}

// sampleFile scans the head of one file, caching by modification time so an
// unchanged file is never re-read.
func (r *Resolver) sampleFile(file string) (fileSample, error) {
	info, err := os.Stat(file)
	if err != nil {
		return fileSample{}, err
	}
	r.mu.Lock()
	cached, ok := r.cache[file]
	r.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) {
		return cached, nil
	}

	f, err := os.Open(file)
	if err != nil {
		return fileSample{}, err
	}
	defer f.Close()

	sample := fileSample{modTime: info.ModTime(), counts: map[string]int{}}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var line struct {
		CWD string `json:"cwd"`
	}
	for i := 0; i < r.lineBudget && scanner.Scan(); i++ {
		line.CWD = ""
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		cwd := strings.TrimSpace(line.CWD)
		if cwd == "" {
			continue
		}
		if sample.path == "" {
			sample.path = cwd
		}
		sample.counts[cwd]++
	}

	r.mu.Lock()
	r.cache[file] = sample
	r.mu.Unlock()
	return sample, nil
}
