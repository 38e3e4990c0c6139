package server

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agnivade/levenshtein"
	"golang.org/x/sync/semaphore"

	"github.com/vlama/vlama/envconfig"
	"github.com/vlama/vlama/ml"
	"github.com/vlama/vlama/model"
	_ "github.com/vlama/vlama/model/models" // register architectures
)

var (
	ErrMaxQueue         = errors.New("server busy, please try again. maximum pending requests exceeded")
	ErrInvalidModelName = errors.New("invalid model name")
)

// Handle is a loaded model checkpoint. Its backend holds the weights,
// which are read-only and shared by every session built over it.
type Handle struct {
	Name         string
	Backend      ml.Backend
	LoadDuration time.Duration

	refs   int
	expire *time.Timer

	// unload requests eviction as soon as the last reference is
	// released, regardless of keep alive
	unload bool
}

// NewInstance builds a model instance over the handle's backend. Each
// instance has its own cache and may run a session independently of
// other instances.
func (h *Handle) NewInstance() (model.Model, error) {
	return model.NewFromBackend(h.Backend)
}

// loader owns the model handles for a models directory. Handles are
// explicit: callers hold a reference from Load until Release, and an
// idle handle stays resident for its keep alive duration.
type loader struct {
	dir string

	// sessions bounds how many generations run at once; pending
	// bounds how many requests may wait for a slot
	sessions *semaphore.Weighted
	pending  atomic.Int64
	maxQueue int64

	mu     sync.Mutex
	loaded map[string]*Handle
}

func newLoader(dir string) *loader {
	return &loader{
		dir:      dir,
		sessions: semaphore.NewWeighted(int64(envconfig.MaxSessions())),
		maxQueue: int64(envconfig.MaxQueue()),
		loaded:   make(map[string]*Handle),
	}
}

// Acquire claims a session slot, waiting until one is free. It fails
// with ErrMaxQueue when too many requests are already waiting and with
// the context's error when the caller gives up first.
func (l *loader) Acquire(ctx context.Context) error {
	if l.pending.Add(1) > l.maxQueue {
		l.pending.Add(-1)
		return ErrMaxQueue
	}
	defer l.pending.Add(-1)

	return l.sessions.Acquire(ctx, 1)
}

// ReleaseSession returns a slot claimed by Acquire.
func (l *loader) ReleaseSession() {
	l.sessions.Release(1)
}

// Load returns a referenced handle for the named model, loading its
// weights if it is not already resident.
func (l *loader) Load(name string) (*Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.loaded[name]; ok {
		h.refs++
		if h.expire != nil {
			h.expire.Stop()
			h.expire = nil
		}
		return h, nil
	}

	dir, err := l.resolve(name)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	b, err := ml.NewBackend(dir, ml.BackendParams{NumThreads: envconfig.NumThreads()})
	if err != nil {
		return nil, err
	}

	h := &Handle{Name: name, Backend: b, LoadDuration: time.Since(start), refs: 1}
	l.loaded[name] = h
	slog.Info("model loaded", "model", name, "duration", h.LoadDuration)
	return h, nil
}

// Release drops a reference taken by Load. When the last reference goes
// idle the handle is evicted after keepAlive: immediately at zero, never
// at math.MaxInt64.
func (l *loader) Release(h *Handle, keepAlive time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h.refs--
	if h.refs > 0 {
		return
	}

	switch {
	case h.unload, keepAlive == 0:
		l.evict(h)
	case keepAlive == time.Duration(math.MaxInt64):
	default:
		if h.expire != nil {
			h.expire.Stop()
		}
		h.expire = time.AfterFunc(keepAlive, func() {
			l.mu.Lock()
			defer l.mu.Unlock()

			if h.refs > 0 || l.loaded[h.Name] != h {
				return
			}
			l.evict(h)
		})
	}
}

// Expire evicts the named handle, or marks it for eviction on its next
// release if it is busy. It is a no-op for models that are not loaded.
func (l *loader) Expire(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.loaded[name]
	if !ok {
		return
	}

	if h.refs > 0 {
		h.unload = true
		return
	}
	l.evict(h)
}

// UnloadAll evicts every idle handle. Busy handles are marked so their
// release evicts them.
func (l *loader) UnloadAll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, h := range l.loaded {
		if h.refs > 0 {
			h.unload = true
			continue
		}
		l.evict(h)
	}
}

func (l *loader) evict(h *Handle) {
	if h.expire != nil {
		h.expire.Stop()
		h.expire = nil
	}
	delete(l.loaded, h.Name)
	slog.Info("model unloaded", "model", h.Name)
}

// resolve maps a model name to its checkpoint directory. A model is a
// directory under the models path holding a config.json.
func (l *loader) resolve(name string) (string, error) {
	if name == "" || name == "." || name == ".." || name != filepath.Base(name) {
		return "", fmt.Errorf("%w %q", ErrInvalidModelName, name)
	}

	dir := filepath.Join(l.dir, name)
	if _, err := os.Stat(filepath.Join(dir, "config.json")); err != nil {
		return "", err
	}

	return dir, nil
}

// modelInfo describes an installed checkpoint directory.
type modelInfo struct {
	Name       string
	Size       int64
	Digest     string
	ModifiedAt time.Time
}

// Installed scans the models directory. Directories that do not look
// like checkpoints are skipped with a warning.
func (l *loader) Installed() ([]modelInfo, error) {
	entries, err := os.ReadDir(l.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var models []modelInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		info, err := describeModel(filepath.Join(l.dir, entry.Name()), entry.Name())
		if err != nil {
			slog.Warn("skipping model directory", "name", entry.Name(), "error", err)
			continue
		}

		models = append(models, info)
	}

	return models, nil
}

// Closest returns the installed model name most similar to name, or ""
// when nothing is close enough to be a plausible misspelling.
func (l *loader) Closest(name string) string {
	models, err := l.Installed()
	if err != nil {
		return ""
	}

	var closest string
	best := math.MaxInt
	for _, m := range models {
		if d := levenshtein.ComputeDistance(strings.ToLower(name), strings.ToLower(m.Name)); d < best {
			best = d
			closest = m.Name
		}
	}

	if best > max(len(name)/2, 2) {
		return ""
	}

	return closest
}

// describeModel fingerprints the checkpoint files in dir: the summed
// size, the newest modification time and a digest over the file names
// and sizes. The digest changes when shards are added, removed or
// resized without hashing their contents.
func describeModel(dir, name string) (modelInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return modelInfo{}, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		switch {
		case entry.Name() == "config.json",
			entry.Name() == "tokenizer.json",
			filepath.Ext(entry.Name()) == ".safetensors":
			files = append(files, entry.Name())
		}
	}

	if !slices.Contains(files, "config.json") {
		return modelInfo{}, fmt.Errorf("%s: no config.json", name)
	}

	slices.Sort(files)

	info := modelInfo{Name: name}
	digest := sha256.New()
	for _, file := range files {
		fi, err := os.Stat(filepath.Join(dir, file))
		if err != nil {
			return modelInfo{}, err
		}

		info.Size += fi.Size()
		if fi.ModTime().After(info.ModifiedAt) {
			info.ModifiedAt = fi.ModTime()
		}

		fmt.Fprintf(digest, "%s %d\n", file, fi.Size())
	}

	info.Digest = fmt.Sprintf("sha256:%x", digest.Sum(nil))
	return info, nil
}
