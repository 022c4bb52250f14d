// Package registry resolves model identifiers to loaded detectors.
//
// Each configured identifier is loaded at most once per Registry, on first use,
// and kept until Close. Unknown identifiers are rejected before any load is attempted.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/jackfruit-vision/ripeness/detections"
	"github.com/jackfruit-vision/ripeness/logging"
	"golang.org/x/sync/singleflight"
)

// ModelSpec is the static configuration of one model variant.
type ModelSpec struct {
	ID     string
	Path   string
	Labels string // Optional class file. Empty means use the model's own metadata.
}

// Handle is a loaded model. It is owned by the Registry.
type Handle struct {
	Spec     ModelSpec
	Detector detections.Detector
	LoadedAt time.Time
	LoadTime time.Duration
}

// Loader creates a detector for a model spec. It may be slow.
type Loader func(ctx context.Context, spec ModelSpec) (detections.Detector, error)

// LoadObserver is notified after every load attempt.
type LoadObserver func(id string, elapsed time.Duration, err error)

type UnknownModelError struct {
	ID    string
	Known []string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model '%v' (available: %v)", e.ID, strings.Join(e.Known, ", "))
}

// LoadError means a configured model could not be loaded. The failure is not cached.
type LoadError struct {
	ID    string
	Cause error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load model '%v': %v", e.ID, e.Cause)
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

type Registry struct {
	log       logs.Log
	specs     map[string]ModelSpec
	defaultID string
	loader    Loader
	observer  LoadObserver

	mu      sync.RWMutex
	handles map[string]*Handle
	group   singleflight.Group
}

// New creates a registry over a fixed set of model specs. defaultID must be one of them.
func New(log logs.Log, specs []ModelSpec, defaultID string, loader Loader) (*Registry, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no models configured")
	}
	r := &Registry{
		log:       logging.NewPrefixLogger(log, "registry:"),
		specs:     make(map[string]ModelSpec, len(specs)),
		defaultID: defaultID,
		loader:    loader,
		handles:   map[string]*Handle{},
	}
	for _, s := range specs {
		if s.ID == "" {
			return nil, fmt.Errorf("model with empty id (path '%v')", s.Path)
		}
		if _, dup := r.specs[s.ID]; dup {
			return nil, fmt.Errorf("duplicate model id '%v'", s.ID)
		}
		r.specs[s.ID] = s
	}
	if _, ok := r.specs[defaultID]; !ok {
		return nil, fmt.Errorf("default model '%v' is not configured", defaultID)
	}
	return r, nil
}

// SetLoadObserver must be called before the registry is shared.
func (r *Registry) SetLoadObserver(o LoadObserver) {
	r.observer = o
}

func (r *Registry) Default() string {
	return r.defaultID
}

// Known returns the configured identifiers, sorted.
func (r *Registry) Known() []string {
	ids := make([]string, 0, len(r.specs))
	for id := range r.specs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Loaded returns the identifiers that have been loaded so far, sorted.
func (r *Registry) Loaded() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Handles returns the loaded models, sorted by identifier.
func (r *Registry) Handles() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spec.ID < out[j].Spec.ID })
	return out
}

// Resolve returns the handle for id, loading it on first use.
func (r *Registry) Resolve(ctx context.Context, id string) (*Handle, error) {
	spec, ok := r.specs[id]
	if !ok {
		return nil, &UnknownModelError{ID: id, Known: r.Known()}
	}

	r.mu.RLock()
	h := r.handles[id]
	r.mu.RUnlock()
	if h != nil {
		return h, nil
	}

	// The load is shared by every caller waiting on this id, so it must not
	// be bound to any one request's context.
	ch := r.group.DoChan(id, func() (interface{}, error) {
		return r.load(context.WithoutCancel(ctx), spec)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) load(ctx context.Context, spec ModelSpec) (*Handle, error) {
	// Another caller may have finished loading between our cache check and joining the group
	r.mu.RLock()
	h := r.handles[spec.ID]
	r.mu.RUnlock()
	if h != nil {
		return h, nil
	}

	r.log.Infof("Loading model %v from %v", spec.ID, spec.Path)
	start := time.Now()
	det, err := r.loader(ctx, spec)
	elapsed := time.Since(start)
	if r.observer != nil {
		r.observer(spec.ID, elapsed, err)
	}
	if err != nil {
		r.log.Errorf("Failed to load model %v: %v", spec.ID, err)
		return nil, &LoadError{ID: spec.ID, Cause: err}
	}
	r.log.Infof("Loaded model %v in %v (%v classes)", spec.ID, elapsed, len(det.Labels()))

	h = &Handle{
		Spec:     spec,
		Detector: det,
		LoadedAt: start,
		LoadTime: elapsed,
	}
	r.mu.Lock()
	r.handles[spec.ID] = h
	r.mu.Unlock()
	return h, nil
}

// Close releases every loaded detector. The registry must not be used afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, h := range r.handles {
		h.Detector.Close()
		delete(r.handles, id)
	}
}
