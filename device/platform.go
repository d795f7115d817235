package device

import (
	"fmt"
	"sync"

	"github.com/moffa90/go-nanohub/image"
	"github.com/moffa90/go-nanohub/kernel"
)

// Factory builds the code of an external app from its stored image. The
// returned App must be comparable, typically a pointer.
type Factory func(img *kernel.AppImage) (kernel.App, error)

// Registry is a kernel.Platform that maps app IDs to Go factories, so a
// simulated hub can run uploaded apps without executing their payload.
type Registry struct {
	mu        sync.Mutex
	factories map[image.AppID]Factory
	loaded    map[kernel.App]image.AppID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[image.AppID]Factory),
		loaded:    make(map[kernel.App]image.AppID),
	}
}

// Register binds id to f, replacing any earlier binding.
func (r *Registry) Register(id image.AppID, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// Load implements kernel.Platform.
func (r *Registry) Load(img *kernel.AppImage) (kernel.App, error) {
	r.mu.Lock()
	f, ok := r.factories[img.Header.AppID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no code registered for app %s", img.Header.AppID)
	}
	app, err := f(img)
	if err != nil {
		return nil, fmt.Errorf("load app %s: %w", img.Header.AppID, err)
	}
	r.mu.Lock()
	r.loaded[app] = img.Header.AppID
	r.mu.Unlock()
	return app, nil
}

// Unload implements kernel.Platform.
func (r *Registry) Unload(app kernel.App) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loaded, app)
}

// FreeResources implements kernel.Platform. Registry apps hold no
// platform resources.
func (r *Registry) FreeResources(kernel.TID) {}

// Loaded returns the number of apps currently loaded.
func (r *Registry) Loaded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loaded)
}
