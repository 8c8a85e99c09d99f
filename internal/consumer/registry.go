package consumer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry holds the containers of a process.
type Registry struct {
	mu         sync.RWMutex
	containers map[string]*Container
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{containers: make(map[string]*Container)}
}

// Register adds c. Container ids are unique.
func (r *Registry) Register(c *Container) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.containers[c.ID()]; ok {
		return fmt.Errorf("container %q already registered", c.ID())
	}
	r.containers[c.ID()] = c

	return nil
}

// ContainerIDs lists registered container ids, sorted.
func (r *Registry) ContainerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.containers))
	for id := range r.containers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// Run runs every container until ctx ends or one of them fails.
func (r *Registry) Run(ctx context.Context) error {
	r.mu.RLock()
	containers := make([]*Container, 0, len(r.containers))
	for _, c := range r.containers {
		containers = append(containers, c)
	}
	r.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range containers {
		g.Go(func() error {
			return c.Run(ctx)
		})
	}

	return g.Wait()
}
