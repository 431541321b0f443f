package bulkhead

import (
	"sort"
	"sync"
)

// Registry holds one bulkhead per resource class.
type Registry struct {
	defaults Config
	classes  map[string]Config
	options  []Option

	mu        sync.Mutex
	bulkheads map[string]*Bulkhead
}

func NewRegistry(defaults Config, classes map[string]Config, options ...Option) *Registry {
	cp := make(map[string]Config, len(classes))
	for k, v := range classes {
		cp[k] = v
	}
	return &Registry{
		defaults:  defaults,
		classes:   cp,
		options:   options,
		bulkheads: make(map[string]*Bulkhead),
	}
}

func (r *Registry) Bulkhead(class string) *Bulkhead {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.bulkheads[class]; ok {
		return b
	}
	cfg, ok := r.classes[class]
	if !ok {
		cfg = r.defaults
	}
	b := New(class, cfg, r.options...)
	r.bulkheads[class] = b
	return b
}

// Stats returns a snapshot of every bulkhead ordered by class.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	all := make([]*Bulkhead, 0, len(r.bulkheads))
	for _, b := range r.bulkheads {
		all = append(all, b)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(all))
	for _, b := range all {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}
