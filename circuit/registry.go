package circuit

import (
	"sort"
	"sync"
)

// Registry lazily creates one breaker per endpoint key. Breakers are never removed.
type Registry struct {
	defaults Config
	classes  map[string]Config
	broker   *Broker
	options  []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
}

type RegistryOption func(*Registry)

// WithClassConfig overrides the default config for breakers of one endpoint class.
func WithClassConfig(class string, cfg Config) RegistryOption {
	return func(r *Registry) {
		r.classes[class] = cfg
	}
}

// WithBreakerOptions applies options to every breaker the registry creates.
func WithBreakerOptions(options ...Option) RegistryOption {
	return func(r *Registry) {
		r.options = append(r.options, options...)
	}
}

func WithRegistryBroker(broker *Broker) RegistryOption {
	return func(r *Registry) {
		r.broker = broker
	}
}

func NewRegistry(defaults Config, options ...RegistryOption) *Registry {
	r := &Registry{
		defaults: defaults,
		classes:  make(map[string]Config),
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range options {
		opt(r)
	}
	if r.broker == nil {
		r.broker = NewBroker()
	}
	return r
}

// Breaker returns the breaker for key, creating it with the class config on first use.
func (r *Registry) Breaker(key, class string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[key]; ok {
		return b
	}
	cfg, ok := r.classes[class]
	if !ok {
		cfg = r.defaults
	}
	options := append([]Option{WithBroker(r.broker)}, r.options...)
	b := New(key, cfg, options...)
	r.breakers[key] = b
	return b
}

func (r *Registry) Broker() *Broker { return r.broker }

// Snapshot returns metrics for every breaker ordered by key.
func (r *Registry) Snapshot() []Metrics {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]Metrics, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Metrics())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
