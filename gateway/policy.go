package gateway

import (
	"sort"
	"strings"
	"time"
)

// Route is the policy applied to requests matching Method and PathPrefix.
type Route struct {
	Method       string        `json:"method" koanf:"method"`
	PathPrefix   string        `json:"pathPrefix" koanf:"pathPrefix"`
	Class        string        `json:"class" koanf:"class"`
	Endpoint     string        `json:"endpoint" koanf:"endpoint"`
	Cacheable    bool          `json:"cacheable" koanf:"cacheable"`
	TTL          time.Duration `json:"ttl" koanf:"ttl"`
	Tags         []string      `json:"tags" koanf:"tags"`
	Invalidates  []string      `json:"invalidates" koanf:"invalidates"`
	Regulated    bool          `json:"regulated" koanf:"regulated"`
	ResourceType string        `json:"resourceType" koanf:"resourceType"`
}

// EndpointKey names the circuit breaker for a request matching the route.
func (r Route) EndpointKey(method string) string {
	if r.Endpoint != "" {
		return r.Endpoint
	}
	return strings.ToUpper(method) + " " + r.PathPrefix
}

// ResourceID extracts the first path segment after the route prefix.
func (r Route) ResourceID(path string) string {
	rest := strings.Trim(strings.TrimPrefix(path, r.PathPrefix), "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// Policies matches requests to routes by method and longest path prefix.
type Policies struct {
	routes   []Route
	fallback Route
}

// NewPolicies orders routes so the most specific prefix wins. fallback applies when
// nothing matches.
func NewPolicies(routes []Route, fallback Route) *Policies {
	sorted := append([]Route(nil), routes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if len(sorted[i].PathPrefix) != len(sorted[j].PathPrefix) {
			return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
		}
		// A method specific rule beats a wildcard with the same prefix.
		return sorted[i].Method != "" && sorted[j].Method == ""
	})
	if fallback.PathPrefix == "" {
		fallback.PathPrefix = "/"
	}
	if fallback.Class == "" {
		fallback.Class = "default"
	}
	for i := range sorted {
		if sorted[i].Class == "" {
			sorted[i].Class = fallback.Class
		}
	}
	return &Policies{routes: sorted, fallback: fallback}
}

func (p *Policies) Match(method, path string) Route {
	for _, r := range p.routes {
		if r.Method != "" && !strings.EqualFold(r.Method, method) {
			continue
		}
		if strings.HasPrefix(path, r.PathPrefix) {
			return r
		}
	}
	return p.fallback
}
