package server

// Route path constants
const (
	RouteSession = "/session"
	RouteStatus  = "/status"
	RouteMetrics = "/metrics"
	RouteHealth  = "/healthz"

	// RouteAPI forwards everything below /api to the backend through the gateway.
	RouteAPI = "/api/{path...}"

	// HeaderPriority carries the bulkhead priority of a proxied call. Higher runs first.
	HeaderPriority = "X-Request-Priority"
	HeaderCache    = "X-Gateway-Cache"
	HeaderShared   = "X-Gateway-Shared"
	HeaderRequest  = "X-Request-ID"
)
