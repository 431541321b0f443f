package gateway

import (
	"context"
	"net/http"

	"github.com/jrsteele09/go-secure-gateway/audit"
	"github.com/jrsteele09/go-secure-gateway/internal/errors"
	"github.com/jrsteele09/go-secure-gateway/token"
)

func actionFor(method string) string {
	switch method {
	case http.MethodPost:
		return audit.ActionCreate
	case http.MethodPut, http.MethodPatch:
		return audit.ActionUpdate
	case http.MethodDelete:
		return audit.ActionDelete
	}
	return audit.ActionRead
}

func outcomeFor(err error) audit.Outcome {
	if err == nil {
		return audit.OutcomeSuccess
	}
	if errors.Is(err, token.ErrAuthExpired) || errors.Is(err, token.ErrNoToken) {
		return audit.OutcomeDenied
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && (httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden) {
		return audit.OutcomeDenied
	}
	return audit.OutcomeFailure
}

// record emits the audit event for a regulated route. Modifications and denials are
// critical and skip batching.
func (g *Gateway) record(c *call, err error) {
	if g.audit == nil || !c.route.Regulated {
		return
	}

	outcome := outcomeFor(err)
	e := audit.Event{
		Action:       actionFor(c.method),
		ResourceType: c.route.ResourceType,
		ResourceID:   c.route.ResourceID(pathOf(c.req.Path)),
		Outcome:      outcome,
		Metadata: map[string]any{
			"method": c.method,
			"path":   pathOf(c.req.Path),
		},
		Critical: (c.method != http.MethodGet && c.method != http.MethodHead) || outcome == audit.OutcomeDenied,
	}
	if c.tok != nil {
		e.ActorID = c.tok.Subject
		e.SessionID = c.tok.SessionID
	}
	if c.status != 0 {
		e.Metadata["status"] = c.status
	}
	if c.cached {
		e.Metadata["cached"] = true
	}
	if err != nil {
		e.Metadata["error"] = err.Error()
	}
	g.audit.Record(e)
}

// recordLogout audits the end of a session.
func (g *Gateway) recordLogout(ctx context.Context, tok *token.Token, err error) {
	if g.audit == nil {
		return
	}
	e := audit.Event{
		Action:       audit.ActionLogout,
		ResourceType: "session",
		Outcome:      outcomeFor(err),
	}
	if tok != nil {
		e.ActorID = tok.Subject
		e.SessionID = tok.SessionID
		e.ResourceID = tok.SessionID
	}
	g.audit.Record(e)
	if err := g.audit.Flush(ctx); err != nil {
		g.logger.Warn().Err(err).Msg("logout audit flush failed")
	}
}
