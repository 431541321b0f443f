package gateway

import (
	"context"
	"net/http"
)

// MutateOptimistic applies optimistic to the cached value under key, sends req and
// then confirms the cache entry with the server's answer or rolls it back on failure.
func (g *Gateway) MutateOptimistic(ctx context.Context, req *Request, key string, optimistic func(current CachedResponse, ok bool) CachedResponse) (*Response, error) {
	if g.cache == nil {
		return g.Do(ctx, req)
	}

	g.cache.ApplyOptimistic(key, optimistic)
	resp, err := g.Do(ctx, req)
	if err != nil {
		g.cache.RollbackOptimistic(key)
		return nil, err
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices && len(resp.Body) > 0 {
		g.cache.ConfirmOptimistic(key, CachedResponse{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: resp.Body})
	} else {
		// No representation came back, drop the tentative value so the next read refetches.
		g.cache.RollbackOptimistic(key)
		g.cache.Delete(key)
	}
	return resp, nil
}

// Logout ends the session: tokens, cached responses and the CSRF token are dropped
// and the logout is audited.
func (g *Gateway) Logout(ctx context.Context) error {
	tok, _ := g.tokens.Peek(ctx)
	err := g.tokens.Clear(ctx)

	if g.cache != nil {
		g.cache.Clear()
		if persistErr := g.cache.Persist(ctx); persistErr != nil {
			g.logger.Warn().Err(persistErr).Msg("failed to persist cleared cache")
		}
	}
	if g.csrf != nil {
		g.csrf.Invalidate()
	}
	g.recordLogout(ctx, tok, err)
	return err
}

