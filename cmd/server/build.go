package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"

	"github.com/coreos/go-oidc/v3/oidc"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/jrsteele09/go-secure-gateway/audit"
	"github.com/jrsteele09/go-secure-gateway/bulkhead"
	"github.com/jrsteele09/go-secure-gateway/cache"
	"github.com/jrsteele09/go-secure-gateway/circuit"
	"github.com/jrsteele09/go-secure-gateway/csrf"
	"github.com/jrsteele09/go-secure-gateway/gateway"
	"github.com/jrsteele09/go-secure-gateway/internal/config"
	"github.com/jrsteele09/go-secure-gateway/kvstore"
	"github.com/jrsteele09/go-secure-gateway/kvstore/memory"
	"github.com/jrsteele09/go-secure-gateway/kvstore/redisstore"
	"github.com/jrsteele09/go-secure-gateway/kvstore/sqlstore"
	"github.com/jrsteele09/go-secure-gateway/server"
	"github.com/jrsteele09/go-secure-gateway/token"
)

type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	server  *server.Server
	tokens  *token.Store
	cache   *cache.Manager[gateway.CachedResponse]
	audit   *audit.Pipeline
	broker  *circuit.Broker
	closers []func() error
}

func build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	durable, err := a.openDurableStore(ctx)
	if err != nil {
		return nil, err
	}

	a.tokens = token.NewStore(memory.New(),
		token.WithDurableStore(durable),
		token.WithInactivityTimeout(cfg.Token.InactivityTimeout),
		token.WithDefaultLifetime(cfg.Token.DefaultLifetime),
		token.WithLogger(logger.With().Str("component", "token").Logger()),
	)
	if cfg.Token.MigrateLegacy {
		res, err := a.tokens.MigrateLegacy(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("legacy token migration failed")
		} else if res.Migrated > 0 || res.Discarded > 0 {
			logger.Info().Int("migrated", res.Migrated).Int("discarded", res.Discarded).Msg("legacy tokens migrated")
		}
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookiejar.New: %w", err)
	}
	client := &http.Client{Timeout: cfg.Upstream.Timeout, Jar: jar}
	baseURL, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("url.Parse upstream: %w", err)
	}

	gwOptions := []gateway.Option{
		gateway.WithHTTPClient(client),
		gateway.WithMaxResponseBytes(cfg.Upstream.MaxResponseBytes),
		gateway.WithLogger(logger.With().Str("component", "gateway").Logger()),
	}

	if cfg.Identity.RefreshEnabled() {
		refresher, err := a.newRefresher(ctx)
		if err != nil {
			return nil, err
		}
		gwOptions = append(gwOptions, gateway.WithRefresher(refresher))
	}

	sources := []csrf.Source{csrf.NewCookieSource(jar, baseURL, cfg.CSRF.CookieNames...)}
	if cfg.CSRF.MetaURL != "" {
		sources = append([]csrf.Source{csrf.NewMetaSource(client, cfg.CSRF.MetaURL)}, sources...)
	}
	gwOptions = append(gwOptions, gateway.WithCSRF(csrf.NewGuard(sources,
		csrf.WithTTL(cfg.CSRF.TTL),
		csrf.WithLogger(logger.With().Str("component", "csrf").Logger()),
	)))

	a.cache = cache.New[gateway.CachedResponse](
		cache.WithMaxEntries(cfg.Cache.MaxEntries),
		cache.WithDefaultTTL(cfg.Cache.DefaultTTL),
		cache.WithStore(durable, cfg.Cache.SnapshotKey),
		cache.WithLogger(logger.With().Str("component", "cache").Logger()),
	)
	if err := a.cache.Hydrate(ctx); err != nil {
		logger.Warn().Err(err).Msg("cache snapshot discarded")
	}
	gwOptions = append(gwOptions, gateway.WithCache(a.cache))

	a.audit = audit.New(a.newSubmitter(client), cfg.Audit.Config,
		audit.WithBackupStore(durable, cfg.Audit.BackupKey),
		audit.WithChecksumKey([]byte(cfg.Audit.ChecksumKey)),
		audit.WithLogger(logger.With().Str("component", "audit").Logger()),
	)
	gwOptions = append(gwOptions, gateway.WithAudit(a.audit))

	a.broker = circuit.NewBroker()
	breakerOptions := []circuit.RegistryOption{
		circuit.WithRegistryBroker(a.broker),
		circuit.WithBreakerOptions(circuit.WithLogger(logger.With().Str("component", "circuit").Logger())),
	}
	for class, c := range cfg.Circuit.Classes {
		breakerOptions = append(breakerOptions, circuit.WithClassConfig(class, c))
	}
	breakers := circuit.NewRegistry(cfg.Circuit.Default, breakerOptions...)
	bulkheads := bulkhead.NewRegistry(cfg.Bulkhead.Default, cfg.Bulkhead.Classes,
		bulkhead.WithLogger(logger.With().Str("component", "bulkhead").Logger()))

	gw, err := gateway.New(cfg.Upstream.BaseURL, gateway.NewPolicies(cfg.Routes, gateway.Route{}), a.tokens, breakers, bulkheads, gwOptions...)
	if err != nil {
		return nil, fmt.Errorf("gateway.New: %w", err)
	}

	a.server, err = server.New(cfg, server.Components{
		Gateway:   gw,
		Tokens:    a.tokens,
		Breakers:  breakers,
		Bulkheads: bulkheads,
		Cache:     a.cache,
		Audit:     a.audit,
	}, server.WithLogger(logger.With().Str("component", "server").Logger()))
	if err != nil {
		return nil, fmt.Errorf("server.New: %w", err)
	}
	return a, nil
}

// openDurableStore connects the store that outlives the process: legacy tokens, the
// cache snapshot and the audit backup live there.
func (a *app) openDurableStore(ctx context.Context) (kvstore.Store, error) {
	switch a.cfg.Storage.Durable {
	case config.DurableRedis:
		client, err := redisstore.Dial(ctx, a.cfg.Storage.RedisAddr, a.cfg.Storage.RedisPassword)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		return redisstore.New(client, a.cfg.Storage.RedisPrefix), nil
	case config.DurablePostgres:
		db, err := sqlstore.Open(ctx, "pgx", a.cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		store, err := sqlstore.New(ctx, db)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return memory.New(), nil
	}
}

// newRefresher resolves the token endpoint, through OIDC discovery when an issuer is set.
func (a *app) newRefresher(ctx context.Context) (*token.Refresher, error) {
	id := a.cfg.Identity
	endpoint := oauth2.Endpoint{TokenURL: id.TokenURL}
	if id.Issuer != "" {
		provider, err := oidc.NewProvider(ctx, id.Issuer)
		if err != nil {
			return nil, fmt.Errorf("oidc.NewProvider: %w", err)
		}
		endpoint = provider.Endpoint()
		if id.TokenURL != "" {
			endpoint.TokenURL = id.TokenURL
		}
	}

	return token.NewRefresher(a.tokens, &oauth2.Config{
		ClientID:     id.ClientID,
		ClientSecret: id.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       id.Scopes,
	},
		token.WithRefreshWindow(id.RefreshWindow),
		token.WithHTTPClient(&http.Client{Timeout: a.cfg.Upstream.Timeout}),
		token.WithRefresherLogger(a.logger.With().Str("component", "refresh").Logger()),
	), nil
}

// newSubmitter posts batches to the audit endpoint with the session's credentials.
// Without an endpoint, batches are written to the log.
func (a *app) newSubmitter(client *http.Client) audit.Submitter {
	if a.cfg.Audit.Endpoint == "" {
		logger := a.logger.With().Str("component", "audit-sink").Logger()
		return audit.SubmitterFunc(func(_ context.Context, batch audit.Batch) error {
			for _, e := range batch.Events {
				logger.Info().
					Str("batchId", batch.ID).
					Str("eventId", e.ID).
					Str("actorId", e.ActorID).
					Str("action", e.Action).
					Str("resourceType", e.ResourceType).
					Str("resourceId", e.ResourceID).
					Str("outcome", string(e.Outcome)).
					Msg("audit event")
			}
			return nil
		})
	}

	return audit.NewHTTPSubmitter(client, a.cfg.Audit.Endpoint, func(ctx context.Context, req *http.Request) error {
		if tok, err := a.tokens.Peek(ctx); err == nil {
			req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		}
		return nil
	})
}

func (a *app) startBackground(ctx context.Context) {
	if err := a.audit.Start(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("audit backup could not be restored")
	}
	go a.tokens.Run(ctx, a.cfg.Token.SweepInterval)
	go a.cache.Run(ctx, a.cfg.Cache.SweepInterval, a.cfg.Cache.PersistInterval)

	events, unsubscribe := a.broker.Subscribe(64)
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logger.Warn().
					Str("endpoint", e.Key).
					Stringer("from", e.From).
					Stringer("to", e.To).
					Msg("circuit state changed")
			}
		}
	}()
}

// drain flushes what must survive a restart: pending audit events and the cache snapshot.
func (a *app) drain(ctx context.Context) {
	if err := a.audit.Close(ctx); err != nil {
		a.logger.Warn().Err(err).Interface("status", a.audit.Status()).Msg("audit events left in backup")
	}
	if err := a.cache.Persist(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("cache snapshot not written")
	}
}

func (a *app) closeStores() {
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Warn().Err(err).Msg("store close failed")
		}
	}
}
