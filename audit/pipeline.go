package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jrsteele09/go-secure-gateway/internal/errors"
	"github.com/jrsteele09/go-secure-gateway/internal/ids"
	"github.com/jrsteele09/go-secure-gateway/internal/obs"
	"github.com/jrsteele09/go-secure-gateway/kvstore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const DefaultBackupKey = "audit:backup"

// ErrSubmission wraps every failed delivery. It never reaches the user action that
// produced the events.
var ErrSubmission = errors.New("audit: submission failed")

type Config struct {
	BatchSize      int           `json:"batchSize"`
	FlushInterval  time.Duration `json:"flushInterval"`
	BackupCapacity int           `json:"backupCapacity"`
	DegradedAfter  int           `json:"degradedAfter"`
	RetryEvery     time.Duration `json:"retryEvery"`
	SubmitTimeout  time.Duration `json:"submitTimeout"`
}

func DefaultConfig() Config {
	return Config{
		BatchSize:      10,
		FlushInterval:  5 * time.Second,
		BackupCapacity: 1000,
		DegradedAfter:  3,
		RetryEvery:     30 * time.Second,
		SubmitTimeout:  10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.BackupCapacity <= 0 {
		c.BackupCapacity = d.BackupCapacity
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = d.DegradedAfter
	}
	if c.RetryEvery <= 0 {
		c.RetryEvery = d.RetryEvery
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = d.SubmitTimeout
	}
	return c
}

// Status is the health of the pipeline. Pending includes events waiting in the backup.
type Status struct {
	Pending             int       `json:"pending"`
	BackupSize          int       `json:"backupSize"`
	LastSuccessfulSync  time.Time `json:"lastSuccessfulSync,omitzero"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

// Pipeline batches audit events and delivers them in the background. Failed batches
// are kept in a bounded backup and retried with the next flush.
type Pipeline struct {
	submitter Submitter
	cfg       Config
	store     kvstore.Store
	backupKey string
	key       []byte
	nowFunc   func() time.Time
	logger    zerolog.Logger
	limiter   *rate.Limiter
	flights   singleflight.Group
	inflight  sync.WaitGroup

	mu       sync.Mutex
	pending  []Event
	backup   []Event
	lastSync time.Time
	failures int
	stop     context.CancelFunc
	loopDone chan struct{}
}

type Option func(*Pipeline)

// WithBackupStore persists the backup under key so it survives restarts.
func WithBackupStore(store kvstore.Store, key string) Option {
	return func(p *Pipeline) {
		p.store = store
		if key != "" {
			p.backupKey = key
		}
	}
}

// WithChecksumKey sets the key Record seals events with.
func WithChecksumKey(key []byte) Option {
	return func(p *Pipeline) {
		p.key = key
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.nowFunc = now
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

func New(submitter Submitter, cfg Config, options ...Option) *Pipeline {
	cfg = cfg.withDefaults()
	p := &Pipeline{
		submitter: submitter,
		cfg:       cfg,
		backupKey: DefaultBackupKey,
		nowFunc:   time.Now,
		logger:    log.Logger,
		limiter:   rate.NewLimiter(rate.Every(cfg.RetryEvery), 1),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Record seals the fields into a new event and logs it.
func (p *Pipeline) Record(e Event) Event {
	sealed := NewEvent(p.key, p.nowFunc(), e)
	p.Log(sealed)
	return sealed
}

// Log queues an event. It never blocks on the network and never fails: critical
// events are submitted right away on their own, others once the batch fills up or
// the flush interval passes.
func (p *Pipeline) Log(e Event) {
	if e.Critical {
		p.inflight.Add(1)
		go func() {
			defer p.inflight.Done()
			p.submitCritical(e)
		}()
		return
	}

	p.mu.Lock()
	p.pending = append(p.pending, e)
	full := len(p.pending) >= p.cfg.BatchSize
	p.mu.Unlock()

	if full {
		p.inflight.Add(1)
		go func() {
			defer p.inflight.Done()
			if err := p.Flush(context.Background()); err != nil {
				p.logger.Warn().Err(err).Msg("audit batch flush failed")
			}
		}()
	}
}

// Flush submits every pending and backed up event. Concurrent calls share one submission;
// events queued while it ran are sent by a follow-up round before Flush returns.
func (p *Pipeline) Flush(ctx context.Context) error {
	for {
		_, err, _ := p.flights.Do("flush", func() (interface{}, error) {
			return nil, p.flush(ctx)
		})
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		p.mu.Lock()
		remaining := len(p.pending)
		p.mu.Unlock()
		if remaining == 0 {
			return nil
		}
	}
}

func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Pending:             len(p.pending) + len(p.backup),
		BackupSize:          len(p.backup),
		LastSuccessfulSync:  p.lastSync,
		Healthy:             p.failures < p.cfg.DegradedAfter,
		ConsecutiveFailures: p.failures,
	}
}

// Start restores the persisted backup and flushes on the configured interval until
// Close. While degraded, retries are paced by RetryEvery.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.restore(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.stop = cancel
	p.loopDone = make(chan struct{})
	done := p.loopDone
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				p.tick(loopCtx)
			}
		}
	}()
	return nil
}

// Close stops the flush loop, waits for background submissions and makes a last flush.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	stop, done := p.stop, p.loopDone
	p.stop, p.loopDone = nil, nil
	p.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	p.inflight.Wait()
	return p.Flush(ctx)
}

func (p *Pipeline) tick(ctx context.Context) {
	status := p.Status()
	if status.Pending == 0 {
		return
	}
	if !status.Healthy && !p.limiter.Allow() {
		return
	}
	if err := p.Flush(ctx); err != nil {
		p.logger.Warn().Err(err).Int("pending", status.Pending).Msg("audit flush failed")
	}
}

func (p *Pipeline) flush(ctx context.Context) error {
	p.mu.Lock()
	taken := p.pending
	p.pending = nil
	events := make([]Event, 0, len(p.backup)+len(taken))
	events = append(events, p.backup...)
	events = append(events, taken...)
	p.mu.Unlock()

	if len(events) == 0 {
		return nil
	}

	err := p.submit(ctx, events)

	p.mu.Lock()
	if err == nil {
		p.removeFromBackup(events)
	} else {
		p.addToBackup(taken)
	}
	p.mu.Unlock()

	p.persist(ctx)
	return err
}

func (p *Pipeline) submitCritical(e Event) {
	ctx := context.Background()
	if err := p.submit(ctx, []Event{e}); err != nil {
		p.logger.Warn().Err(err).Str("event", e.ID).Msg("critical audit event moved to backup")
		p.mu.Lock()
		p.addToBackup([]Event{e})
		p.mu.Unlock()
		p.persist(ctx)
	}
}

// submit delivers one batch and updates the health counters.
func (p *Pipeline) submit(ctx context.Context, events []Event) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SubmitTimeout)
	defer cancel()

	batch := Batch{ID: ids.NewSortable(), Events: events}
	err := p.submitter.Submit(ctx, batch)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.failures++
		obs.AuditSubmissions.WithLabelValues("failure").Inc()
		if p.failures == p.cfg.DegradedAfter {
			p.logger.Error().Int("failures", p.failures).Msg("audit pipeline degraded")
		}
		return fmt.Errorf("%w: batch %s: %w", ErrSubmission, batch.ID, err)
	}

	if p.failures >= p.cfg.DegradedAfter {
		p.logger.Info().Msg("audit pipeline recovered")
	}
	p.failures = 0
	p.lastSync = p.nowFunc()
	obs.AuditSubmissions.WithLabelValues("success").Inc()
	return nil
}

// addToBackup appends events not already held and evicts the oldest beyond capacity.
// Callers hold p.mu.
func (p *Pipeline) addToBackup(events []Event) {
	held := make(map[string]struct{}, len(p.backup))
	for _, e := range p.backup {
		held[e.ID] = struct{}{}
	}
	for _, e := range events {
		if _, ok := held[e.ID]; ok {
			continue
		}
		held[e.ID] = struct{}{}
		p.backup = append(p.backup, e)
	}
	if over := len(p.backup) - p.cfg.BackupCapacity; over > 0 {
		p.logger.Error().Int("evicted", over).Msg("audit backup full, dropping oldest events")
		p.backup = append([]Event(nil), p.backup[over:]...)
	}
	obs.AuditBackupSize.Set(float64(len(p.backup)))
}

// removeFromBackup drops delivered events. Callers hold p.mu.
func (p *Pipeline) removeFromBackup(delivered []Event) {
	if len(p.backup) == 0 {
		return
	}
	done := make(map[string]struct{}, len(delivered))
	for _, e := range delivered {
		done[e.ID] = struct{}{}
	}
	kept := p.backup[:0]
	for _, e := range p.backup {
		if _, ok := done[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	p.backup = kept
	obs.AuditBackupSize.Set(float64(len(p.backup)))
}

func (p *Pipeline) persist(ctx context.Context) {
	if p.store == nil {
		return
	}
	p.mu.Lock()
	empty := len(p.backup) == 0
	raw, err := json.Marshal(p.backup)
	p.mu.Unlock()
	if err != nil {
		p.logger.Err(err).Msg("failed to encode audit backup")
		return
	}

	ctx = context.WithoutCancel(ctx)
	if empty {
		err = p.store.Delete(ctx, p.backupKey)
	} else {
		err = p.store.Set(ctx, p.backupKey, raw)
	}
	if err != nil {
		p.logger.Err(err).Msg("failed to persist audit backup")
	}
}

func (p *Pipeline) restore(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	raw, err := p.store.Get(ctx, p.backupKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "Pipeline.restore Get")
	}

	var events []Event
	if err := json.Unmarshal(raw, &events); err != nil {
		p.logger.Error().Err(err).Msg("discarding unreadable audit backup")
		return errors.Wrap(p.store.Delete(ctx, p.backupKey), "Pipeline.restore Delete")
	}

	p.mu.Lock()
	p.addToBackup(events)
	n := len(p.backup)
	p.mu.Unlock()
	if n > 0 {
		p.logger.Info().Int("events", n).Msg("restored audit backup")
	}
	return nil
}
