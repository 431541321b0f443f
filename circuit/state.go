package circuit

import (
	"fmt"
	"time"

	"github.com/jrsteele09/go-secure-gateway/internal/errors"
)

// State of a breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config tunes a breaker. Failures only count as consecutive while they fall inside Window.
type Config struct {
	FailureThreshold int           `json:"failureThreshold"`
	Cooldown         time.Duration `json:"cooldown"`
	HalfOpenTrials   int           `json:"halfOpenTrials"`
	Window           time.Duration `json:"window"`
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenTrials:   1,
		Window:           time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.HalfOpenTrials <= 0 {
		c.HalfOpenTrials = d.HalfOpenTrials
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	return c
}

// ErrOpen matches every rejection by an open breaker.
var ErrOpen = errors.New("circuit: open")

// OpenError is returned without calling the operation while the breaker rejects calls.
type OpenError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %s is open, retry after %s", e.Key, e.RetryAfter)
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// Metrics is a read-only snapshot of a breaker.
type Metrics struct {
	Key            string        `json:"key"`
	State          State         `json:"state"`
	FailureCount   int           `json:"failureCount"`
	SuccessCount   int           `json:"successCount"`
	LastFailureAt  time.Time     `json:"lastFailureAt,omitzero"`
	LastSuccessAt  time.Time     `json:"lastSuccessAt,omitzero"`
	OpenUntil      time.Time     `json:"openUntil,omitzero"`
	AverageLatency time.Duration `json:"averageLatency"`
}
