// Package ratelimit enforces submission and execution admission limits.
// Hourly budgets are per-submitter token buckets; pending and executing
// occupancy are plain counters. Everything lives in memory and resets on
// restart: this is a soft protection, not a correctness guarantee.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"query-portal-engine/internal/request"
)

// ErrLimited is returned when an admission check denies the operation.
var ErrLimited = errors.New("rate limit exceeded")

// Config holds the admission limits. Non-positive fields fall back to the
// defaults.
type Config struct {
	ScriptsPerHour          int `yaml:"scripts_per_hour"`
	QueriesPerHour          int `yaml:"queries_per_hour"`
	MaxPendingPerSubmitter  int `yaml:"max_pending_per_submitter"`
	MaxPendingPerTeam       int `yaml:"max_pending_per_team"`
	MaxConcurrentExecutions int `yaml:"max_concurrent_executions"`
}

func DefaultConfig() Config {
	return Config{
		ScriptsPerHour:          10,
		QueriesPerHour:          20,
		MaxPendingPerSubmitter:  10,
		MaxPendingPerTeam:       50,
		MaxConcurrentExecutions: 5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ScriptsPerHour <= 0 {
		c.ScriptsPerHour = d.ScriptsPerHour
	}
	if c.QueriesPerHour <= 0 {
		c.QueriesPerHour = d.QueriesPerHour
	}
	if c.MaxPendingPerSubmitter <= 0 {
		c.MaxPendingPerSubmitter = d.MaxPendingPerSubmitter
	}
	if c.MaxPendingPerTeam <= 0 {
		c.MaxPendingPerTeam = d.MaxPendingPerTeam
	}
	if c.MaxConcurrentExecutions <= 0 {
		c.MaxConcurrentExecutions = d.MaxConcurrentExecutions
	}
	return c
}

// Limiter tracks per-submitter hourly budgets, pending occupancy by
// submitter and team, and the global executing count.
type Limiter struct {
	cfg Config

	mu                 sync.Mutex
	scriptBudgets      map[string]*rate.Limiter
	queryBudgets       map[string]*rate.Limiter
	pendingBySubmitter map[string]int
	pendingByTeam      map[string]int
	executing          int
}

func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:                cfg.withDefaults(),
		scriptBudgets:      make(map[string]*rate.Limiter),
		queryBudgets:       make(map[string]*rate.Limiter),
		pendingBySubmitter: make(map[string]int),
		pendingByTeam:      make(map[string]int),
	}
}

// CheckSubmission admits or denies a new submission. On admission the
// pending occupancy for both submitter and team is incremented; the caller
// pairs that with ReleasePending on the request's terminal transition.
func (l *Limiter) CheckSubmission(submitterID, teamID string, kind request.PayloadKind) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := l.pendingBySubmitter[submitterID]; n >= l.cfg.MaxPendingPerSubmitter {
		return fmt.Errorf("%w: %d requests already pending for submitter %s", ErrLimited, n, submitterID)
	}
	if n := l.pendingByTeam[teamID]; n >= l.cfg.MaxPendingPerTeam {
		return fmt.Errorf("%w: %d requests already pending for team %s", ErrLimited, n, teamID)
	}
	// The bucket is consumed last so a denied occupancy check does not
	// burn hourly budget.
	if !l.budgetFor(kind, submitterID).Allow() {
		return fmt.Errorf("%w: hourly %s budget exhausted for submitter %s", ErrLimited, kind, submitterID)
	}

	l.pendingBySubmitter[submitterID]++
	l.pendingByTeam[teamID]++
	return nil
}

// budgetFor returns the submitter's bucket for the payload kind, creating
// it on first use. Entries are never evicted; the submitter population of
// an internal portal is small.
func (l *Limiter) budgetFor(kind request.PayloadKind, submitterID string) *rate.Limiter {
	budgets, perHour := l.queryBudgets, l.cfg.QueriesPerHour
	if kind == request.PayloadScript {
		budgets, perHour = l.scriptBudgets, l.cfg.ScriptsPerHour
	}
	lim, ok := budgets[submitterID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour)
		budgets[submitterID] = lim
	}
	return lim
}

// CheckExecution admits or denies starting one more execution. On admission
// the global executing count is incremented; the caller pairs that with
// ReleaseExecution when the execution finishes.
func (l *Limiter) CheckExecution() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.executing >= l.cfg.MaxConcurrentExecutions {
		return fmt.Errorf("%w: %d executions already running", ErrLimited, l.executing)
	}
	l.executing++
	return nil
}

// ReleasePending decrements the pending occupancy for a submitter and team.
// Safe to call more than once per request; counts never go negative.
func (l *Limiter) ReleasePending(submitterID, teamID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pendingBySubmitter[submitterID] > 0 {
		l.pendingBySubmitter[submitterID]--
	}
	if l.pendingByTeam[teamID] > 0 {
		l.pendingByTeam[teamID]--
	}
}

// ReleaseExecution decrements the global executing count.
func (l *Limiter) ReleaseExecution() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.executing > 0 {
		l.executing--
	}
}
