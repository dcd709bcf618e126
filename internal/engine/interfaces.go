package engine

import (
	"context"

	"query-portal-engine/internal/driver"
	"query-portal-engine/internal/notify"
	"query-portal-engine/internal/pool"
	"query-portal-engine/internal/request"
	"query-portal-engine/internal/worker"
)

// Store persists requests. Implementations must return
// request.ErrNotFound for unknown tokens.
type Store interface {
	Create(ctx context.Context, req *request.Request) error
	GetByToken(ctx context.Context, token string) (*request.Request, error)
	Update(ctx context.Context, req *request.Request) error
	List(ctx context.Context, filter request.Filter) ([]request.Request, error)
}

// TargetRegistry maps instance ids to target kinds and live connection
// parameters.
type TargetRegistry interface {
	Kind(instanceID string) (request.TargetKind, error)
	Resolve(instanceID, databaseName string) (driver.ConnParams, error)
}

// Notifier receives lifecycle events. Delivery is fire-and-forget; a
// notifier must never block the engine or fail an execution.
type Notifier interface {
	Notify(ev notify.Event)
}

// LimitChecker is the admission-control surface of the rate limiter.
// Returning ratelimit.ErrLimited denies; any other error fails open.
type LimitChecker interface {
	CheckSubmission(submitterID, teamID string, kind request.PayloadKind) error
	CheckExecution() error
	ReleasePending(submitterID, teamID string)
	ReleaseExecution()
}

// SlotPool grants bounded execution slots. *pool.Pool satisfies it.
type SlotPool interface {
	Acquire(ctx context.Context, requestID string, memoryMB int64) (*pool.Slot, error)
	Stats() pool.Stats
}

// ScriptLauncher runs script payloads in isolated workers. *worker.Launcher
// satisfies it.
type ScriptLauncher interface {
	Launch(ctx context.Context, spec worker.LaunchSpec) (*worker.Outcome, error)
	Languages() []string
}

// DriverResolver selects the query execution strategy for a target kind.
type DriverResolver interface {
	ForKind(kind request.TargetKind) (driver.Driver, error)
}

// driverResolver is the production DriverResolver over driver.ForKind.
type driverResolver struct {
	cfg driver.Config
}

func (r driverResolver) ForKind(kind request.TargetKind) (driver.Driver, error) {
	return driver.ForKind(kind, r.cfg)
}

// NewDriverResolver builds the production resolver with the given driver
// timeouts.
func NewDriverResolver(cfg driver.Config) DriverResolver {
	return driverResolver{cfg: cfg}
}
