// Package admission implements the operator actions on a running gateway:
// policy reloads, emergency mode and the load level pin. Each action is
// applied locally and, when a Broadcaster is configured, announced to the
// other instances sharing the window store.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"admission-gateway/pkg/ratelimit"
)

// ErrNoPolicySource is returned by reloads when Control has no Policies func.
var ErrNoPolicySource = errors.New("no policy source configured")

// PolicySource builds a fresh policy set, typically from the environment and
// the policy file.
type PolicySource func() (ratelimit.PolicySet, error)

// Broadcaster announces control changes to other instances.
type Broadcaster interface {
	PublishReload(ctx context.Context) error
	PublishEmergency(ctx context.Context, on bool) error
}

// Control holds the mutable admission state an operator can change.
type Control struct {
	Registry *ratelimit.Registry
	Override *ratelimit.EmergencyOverride
	Load     *ratelimit.LoadMonitor
	Policies PolicySource

	// Audit receives emergency mode changes. Optional.
	Audit ratelimit.AuditSink
	// Broadcast is nil for a single instance.
	Broadcast Broadcaster
	Metrics   ratelimit.Metrics

	// Now defaults to time.Now.
	Now func() time.Time

	reloadMu sync.Mutex
}

// ReloadResult reports a successful reload.
type ReloadResult struct {
	Version     uint64    `json:"version"`
	LoadedAt    time.Time `json:"loaded_at"`
	Broadcasted bool      `json:"broadcasted"`
}

// ApplyReload re-reads the policies and loads them into the registry.
// A source or validation failure leaves the last good policies in place.
func (c *Control) ApplyReload(ctx context.Context) (ReloadResult, error) {
	if c.Policies == nil {
		return ReloadResult{}, ErrNoPolicySource
	}

	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	set, err := c.Policies()
	if err == nil {
		err = c.Registry.Load(set)
	}
	c.metrics().RecordPolicyReload(err == nil)
	if err != nil {
		slog.Error("policy reload rejected, keeping current policies",
			slog.Uint64("version", c.Registry.Version()),
			slog.String("error", err.Error()))
		return ReloadResult{}, fmt.Errorf("reload policies: %w", err)
	}

	slog.Info("policies reloaded",
		slog.Uint64("version", c.Registry.Version()),
		slog.Int("endpoint_overrides", len(set.Endpoints)))
	return ReloadResult{Version: c.Registry.Version(), LoadedAt: c.Registry.LoadedAt()}, nil
}

// Reload applies a reload locally and asks the other instances to do the
// same. A broadcast failure is logged and reported in the result only.
func (c *Control) Reload(ctx context.Context) (ReloadResult, error) {
	res, err := c.ApplyReload(ctx)
	if err != nil {
		return res, err
	}
	if c.Broadcast != nil {
		if err := c.Broadcast.PublishReload(ctx); err != nil {
			slog.Warn("policy reload not broadcast", slog.String("error", err.Error()))
		} else {
			res.Broadcasted = true
		}
	}
	return res, nil
}

// ApplyEmergency switches emergency mode locally. actor is recorded in the
// audit trail; it is hashed like any other identity.
func (c *Control) ApplyEmergency(ctx context.Context, on bool, actor string) error {
	if c.Override.EmergencyMode() == on {
		return nil
	}
	c.Override.SetEmergencyMode(on)

	if c.Audit == nil {
		return nil
	}
	reason := "emergency_mode_off"
	if on {
		reason = "emergency_mode_on"
	}
	if actor == "" {
		actor = ratelimit.AnonymousIdentity
	}
	ev := ratelimit.AuditEvent{
		ID:        uuid.NewString(),
		Type:      ratelimit.AuditEventEmergencyMode,
		Severity:  ratelimit.SeverityHigh,
		Identity:  ratelimit.HashIdentity(actor),
		Reason:    reason,
		Timestamp: c.now(),
	}
	if err := c.Audit.Record(ctx, ev); err != nil {
		return fmt.Errorf("record emergency mode change: %w", err)
	}
	return nil
}

// SetEmergency applies and broadcasts an emergency mode change. It reports
// whether the broadcast succeeded.
func (c *Control) SetEmergency(ctx context.Context, on bool, actor string) (bool, error) {
	if err := c.ApplyEmergency(ctx, on, actor); err != nil {
		return false, err
	}
	if c.Broadcast == nil {
		return false, nil
	}
	if err := c.Broadcast.PublishEmergency(ctx, on); err != nil {
		slog.Warn("emergency mode change not broadcast",
			slog.Bool("enabled", on),
			slog.String("error", err.Error()))
		return false, nil
	}
	return true, nil
}

// RemoteActor is the audit identity of changes received from other instances.
const RemoteActor = "policy-sync"

// HandleReload applies a reload announced by another instance.
func (c *Control) HandleReload(ctx context.Context) error {
	_, err := c.ApplyReload(ctx)
	return err
}

// HandleEmergency applies an emergency mode change announced by another
// instance.
func (c *Control) HandleEmergency(ctx context.Context, on bool) error {
	return c.ApplyEmergency(ctx, on, RemoteActor)
}

// PinLoad pins the load level. An empty level clears the pin.
// The pin is local to this instance.
func (c *Control) PinLoad(level string) (ratelimit.LoadLevel, error) {
	if level == "" {
		c.Load.ClearOverride()
		return c.Load.Level(), nil
	}
	l, err := ratelimit.ParseLoadLevel(level)
	if err != nil {
		return 0, err
	}
	c.Load.SetOverride(l)
	return l, nil
}

// Status is a point-in-time view of the admission state.
type Status struct {
	PolicyVersion  uint64              `json:"policy_version"`
	PolicyLoadedAt time.Time           `json:"policy_loaded_at"`
	Policies       ratelimit.PolicySet `json:"-"`
	EmergencyMode  bool                `json:"emergency_mode"`
	LoadLevel      string              `json:"load_level"`
	LoadPinned     bool                `json:"load_pinned"`
	Utilization    float64             `json:"utilization_percent"`
}

// Status returns the current state.
func (c *Control) Status() Status {
	return Status{
		PolicyVersion:  c.Registry.Version(),
		PolicyLoadedAt: c.Registry.LoadedAt(),
		Policies:       c.Registry.Snapshot(),
		EmergencyMode:  c.Override.EmergencyMode(),
		LoadLevel:      c.Load.Level().String(),
		LoadPinned:     c.Load.Overridden(),
		Utilization:    c.Load.Utilization(),
	}
}

func (c *Control) metrics() ratelimit.Metrics {
	if c.Metrics == nil {
		return ratelimit.NoOpMetrics{}
	}
	return c.Metrics
}

func (c *Control) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}
