package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admission-gateway/internal/audit"
	"admission-gateway/pkg/ratelimit"
)

type fakeBroadcaster struct {
	reloads    int
	emergency  []bool
	failReload bool
}

func (b *fakeBroadcaster) PublishReload(context.Context) error {
	if b.failReload {
		return errors.New("redis down")
	}
	b.reloads++
	return nil
}

func (b *fakeBroadcaster) PublishEmergency(_ context.Context, on bool) error {
	b.emergency = append(b.emergency, on)
	return nil
}

func newControl(t *testing.T, source PolicySource) (*Control, *audit.MemoryLog) {
	t.Helper()

	reg, err := ratelimit.NewRegistry(ratelimit.DefaultPolicySet())
	require.NoError(t, err)
	load, err := ratelimit.NewLoadMonitor(ratelimit.LoadMonitorConfig{
		Sampler: ratelimit.LoadSamplerFunc(func(context.Context) (float64, error) { return 10, nil }),
	})
	require.NoError(t, err)

	log := audit.NewMemoryLog(10)
	return &Control{
		Registry: reg,
		Override: ratelimit.NewEmergencyOverride(reg, nil),
		Load:     load,
		Policies: source,
		Audit:    log,
		Now:      func() time.Time { return time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC) },
	}, log
}

func TestControl_Reload(t *testing.T) {
	set := ratelimit.DefaultPolicySet()
	set.Tiers[ratelimit.TierPatient] = ratelimit.LimitPolicy{Requests: 10, Window: time.Minute, Burst: 10}

	c, _ := newControl(t, func() (ratelimit.PolicySet, error) { return set, nil })
	b := &fakeBroadcaster{}
	c.Broadcast = b
	before := c.Registry.Version()

	res, err := c.Reload(context.Background())
	require.NoError(t, err)
	assert.Greater(t, res.Version, before)
	assert.True(t, res.Broadcasted)
	assert.Equal(t, 1, b.reloads)
	assert.Equal(t, 10, c.Registry.Resolve(ratelimit.TierPatient, "/x").Requests)
}

func TestControl_ReloadKeepsLastGoodPolicies(t *testing.T) {
	bad := ratelimit.DefaultPolicySet()
	bad.Tiers[ratelimit.TierPatient] = ratelimit.LimitPolicy{Requests: 0, Window: time.Minute, Burst: 0}

	tests := []struct {
		name   string
		source PolicySource
	}{
		{name: "source error", source: func() (ratelimit.PolicySet, error) { return ratelimit.PolicySet{}, ratelimit.ErrInvalidPolicy }},
		{name: "invalid policy", source: func() (ratelimit.PolicySet, error) { return bad, nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newControl(t, tt.source)
			b := &fakeBroadcaster{}
			c.Broadcast = b
			before := c.Registry.Version()

			_, err := c.Reload(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, ratelimit.ErrInvalidPolicy)
			assert.Equal(t, before, c.Registry.Version())
			assert.Equal(t, 30, c.Registry.Resolve(ratelimit.TierPatient, "/x").Requests)
			assert.Zero(t, b.reloads, "failed reloads are not broadcast")
		})
	}
}

func TestControl_ReloadBroadcastFailureIsNotFatal(t *testing.T) {
	c, _ := newControl(t, func() (ratelimit.PolicySet, error) { return ratelimit.DefaultPolicySet(), nil })
	c.Broadcast = &fakeBroadcaster{failReload: true}

	res, err := c.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Broadcasted)
}

func TestControl_ReloadWithoutSource(t *testing.T) {
	c, _ := newControl(t, nil)
	_, err := c.Reload(context.Background())
	assert.ErrorIs(t, err, ErrNoPolicySource)
}

func TestControl_SetEmergency(t *testing.T) {
	c, log := newControl(t, nil)
	b := &fakeBroadcaster{}
	c.Broadcast = b
	ctx := context.Background()

	broadcast, err := c.SetEmergency(ctx, true, "ops-1")
	require.NoError(t, err)
	assert.True(t, broadcast)
	assert.True(t, c.Override.EmergencyMode())

	// Repeating the current state records nothing new.
	_, err = c.SetEmergency(ctx, true, "ops-1")
	require.NoError(t, err)

	_, err = c.SetEmergency(ctx, false, "ops-1")
	require.NoError(t, err)
	assert.False(t, c.Override.EmergencyMode())

	assert.Equal(t, []bool{true, true, false}, b.emergency)

	events := log.Recent(10)
	require.Len(t, events, 2)
	assert.Equal(t, "emergency_mode_off", events[0].Reason)
	assert.Equal(t, "emergency_mode_on", events[1].Reason)
	assert.Equal(t, ratelimit.AuditEventEmergencyMode, events[1].Type)
	assert.Equal(t, ratelimit.SeverityHigh, events[1].Severity)
	assert.Equal(t, ratelimit.HashIdentity("ops-1"), events[1].Identity)
}

func TestControl_PinLoad(t *testing.T) {
	c, _ := newControl(t, nil)

	level, err := c.PinLoad("critical")
	require.NoError(t, err)
	assert.Equal(t, ratelimit.LoadCritical, level)
	assert.True(t, c.Status().LoadPinned)
	assert.Equal(t, "critical", c.Status().LoadLevel)

	level, err = c.PinLoad("")
	require.NoError(t, err)
	assert.Equal(t, ratelimit.LoadNormal, level)
	assert.False(t, c.Status().LoadPinned)

	_, err = c.PinLoad("apocalyptic")
	assert.Error(t, err)
}

func TestControl_HandleRemoteChanges(t *testing.T) {
	c, log := newControl(t, func() (ratelimit.PolicySet, error) { return ratelimit.DefaultPolicySet(), nil })
	b := &fakeBroadcaster{}
	c.Broadcast = b
	before := c.Registry.Version()

	require.NoError(t, c.HandleReload(context.Background()))
	require.NoError(t, c.HandleEmergency(context.Background(), true))

	assert.Equal(t, before+1, c.Registry.Version())
	assert.True(t, c.Override.EmergencyMode())
	assert.Zero(t, b.reloads, "remote changes are not re-broadcast")
	assert.Empty(t, b.emergency)

	events := log.Recent(1)
	require.Len(t, events, 1)
	assert.Equal(t, ratelimit.HashIdentity(RemoteActor), events[0].Identity)
}
