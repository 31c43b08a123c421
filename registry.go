package labsched

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DeviceRegistry tracks every lab device and owns its status/health
// transitions. Reservation is a per-device compare-and-set so unrelated jobs
// can schedule in parallel while a single registry lock keeps each mutation
// atomic.
type DeviceRegistry struct {
	mu      sync.Mutex
	devices map[string]*Device
	store   Store
}

func NewDeviceRegistry(store Store) *DeviceRegistry {
	return &DeviceRegistry{
		devices: make(map[string]*Device),
		store:   store,
	}
}

// Add registers a device. An existing entry with the same hostname is
// replaced, which only administration should ever do.
func (r *DeviceRegistry) Add(ctx context.Context, dev Device) error {
	if dev.Hostname == "" {
		return errors.New("device hostname cannot be empty")
	}
	if dev.LastIdle.IsZero() {
		dev.LastIdle = time.Now()
	}
	r.mu.Lock()
	copied := dev
	r.devices[dev.Hostname] = &copied
	r.mu.Unlock()
	log.Info().Str("hostname", dev.Hostname).Str("device_type", dev.DeviceType).Msg("device registered")
	return r.persist(ctx, dev)
}

// Remove retires a device out of the registry entirely.
func (r *DeviceRegistry) Remove(ctx context.Context, hostname string) error {
	r.mu.Lock()
	delete(r.devices, hostname)
	r.mu.Unlock()
	log.Info().Str("hostname", hostname).Msg("device removed from registry")
	if r.store == nil {
		return nil
	}
	return errors.Wrapf(r.store.DeleteDevice(ctx, hostname), "delete device %s", hostname)
}

// Get returns a copy of the device, if known.
func (r *DeviceRegistry) Get(hostname string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[hostname]
	if !ok {
		return Device{}, false
	}
	return *dev, true
}

// Snapshot returns copies of all devices, hostname order.
func (r *DeviceRegistry) Snapshot() []Device {
	r.mu.Lock()
	out := make([]Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, *dev)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

// FindEligible lists hostnames matching the device type with a superset of the
// required tags, Idle and healthy. Order is oldest-idle first with hostname as
// the final tie-break, so repeated passes are deterministic and wear spreads
// across the pool.
func (r *DeviceRegistry) FindEligible(deviceType string, tags []string) []string {
	r.mu.Lock()
	eligible := make([]*Device, 0, len(r.devices))
	for _, dev := range r.devices {
		if dev.DeviceType != deviceType {
			continue
		}
		if dev.Status != StatusIdle || !dev.Health.Schedulable() {
			continue
		}
		if !dev.HasTags(tags) {
			continue
		}
		eligible = append(eligible, dev)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].LastIdle.Equal(eligible[j].LastIdle) {
			return eligible[i].LastIdle.Before(eligible[j].LastIdle)
		}
		return eligible[i].Hostname < eligible[j].Hostname
	})
	r.mu.Unlock()

	out := make([]string, len(eligible))
	for i, dev := range eligible {
		out[i] = dev.Hostname
	}
	return out
}

// Reserve is the reservation CAS: it succeeds only while the device is Idle
// and healthy, otherwise returns ErrConflict so the scheduler can retry the
// next candidate. Health checks may reserve a Looping device. The transition
// is written through to the store before returning so a multi-device
// reservation in progress survives a crash.
func (r *DeviceRegistry) Reserve(ctx context.Context, hostname, jobID string, healthCheck bool) error {
	r.mu.Lock()
	dev, ok := r.devices[hostname]
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(ErrUnknownDevice, "reserve %s", hostname)
	}
	allowed := dev.Health.Schedulable() || (healthCheck && dev.Health == HealthLooping)
	if dev.Status != StatusIdle || !allowed {
		status, health := dev.Status, dev.Health
		r.mu.Unlock()
		return errors.Wrapf(ErrConflict, "device %s is %s/%s", hostname, status, health)
	}
	dev.Status = StatusReserved
	dev.CurrentJob = jobID
	snapshot := *dev
	r.mu.Unlock()

	log.Debug().Str("hostname", hostname).Str("job_id", jobID).Msg("device reserved")
	return r.persist(ctx, snapshot)
}

// Release returns a device to Idle and clears its job reference. Releasing an
// Idle device is a no-op so rollback paths can be sloppy about double release.
func (r *DeviceRegistry) Release(ctx context.Context, hostname string) error {
	r.mu.Lock()
	dev, ok := r.devices[hostname]
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(ErrUnknownDevice, "release %s", hostname)
	}
	if dev.Status == StatusIdle {
		r.mu.Unlock()
		return nil
	}
	if !transitionAllowed(statusTransitions, dev.Status, StatusIdle) {
		status := dev.Status
		r.mu.Unlock()
		return errors.Wrapf(ErrIllegalTransition, "device %s: %s -> idle", hostname, status)
	}
	dev.Status = StatusIdle
	dev.CurrentJob = ""
	dev.LastIdle = time.Now()
	snapshot := *dev
	r.mu.Unlock()

	log.Debug().Str("hostname", hostname).Msg("device released")
	return r.persist(ctx, snapshot)
}

// MarkRunning moves a Reserved device to Running when its dispatch session
// starts.
func (r *DeviceRegistry) MarkRunning(ctx context.Context, hostname string) error {
	return r.setStatus(ctx, hostname, StatusRunning)
}

// SetOffline takes a device out of scheduling; SetOnline brings it back Idle.
func (r *DeviceRegistry) SetOffline(ctx context.Context, hostname string) error {
	return r.setStatus(ctx, hostname, StatusOffline)
}

func (r *DeviceRegistry) SetOnline(ctx context.Context, hostname string) error {
	return r.setStatus(ctx, hostname, StatusIdle)
}

func (r *DeviceRegistry) setStatus(ctx context.Context, hostname string, to DeviceStatus) error {
	r.mu.Lock()
	dev, ok := r.devices[hostname]
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(ErrUnknownDevice, "set status %s", hostname)
	}
	if dev.Status == to {
		r.mu.Unlock()
		return nil
	}
	if !transitionAllowed(statusTransitions, dev.Status, to) {
		from := dev.Status
		r.mu.Unlock()
		return errors.Wrapf(ErrIllegalTransition, "device %s: %s -> %s", hostname, from, to)
	}
	dev.Status = to
	if to == StatusIdle {
		dev.CurrentJob = ""
		dev.LastIdle = time.Now()
	}
	if to == StatusOffline {
		dev.CurrentJob = ""
	}
	snapshot := *dev
	r.mu.Unlock()

	log.Info().Str("hostname", hostname).Str("status", to.String()).Msg("device status changed")
	return r.persist(ctx, snapshot)
}

// SetHealth applies a health transition from the transition table, typically
// driven by health-check outcomes or an external probe result.
func (r *DeviceRegistry) SetHealth(ctx context.Context, hostname string, to DeviceHealth) error {
	r.mu.Lock()
	dev, ok := r.devices[hostname]
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(ErrUnknownDevice, "set health %s", hostname)
	}
	if dev.Health == to {
		r.mu.Unlock()
		return nil
	}
	if !transitionAllowed(healthTransitions, dev.Health, to) {
		from := dev.Health
		r.mu.Unlock()
		return errors.Wrapf(ErrIllegalTransition, "device %s: health %s -> %s", hostname, from, to)
	}
	dev.Health = to
	snapshot := *dev
	r.mu.Unlock()

	log.Info().Str("hostname", hostname).Str("health", to.String()).Msg("device health changed")
	return r.persist(ctx, snapshot)
}

// MarkHealthChecked records when the device last passed through a health-check
// job, for the periodic submitter.
func (r *DeviceRegistry) MarkHealthChecked(ctx context.Context, hostname string, at time.Time) error {
	r.mu.Lock()
	dev, ok := r.devices[hostname]
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(ErrUnknownDevice, "mark health checked %s", hostname)
	}
	dev.LastHealthCheck = at
	snapshot := *dev
	r.mu.Unlock()
	return r.persist(ctx, snapshot)
}

func (r *DeviceRegistry) persist(ctx context.Context, dev Device) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveDevice(ctx, dev); err != nil {
		return errors.Wrapf(err, "persist device %s", dev.Hostname)
	}
	return nil
}
