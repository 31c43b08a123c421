package labsched

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// submitFunc submits a job spec; wired to Lab.SubmitJob.
type submitFunc func(ctx context.Context, spec JobSpec) (string, error)

// HealthChecker periodically submits a pinned High-priority health-check job
// for every device that is due one. Health-check outcomes drive health
// transitions in Lab.reportOutcome; this type only decides who is due.
type HealthChecker struct {
	cron     *cron.Cron
	spec     string
	every    time.Duration
	registry *DeviceRegistry
	queue    *JobQueue
	submit   submitFunc
}

func NewHealthChecker(cronSpec string, every time.Duration, registry *DeviceRegistry, queue *JobQueue, submit submitFunc) *HealthChecker {
	if cronSpec == "" {
		cronSpec = "@every 5m"
	}
	return &HealthChecker{
		cron:     cron.New(),
		spec:     cronSpec,
		every:    every,
		registry: registry,
		queue:    queue,
		submit:   submit,
	}
}

// Start schedules the periodic scan. Errors from a malformed cron spec are
// fatal at wiring time, not silently ignored.
func (h *HealthChecker) Start() {
	if _, err := h.cron.AddFunc(h.spec, func() {
		h.SubmitDue(context.Background())
	}); err != nil {
		log.Fatal().Err(err).Str("cron", h.spec).Msg("invalid health-check cron spec")
	}
	h.cron.Start()
}

func (h *HealthChecker) Stop() {
	h.cron.Stop()
}

// SubmitDue enqueues a health-check job for every idle device whose last
// check is older than the configured interval and which has none pending.
func (h *HealthChecker) SubmitDue(ctx context.Context) {
	pending := h.pendingHealthChecks()
	now := time.Now()
	for _, dev := range h.registry.Snapshot() {
		if dev.Status != StatusIdle {
			continue
		}
		switch dev.Health {
		case HealthGood, HealthUnknown, HealthLooping:
		default:
			continue
		}
		if now.Sub(dev.LastHealthCheck) < h.every {
			continue
		}
		if _, exists := pending[dev.Hostname]; exists {
			continue
		}
		spec := JobSpec{
			Priority:    PriorityHigh,
			HealthCheck: true,
			Device: &DeviceSpec{
				DeviceType:      dev.DeviceType,
				RequestedDevice: dev.Hostname,
			},
		}
		if _, err := h.submit(ctx, spec); err != nil {
			log.Error().Err(err).Str("hostname", dev.Hostname).Msg("submit health check failed")
			continue
		}
		log.Info().Str("hostname", dev.Hostname).Msg("health check submitted")
	}
}

// pendingHealthChecks maps hostnames that already have a non-terminal
// health-check job.
func (h *HealthChecker) pendingHealthChecks() map[string]struct{} {
	pending := make(map[string]struct{})
	for _, job := range h.queue.Jobs() {
		if job.State.Terminal() || !job.Spec.HealthCheck || job.Spec.Device == nil {
			continue
		}
		if target := job.Spec.Device.RequestedDevice; target != "" {
			pending[target] = struct{}{}
		}
	}
	return pending
}
