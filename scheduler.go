package labsched

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// SchedulerConfig controls the scheduling loop.
type SchedulerConfig struct {
	// PassInterval is the periodic scheduling pass cadence. Submits and device
	// state changes additionally trigger an immediate pass.
	PassInterval time.Duration
}

// Scheduler matches queued jobs to eligible devices. Passes are serialized by
// a single mutex; each device reservation remains an independent CAS so
// concurrent passes (periodic and event-triggered) never double-book a device
// and unrelated jobs still schedule in parallel.
type Scheduler struct {
	cfg        SchedulerConfig
	registry   *DeviceRegistry
	queue      *JobQueue
	coord      *Coordinator
	dispatcher *dispatcher

	passMu  chan struct{} // buffered(1), held for the duration of one pass
	trigger chan struct{}
}

func NewScheduler(cfg SchedulerConfig, registry *DeviceRegistry, queue *JobQueue, coord *Coordinator, dispatcher *dispatcher) *Scheduler {
	if cfg.PassInterval <= 0 {
		cfg.PassInterval = 10 * time.Second
	}
	s := &Scheduler{
		cfg:        cfg,
		registry:   registry,
		queue:      queue,
		coord:      coord,
		dispatcher: dispatcher,
		passMu:     make(chan struct{}, 1),
		trigger:    make(chan struct{}, 1),
	}
	s.passMu <- struct{}{}
	return s
}

// Trigger requests an immediate scheduling pass, coalescing with any pass
// already pending.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start runs the scheduling loop until the context is cancelled. An initial
// pass runs immediately so freshly recovered queues drain without waiting for
// the first tick.
func (s *Scheduler) Start(ctx context.Context, group *errgroup.Group) {
	GroupGoSafe(ctx, group, "scheduler", func(ctx context.Context) error {
		if err := s.RunPass(ctx); err != nil {
			log.Error().Err(err).Msg("initial scheduling pass failed")
		}
		ticker := time.NewTicker(s.cfg.PassInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			case <-s.trigger:
			}
			if err := s.RunPass(ctx); err != nil {
				log.Error().Err(err).Msg("scheduling pass failed")
			}
		}
	})
}

// RunPass executes one serialized scheduling pass over the queue.
func (s *Scheduler) RunPass(ctx context.Context) error {
	select {
	case <-s.passMu:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { s.passMu <- struct{}{} }()

	scheduled := 0
	for _, jobID := range s.queue.Candidates() {
		job, ok := s.queue.Get(jobID)
		if !ok || job.State != JobSubmitted {
			continue
		}
		var err error
		if job.Spec.MultiNode() {
			err = s.scheduleMultiNode(ctx, &job)
		} else {
			err = s.scheduleSingle(ctx, &job)
		}
		switch {
		case err == nil:
			scheduled++
		case errors.Is(err, ErrInfeasible):
			// Job stays Submitted, visible only through queue stats.
		default:
			return errors.Wrapf(err, "schedule job %s", jobID)
		}
	}
	if scheduled > 0 {
		log.Info().Int("scheduled", scheduled).Msg("scheduling pass complete")
	}
	return nil
}

// scheduleSingle finds one eligible device, reserves it, and hands the job to
// dispatch. A reservation Conflict moves on to the next candidate device
// before giving up for this pass.
func (s *Scheduler) scheduleSingle(ctx context.Context, job *Job) error {
	spec := job.Spec.Device
	var candidates []string
	if spec.RequestedDevice != "" {
		// Health checks and admin jobs pin a specific device.
		dev, ok := s.registry.Get(spec.RequestedDevice)
		if !ok || dev.Status != StatusIdle {
			return ErrInfeasible
		}
		candidates = []string{spec.RequestedDevice}
	} else {
		candidates = s.registry.FindEligible(spec.DeviceType, spec.Tags)
	}
	if len(candidates) == 0 {
		return ErrInfeasible
	}

	for _, hostname := range candidates {
		err := s.registry.Reserve(ctx, hostname, job.ID, job.Spec.HealthCheck)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		if err := s.queue.Transition(ctx, job.ID, JobScheduled, func(j *Job) {
			j.Devices = []string{hostname}
		}); err != nil {
			// Should not happen inside the serialized pass; undo the
			// reservation rather than leaking it.
			if relErr := s.registry.Release(ctx, hostname); relErr != nil {
				log.Error().Err(relErr).Str("hostname", hostname).Msg("rollback release failed")
			}
			return err
		}
		log.Info().Str("job_id", job.ID).Str("hostname", hostname).Msg("job scheduled")
		s.dispatcher.Launch(job.ID)
		return nil
	}
	return ErrInfeasible
}

// scheduleMultiNode computes a full binding across every role before touching
// any device, then commits the reservations in lexicographic hostname order.
// If any CAS fails the whole attempt rolls back, so a partially formed group
// is never observable.
func (s *Scheduler) scheduleMultiNode(ctx context.Context, job *Job) error {
	plan, err := s.planGroup(job)
	if err != nil {
		return err
	}

	reserveOrder := make([]string, 0, len(plan))
	for hostname := range plan {
		reserveOrder = append(reserveOrder, hostname)
	}
	sort.Strings(reserveOrder)

	reserved := make([]string, 0, len(reserveOrder))
	rollback := func() {
		for _, h := range reserved {
			if relErr := s.registry.Release(ctx, h); relErr != nil {
				log.Error().Err(relErr).Str("hostname", h).Msg("group rollback release failed")
			}
		}
	}
	for _, hostname := range reserveOrder {
		if err := s.registry.Reserve(ctx, hostname, job.ID, false); err != nil {
			rollback()
			if errors.Is(err, ErrConflict) {
				log.Debug().Str("job_id", job.ID).Str("hostname", hostname).Msg("group reservation lost race, rolled back")
				return ErrInfeasible
			}
			return err
		}
		reserved = append(reserved, hostname)
	}

	binding := GroupBinding{
		GroupID: uuid.NewString(),
		JobID:   job.ID,
		Roles:   make(map[string][]string, len(job.Spec.Roles)),
	}
	for hostname, role := range plan {
		binding.Roles[role] = append(binding.Roles[role], hostname)
	}
	for role := range binding.Roles {
		sort.Strings(binding.Roles[role])
	}

	if err := s.coord.DeclareGroup(ctx, binding); err != nil {
		rollback()
		return err
	}
	if err := s.queue.Transition(ctx, job.ID, JobScheduled, func(j *Job) {
		j.GroupID = binding.GroupID
		j.Devices = append([]string(nil), reserveOrder...)
	}); err != nil {
		s.coord.Teardown(ctx, binding.GroupID)
		rollback()
		return err
	}

	log.Info().
		Str("job_id", job.ID).
		Str("group_id", binding.GroupID).
		Int("devices", len(reserveOrder)).
		Msg("multinode job scheduled")
	s.dispatcher.Launch(job.ID)
	return nil
}

// planGroup proposes a hostname->role assignment satisfying every role's
// count, without reserving anything. Devices are taken oldest-idle first and
// never shared across roles.
func (s *Scheduler) planGroup(job *Job) (map[string]string, error) {
	roles := make([]string, 0, len(job.Spec.Roles))
	for role := range job.Spec.Roles {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	plan := make(map[string]string)
	for _, role := range roles {
		spec := job.Spec.Roles[role]
		assigned := 0
		for _, hostname := range s.registry.FindEligible(spec.DeviceType, spec.Tags) {
			if _, taken := plan[hostname]; taken {
				continue
			}
			plan[hostname] = role
			assigned++
			if assigned == spec.Count {
				break
			}
		}
		if assigned < spec.Count {
			return nil, ErrInfeasible
		}
	}
	return plan, nil
}
