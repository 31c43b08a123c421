package labsched

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Recover re-derives scheduler state from the store after a restart.
// Recovery is idempotent: jobs left Scheduled or Running with devices still
// Reserved resume dispatch, orphaned reservations with no live job are
// released, and half-written group reservations are rolled back.
func (l *Lab) Recover(ctx context.Context) error {
	if l.store == nil {
		return nil
	}

	devices, err := l.store.LoadDevices(ctx)
	if err != nil {
		return errors.Wrap(err, "load devices")
	}
	for _, dev := range devices {
		if err := l.Registry.Add(ctx, dev); err != nil {
			return err
		}
	}

	jobs, err := l.store.LoadJobs(ctx)
	if err != nil {
		return errors.Wrap(err, "load jobs")
	}
	live := make(map[string]*Job)
	for _, job := range jobs {
		l.Queue.restore(job)
		if !job.State.Terminal() {
			live[job.ID] = job
		}
	}

	groups, err := l.store.LoadGroups(ctx)
	if err != nil {
		return errors.Wrap(err, "load groups")
	}
	for _, binding := range groups {
		if _, ok := live[binding.JobID]; !ok {
			// Group outlived its job; drop it.
			if err := l.store.DeleteMessages(ctx, binding.GroupID); err != nil {
				log.Error().Err(err).Str("group_id", binding.GroupID).Msg("recovery: drop messages failed")
			}
			if err := l.store.DeleteGroup(ctx, binding.GroupID); err != nil {
				log.Error().Err(err).Str("group_id", binding.GroupID).Msg("recovery: drop group failed")
			}
			continue
		}
		if err := l.Coord.restoreGroup(binding); err != nil {
			return errors.Wrapf(err, "restore group %s", binding.GroupID)
		}
	}

	messages, err := l.store.LoadMessages(ctx)
	if err != nil {
		return errors.Wrap(err, "load messages")
	}
	for _, rec := range messages {
		if err := l.Coord.restoreMessage(rec); err != nil {
			log.Warn().Err(err).Str("message_id", rec.MessageID).Msg("recovery: message dropped")
		}
	}

	// Release orphaned reservations and resume live assignments.
	reservedBy := make(map[string]string) // hostname -> job id holding it
	for _, job := range live {
		if job.State == JobScheduled || job.State == JobRunning {
			for _, hostname := range job.Devices {
				reservedBy[hostname] = job.ID
			}
		}
	}
	for _, dev := range l.Registry.Snapshot() {
		if dev.Status != StatusReserved && dev.Status != StatusRunning {
			continue
		}
		owner, ok := reservedBy[dev.Hostname]
		if !ok || (dev.CurrentJob != "" && dev.CurrentJob != owner) {
			log.Warn().Str("hostname", dev.Hostname).Msg("recovery: releasing orphaned reservation")
			if err := l.Registry.Release(ctx, dev.Hostname); err != nil {
				return err
			}
		}
	}

	for _, job := range live {
		switch job.State {
		case JobScheduled, JobRunning:
			if l.devicesStillHeld(job) {
				log.Info().Str("job_id", job.ID).Msg("recovery: resuming dispatch")
				if job.State == JobScheduled {
					l.dispatcher.Launch(job.ID)
				} else {
					l.resumeRunning(ctx, job)
				}
			} else if job.State == JobScheduled {
				// Half-written reservation: put the job back in the queue.
				log.Warn().Str("job_id", job.ID).Msg("recovery: reservation incomplete, requeueing")
				l.rollbackToSubmitted(ctx, job)
			} else {
				// A Running job without its devices cannot be resumed safely.
				log.Warn().Str("job_id", job.ID).Msg("recovery: running job lost its devices")
				l.failLostJob(ctx, job)
			}
		}
	}
	return nil
}

func (l *Lab) devicesStillHeld(job *Job) bool {
	if len(job.Devices) == 0 {
		return false
	}
	for _, hostname := range job.Devices {
		dev, ok := l.Registry.Get(hostname)
		if !ok {
			return false
		}
		if dev.CurrentJob != job.ID || (dev.Status != StatusReserved && dev.Status != StatusRunning) {
			return false
		}
	}
	return true
}

// resumeRunning re-attaches dispatch units to a job that was already Running:
// devices that have not reported yet get their assignment re-sent, which the
// gateway treats idempotently.
func (l *Lab) resumeRunning(ctx context.Context, job *Job) {
	for _, hostname := range job.Devices {
		if _, reported := job.Outcomes[hostname]; reported {
			continue
		}
		dev, ok := l.Registry.Get(hostname)
		if !ok {
			continue
		}
		var binding *GroupBinding
		if job.GroupID != "" {
			if b, ok := l.Coord.Binding(job.GroupID); ok {
				binding = &b
			}
		}
		if err := l.gateway.Start(ctx, dev, job, binding); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Str("hostname", hostname).Msg("recovery: resume failed")
			l.reportOutcome(ctx, job.ID, hostname, JobIncomplete,
				errors.Wrap(ErrInfrastructure, err.Error()).Error())
		}
	}
}

func (l *Lab) failLostJob(ctx context.Context, job *Job) {
	for _, hostname := range job.Devices {
		if dev, ok := l.Registry.Get(hostname); ok && dev.CurrentJob == job.ID {
			if err := l.Registry.Release(ctx, hostname); err != nil {
				log.Error().Err(err).Str("hostname", hostname).Msg("recovery: release failed")
			}
		}
	}
	if job.GroupID != "" {
		l.Coord.Teardown(ctx, job.GroupID)
	}
	if err := l.Queue.Transition(ctx, job.ID, JobIncomplete, func(j *Job) {
		j.FailReason = errors.Wrap(ErrInfrastructure, "devices lost across restart").Error()
	}); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("recovery: fail job failed")
	}
}

func (l *Lab) rollbackToSubmitted(ctx context.Context, job *Job) {
	for _, hostname := range job.Devices {
		if dev, ok := l.Registry.Get(hostname); ok && dev.CurrentJob == job.ID {
			if err := l.Registry.Release(ctx, hostname); err != nil {
				log.Error().Err(err).Str("hostname", hostname).Msg("recovery: rollback release failed")
			}
		}
	}
	if job.GroupID != "" {
		l.Coord.Teardown(ctx, job.GroupID)
	}
	if err := l.Queue.Transition(ctx, job.ID, JobSubmitted, func(j *Job) {
		j.GroupID = ""
		j.Devices = nil
	}); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("recovery: requeue failed")
	}
}
