package labsched

import "github.com/pkg/errors"

// Error taxonomy for scheduling and coordination. Conflict and Infeasible are
// recovered locally and never reach the job owner; the rest terminate the job
// with a recorded reason.
var (
	// ErrConflict means a reservation CAS lost a race. Retry another device.
	ErrConflict = errors.New("device reservation conflict")

	// ErrInfeasible means no devices currently satisfy the job spec. The job
	// stays queued and is surfaced only through queue depth/age stats.
	ErrInfeasible = errors.New("no eligible devices")

	// ErrPeerFailed unblocks coordinator callers when a group member's job
	// went Incomplete. Distinct from ErrTimeout: the peer is known to be gone.
	ErrPeerFailed = errors.New("multinode peer failed")

	// ErrTimeout means no signal arrived within the caller's bound.
	ErrTimeout = errors.New("wait timed out")

	// ErrCanceled unblocks coordinator callers when the group was torn down
	// because the job ended, distinguishing "job over" from "nobody came".
	ErrCanceled = errors.New("group canceled")

	// ErrInfrastructure marks dispatcher/device loss mid-run.
	ErrInfrastructure = errors.New("infrastructure error")

	// ErrIllegalTransition rejects state changes outside the transition tables.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrUnknownJob and ErrUnknownDevice reject operations on absent entities.
	ErrUnknownJob    = errors.New("unknown job")
	ErrUnknownDevice = errors.New("unknown device")
	ErrUnknownGroup  = errors.New("unknown group")
)
