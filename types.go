package labsched

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// DeviceHealth describes whether a device is trusted to run jobs.
type DeviceHealth int

const (
	HealthUnknown DeviceHealth = iota
	HealthGood
	HealthLooping
	HealthBad
	HealthMaintenance
	HealthRetired
)

func (h DeviceHealth) String() string {
	switch h {
	case HealthGood:
		return "good"
	case HealthLooping:
		return "looping"
	case HealthBad:
		return "bad"
	case HealthMaintenance:
		return "maintenance"
	case HealthRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// Schedulable reports whether a device in this health state may ever be
// matched to a job. Looping devices still accept health checks only.
func (h DeviceHealth) Schedulable() bool {
	switch h {
	case HealthGood, HealthUnknown:
		return true
	default:
		return false
	}
}

// DeviceStatus describes where a device is in the scheduling cycle.
type DeviceStatus int

const (
	StatusIdle DeviceStatus = iota
	StatusReserved
	StatusRunning
	StatusOffline
)

func (s DeviceStatus) String() string {
	switch s {
	case StatusReserved:
		return "reserved"
	case StatusRunning:
		return "running"
	case StatusOffline:
		return "offline"
	default:
		return "idle"
	}
}

// statusTransitions is the authoritative device status transition table.
// Reservation is a CAS on Idle and handled separately in Reserve.
var statusTransitions = map[DeviceStatus][]DeviceStatus{
	StatusIdle:     {StatusReserved, StatusOffline},
	StatusReserved: {StatusRunning, StatusIdle, StatusOffline},
	StatusRunning:  {StatusIdle, StatusOffline},
	StatusOffline:  {StatusIdle},
}

// healthTransitions restricts how health may move. Retired is terminal except
// for an explicit re-admission back to Unknown.
var healthTransitions = map[DeviceHealth][]DeviceHealth{
	HealthUnknown:     {HealthGood, HealthLooping, HealthBad, HealthMaintenance, HealthRetired},
	HealthGood:        {HealthUnknown, HealthLooping, HealthBad, HealthMaintenance, HealthRetired},
	HealthLooping:     {HealthUnknown, HealthGood, HealthBad, HealthMaintenance, HealthRetired},
	HealthBad:         {HealthUnknown, HealthMaintenance, HealthRetired},
	HealthMaintenance: {HealthUnknown, HealthRetired},
	HealthRetired:     {HealthUnknown},
}

func transitionAllowed[T comparable](table map[T][]T, from, to T) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Device is a single schedulable lab device.
type Device struct {
	Hostname   string
	DeviceType string
	Tags       []string
	Health     DeviceHealth
	Status     DeviceStatus
	CurrentJob string
	// LastIdle is when the device last became Idle; eligible devices are
	// offered oldest-idle first to spread wear.
	LastIdle        time.Time
	LastHealthCheck time.Time
}

// HasTags reports whether the device carries every requested tag.
func (d *Device) HasTags(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range d.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// JobPriority follows the original scheduler's numeric tiers so new tiers can
// be slotted in between without renumbering.
type JobPriority int

const (
	PriorityLow    JobPriority = 0
	PriorityMedium JobPriority = 50
	PriorityHigh   JobPriority = 100
)

func (p JobPriority) String() string {
	switch {
	case p >= PriorityHigh:
		return "high"
	case p >= PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// JobState is the job lifecycle state machine.
type JobState int

const (
	JobSubmitted JobState = iota
	JobScheduled
	JobRunning
	JobComplete
	JobIncomplete
	JobCanceled
)

func (s JobState) String() string {
	switch s {
	case JobScheduled:
		return "scheduled"
	case JobRunning:
		return "running"
	case JobComplete:
		return "complete"
	case JobIncomplete:
		return "incomplete"
	case JobCanceled:
		return "canceled"
	default:
		return "submitted"
	}
}

// Terminal reports whether the state ends the job.
func (s JobState) Terminal() bool {
	switch s {
	case JobComplete, JobIncomplete, JobCanceled:
		return true
	default:
		return false
	}
}

var jobTransitions = map[JobState][]JobState{
	JobSubmitted: {JobScheduled, JobCanceled},
	JobScheduled: {JobRunning, JobIncomplete, JobCanceled, JobSubmitted},
	JobRunning:   {JobComplete, JobIncomplete, JobCanceled},
}

// DeviceSpec selects a single device by type and required tags. RequestedDevice
// pins a specific hostname and is used by health checks.
type DeviceSpec struct {
	DeviceType      string   `json:"device_type"`
	Tags            []string `json:"tags,omitempty"`
	RequestedDevice string   `json:"requested_device,omitempty"`
}

// RoleSpec declares one role of a MultiNode job.
type RoleSpec struct {
	DeviceType string   `json:"device_type"`
	Count      int      `json:"count"`
	Tags       []string `json:"tags,omitempty"`
}

// JobSpec is the inbound job description. Exactly one of Device or Roles must
// be set.
type JobSpec struct {
	Priority    JobPriority         `json:"priority"`
	Device      *DeviceSpec         `json:"device,omitempty"`
	Roles       map[string]RoleSpec `json:"roles,omitempty"`
	HealthCheck bool                `json:"health_check,omitempty"`
}

// Validate rejects malformed specs before they reach the queue.
func (s JobSpec) Validate() error {
	if s.Device == nil && len(s.Roles) == 0 {
		return errors.New("job spec: either device or roles must be set")
	}
	if s.Device != nil && len(s.Roles) > 0 {
		return errors.New("job spec: device and roles are mutually exclusive")
	}
	if s.Device != nil && s.Device.DeviceType == "" && s.Device.RequestedDevice == "" {
		return errors.New("job spec: device_type is required")
	}
	for role, rs := range s.Roles {
		if role == "" {
			return errors.New("job spec: role name cannot be empty")
		}
		if rs.DeviceType == "" {
			return errors.Errorf("job spec: role %s: device_type is required", role)
		}
		if rs.Count <= 0 {
			return errors.Errorf("job spec: role %s: count must be positive", role)
		}
	}
	return nil
}

// MultiNode reports whether the spec spans a device group.
func (s JobSpec) MultiNode() bool { return len(s.Roles) > 0 }

// Job is a queued or running test job.
type Job struct {
	ID         string
	Spec       JobSpec
	State      JobState
	SubmitTime time.Time
	seq        int64

	// Filled at scheduling time.
	GroupID string
	Devices []string // reserved hostnames, single-device jobs have one

	// Per-device terminal outcomes, filled by the dispatch gateway.
	Outcomes map[string]JobState

	FailReason string
	EndTime    time.Time
}

// GroupBinding is the (role, device) assignment of one MultiNode job, shared
// by every member device's dispatch session.
type GroupBinding struct {
	GroupID string              `json:"group_id"`
	JobID   string              `json:"job_id"`
	Roles   map[string][]string `json:"roles"` // role -> hostnames
}

// RoleOf returns the role a member hostname is bound to.
func (b *GroupBinding) RoleOf(hostname string) string {
	if b == nil {
		return ""
	}
	for role, hosts := range b.Roles {
		for _, h := range hosts {
			if h == hostname {
				return role
			}
		}
	}
	return ""
}

// Size is the total member count across all roles.
func (b *GroupBinding) Size() int {
	if b == nil {
		return 0
	}
	n := 0
	for _, hosts := range b.Roles {
		n += len(hosts)
	}
	return n
}

// Gateway is the dispatch boundary: it drives the action pipeline on one
// reserved device and reports the terminal status back through
// Lab.ReportOutcome. Start returns once the assignment has been handed to the
// remote dispatcher; a returned error means the dispatcher never took the job.
type Gateway interface {
	Start(ctx context.Context, device Device, job *Job, binding *GroupBinding) error
	Cancel(ctx context.Context, jobID, hostname string) error
}

// Store persists scheduler state so a restart can re-derive it. Implemented by
// internal/storage; a nil store keeps everything in memory.
type Store interface {
	SaveDevice(ctx context.Context, dev Device) error
	DeleteDevice(ctx context.Context, hostname string) error
	LoadDevices(ctx context.Context) ([]Device, error)
	SaveJob(ctx context.Context, job *Job) error
	LoadJobs(ctx context.Context) ([]*Job, error)
	SaveGroup(ctx context.Context, binding GroupBinding) error
	DeleteGroup(ctx context.Context, groupID string) error
	LoadGroups(ctx context.Context) ([]GroupBinding, error)
	SaveMessage(ctx context.Context, rec MessageRecord) error
	ConsumeMessage(ctx context.Context, groupID, messageID, toRole string) error
	DeleteMessages(ctx context.Context, groupID string) error
	LoadMessages(ctx context.Context) ([]MessageRecord, error)
	Close() error
}

// MessageRecord is a persisted coordinator message pending consumption.
type MessageRecord struct {
	GroupID   string
	MessageID string
	FromRole  string
	ToRole    string
	Payload   map[string]any
	SentAt    time.Time
}
