// Package storage persists scheduler state in SQLite so a lab can re-derive
// its queue, reservations and multinode groups after a restart.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	labsched "github.com/testfarm/labsched"
	"github.com/testfarm/labsched/internal/config"
)

// EnvDatabasePath overrides where the sqlite database lives.
const EnvDatabasePath = "LABSCHED_DB_PATH"

// Store is a labsched.Store backed by a single sqlite file.
type Store struct {
	db *sql.DB
}

var _ labsched.Store = (*Store)(nil)

// ResolveDatabasePath returns the configured database location.
func ResolveDatabasePath() string {
	return config.String(EnvDatabasePath, "labsched.sqlite")
}

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite database %s", path)
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func configure(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrapf(err, "execute sqlite pragma %s failed", stmt)
		}
	}
	db.SetMaxOpenConns(1)
	return nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			hostname TEXT PRIMARY KEY,
			device_type TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			health INTEGER NOT NULL,
			status INTEGER NOT NULL,
			current_job TEXT NOT NULL DEFAULT '',
			last_idle INTEGER NOT NULL DEFAULT 0,
			last_health_check INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			spec TEXT NOT NULL,
			state INTEGER NOT NULL,
			submit_time INTEGER NOT NULL,
			group_id TEXT NOT NULL DEFAULT '',
			devices TEXT NOT NULL DEFAULT '[]',
			outcomes TEXT NOT NULL DEFAULT '{}',
			fail_reason TEXT NOT NULL DEFAULT '',
			end_time INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS device_groups (
			group_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			roles TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			group_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			from_role TEXT NOT NULL,
			to_role TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			sent_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id, message_id, to_role)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "ensure schema failed")
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveDevice(ctx context.Context, dev labsched.Device) error {
	tags, err := json.Marshal(dev.Tags)
	if err != nil {
		return errors.Wrap(err, "encode device tags")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (hostname, device_type, tags, health, status, current_job, last_idle, last_health_check)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hostname) DO UPDATE SET
			device_type=excluded.device_type,
			tags=excluded.tags,
			health=excluded.health,
			status=excluded.status,
			current_job=excluded.current_job,
			last_idle=excluded.last_idle,
			last_health_check=excluded.last_health_check`,
		dev.Hostname, dev.DeviceType, string(tags), int(dev.Health), int(dev.Status),
		dev.CurrentJob, dev.LastIdle.UnixNano(), dev.LastHealthCheck.UnixNano())
	return errors.Wrapf(err, "save device %s", dev.Hostname)
}

func (s *Store) DeleteDevice(ctx context.Context, hostname string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE hostname = ?`, hostname)
	return errors.Wrapf(err, "delete device %s", hostname)
}

func (s *Store) LoadDevices(ctx context.Context) ([]labsched.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hostname, device_type, tags, health, status, current_job, last_idle, last_health_check
		FROM devices ORDER BY hostname`)
	if err != nil {
		return nil, errors.Wrap(err, "load devices")
	}
	defer rows.Close()

	var out []labsched.Device
	for rows.Next() {
		var dev labsched.Device
		var tags string
		var health, status int
		var lastIdle, lastCheck int64
		if err := rows.Scan(&dev.Hostname, &dev.DeviceType, &tags, &health, &status,
			&dev.CurrentJob, &lastIdle, &lastCheck); err != nil {
			return nil, errors.Wrap(err, "scan device row")
		}
		if err := json.Unmarshal([]byte(tags), &dev.Tags); err != nil {
			return nil, errors.Wrapf(err, "decode tags for %s", dev.Hostname)
		}
		dev.Health = labsched.DeviceHealth(health)
		dev.Status = labsched.DeviceStatus(status)
		dev.LastIdle = time.Unix(0, lastIdle)
		dev.LastHealthCheck = time.Unix(0, lastCheck)
		out = append(out, dev)
	}
	return out, rows.Err()
}

func (s *Store) SaveJob(ctx context.Context, job *labsched.Job) error {
	spec, err := json.Marshal(job.Spec)
	if err != nil {
		return errors.Wrap(err, "encode job spec")
	}
	devices, err := json.Marshal(job.Devices)
	if err != nil {
		return errors.Wrap(err, "encode job devices")
	}
	outcomes, err := json.Marshal(job.Outcomes)
	if err != nil {
		return errors.Wrap(err, "encode job outcomes")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, spec, state, submit_time, group_id, devices, outcomes, fail_reason, end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			spec=excluded.spec,
			state=excluded.state,
			group_id=excluded.group_id,
			devices=excluded.devices,
			outcomes=excluded.outcomes,
			fail_reason=excluded.fail_reason,
			end_time=excluded.end_time`,
		job.ID, string(spec), int(job.State), job.SubmitTime.UnixNano(),
		job.GroupID, string(devices), string(outcomes), job.FailReason, job.EndTime.UnixNano())
	return errors.Wrapf(err, "save job %s", job.ID)
}

func (s *Store) LoadJobs(ctx context.Context) ([]*labsched.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, spec, state, submit_time, group_id, devices, outcomes, fail_reason, end_time
		FROM jobs ORDER BY submit_time`)
	if err != nil {
		return nil, errors.Wrap(err, "load jobs")
	}
	defer rows.Close()

	var out []*labsched.Job
	for rows.Next() {
		job := &labsched.Job{}
		var spec, devices, outcomes string
		var state int
		var submitTime, endTime int64
		if err := rows.Scan(&job.ID, &spec, &state, &submitTime, &job.GroupID,
			&devices, &outcomes, &job.FailReason, &endTime); err != nil {
			return nil, errors.Wrap(err, "scan job row")
		}
		if err := json.Unmarshal([]byte(spec), &job.Spec); err != nil {
			return nil, errors.Wrapf(err, "decode spec for %s", job.ID)
		}
		if err := json.Unmarshal([]byte(devices), &job.Devices); err != nil {
			return nil, errors.Wrapf(err, "decode devices for %s", job.ID)
		}
		if err := json.Unmarshal([]byte(outcomes), &job.Outcomes); err != nil {
			return nil, errors.Wrapf(err, "decode outcomes for %s", job.ID)
		}
		job.State = labsched.JobState(state)
		job.SubmitTime = time.Unix(0, submitTime)
		if endTime > 0 {
			job.EndTime = time.Unix(0, endTime)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Store) SaveGroup(ctx context.Context, binding labsched.GroupBinding) error {
	roles, err := json.Marshal(binding.Roles)
	if err != nil {
		return errors.Wrap(err, "encode group roles")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO device_groups (group_id, job_id, roles) VALUES (?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET job_id=excluded.job_id, roles=excluded.roles`,
		binding.GroupID, binding.JobID, string(roles))
	return errors.Wrapf(err, "save group %s", binding.GroupID)
}

func (s *Store) DeleteGroup(ctx context.Context, groupID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM device_groups WHERE group_id = ?`, groupID)
	return errors.Wrapf(err, "delete group %s", groupID)
}

func (s *Store) LoadGroups(ctx context.Context) ([]labsched.GroupBinding, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_id, job_id, roles FROM device_groups`)
	if err != nil {
		return nil, errors.Wrap(err, "load groups")
	}
	defer rows.Close()

	var out []labsched.GroupBinding
	for rows.Next() {
		var binding labsched.GroupBinding
		var roles string
		if err := rows.Scan(&binding.GroupID, &binding.JobID, &roles); err != nil {
			return nil, errors.Wrap(err, "scan group row")
		}
		if err := json.Unmarshal([]byte(roles), &binding.Roles); err != nil {
			return nil, errors.Wrapf(err, "decode roles for %s", binding.GroupID)
		}
		out = append(out, binding)
	}
	return out, rows.Err()
}

func (s *Store) SaveMessage(ctx context.Context, rec labsched.MessageRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return errors.Wrap(err, "encode message payload")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (group_id, message_id, from_role, to_role, payload, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.GroupID, rec.MessageID, rec.FromRole, rec.ToRole, string(payload), rec.SentAt.UnixNano())
	return errors.Wrapf(err, "save message %s", rec.MessageID)
}

// ConsumeMessage deletes one pending copy for the recipient, oldest first.
func (s *Store) ConsumeMessage(ctx context.Context, groupID, messageID, toRole string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE rowid IN (
			SELECT rowid FROM messages
			WHERE group_id = ? AND message_id = ? AND to_role = ?
			ORDER BY sent_at LIMIT 1
		)`, groupID, messageID, toRole)
	return errors.Wrapf(err, "consume message %s", messageID)
}

func (s *Store) DeleteMessages(ctx context.Context, groupID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE group_id = ?`, groupID)
	return errors.Wrapf(err, "delete messages for group %s", groupID)
}

func (s *Store) LoadMessages(ctx context.Context) ([]labsched.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, message_id, from_role, to_role, payload, sent_at
		FROM messages ORDER BY sent_at`)
	if err != nil {
		return nil, errors.Wrap(err, "load messages")
	}
	defer rows.Close()

	var out []labsched.MessageRecord
	for rows.Next() {
		var rec labsched.MessageRecord
		var payload string
		var sentAt int64
		if err := rows.Scan(&rec.GroupID, &rec.MessageID, &rec.FromRole, &rec.ToRole, &payload, &sentAt); err != nil {
			return nil, errors.Wrap(err, "scan message row")
		}
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return nil, errors.Wrapf(err, "decode payload for %s", rec.MessageID)
		}
		rec.SentAt = time.Unix(0, sentAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}
