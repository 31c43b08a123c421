package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	labsched "github.com/testfarm/labsched"
)

type handlers struct {
	lab *labsched.Lab
}

// defaultWait bounds coordinator long-polls when the caller gives no timeout.
const defaultWait = 30 * time.Second

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("api: encode response failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, labsched.ErrUnknownJob),
		errors.Is(err, labsched.ErrUnknownDevice),
		errors.Is(err, labsched.ErrUnknownGroup):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, labsched.ErrTimeout):
		status, code = http.StatusRequestTimeout, "timeout"
	case errors.Is(err, labsched.ErrPeerFailed):
		status, code = http.StatusGone, "peer_failed"
	case errors.Is(err, labsched.ErrCanceled):
		status, code = http.StatusGone, "canceled"
	case errors.Is(err, labsched.ErrIllegalTransition):
		status, code = http.StatusConflict, "illegal_transition"
	}
	writeJSON(w, status, map[string]string{"error": code, "message": err.Error()})
}

type submitJobResp struct {
	JobID string `json:"job_id"`
}

func (h *handlers) submitJob(w http.ResponseWriter, r *http.Request) {
	var spec labsched.JobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": err.Error()})
		return
	}
	id, err := h.lab.SubmitJob(r.Context(), spec)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, submitJobResp{JobID: id})
}

type jobResp struct {
	ID         string           `json:"id"`
	State      string           `json:"state"`
	Priority   string           `json:"priority"`
	GroupID    string           `json:"group_id,omitempty"`
	Devices    []string         `json:"devices,omitempty"`
	FailReason string           `json:"fail_reason,omitempty"`
	SubmitTime time.Time        `json:"submit_time"`
	Spec       labsched.JobSpec `json:"spec"`
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.lab.Queue.Get(chi.URLParam(r, "jobID"))
	if !ok {
		writeError(w, labsched.ErrUnknownJob)
		return
	}
	writeJSON(w, http.StatusOK, jobResp{
		ID:         job.ID,
		State:      job.State.String(),
		Priority:   job.Spec.Priority.String(),
		GroupID:    job.GroupID,
		Devices:    job.Devices,
		FailReason: job.FailReason,
		SubmitTime: job.SubmitTime,
		Spec:       job.Spec,
	})
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.lab.Queue.Jobs()
	out := make([]jobResp, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobResp{
			ID:         job.ID,
			State:      job.State.String(),
			Priority:   job.Spec.Priority.String(),
			GroupID:    job.GroupID,
			Devices:    job.Devices,
			FailReason: job.FailReason,
			SubmitTime: job.SubmitTime,
			Spec:       job.Spec,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.lab.CancelJob(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

type outcomeReq struct {
	Outcome string `json:"outcome"` // "complete" | "incomplete" | "canceled"
	Reason  string `json:"reason,omitempty"`
}

func (h *handlers) reportOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": err.Error()})
		return
	}
	var outcome labsched.JobState
	switch req.Outcome {
	case "complete":
		outcome = labsched.JobComplete
	case "incomplete":
		outcome = labsched.JobIncomplete
	case "canceled":
		outcome = labsched.JobCanceled
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": "outcome must be complete, incomplete or canceled"})
		return
	}
	err := h.lab.ReportOutcome(r.Context(), chi.URLParam(r, "jobID"), chi.URLParam(r, "hostname"), outcome, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (h *handlers) queueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.lab.Queue.Stats())
}

type deviceResp struct {
	Hostname   string   `json:"hostname"`
	DeviceType string   `json:"device_type"`
	Tags       []string `json:"tags,omitempty"`
	Health     string   `json:"health"`
	Status     string   `json:"status"`
	CurrentJob string   `json:"current_job,omitempty"`
}

func (h *handlers) listDevices(w http.ResponseWriter, r *http.Request) {
	devices := h.lab.Registry.Snapshot()
	out := make([]deviceResp, 0, len(devices))
	for _, dev := range devices {
		out = append(out, deviceResp{
			Hostname:   dev.Hostname,
			DeviceType: dev.DeviceType,
			Tags:       dev.Tags,
			Health:     dev.Health.String(),
			Status:     dev.Status.String(),
			CurrentJob: dev.CurrentJob,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

type registerDeviceReq struct {
	Hostname   string   `json:"hostname"`
	DeviceType string   `json:"device_type"`
	Tags       []string `json:"tags,omitempty"`
	Health     string   `json:"health,omitempty"`
}

func (h *handlers) registerDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": err.Error()})
		return
	}
	if req.Hostname == "" || req.DeviceType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": "hostname and device_type are required"})
		return
	}
	health := labsched.HealthUnknown
	if req.Health != "" {
		var ok bool
		if health, ok = healthNames[req.Health]; !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": "unknown health state"})
			return
		}
	}
	dev := labsched.Device{
		Hostname:   req.Hostname,
		DeviceType: req.DeviceType,
		Tags:       req.Tags,
		Health:     health,
		Status:     labsched.StatusIdle,
	}
	if err := h.lab.Registry.Add(r.Context(), dev); err != nil {
		writeError(w, err)
		return
	}
	h.lab.Scheduler.Trigger()
	writeJSON(w, http.StatusCreated, map[string]string{"hostname": req.Hostname})
}

// removeDevice retires a device out of the registry. Busy devices must be
// released first so a running job never loses its reservation silently.
func (h *handlers) removeDevice(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	dev, ok := h.lab.Registry.Get(hostname)
	if !ok {
		writeError(w, labsched.ErrUnknownDevice)
		return
	}
	if dev.Status == labsched.StatusReserved || dev.Status == labsched.StatusRunning {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "busy", "message": "device has a job; cancel it first",
		})
		return
	}
	if err := h.lab.Registry.Remove(r.Context(), hostname); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (h *handlers) setOffline(w http.ResponseWriter, r *http.Request) {
	if err := h.lab.Registry.SetOffline(r.Context(), chi.URLParam(r, "hostname")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "offline"})
}

func (h *handlers) setOnline(w http.ResponseWriter, r *http.Request) {
	if err := h.lab.Registry.SetOnline(r.Context(), chi.URLParam(r, "hostname")); err != nil {
		writeError(w, err)
		return
	}
	h.lab.Scheduler.Trigger()
	writeJSON(w, http.StatusOK, map[string]string{"status": "online"})
}

type healthReq struct {
	Health string `json:"health"`
}

var healthNames = map[string]labsched.DeviceHealth{
	"unknown":     labsched.HealthUnknown,
	"good":        labsched.HealthGood,
	"looping":     labsched.HealthLooping,
	"bad":         labsched.HealthBad,
	"maintenance": labsched.HealthMaintenance,
	"retired":     labsched.HealthRetired,
}

func (h *handlers) reportHealth(w http.ResponseWriter, r *http.Request) {
	var req healthReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": err.Error()})
		return
	}
	health, ok := healthNames[req.Health]
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": "unknown health state"})
		return
	}
	if err := h.lab.ReportHealth(r.Context(), chi.URLParam(r, "hostname"), health); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}

// waitTimeout reads the caller's long-poll bound from the query string.
func waitTimeout(r *http.Request) time.Duration {
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	}
	return defaultWait
}

type barrierReq struct {
	Role     string         `json:"role"`
	Hostname string         `json:"hostname"`
	Payload  map[string]any `json:"payload,omitempty"`
}

func (h *handlers) waitBarrier(w http.ResponseWriter, r *http.Request) {
	var req barrierReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": err.Error()})
		return
	}
	ctx, cancel := contextWithTimeout(r, waitTimeout(r))
	defer cancel()
	result, err := h.lab.Coord.WaitBarrier(ctx,
		chi.URLParam(r, "groupID"), chi.URLParam(r, "syncID"), req.Role, req.Hostname, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payloads": result})
}

type sendMessageReq struct {
	FromRole string         `json:"from_role"`
	ToRoles  []string       `json:"to_roles,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

func (h *handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": err.Error()})
		return
	}
	err := h.lab.Coord.SendMessage(r.Context(),
		chi.URLParam(r, "groupID"), chi.URLParam(r, "messageID"), req.FromRole, req.ToRoles, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (h *handlers) receiveMessage(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	if role == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": "role query parameter is required"})
		return
	}
	ctx, cancel := contextWithTimeout(r, waitTimeout(r))
	defer cancel()
	payload, err := h.lab.Coord.ReceiveMessage(ctx,
		chi.URLParam(r, "groupID"), chi.URLParam(r, "messageID"), role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payload": payload})
}
