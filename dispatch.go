package labsched

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// outcomeFunc is how dispatch units report a terminal status back into the
// lab; wired to Lab.ReportOutcome.
type outcomeFunc func(ctx context.Context, jobID, hostname string, outcome JobState, reason string)

// dispatcher hands reserved devices to the Gateway and tracks the cancel
// handle of every live job so CancelJob can stop its pipelines.
type dispatcher struct {
	registry *DeviceRegistry
	queue    *JobQueue
	coord    *Coordinator
	gateway  Gateway
	report   outcomeFunc

	mu       sync.Mutex
	sessions map[string]context.CancelFunc

	baseCtx context.Context
	group   *errgroup.Group
}

func newDispatcher(registry *DeviceRegistry, queue *JobQueue, coord *Coordinator, gateway Gateway) *dispatcher {
	ctx := context.Background()
	return &dispatcher{
		registry: registry,
		queue:    queue,
		coord:    coord,
		gateway:  gateway,
		sessions: make(map[string]context.CancelFunc),
		baseCtx:  ctx,
		group:    &errgroup.Group{},
	}
}

// bind attaches the lifecycle context the dispatch units run under.
func (d *dispatcher) bind(ctx context.Context) {
	d.baseCtx = ctx
}

// Launch starts one dispatch unit per reserved device of a Scheduled job.
// Each unit is an independent concurrent task; a Start error means the
// dispatcher never took the assignment and is reported as an infrastructure
// failure for that device.
func (d *dispatcher) Launch(jobID string) {
	job, ok := d.queue.Get(jobID)
	if !ok {
		log.Error().Str("job_id", jobID).Msg("launch: job vanished")
		return
	}
	var binding *GroupBinding
	if job.GroupID != "" {
		if b, ok := d.coord.Binding(job.GroupID); ok {
			binding = &b
		}
	}

	jobCtx, cancel := context.WithCancel(d.baseCtx)
	d.mu.Lock()
	d.sessions[jobID] = cancel
	d.mu.Unlock()

	if err := d.queue.Transition(jobCtx, jobID, JobRunning, nil); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("launch: mark running failed")
	}

	for _, hostname := range job.Devices {
		hostname := hostname
		dev, ok := d.registry.Get(hostname)
		if !ok {
			d.report(jobCtx, jobID, hostname, JobIncomplete, "reserved device disappeared")
			continue
		}
		if err := d.registry.MarkRunning(jobCtx, hostname); err != nil {
			log.Error().Err(err).Str("hostname", hostname).Msg("launch: mark device running failed")
		}
		GroupGoSafe(jobCtx, d.group, "dispatch-"+hostname, func(ctx context.Context) error {
			if err := d.gateway.Start(ctx, dev, &job, binding); err != nil {
				log.Error().Err(err).
					Str("job_id", jobID).
					Str("hostname", hostname).
					Msg("dispatch gateway start failed")
				d.report(ctx, jobID, hostname, JobIncomplete,
					errors.Wrap(ErrInfrastructure, err.Error()).Error())
			}
			return nil
		})
	}
}

// CancelJob stops the job's dispatch units and tells the gateway to abort the
// pipelines on every device.
func (d *dispatcher) CancelJob(ctx context.Context, jobID string, devices []string) {
	d.mu.Lock()
	cancel, ok := d.sessions[jobID]
	delete(d.sessions, jobID)
	d.mu.Unlock()
	if ok {
		cancel()
	}
	for _, hostname := range devices {
		if err := d.gateway.Cancel(ctx, jobID, hostname); err != nil {
			log.Warn().Err(err).Str("job_id", jobID).Str("hostname", hostname).Msg("gateway cancel failed")
		}
	}
}

// finish drops the session handle once a job reached a terminal state.
func (d *dispatcher) finish(jobID string) {
	d.mu.Lock()
	cancel, ok := d.sessions[jobID]
	delete(d.sessions, jobID)
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// Wait blocks until every dispatch unit has returned.
func (d *dispatcher) Wait() {
	_ = d.group.Wait()
}

// HTTPGateway forwards assignments to a remote dispatcher daemon over HTTP.
// The daemon reports terminal statuses back through the lab API, so Start only
// covers the handoff.
type HTTPGateway struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPGateway(baseURL string) *HTTPGateway {
	return &HTTPGateway{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type dispatchRequest struct {
	JobID    string        `json:"job_id"`
	Hostname string        `json:"hostname"`
	Device   Device        `json:"device"`
	Spec     JobSpec       `json:"spec"`
	Binding  *GroupBinding `json:"binding,omitempty"`
}

func (g *HTTPGateway) Start(ctx context.Context, device Device, job *Job, binding *GroupBinding) error {
	body, err := json.Marshal(dispatchRequest{
		JobID:    job.ID,
		Hostname: device.Hostname,
		Device:   device,
		Spec:     job.Spec,
		Binding:  binding,
	})
	if err != nil {
		return errors.Wrap(err, "encode dispatch request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build dispatch request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "dispatcher unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("dispatcher rejected job %s on %s: %s: %s",
			job.ID, device.Hostname, resp.Status, string(msg))
	}
	return nil
}

func (g *HTTPGateway) Cancel(ctx context.Context, jobID, hostname string) error {
	url := fmt.Sprintf("%s/jobs/%s/devices/%s/cancel", g.BaseURL, jobID, hostname)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return errors.Wrap(err, "build cancel request")
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "dispatcher unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("dispatcher refused cancel of %s on %s: %s", jobID, hostname, resp.Status)
	}
	return nil
}
