package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	labsched "github.com/testfarm/labsched"
)

type nopGateway struct{}

func (nopGateway) Start(ctx context.Context, device labsched.Device, job *labsched.Job, binding *labsched.GroupBinding) error {
	return nil
}

func (nopGateway) Cancel(ctx context.Context, jobID, hostname string) error { return nil }

func newTestServer(t *testing.T) (*labsched.Lab, *httptest.Server) {
	t.Helper()
	lab, err := labsched.New(labsched.Config{Gateway: nopGateway{}})
	require.NoError(t, err)
	srv := httptest.NewServer(NewServer(lab))
	t.Cleanup(srv.Close)
	return lab, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSubmitAndFetchJob(t *testing.T) {
	_, srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/jobs", map[string]any{
		"priority": 50,
		"device":   map[string]any{"device_type": "qemu"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	jobID := decodeBody(t, resp)["job_id"].(string)
	require.NotEmpty(t, jobID)

	got, err := http.Get(srv.URL + "/api/v1/jobs/" + jobID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, got.StatusCode)
	body := decodeBody(t, got)
	assert.Equal(t, "submitted", body["state"])
	assert.Equal(t, "medium", body["priority"])
}

func TestSubmitJobRejectsBadSpec(t *testing.T) {
	_, srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/api/v1/jobs", map[string]any{"priority": 50})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetUnknownJobIs404(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/v1/jobs/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRegisterAndListDevices(t *testing.T) {
	lab, srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/devices", map[string]any{
		"hostname":    "qemu01",
		"device_type": "qemu",
		"tags":        []string{"kvm"},
		"health":      "good",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	got, err := http.Get(srv.URL + "/api/v1/devices")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, got.StatusCode)
	items := decodeBody(t, got)["items"].([]any)
	require.Len(t, items, 1)
	dev := items[0].(map[string]any)
	assert.Equal(t, "qemu01", dev["hostname"])
	assert.Equal(t, "good", dev["health"])
	assert.Equal(t, "idle", dev["status"])

	// The registered device is schedulable.
	_, ok := lab.Registry.Get("qemu01")
	assert.True(t, ok)
}

func TestListJobsEndpoint(t *testing.T) {
	lab, srv := newTestServer(t)
	jobID, err := lab.SubmitJob(context.Background(), labsched.JobSpec{
		Device: &labsched.DeviceSpec{DeviceType: "qemu"},
	})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/v1/jobs")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := decodeBody(t, resp)["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, jobID, items[0].(map[string]any)["id"])
}

func TestRemoveDeviceEndpoint(t *testing.T) {
	lab, srv := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, lab.Registry.Add(ctx, labsched.Device{
		Hostname: "qemu01", DeviceType: "qemu", Health: labsched.HealthGood,
	}))
	require.NoError(t, lab.Registry.Reserve(ctx, "qemu01", "job-1", false))

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/devices/qemu01", nil)
	require.NoError(t, err)
	busy, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer busy.Body.Close()
	assert.Equal(t, http.StatusConflict, busy.StatusCode)

	require.NoError(t, lab.Registry.Release(ctx, "qemu01"))
	req, err = http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/devices/qemu01", nil)
	require.NoError(t, err)
	removed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer removed.Body.Close()
	require.Equal(t, http.StatusOK, removed.StatusCode)
	_, ok := lab.Registry.Get("qemu01")
	assert.False(t, ok)
}

func TestRegisterDeviceValidation(t *testing.T) {
	_, srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/api/v1/devices", map[string]any{"hostname": "qemu01"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeviceHealthAndOfflineEndpoints(t *testing.T) {
	lab, srv := newTestServer(t)
	require.NoError(t, lab.Registry.Add(context.Background(), labsched.Device{
		Hostname: "qemu01", DeviceType: "qemu", Health: labsched.HealthGood,
	}))

	resp := postJSON(t, srv.URL+"/api/v1/devices/qemu01/health", map[string]any{"health": "bad"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dev, _ := lab.Registry.Get("qemu01")
	assert.Equal(t, labsched.HealthBad, dev.Health)

	missing := postJSON(t, srv.URL+"/api/v1/devices/ghost/health", map[string]any{"health": "bad"})
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	off := postJSON(t, srv.URL+"/api/v1/devices/qemu01/offline", nil)
	defer off.Body.Close()
	require.Equal(t, http.StatusOK, off.StatusCode)
	dev, _ = lab.Registry.Get("qemu01")
	assert.Equal(t, labsched.StatusOffline, dev.Status)

	on := postJSON(t, srv.URL+"/api/v1/devices/qemu01/online", nil)
	defer on.Body.Close()
	require.Equal(t, http.StatusOK, on.StatusCode)
	dev, _ = lab.Registry.Get("qemu01")
	assert.Equal(t, labsched.StatusIdle, dev.Status)
}

func TestQueueStatsEndpoint(t *testing.T) {
	lab, srv := newTestServer(t)
	_, err := lab.SubmitJob(context.Background(), labsched.JobSpec{
		Priority: labsched.PriorityHigh,
		Device:   &labsched.DeviceSpec{DeviceType: "qemu"},
	})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/v1/queue/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["depth"])
}

func TestCoordinatorEndpointsMapErrors(t *testing.T) {
	_, srv := newTestServer(t)

	// Unknown group surfaces as 404 on every coordinator route.
	barrier := postJSON(t, srv.URL+"/api/v1/groups/ghost/sync/boot?timeout=100ms", map[string]any{
		"role": "server", "hostname": "qemu01",
	})
	defer barrier.Body.Close()
	assert.Equal(t, http.StatusNotFound, barrier.StatusCode)

	send := postJSON(t, srv.URL+"/api/v1/groups/ghost/messages/addr", map[string]any{
		"from_role": "server",
	})
	defer send.Body.Close()
	assert.Equal(t, http.StatusNotFound, send.StatusCode)

	recv, err := http.Get(srv.URL + "/api/v1/groups/ghost/messages/addr?role=client&timeout=100ms")
	require.NoError(t, err)
	defer recv.Body.Close()
	assert.Equal(t, http.StatusNotFound, recv.StatusCode)
}

func TestBarrierTimeoutIs408(t *testing.T) {
	lab, srv := newTestServer(t)
	require.NoError(t, lab.Coord.DeclareGroup(context.Background(), labsched.GroupBinding{
		GroupID: "grp-1",
		JobID:   "job-1",
		Roles:   map[string][]string{"server": {"qemu01"}, "client": {"qemu02"}},
	}))

	resp := postJSON(t, srv.URL+"/api/v1/groups/grp-1/sync/boot?timeout=100ms", map[string]any{
		"role": "server", "hostname": "qemu01",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
}

func TestCancelJobEndpoint(t *testing.T) {
	lab, srv := newTestServer(t)
	jobID, err := lab.SubmitJob(context.Background(), labsched.JobSpec{
		Device: &labsched.DeviceSpec{DeviceType: "qemu"},
	})
	require.NoError(t, err)

	resp := postJSON(t, srv.URL+"/api/v1/jobs/"+jobID+"/cancel", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job, _ := lab.Queue.Get(jobID)
	assert.Equal(t, labsched.JobCanceled, job.State)
}
