// Package api exposes the lab over HTTP: job submission and cancel, device
// health callbacks, queue introspection, and the multinode coordinator wire
// contract used by device pipelines.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	labsched "github.com/testfarm/labsched"
)

// NewServer builds the root router with the standard middleware stack and
// mounts the v1 API.
func NewServer(lab *labsched.Lab) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Route("/api", func(api chi.Router) {
		api.Mount("/v1", Router(lab))
	})
	return r
}

// Router returns the chi.Router for API v1.
func Router(lab *labsched.Lab) chi.Router {
	h := &handlers{lab: lab}
	r := chi.NewRouter()

	// Job lifecycle
	r.Post("/jobs", h.submitJob)
	r.Get("/jobs", h.listJobs)
	r.Get("/jobs/{jobID}", h.getJob)
	r.Post("/jobs/{jobID}/cancel", h.cancelJob)
	r.Post("/jobs/{jobID}/devices/{hostname}/outcome", h.reportOutcome)
	r.Get("/queue/stats", h.queueStats)

	// Devices
	r.Get("/devices", h.listDevices)
	r.Post("/devices", h.registerDevice)
	r.Delete("/devices/{hostname}", h.removeDevice)
	r.Post("/devices/{hostname}/health", h.reportHealth)
	r.Post("/devices/{hostname}/offline", h.setOffline)
	r.Post("/devices/{hostname}/online", h.setOnline)

	// Multinode coordinator wire contract
	r.Post("/groups/{groupID}/sync/{syncID}", h.waitBarrier)
	r.Post("/groups/{groupID}/messages/{messageID}", h.sendMessage)
	r.Get("/groups/{groupID}/messages/{messageID}", h.receiveMessage)

	return r
}
